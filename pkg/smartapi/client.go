// Package smartapi is a minimal client for the vendor's REST authentication
// endpoints: password+TOTP login and token renewal. The streaming core uses
// it only as a session issuer; order routes live with the execution service.
package smartapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const (
	defaultBaseURL = "https://apiconnect.angelone.in"
	defaultTimeout = 7 * time.Second

	routeLogin = "/rest/auth/angelbroking/user/v1/loginByPassword"
	routeToken = "/rest/auth/angelbroking/jwt/v1/generateTokens"
)

// Config configures the REST client.
type Config struct {
	APIKey  string
	BaseURL string        // default vendor endpoint
	Timeout time.Duration // default 7s

	// HTTPClient overrides the default client, used by tests.
	HTTPClient *http.Client
}

// Client talks to the vendor REST API.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client

	localIP  string
	publicIP string
	mac      string
}

// SessionTokens is the triple returned by a successful login or renewal.
type SessionTokens struct {
	JWT     string
	Refresh string
	Feed    string
}

// NewClient creates a client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		apiKey:   cfg.APIKey,
		baseURL:  cfg.BaseURL,
		http:     httpClient,
		localIP:  localIP(),
		publicIP: publicIP(httpClient),
		mac:      macAddress(),
	}
}

type apiEnvelope struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		JWTToken     string `json:"jwtToken"`
		RefreshToken string `json:"refreshToken"`
		FeedToken    string `json:"feedToken"`
	} `json:"data"`
}

// LoginByPassword performs the password+TOTP login and returns the session
// token triple.
func (c *Client) LoginByPassword(ctx context.Context, clientCode, password, totp string) (SessionTokens, error) {
	body := map[string]string{
		"clientcode": clientCode,
		"password":   password,
		"totp":       totp,
	}
	return c.tokenRequest(ctx, routeLogin, body, "")
}

// RenewTokens exchanges a refresh token for a fresh session.
func (c *Client) RenewTokens(ctx context.Context, jwt, refresh string) (SessionTokens, error) {
	body := map[string]string{
		"refreshToken": refresh,
	}
	return c.tokenRequest(ctx, routeToken, body, jwt)
}

func (c *Client) tokenRequest(ctx context.Context, route string, body map[string]string, bearer string) (SessionTokens, error) {
	payload, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+route, bytes.NewReader(payload))
	if err != nil {
		return SessionTokens{}, fmt.Errorf("smartapi: build request: %w", err)
	}
	c.setHeaders(req, bearer)

	resp, err := c.http.Do(req)
	if err != nil {
		return SessionTokens{}, fmt.Errorf("smartapi: %s: %w", route, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return SessionTokens{}, fmt.Errorf("smartapi: read response: %w", err)
	}

	var env apiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return SessionTokens{}, fmt.Errorf("smartapi: parse response (status %d): %w", resp.StatusCode, err)
	}
	if !env.Status {
		return SessionTokens{}, fmt.Errorf("smartapi: %s rejected: %s", route, env.Message)
	}
	if env.Data.JWTToken == "" {
		return SessionTokens{}, errors.New("smartapi: response missing jwt token")
	}
	return SessionTokens{
		JWT:     env.Data.JWTToken,
		Refresh: env.Data.RefreshToken,
		Feed:    env.Data.FeedToken,
	}, nil
}

func (c *Client) setHeaders(req *http.Request, bearer string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-UserType", "USER")
	req.Header.Set("X-SourceID", "WEB")
	req.Header.Set("X-ClientLocalIP", c.localIP)
	req.Header.Set("X-ClientPublicIP", c.publicIP)
	req.Header.Set("X-MACAddress", c.mac)
	req.Header.Set("X-PrivateKey", c.apiKey)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
}

const fallbackPublicIP = "106.193.147.98"

func publicIP(client *http.Client) string {
	resp, err := client.Get("https://api.ipify.org?format=text")
	if err != nil {
		return fallbackPublicIP
	}
	defer resp.Body.Close()
	ip, err := io.ReadAll(resp.Body)
	if err != nil || len(ip) == 0 {
		return fallbackPublicIP
	}
	return string(ip)
}

func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
			return ipNet.IP.String()
		}
	}
	return "127.0.0.1"
}

func macAddress() string {
	ifs, _ := net.Interfaces()
	for _, ifc := range ifs {
		if len(ifc.HardwareAddr) > 0 {
			return ifc.HardwareAddr.String()
		}
	}
	return "00:11:22:33:44:55"
}
