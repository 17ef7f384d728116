// Package session issues authenticated vendor sessions for the streaming
// connections. Each request performs a fresh password+TOTP login so a
// reconnecting socket never reuses an expired JWT.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"tickfeedv1/internal/feed/conn"
	"tickfeedv1/pkg/smartapi"
)

// Config holds the vendor credentials. TOTPSecret accepts either a raw
// base32 seed or a full otpauth:// URI.
type Config struct {
	APIKey     string
	ClientCode string
	Password   string
	TOTPSecret string
}

// Issuer logs in against the vendor REST API and hands the resulting tokens
// to the streaming connections.
type Issuer struct {
	cfg    Config
	secret string
	client *smartapi.Client
	log    *slog.Logger
}

// New creates an issuer. The TOTP secret is resolved once up front so a
// malformed URI fails at startup, not mid-reconnect.
func New(client *smartapi.Client, cfg Config, log *slog.Logger) (*Issuer, error) {
	if log == nil {
		log = slog.Default()
	}
	secret := cfg.TOTPSecret
	if strings.HasPrefix(secret, "otpauth://") {
		key, err := otp.NewKeyFromURL(secret)
		if err != nil {
			return nil, fmt.Errorf("session: parse totp uri: %w", err)
		}
		secret = key.Secret()
	}
	return &Issuer{
		cfg:    cfg,
		secret: secret,
		client: client,
		log:    log.With(slog.String("component", "session")),
	}, nil
}

// Session performs a fresh login and returns the dial credentials.
func (i *Issuer) Session(ctx context.Context) (conn.Session, error) {
	code, err := totp.GenerateCode(i.secret, time.Now())
	if err != nil {
		return conn.Session{}, fmt.Errorf("session: totp: %w", err)
	}

	tokens, err := i.client.LoginByPassword(ctx, i.cfg.ClientCode, i.cfg.Password, code)
	if err != nil {
		return conn.Session{}, fmt.Errorf("session: login: %w", err)
	}

	i.log.Info("session issued", slog.String("client_code", i.cfg.ClientCode))
	return conn.Session{
		JWT:        tokens.JWT,
		FeedToken:  tokens.Feed,
		APIKey:     i.cfg.APIKey,
		ClientCode: i.cfg.ClientCode,
	}, nil
}
