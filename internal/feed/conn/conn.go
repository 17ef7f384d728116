// Package conn owns one authenticated upstream streaming connection for a
// single subscription mode. It drives the dial → authenticate → ready state
// machine, heartbeats, periodic data requests, health checks and bounded
// exponential-backoff reconnection. Decoded ticks are handed to the
// configured sink on the reader path; control events (ready, ack, fatal)
// surface on the Events channel.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tickfeedv1/internal/feed/decoder"
)

// Session is one authenticated vendor session. Connections pull a fresh one
// from the issuer on every dial.
type Session struct {
	JWT        string
	FeedToken  string
	APIKey     string
	ClientCode string
}

// SessionIssuer provides vendor sessions. Implemented by internal/session.
type SessionIssuer interface {
	Session(ctx context.Context) (Session, error)
}

// ErrReconnectExhausted is surfaced when the reconnect cap is exceeded. The
// host decides the process lifecycle from here.
var ErrReconnectExhausted = errors.New("conn: reconnect attempts exhausted")

var errAuthRejected = errors.New("conn: authentication rejected")

// EventType tags control events emitted to the feed manager.
type EventType int

const (
	EventReady EventType = iota
	EventDisconnected
	EventAck
	EventFatal
)

// Event is a control-plane notification from the connection.
type Event struct {
	Type  EventType
	Epoch uint64
	Ack   *decoder.Ack
	Err   error
}

// Config holds the connection tuning knobs. Zero durations fall back to the
// vendor-appropriate defaults.
type Config struct {
	URL    string
	Mode   int // 1 (LTP) or 3 (snap quote)
	Issuer SessionIssuer

	DialTimeout         time.Duration // 30s
	AuthTimeout         time.Duration // 5s, AUTHENTICATING → READY
	PingInterval        time.Duration // 30s
	DataRequestInterval time.Duration // 60s
	HealthInterval      time.Duration // 60s
	ScavengeInterval    time.Duration // 10s
	FrameStaleAfter     time.Duration // 5m without a frame forces reconnect
	PongStaleAfter      time.Duration // 2m without a pong forces reconnect
	PartialMaxAge       time.Duration // 30s before a partial buffer is dropped

	ReconnectBase        time.Duration // 5s
	ReconnectMultiplier  float64       // 1.5
	MaxReconnectAttempts int           // 10

	// AuthRejectLimit consecutive rejections within AuthRejectWindow surface
	// an unrecoverable error.
	AuthRejectLimit  int           // 3
	AuthRejectWindow time.Duration // 5m

	Logger *slog.Logger
}

func (c *Config) fillDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 30 * time.Second
	}
	if c.AuthTimeout == 0 {
		c.AuthTimeout = 5 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.DataRequestInterval == 0 {
		c.DataRequestInterval = 60 * time.Second
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = 60 * time.Second
	}
	if c.ScavengeInterval == 0 {
		c.ScavengeInterval = 10 * time.Second
	}
	if c.FrameStaleAfter == 0 {
		c.FrameStaleAfter = 5 * time.Minute
	}
	if c.PongStaleAfter == 0 {
		c.PongStaleAfter = 2 * time.Minute
	}
	if c.PartialMaxAge == 0 {
		c.PartialMaxAge = 30 * time.Second
	}
	if c.ReconnectBase == 0 {
		c.ReconnectBase = 5 * time.Second
	}
	if c.ReconnectMultiplier == 0 {
		c.ReconnectMultiplier = 1.5
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.AuthRejectLimit == 0 {
		c.AuthRejectLimit = 3
	}
	if c.AuthRejectWindow == 0 {
		c.AuthRejectWindow = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Conn is one upstream streaming connection.
type Conn struct {
	cfg   Config
	log   *slog.Logger
	state atomicState
	epoch atomic.Uint64

	writeMu sync.Mutex
	ws      *websocket.Conn

	events chan Event

	// Sink receives every decoded tick on the reader path. Must not block.
	Sink func(decoder.Result)

	// OnDataRequest composes the periodic market-data request frame for the
	// currently subscribed tokens. A nil return skips the cycle.
	OnDataRequest func() any

	// Optional metrics hooks.
	OnReconnect   func()
	OnDecodeError func()

	lastFrame atomic.Int64 // unix nanos, written by the reader path
	lastPong  atomic.Int64

	partial   []byte
	partialAt time.Time

	authRejects     int
	firstAuthReject time.Time
}

// New creates a connection for one mode. Run must be called to start it.
func New(cfg Config) *Conn {
	cfg.fillDefaults()
	return &Conn{
		cfg:    cfg,
		log:    cfg.Logger.With(slog.String("component", "conn"), slog.Int("mode", cfg.Mode)),
		events: make(chan Event, 16),
	}
}

// Events returns the control-event channel consumed by the feed manager.
func (c *Conn) Events() <-chan Event { return c.events }

// State returns the current lifecycle state.
func (c *Conn) State() State { return c.state.Load() }

// Epoch returns the current reconnect epoch.
func (c *Conn) Epoch() uint64 { return c.epoch.Load() }

// Mode returns the subscription mode this connection serves.
func (c *Conn) Mode() int { return c.cfg.Mode }

// Send writes a JSON control frame (subscribe, unsubscribe, data request)
// to the socket. Fails when no socket is up.
func (c *Conn) Send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.ws == nil {
		return errors.New("conn: not connected")
	}
	return c.ws.WriteJSON(v)
}

// Run drives the connection until ctx is cancelled or the reconnect cap is
// exceeded. It owns the socket and all timers; timers die with the epoch.
func (c *Conn) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			c.state.Store(StateDisconnected)
			return err
		}

		reachedReady, err := c.runEpoch(ctx)
		if ctx.Err() != nil {
			c.state.Store(StateDisconnected)
			return ctx.Err()
		}
		if reachedReady {
			attempt = 0
		}

		if errors.Is(err, errAuthRejected) && c.noteAuthReject() {
			fatal := fmt.Errorf("conn: %d consecutive auth rejections: %w", c.cfg.AuthRejectLimit, err)
			c.emit(Event{Type: EventFatal, Epoch: c.epoch.Load(), Err: fatal})
			c.state.Store(StateDisconnected)
			return fatal
		}

		attempt++
		if attempt > c.cfg.MaxReconnectAttempts {
			c.emit(Event{Type: EventFatal, Epoch: c.epoch.Load(), Err: ErrReconnectExhausted})
			c.state.Store(StateDisconnected)
			return ErrReconnectExhausted
		}

		c.state.Store(StateReconnecting)
		c.epoch.Add(1)
		if c.OnReconnect != nil {
			c.OnReconnect()
		}
		delay := c.backoff(attempt)
		c.log.Warn("reconnecting", slog.Int("attempt", attempt), slog.Duration("delay", delay), slog.Uint64("epoch", c.epoch.Load()), slog.Any("cause", err))

		select {
		case <-ctx.Done():
			c.state.Store(StateDisconnected)
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// backoff returns the delay before reconnect attempt k: base × mult^(k-1).
func (c *Conn) backoff(attempt int) time.Duration {
	f := float64(c.cfg.ReconnectBase) * math.Pow(c.cfg.ReconnectMultiplier, float64(attempt-1))
	return time.Duration(f)
}

func (c *Conn) noteAuthReject() bool {
	now := time.Now()
	if c.authRejects == 0 || now.Sub(c.firstAuthReject) > c.cfg.AuthRejectWindow {
		c.authRejects = 0
		c.firstAuthReject = now
	}
	c.authRejects++
	return c.authRejects >= c.cfg.AuthRejectLimit
}

type readMsg struct {
	msgType int
	data    []byte
	err     error
}

// runEpoch dials, authenticates and serves one socket until it dies.
// The bool reports whether READY was reached within this epoch.
func (c *Conn) runEpoch(ctx context.Context) (bool, error) {
	c.state.Store(StateConnecting)

	sess, err := c.cfg.Issuer.Session(ctx)
	if err != nil {
		return false, fmt.Errorf("conn: obtain session: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+sess.JWT)
	header.Set("x-api-key", sess.APIKey)
	header.Set("x-client-code", sess.ClientCode)
	header.Set("x-feed-token", sess.FeedToken)

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	ws, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("conn: dial %s: status %s: %w", c.cfg.URL, resp.Status, err)
		}
		return false, fmt.Errorf("conn: dial %s: %w", c.cfg.URL, err)
	}
	defer ws.Close()

	c.writeMu.Lock()
	c.ws = ws
	c.writeMu.Unlock()
	defer func() {
		c.writeMu.Lock()
		c.ws = nil
		c.writeMu.Unlock()
	}()

	now := time.Now().UnixNano()
	c.lastFrame.Store(now)
	c.lastPong.Store(now)
	c.partial = nil

	ws.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixNano())
		return nil
	})

	c.state.Store(StateAuthenticating)
	auth := map[string]any{
		"correlationID": uuid.NewString(),
		"action":        1,
		"params": map[string]any{
			"clientCode":    sess.ClientCode,
			"authorization": sess.JWT,
		},
	}
	if err := c.Send(auth); err != nil {
		return false, fmt.Errorf("conn: send auth frame: %w", err)
	}

	msgs := make(chan readMsg, 64)
	epoch := c.epoch.Load()
	go func() {
		for {
			mt, data, err := ws.ReadMessage()
			select {
			case msgs <- readMsg{msgType: mt, data: data, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	authTimer := time.NewTimer(c.cfg.AuthTimeout)
	defer authTimer.Stop()
	ping := time.NewTicker(c.cfg.PingInterval)
	defer ping.Stop()
	dataReq := time.NewTicker(c.cfg.DataRequestInterval)
	defer dataReq.Stop()
	healthT := time.NewTicker(c.cfg.HealthInterval)
	defer healthT.Stop()
	scavenge := time.NewTicker(c.cfg.ScavengeInterval)
	defer scavenge.Stop()

	ready := false
	var rejected error

	for {
		select {
		case <-ctx.Done():
			c.closeQuietly(ws)
			return ready, ctx.Err()

		case <-authTimer.C:
			if !ready {
				ready = true
				c.state.Store(StateReady)
				c.log.Info("ready", slog.Uint64("epoch", epoch))
				c.emit(Event{Type: EventReady, Epoch: epoch})
			}

		case m := <-msgs:
			if m.err != nil {
				c.emit(Event{Type: EventDisconnected, Epoch: epoch, Err: m.err})
				if rejected != nil {
					return ready, rejected
				}
				return ready, fmt.Errorf("conn: read: %w", m.err)
			}
			c.lastFrame.Store(time.Now().UnixNano())
			switch m.msgType {
			case websocket.BinaryMessage:
				c.handleBinary(m.data, epoch)
			case websocket.TextMessage:
				if err := c.handleText(m.data); err != nil {
					rejected = err
					c.closeQuietly(ws)
				}
			}

		case <-ping.C:
			if !ready {
				continue
			}
			if err := ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
				return ready, fmt.Errorf("conn: ping: %w", err)
			}

		case <-dataReq.C:
			if !ready || c.OnDataRequest == nil {
				continue
			}
			if frame := c.OnDataRequest(); frame != nil {
				if err := c.Send(frame); err != nil {
					c.log.Warn("data request failed", slog.Any("error", err))
				}
			}

		case <-healthT.C:
			if !ready {
				continue
			}
			if fail := c.healthFail(); fail != "" {
				c.closeQuietly(ws)
				return ready, fmt.Errorf("conn: health check: %s", fail)
			}

		case <-scavenge.C:
			if c.partial != nil && time.Since(c.partialAt) > c.cfg.PartialMaxAge {
				c.log.Debug("discarding stale partial buffer", slog.Int("bytes", len(c.partial)))
				c.partial = nil
			}
		}
	}
}

func (c *Conn) healthFail() string {
	if since := time.Since(time.Unix(0, c.lastFrame.Load())); since > c.cfg.FrameStaleAfter {
		return fmt.Sprintf("no frame for %v", since.Round(time.Second))
	}
	if since := time.Since(time.Unix(0, c.lastPong.Load())); since > c.cfg.PongStaleAfter {
		return fmt.Sprintf("no pong for %v", since.Round(time.Second))
	}
	return ""
}

// handleBinary decodes one inbound binary frame and routes it. Frames that
// fail classification are accumulated in the partial buffer in case the
// vendor split a frame across messages.
func (c *Conn) handleBinary(data []byte, epoch uint64) {
	res, err := decoder.Decode(data)
	if err != nil {
		c.bufferPartial(data)
		return
	}
	c.deliver(res, epoch)
}

func (c *Conn) bufferPartial(data []byte) {
	if c.partial == nil {
		c.partialAt = time.Now()
	}
	c.partial = append(c.partial, data...)
	res, err := decoder.Decode(c.partial)
	if err != nil {
		if c.OnDecodeError != nil {
			c.OnDecodeError()
		}
		return
	}
	c.partial = nil
	c.deliver(res, c.epoch.Load())
}

func (c *Conn) deliver(res decoder.Result, epoch uint64) {
	if epoch != c.epoch.Load() {
		return // stale epoch, connection already superseded
	}
	if res.Kind == decoder.KindAck {
		if res.Ack.Status == decoder.StatusResubscribe {
			c.emit(Event{Type: EventAck, Epoch: epoch, Ack: res.Ack})
		} else if res.Ack.Status != 0 {
			c.log.Warn("subscription ack error", slog.String("message_id", res.Ack.MessageID), slog.Int("status", int(res.Ack.Status)))
		}
		return
	}
	if c.Sink != nil {
		c.Sink(res)
	}
}

// statusEnvelope is the JSON shape of inbound text frames.
type statusEnvelope struct {
	Success   *bool             `json:"success"`
	Message   string            `json:"message"`
	ErrorCode string            `json:"errorCode"`
	Responses []json.RawMessage `json:"responses"`
}

// handleText processes a text frame. During AUTHENTICATING a success
// envelope advances the state machine; a failure is an auth rejection.
func (c *Conn) handleText(data []byte) error {
	if string(data) == "pong" {
		c.lastPong.Store(time.Now().UnixNano())
		return nil
	}
	var env statusEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Debug("unparseable text frame", slog.String("payload", string(data)))
		return nil
	}
	if env.Success == nil {
		return nil
	}
	if *env.Success {
		if c.state.Load() == StateAuthenticating {
			c.state.Store(StateAuthenticated)
			c.log.Debug("authenticated")
		}
		return nil
	}
	if c.state.Load() == StateAuthenticating || c.state.Load() == StateAuthenticated {
		return fmt.Errorf("%w: %s (%s)", errAuthRejected, env.Message, env.ErrorCode)
	}
	c.log.Warn("upstream error envelope", slog.String("message", env.Message), slog.String("code", env.ErrorCode))
	return nil
}

func (c *Conn) closeQuietly(ws *websocket.Conn) {
	deadline := time.Now().Add(time.Second)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = ws.Close()
}

func (c *Conn) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn("event channel full, dropping", slog.Int("type", int(ev.Type)))
	}
}
