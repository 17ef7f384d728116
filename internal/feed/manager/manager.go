// Package manager owns the two upstream connections (LTP and snap-quote
// modes), translates registry changes into subscribe/unsubscribe frames and
// rebuilds subscriptions whenever a connection comes back. All registry
// mutations and outgoing control frames are serialised through one loop.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"tickfeedv1/internal/feed/conn"
	"tickfeedv1/internal/feed/registry"
	"tickfeedv1/internal/model"
)

// Wire actions for outgoing control frames. Action 2 doubles as the periodic
// market-data request for the already-subscribed token set.
const (
	ActionUnsubscribe = 0
	ActionSubscribe   = 1
	ActionDataRequest = 2
)

// Connection is the surface the manager needs from a feed connection.
// Satisfied by *conn.Conn.
type Connection interface {
	Run(ctx context.Context) error
	Send(v any) error
	Events() <-chan conn.Event
	Mode() int
}

// PlanLister provides the current plan set for the initial registry fill.
type PlanLister interface {
	List(ctx context.Context) ([]model.OrderPlan, error)
}

// TokenListEntry groups tokens by exchange for the vendor subscribe frame.
type TokenListEntry struct {
	ExchangeType int     `json:"exchangeType"`
	Tokens       []int64 `json:"tokens"`
}

type requestParams struct {
	Mode      int              `json:"mode"`
	TokenList []TokenListEntry `json:"tokenList"`
}

// Request is the outgoing vendor control frame.
type Request struct {
	CorrelationID string        `json:"correlationID"`
	Action        int           `json:"action"`
	Params        requestParams `json:"params"`
}

// Config wires the manager.
type Config struct {
	Registry *registry.Registry
	Plans    PlanLister

	// ResubscribeDelay is the hold-off before a full resubscribe after the
	// vendor signals status 307.
	ResubscribeDelay time.Duration // 2s

	Logger *slog.Logger

	// OnFatal fires when a connection surfaces an unrecoverable error.
	OnFatal func(mode int, err error)
}

type cmdKind int

const (
	cmdBind cmdKind = iota
	cmdUnbind
	cmdReady
	cmdResubscribe
)

type command struct {
	kind    cmdKind
	plan    model.OrderPlan
	planID  string
	connIdx int
}

// Manager drives the connections against the registry.
type Manager struct {
	cfg   Config
	log   *slog.Logger
	conns []Connection
	cmds  chan command
	fatal chan error
}

// New creates a manager over the given connections (one per mode).
func New(cfg Config, conns ...Connection) *Manager {
	if cfg.ResubscribeDelay == 0 {
		cfg.ResubscribeDelay = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:   cfg,
		log:   cfg.Logger.With(slog.String("component", "manager")),
		conns: conns,
		cmds:  make(chan command, 128),
		fatal: make(chan error, len(conns)),
	}
}

// BindPlan routes a plan binding through the control loop. Called by the
// control plane and the initial fill.
func (m *Manager) BindPlan(p model.OrderPlan) {
	m.cmds <- command{kind: cmdBind, plan: p}
}

// UnbindPlan removes a plan binding and unsubscribes freed tokens.
func (m *Manager) UnbindPlan(planID string) {
	m.cmds <- command{kind: cmdUnbind, planID: planID}
}

// DataRequestFrame composes the periodic market-data request for one mode
// from the current registry snapshot. Wired as the connection's
// OnDataRequest hook; returns nil when nothing is subscribed.
func (m *Manager) DataRequestFrame(mode int) any {
	snap := m.cfg.Registry.Snapshot()
	if len(snap) == 0 {
		return nil
	}
	return composeRequest(ActionDataRequest, mode, snap)
}

// Run performs the initial fill, starts the connections and serves the
// control loop until ctx is cancelled or a connection dies unrecoverably.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.initialFill(ctx); err != nil {
		return fmt.Errorf("manager: initial fill: %w", err)
	}

	for i, c := range m.conns {
		go func(idx int, c Connection) {
			if err := c.Run(ctx); err != nil && ctx.Err() == nil {
				select {
				case m.fatal <- fmt.Errorf("manager: connection mode %d: %w", c.Mode(), err):
				default:
				}
			}
		}(i, c)
		go m.pumpEvents(ctx, i, c)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-m.fatal:
			return err
		case cmd := <-m.cmds:
			m.handle(cmd)
		}
	}
}

// initialFill loads every stored plan into the registry before any
// connection reaches READY; the Ready transition flushes the batch as one
// full subscribe.
func (m *Manager) initialFill(ctx context.Context) error {
	plans, err := m.cfg.Plans.List(ctx)
	if err != nil {
		return err
	}
	for _, p := range plans {
		m.cfg.Registry.Add(p.ID, p.Token, p.Symbol, model.DetectExchange(p.Exchange))
	}
	m.log.Info("initial fill complete", slog.Int("plans", len(plans)), slog.Int("tokens", m.cfg.Registry.Len()))
	return nil
}

// pumpEvents translates connection events into control-loop commands.
func (m *Manager) pumpEvents(ctx context.Context, idx int, c Connection) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.Events():
			switch ev.Type {
			case conn.EventReady:
				m.enqueue(ctx, command{kind: cmdReady, connIdx: idx})
			case conn.EventAck:
				// Vendor asked for a resubscribe; hold off briefly before
				// the refresh. Each 307 arms its own timer.
				idx := idx
				time.AfterFunc(m.cfg.ResubscribeDelay, func() {
					m.enqueue(ctx, command{kind: cmdResubscribe, connIdx: idx})
				})
			case conn.EventDisconnected:
				m.log.Warn("connection lost", slog.Int("mode", c.Mode()), slog.Any("error", ev.Err))
			case conn.EventFatal:
				if m.cfg.OnFatal != nil {
					m.cfg.OnFatal(c.Mode(), ev.Err)
				}
			}
		}
	}
}

func (m *Manager) enqueue(ctx context.Context, cmd command) {
	select {
	case m.cmds <- cmd:
	case <-ctx.Done():
	}
}

func (m *Manager) handle(cmd command) {
	switch cmd.kind {
	case cmdBind:
		p := cmd.plan
		exchange := model.DetectExchange(p.Exchange)
		newToken, released := m.cfg.Registry.Add(p.ID, p.Token, p.Symbol, exchange)
		for _, b := range released {
			m.sendAll(ActionUnsubscribe, b)
		}
		if newToken {
			m.sendAll(ActionSubscribe, registry.Binding{Token: p.Token, Symbol: p.Symbol, Exchange: exchange})
		}

	case cmdUnbind:
		for _, b := range m.cfg.Registry.Remove(cmd.planID) {
			m.sendAll(ActionUnsubscribe, b)
		}

	case cmdReady:
		m.fullSubscribe(cmd.connIdx)

	case cmdResubscribe:
		m.log.Info("resubscribing after vendor request", slog.Int("mode", m.conns[cmd.connIdx].Mode()))
		m.fullSubscribe(cmd.connIdx)
	}
}

// fullSubscribe sends the complete grouped token set to one connection.
func (m *Manager) fullSubscribe(idx int) {
	snap := m.cfg.Registry.Snapshot()
	if len(snap) == 0 {
		return
	}
	c := m.conns[idx]
	req := composeRequest(ActionSubscribe, c.Mode(), snap)
	if err := c.Send(req); err != nil {
		m.log.Warn("full subscribe failed", slog.Int("mode", c.Mode()), slog.Any("error", err))
	}
}

// sendAll sends a single-token action to every connection in its own mode.
func (m *Manager) sendAll(action int, b registry.Binding) {
	single := map[model.ExchangeCode][]string{b.Exchange: {b.Token}}
	for _, c := range m.conns {
		req := composeRequest(action, c.Mode(), single)
		if err := c.Send(req); err != nil {
			// Not connected yet; the Ready resubscribe reconciles.
			m.log.Debug("send skipped", slog.Int("action", action), slog.Int("mode", c.Mode()), slog.Any("error", err))
		}
	}
}

func composeRequest(action, mode int, snap map[model.ExchangeCode][]string) Request {
	entries := make([]TokenListEntry, 0, len(snap))
	for ex, tokens := range snap {
		entry := TokenListEntry{ExchangeType: int(ex), Tokens: make([]int64, 0, len(tokens))}
		for _, tok := range tokens {
			n, err := strconv.ParseInt(tok, 10, 64)
			if err != nil {
				slog.Warn("non-numeric token skipped", slog.String("component", "manager"), slog.String("token", tok))
				continue
			}
			entry.Tokens = append(entry.Tokens, n)
		}
		if len(entry.Tokens) > 0 {
			entries = append(entries, entry)
		}
	}
	return Request{
		CorrelationID: uuid.NewString(),
		Action:        action,
		Params:        requestParams{Mode: mode, TokenList: entries},
	}
}
