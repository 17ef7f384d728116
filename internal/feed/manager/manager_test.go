package manager

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"tickfeedv1/internal/feed/conn"
	"tickfeedv1/internal/feed/registry"
	"tickfeedv1/internal/model"
)

type fakeConn struct {
	mode   int
	events chan conn.Event
	sent   chan Request
	runErr chan error
}

func newFakeConn(mode int) *fakeConn {
	return &fakeConn{
		mode:   mode,
		events: make(chan conn.Event, 8),
		sent:   make(chan Request, 32),
		runErr: make(chan error, 1),
	}
}

func (f *fakeConn) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-f.runErr:
		return err
	}
}

func (f *fakeConn) Send(v any) error {
	req, ok := v.(Request)
	if !ok {
		return errors.New("unexpected frame type")
	}
	f.sent <- req
	return nil
}

func (f *fakeConn) Events() <-chan conn.Event { return f.events }
func (f *fakeConn) Mode() int                 { return f.mode }

func (f *fakeConn) waitSent(t *testing.T) Request {
	t.Helper()
	select {
	case req := <-f.sent:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outgoing frame")
		return Request{}
	}
}

type staticPlans []model.OrderPlan

func (s staticPlans) List(ctx context.Context) ([]model.OrderPlan, error) { return s, nil }

func allTokens(req Request) []int64 {
	var out []int64
	for _, e := range req.Params.TokenList {
		out = append(out, e.Tokens...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestReadyFlushesInitialFill(t *testing.T) {
	reg := registry.New()
	ltp := newFakeConn(1)
	depth := newFakeConn(3)

	plans := staticPlans{
		{ID: "p1", Symbol: "A", Token: "101", Exchange: "NSE", Type: model.TransactionBuy, Status: model.StatusCreated},
		{ID: "p2", Symbol: "B", Token: "202", Exchange: "NFO", Type: model.TransactionSell, Status: model.StatusCreated},
	}

	m := New(Config{Registry: reg, Plans: plans}, ltp, depth)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	ltp.events <- conn.Event{Type: conn.EventReady}

	req := ltp.waitSent(t)
	if req.Action != ActionSubscribe {
		t.Errorf("action: got %d, want subscribe", req.Action)
	}
	if req.Params.Mode != 1 {
		t.Errorf("mode: got %d, want 1", req.Params.Mode)
	}
	if got := allTokens(req); len(got) != 2 || got[0] != 101 || got[1] != 202 {
		t.Errorf("tokens: got %v, want [101 202]", got)
	}
	// Tokens grouped by their own exchange codes.
	byEx := map[int][]int64{}
	for _, e := range req.Params.TokenList {
		byEx[e.ExchangeType] = e.Tokens
	}
	if len(byEx[int(model.NSECM)]) != 1 || byEx[int(model.NSECM)][0] != 101 {
		t.Errorf("NSE group: got %v", byEx[int(model.NSECM)])
	}
	if len(byEx[int(model.NSEFO)]) != 1 || byEx[int(model.NSEFO)][0] != 202 {
		t.Errorf("NFO group: got %v", byEx[int(model.NSEFO)])
	}
}

func TestBindUnbindLifecycle(t *testing.T) {
	reg := registry.New()
	ltp := newFakeConn(1)
	depth := newFakeConn(3)

	m := New(Config{Registry: reg, Plans: staticPlans{}}, ltp, depth)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.BindPlan(model.OrderPlan{ID: "p3", Symbol: "C", Token: "303", Exchange: "NSE"})

	for _, fc := range []*fakeConn{ltp, depth} {
		req := fc.waitSent(t)
		if req.Action != ActionSubscribe {
			t.Errorf("mode %d: action got %d, want subscribe", fc.mode, req.Action)
		}
		if req.Params.Mode != fc.mode {
			t.Errorf("mode field: got %d, want %d", req.Params.Mode, fc.mode)
		}
		if got := allTokens(req); len(got) != 1 || got[0] != 303 {
			t.Errorf("tokens: got %v, want [303]", got)
		}
	}

	m.UnbindPlan("p3")
	for _, fc := range []*fakeConn{ltp, depth} {
		req := fc.waitSent(t)
		if req.Action != ActionUnsubscribe {
			t.Errorf("mode %d: action got %d, want unsubscribe", fc.mode, req.Action)
		}
		if got := allTokens(req); len(got) != 1 || got[0] != 303 {
			t.Errorf("tokens: got %v, want [303]", got)
		}
	}
	if reg.Len() != 0 {
		t.Errorf("registry not empty after unbind: %d", reg.Len())
	}
}

func TestSecondHolderNoExtraSubscribe(t *testing.T) {
	reg := registry.New()
	ltp := newFakeConn(1)

	m := New(Config{Registry: reg, Plans: staticPlans{}}, ltp)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.BindPlan(model.OrderPlan{ID: "p1", Symbol: "X", Token: "101", Exchange: "NSE"})
	ltp.waitSent(t)

	m.BindPlan(model.OrderPlan{ID: "p2", Symbol: "X", Token: "101", Exchange: "NSE"})
	m.UnbindPlan("p1") // p2 still holds the token — no unsubscribe

	select {
	case req := <-ltp.sent:
		t.Errorf("unexpected frame %+v", req)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestResubscribeOn307(t *testing.T) {
	reg := registry.New()
	ltp := newFakeConn(1)

	plans := staticPlans{{ID: "p1", Symbol: "X", Token: "101", Exchange: "NSE"}}
	m := New(Config{Registry: reg, Plans: plans, ResubscribeDelay: 30 * time.Millisecond}, ltp)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	ltp.events <- conn.Event{Type: conn.EventReady}
	ltp.waitSent(t)

	start := time.Now()
	ltp.events <- conn.Event{Type: conn.EventAck}
	req := ltp.waitSent(t)
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("resubscribe fired too early: %v", elapsed)
	}
	if req.Action != ActionSubscribe {
		t.Errorf("action: got %d, want subscribe", req.Action)
	}
	if got := allTokens(req); len(got) != 1 || got[0] != 101 {
		t.Errorf("tokens: got %v, want [101]", got)
	}
}

func TestDataRequestFrame(t *testing.T) {
	reg := registry.New()
	reg.Add("p1", "101", "X", model.NSECM)

	m := New(Config{Registry: reg, Plans: staticPlans{}}, newFakeConn(3))
	frame := m.DataRequestFrame(3)
	req, ok := frame.(Request)
	if !ok {
		t.Fatalf("frame type: %T", frame)
	}
	if req.Action != ActionDataRequest || req.Params.Mode != 3 {
		t.Errorf("frame: got action=%d mode=%d", req.Action, req.Params.Mode)
	}

	empty := New(Config{Registry: registry.New(), Plans: staticPlans{}}, newFakeConn(3))
	if frame := empty.DataRequestFrame(3); frame != nil {
		t.Errorf("empty registry must yield nil frame, got %+v", frame)
	}
}

func TestConnectionFatalSurfaces(t *testing.T) {
	reg := registry.New()
	ltp := newFakeConn(1)

	m := New(Config{Registry: reg, Plans: staticPlans{}}, ltp)
	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	boom := errors.New("reconnect exhausted")
	ltp.runErr <- boom

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Errorf("Run returned %v, want wrapped %v", err, boom)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not surface connection failure")
	}
}
