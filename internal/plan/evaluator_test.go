package plan

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tickfeedv1/internal/model"
)

func TestTransition(t *testing.T) {
	cases := []struct {
		name   string
		status model.PlanStatus
		typ    model.TransactionType
		price  float64
		want   model.PlanStatus
	}{
		{"buy entry at limit", model.StatusCreated, model.TransactionBuy, 100.00, model.StatusEntryTriggered},
		{"buy entry below limit", model.StatusCreated, model.TransactionBuy, 99.50, model.StatusEntryTriggered},
		{"buy no trigger between", model.StatusCreated, model.TransactionBuy, 105.00, model.StatusCreated},
		{"buy exit from created", model.StatusCreated, model.TransactionBuy, 111.00, model.StatusExitTriggered},
		{"buy exit from entry", model.StatusEntryTriggered, model.TransactionBuy, 110.00, model.StatusExitTriggered},
		{"sell entry above", model.StatusCreated, model.TransactionSell, 101.00, model.StatusEntryTriggered},
		{"sell no trigger", model.StatusCreated, model.TransactionSell, 99.00, model.StatusCreated},
		{"sell exit below", model.StatusEntryTriggered, model.TransactionSell, 89.00, model.StatusExitTriggered},
		{"executed is terminal", model.StatusExecuted, model.TransactionBuy, 50.00, model.StatusExecuted},
		{"cancelled is terminal", model.StatusCancelled, model.TransactionSell, 500.00, model.StatusCancelled},
		{"failed is terminal", model.StatusFailed, model.TransactionBuy, 50.00, model.StatusFailed},
		{"exit is sticky", model.StatusExitTriggered, model.TransactionBuy, 99.00, model.StatusExitTriggered},
	}

	// BUY: entry 100, exit 110. SELL: entry 100, exit 90.
	for _, tc := range cases {
		exit := 110.0
		if tc.typ == model.TransactionSell {
			exit = 90.0
		}
		if got := Transition(tc.status, tc.typ, tc.price, 100.0, exit); got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

type fakePublisher struct {
	mu    sync.Mutex
	plans []model.OrderPlan
}

func (f *fakePublisher) PublishPlanUpdate(ctx context.Context, p model.OrderPlan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plans = append(f.plans, p)
	return nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(StoreConfig{DBPath: filepath.Join(t.TempDir(), "plans.db")})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEvaluateTickEntryTrigger(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	p := model.OrderPlan{
		ID: "p1", Symbol: "X", Token: "101", Exchange: "NSE",
		Type: model.TransactionBuy, EntryPrice: 100.00, ExitPrice: 110.00,
		Status: model.StatusCreated, CreatedAt: created, LastUpdated: created,
	}
	if err := store.Save(ctx, p); err != nil {
		t.Fatalf("Save: %v", err)
	}

	pub := &fakePublisher{}
	ev := NewEvaluator(store, pub, nil)

	at := time.Now().UTC().Truncate(time.Second)
	if err := ev.EvaluateTick(ctx, "p1", 99.50, at); err != nil {
		t.Fatalf("EvaluateTick: %v", err)
	}

	got, err := store.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.StatusEntryTriggered {
		t.Errorf("status: got %s, want ENTRY_TRIGGERED", got.Status)
	}
	if got.CurrentPrice != 99.50 {
		t.Errorf("current price: got %v, want 99.50", got.CurrentPrice)
	}
	if !got.LastUpdated.Equal(at) {
		t.Errorf("last updated: got %v, want %v", got.LastUpdated, at)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.plans) != 1 || pub.plans[0].Status != model.StatusEntryTriggered {
		t.Errorf("published transitions: got %+v", pub.plans)
	}
}

func TestEvaluateTickNoTransitionNoPublish(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	p := model.OrderPlan{
		ID: "p2", Symbol: "Y", Token: "202", Exchange: "NSE",
		Type: model.TransactionBuy, EntryPrice: 100.00, ExitPrice: 110.00,
		Status: model.StatusCreated, CreatedAt: now, LastUpdated: now,
	}
	if err := store.Save(ctx, p); err != nil {
		t.Fatalf("Save: %v", err)
	}

	pub := &fakePublisher{}
	ev := NewEvaluator(store, pub, nil)
	if err := ev.EvaluateTick(ctx, "p2", 105.00, now); err != nil {
		t.Fatalf("EvaluateTick: %v", err)
	}

	got, _ := store.Get(ctx, "p2")
	if got.Status != model.StatusCreated {
		t.Errorf("status: got %s, want CREATED", got.Status)
	}
	if got.CurrentPrice != 105.00 {
		t.Errorf("current price must still update: got %v", got.CurrentPrice)
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.plans) != 0 {
		t.Errorf("no transition must not publish, got %d", len(pub.plans))
	}
}

func TestEvaluateTickVanishedPlan(t *testing.T) {
	store := newTestStore(t)
	ev := NewEvaluator(store, &fakePublisher{}, nil)

	err := ev.EvaluateTick(context.Background(), "ghost", 10.0, time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestStoreListAndDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	for _, id := range []string{"a", "b", "c"} {
		p := model.OrderPlan{
			ID: id, Symbol: "S" + id, Token: id, Exchange: "NSE",
			Type: model.TransactionSell, EntryPrice: 1, ExitPrice: 2,
			Status: model.StatusCreated, CreatedAt: now, LastUpdated: now,
		}
		if err := store.Save(ctx, p); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
	}

	plans, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(plans) != 3 {
		t.Fatalf("List: got %d plans, want 3", len(plans))
	}

	if err := store.Delete(ctx, "b"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted plan still readable: %v", err)
	}
}
