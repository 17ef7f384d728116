package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"tickfeedv1/internal/feed/decoder"
	"tickfeedv1/internal/feed/registry"
	"tickfeedv1/internal/model"
	"tickfeedv1/internal/plan"
)

type fakeStore struct {
	mu     sync.Mutex
	prices []model.PriceSnapshot
	depths []model.DepthSnapshot
	err    error
}

func (f *fakeStore) WritePriceSnapshot(ctx context.Context, s model.PriceSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices = append(f.prices, s)
	return f.err
}

func (f *fakeStore) WriteDepthSnapshot(ctx context.Context, s model.DepthSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.depths = append(f.depths, s)
	return f.err
}

func (f *fakeStore) priceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prices)
}

type fakeEvaluator struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeEvaluator) EvaluateTick(ctx context.Context, planID string, price float64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, planID)
	return f.err
}

func (f *fakeEvaluator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func ltpResult(token string, price float64) decoder.Result {
	return decoder.Result{
		Kind: decoder.KindLTP,
		LTP: &model.LTPTick{
			Exchange:  model.NSECM,
			Token:     token,
			LastPrice: price,
			TickTS:    time.Now().UTC(),
		},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}

func TestDispatchLTPTick(t *testing.T) {
	reg := registry.New()
	reg.Add("p1", "101", "X", model.NSECM)
	reg.Add("p2", "101", "X", model.NSECM)

	store := &fakeStore{}
	eval := &fakeEvaluator{}
	d := New(Config{Registry: reg, Store: store, Evaluator: eval, Workers: 2, QueueSize: 16})
	q := d.Attach()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	q.Offer(ltpResult("101", 99.50))

	waitFor(t, func() bool { return store.priceCount() == 1 && eval.callCount() == 2 })

	store.mu.Lock()
	snap := store.prices[0]
	store.mu.Unlock()
	if snap.Symbol != "X" || snap.LastPrice != 99.50 {
		t.Errorf("snapshot: got %+v", snap)
	}
}

func TestDispatchSnapQuoteWritesDepth(t *testing.T) {
	reg := registry.New()
	reg.Add("p1", "71933", "BANKNIFTY", model.NSEFO)

	store := &fakeStore{}
	eval := &fakeEvaluator{}
	d := New(Config{Registry: reg, Store: store, Evaluator: eval, Workers: 1, QueueSize: 16})
	q := d.Attach()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	q.Offer(decoder.Result{
		Kind: decoder.KindSnapQuote,
		Snap: &model.SnapQuoteTick{
			QuoteTick: model.QuoteTick{
				LTPTick: model.LTPTick{Exchange: model.NSEFO, Token: "71933", LastPrice: 145.00, TickTS: time.Now().UTC()},
			},
			BestBuy:  []model.DepthLevel{{Price: 145.00}, {Price: 144.95}, {Price: 144.90}},
			BestSell: []model.DepthLevel{{Price: 145.10}, {Price: 145.15}},
		},
	})

	waitFor(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.depths) == 1
	})

	store.mu.Lock()
	depth := store.depths[0]
	store.mu.Unlock()
	if depth.Symbol != "BANKNIFTY" {
		t.Errorf("depth symbol: got %q", depth.Symbol)
	}
	want := []float64{145.00, 144.95, 144.90}
	for i, p := range want {
		if depth.BestBuy[i].Price != p {
			t.Errorf("buy[%d]: got %v, want %v", i, depth.BestBuy[i].Price, p)
		}
	}
}

func TestVanishedPlanUnbinds(t *testing.T) {
	reg := registry.New()
	reg.Add("ghost", "101", "X", model.NSECM)

	unbound := make(chan string, 1)
	store := &fakeStore{}
	eval := &fakeEvaluator{err: plan.ErrNotFound}
	d := New(Config{
		Registry:  reg,
		Store:     store,
		Evaluator: eval,
		Workers:   1,
		QueueSize: 16,
		OnUnbind:  func(id string) { unbound <- id },
	})
	q := d.Attach()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	q.Offer(ltpResult("101", 10))

	select {
	case id := <-unbound:
		if id != "ghost" {
			t.Errorf("unbound plan: got %q, want ghost", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnUnbind never fired")
	}
}

func TestQueueDropsOldest(t *testing.T) {
	q := newQueue(4)
	for i := 0; i < 6; i++ {
		q.Offer(ltpResult("t", float64(i)))
	}
	if q.Dropped() != 2 {
		t.Errorf("dropped: got %d, want 2", q.Dropped())
	}
	// Oldest two entries were evicted; the first pop is tick #2.
	res, ok := q.pop()
	if !ok || res.LTP.LastPrice != 2 {
		t.Errorf("first pop: got %+v ok=%v, want price 2", res.LTP, ok)
	}
	if q.Len() != 3 {
		t.Errorf("len: got %d, want 3", q.Len())
	}
}

func TestStoreErrorDoesNotStopEvaluation(t *testing.T) {
	reg := registry.New()
	reg.Add("p1", "101", "X", model.NSECM)

	store := &fakeStore{err: context.DeadlineExceeded}
	eval := &fakeEvaluator{}
	d := New(Config{Registry: reg, Store: store, Evaluator: eval, Workers: 1, QueueSize: 8})
	q := d.Attach()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	q.Offer(ltpResult("101", 50))
	waitFor(t, func() bool { return eval.callCount() == 1 })
}
