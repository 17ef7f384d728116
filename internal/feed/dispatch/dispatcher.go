// Package dispatch routes decoded ticks to the latest-price store, the
// pub/sub channels and the order-plan evaluator. Each upstream connection
// feeds its own bounded queue; a small worker pool drains them, sharded by
// token so ticks for one instrument stay in arrival order.
package dispatch

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"tickfeedv1/internal/feed/decoder"
	"tickfeedv1/internal/feed/registry"
	"tickfeedv1/internal/logger"
	"tickfeedv1/internal/model"
	"tickfeedv1/internal/plan"
)

// TickStore persists per-symbol snapshots and publishes them. Implemented by
// the redis store; failures are best-effort for the dispatcher.
type TickStore interface {
	WritePriceSnapshot(ctx context.Context, snap model.PriceSnapshot) error
	WriteDepthSnapshot(ctx context.Context, snap model.DepthSnapshot) error
}

// PlanEvaluator advances order plans against a traded price. Implemented by
// internal/plan.
type PlanEvaluator interface {
	EvaluateTick(ctx context.Context, planID string, price float64, at time.Time) error
}

// Config wires the dispatcher's collaborators.
type Config struct {
	Registry  *registry.Registry
	Store     TickStore
	Evaluator PlanEvaluator

	Workers   int // 4
	QueueSize int // 1024

	Logger *slog.Logger

	// OnDrop fires when a queue evicts its oldest tick.
	OnDrop func()
	// OnStoreError fires when a snapshot write or publish fails.
	OnStoreError func()
	// OnUnbind fires when the evaluator reports a vanished plan; the feed
	// manager removes the binding and unsubscribes.
	OnUnbind func(planID string)
}

// Dispatcher owns the per-connection queues and the worker pool.
type Dispatcher struct {
	cfg    Config
	log    *slog.Logger
	queues []*Queue
	shards []chan decoder.Result
}

// New creates a dispatcher. Attach per-connection queues before Run.
func New(cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &Dispatcher{
		cfg:    cfg,
		log:    cfg.Logger.With(slog.String("component", "dispatch")),
		shards: make([]chan decoder.Result, cfg.Workers),
	}
	for i := range d.shards {
		d.shards[i] = make(chan decoder.Result, 64)
	}
	return d
}

// Attach creates the bounded tick queue for one connection. The returned
// queue's Offer is the connection's tick sink.
func (d *Dispatcher) Attach() *Queue {
	q := newQueue(d.cfg.QueueSize)
	d.queues = append(d.queues, q)
	return q
}

// QueueStats returns (len, cap, dropped) per attached queue for saturation
// metrics.
func (d *Dispatcher) QueueStats() []struct {
	Len, Cap int
	Dropped  uint64
} {
	out := make([]struct {
		Len, Cap int
		Dropped  uint64
	}, len(d.queues))
	for i, q := range d.queues {
		out[i].Len = q.Len()
		out[i].Cap = q.Cap()
		out[i].Dropped = q.Dropped()
	}
	return out
}

// Run starts the queue pumps and the worker pool and blocks until ctx is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for _, q := range d.queues {
		wg.Add(1)
		go func(q *Queue) {
			defer wg.Done()
			d.pump(ctx, q)
		}(q)
	}
	for i := range d.shards {
		wg.Add(1)
		go func(shard <-chan decoder.Result) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case res := <-shard:
					d.handle(ctx, res)
				}
			}
		}(d.shards[i])
	}

	wg.Wait()
}

// pump drains one connection queue and routes ticks to their token shard so
// per-token arrival order survives the pool.
func (d *Dispatcher) pump(ctx context.Context, q *Queue) {
	lastDropped := uint64(0)
	for {
		res, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.notify:
				continue
			}
		}
		if dropped := q.Dropped(); dropped != lastDropped {
			d.log.Warn("tick queue overflow", slog.Uint64("dropped_total", dropped))
			if d.cfg.OnDrop != nil {
				for ; lastDropped < dropped; lastDropped++ {
					d.cfg.OnDrop()
				}
			}
			lastDropped = dropped
		}
		token := tokenOf(res)
		if token == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case d.shards[shardFor(token, len(d.shards))] <- res:
		}
	}
}

func tokenOf(res decoder.Result) string {
	switch res.Kind {
	case decoder.KindLTP:
		return res.LTP.Token
	case decoder.KindQuote:
		return res.Quote.Token
	case decoder.KindSnapQuote:
		return res.Snap.Token
	}
	return ""
}

func shardFor(token string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(token))
	return int(h.Sum32()) % n
}

// handle performs the per-tick side-effects: snapshot write, publish, plan
// evaluation. Store errors are logged and never stop the remaining steps.
// The tick's trace ID travels through ctx so store and evaluator log lines
// correlate back to one frame.
func (d *Dispatcher) handle(ctx context.Context, res decoder.Result) {
	token := tokenOf(res)
	symbol, ok := d.cfg.Registry.Symbol(token)
	if !ok {
		symbol = token
	}

	snap := snapshotOf(res, symbol)
	ctx = logger.WithTraceID(ctx, logger.TickTraceID(token, snap.UpdatedAt))

	if err := d.cfg.Store.WritePriceSnapshot(ctx, snap); err != nil {
		d.log.Warn("price snapshot write failed",
			append([]any{slog.String("symbol", symbol), slog.Any("error", err)}, logger.Attrs(ctx)...)...)
		if d.cfg.OnStoreError != nil {
			d.cfg.OnStoreError()
		}
	}

	if res.Kind == decoder.KindSnapQuote {
		depth := model.DepthSnapshot{
			Symbol:    symbol,
			Token:     token,
			BestBuy:   res.Snap.BestBuy,
			BestSell:  res.Snap.BestSell,
			UpdatedAt: snap.UpdatedAt,
		}
		if err := d.cfg.Store.WriteDepthSnapshot(ctx, depth); err != nil {
			d.log.Warn("depth snapshot write failed",
				append([]any{slog.String("symbol", symbol), slog.Any("error", err)}, logger.Attrs(ctx)...)...)
			if d.cfg.OnStoreError != nil {
				d.cfg.OnStoreError()
			}
		}
	}

	for _, planID := range d.cfg.Registry.Plans(token) {
		err := d.cfg.Evaluator.EvaluateTick(ctx, planID, snap.LastPrice, snap.UpdatedAt)
		if err == nil {
			continue
		}
		if errors.Is(err, plan.ErrNotFound) {
			d.log.Info("unbinding vanished plan",
				append([]any{slog.String("plan_id", planID)}, logger.Attrs(ctx)...)...)
			if d.cfg.OnUnbind != nil {
				d.cfg.OnUnbind(planID)
			}
			continue
		}
		d.log.Warn("plan evaluation failed",
			append([]any{slog.String("plan_id", planID), slog.Any("error", err)}, logger.Attrs(ctx)...)...)
	}
}

// snapshotOf flattens any tick variant into the latest-price record.
func snapshotOf(res decoder.Result, symbol string) model.PriceSnapshot {
	var base model.LTPTick
	snap := model.PriceSnapshot{Symbol: symbol}

	switch res.Kind {
	case decoder.KindLTP:
		base = *res.LTP
	case decoder.KindQuote:
		base = res.Quote.LTPTick
		fillQuote(&snap, res.Quote)
	case decoder.KindSnapQuote:
		base = res.Snap.LTPTick
		fillQuote(&snap, &res.Snap.QuoteTick)
		snap.BestBuy = res.Snap.BestBuy
		snap.BestSell = res.Snap.BestSell
	}

	snap.Token = base.Token
	snap.Exchange = base.Exchange.String()
	snap.LastPrice = base.LastPrice
	snap.UpdatedAt = base.TickTS
	return snap
}

func fillQuote(snap *model.PriceSnapshot, q *model.QuoteTick) {
	snap.Open = q.Open
	snap.High = q.High
	snap.Low = q.Low
	snap.Close = q.Close
	snap.Volume = q.Volume
	snap.TotalBuy = q.TotalBuyQty
	snap.TotalSell = q.TotalSellQty
}
