package plan

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	goredis "github.com/go-redis/redis/v8"

	"tickfeedv1/internal/model"
)

// Channels the control plane consumes. Payload is the plan id.
const (
	ChannelPlanNew    = "orderplan:new"
	ChannelPlanDelete = "orderplan:delete"
)

// Binder is the feed manager surface the control plane drives: bind a plan
// into the subscription registry or drop it.
type Binder interface {
	BindPlan(p model.OrderPlan)
	UnbindPlan(planID string)
}

// ControlPlane listens for external plan lifecycle events and mutates the
// registry through the feed manager. Unknown or malformed payloads are
// ignored.
type ControlPlane struct {
	rdb    *goredis.Client
	store  *Store
	binder Binder
	log    *slog.Logger
}

// NewControlPlane wires the control plane.
func NewControlPlane(rdb *goredis.Client, store *Store, binder Binder, log *slog.Logger) *ControlPlane {
	if log == nil {
		log = slog.Default()
	}
	return &ControlPlane{
		rdb:    rdb,
		store:  store,
		binder: binder,
		log:    log.With(slog.String("component", "control")),
	}
}

// Run subscribes one loop per channel and blocks until ctx is cancelled.
func (c *ControlPlane) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.consume(ctx, ChannelPlanNew, c.handleNew)
	}()
	go func() {
		defer wg.Done()
		c.consume(ctx, ChannelPlanDelete, c.handleDelete)
	}()
	wg.Wait()
}

func (c *ControlPlane) consume(ctx context.Context, channel string, handle func(ctx context.Context, planID string)) {
	pubsub := c.rdb.Subscribe(ctx, channel)
	defer pubsub.Close()

	c.log.Info("subscribed", slog.String("channel", channel))
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			planID := strings.TrimSpace(msg.Payload)
			if planID == "" {
				continue
			}
			handle(ctx, planID)
		}
	}
}

func (c *ControlPlane) handleNew(ctx context.Context, planID string) {
	p, err := c.store.Get(ctx, planID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.log.Warn("new-plan event for unknown id", slog.String("plan_id", planID))
		} else {
			c.log.Warn("plan fetch failed", slog.String("plan_id", planID), slog.Any("error", err))
		}
		return
	}
	c.log.Info("binding plan", slog.String("plan_id", planID), slog.String("symbol", p.Symbol))
	c.binder.BindPlan(p)
}

func (c *ControlPlane) handleDelete(ctx context.Context, planID string) {
	c.log.Info("unbinding plan", slog.String("plan_id", planID))
	c.binder.UnbindPlan(planID)
}
