package plan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tickfeedv1/internal/logger"
	"tickfeedv1/internal/model"
)

// Publisher announces plan transitions to downstream consumers. Implemented
// by the redis store (channel orderplan:update:{id}).
type Publisher interface {
	PublishPlanUpdate(ctx context.Context, p model.OrderPlan) error
}

// Evaluator advances order-plan statuses from incoming traded prices. The
// transition rules are deterministic; terminal statuses never move.
type Evaluator struct {
	store *Store
	pub   Publisher
	log   *slog.Logger

	// OnTransition fires after a status change is persisted.
	OnTransition func(p model.OrderPlan, from model.PlanStatus)
}

// NewEvaluator creates an evaluator over the plan store.
func NewEvaluator(store *Store, pub Publisher, log *slog.Logger) *Evaluator {
	if log == nil {
		log = slog.Default()
	}
	return &Evaluator{
		store: store,
		pub:   pub,
		log:   log.With(slog.String("component", "evaluator")),
	}
}

// EvaluateTick applies one traded price to one plan: compute the status
// transition, persist current price and last-updated, publish on change.
// Returns ErrNotFound when the plan has vanished from the store so the
// caller can unbind it.
func (e *Evaluator) EvaluateTick(ctx context.Context, planID string, price float64, at time.Time) error {
	p, err := e.store.Get(ctx, planID)
	if err != nil {
		return err
	}

	from := p.Status
	p.Status = Transition(p.Status, p.Type, price, p.EntryPrice, p.ExitPrice)
	p.CurrentPrice = price
	p.LastUpdated = at

	if err := e.store.UpdateTick(ctx, p.ID, p.Status, p.CurrentPrice, p.LastUpdated); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		// A write failure must not unsubscribe the plan; surface and retry
		// on the next tick.
		return fmt.Errorf("evaluator persist %s: %w", p.ID, err)
	}

	if p.Status != from {
		e.log.Info("plan transition",
			append([]any{
				slog.String("plan_id", p.ID),
				slog.String("from", string(from)),
				slog.String("to", string(p.Status)),
				slog.Float64("price", price),
			}, logger.Attrs(ctx)...)...)
		if e.pub != nil {
			if err := e.pub.PublishPlanUpdate(ctx, p); err != nil {
				e.log.Warn("plan update publish failed",
					append([]any{slog.String("plan_id", p.ID), slog.Any("error", err)}, logger.Attrs(ctx)...)...)
			}
		}
		if e.OnTransition != nil {
			e.OnTransition(p, from)
		}
	}
	return nil
}

// Transition computes the next status for a plan given a traded price.
// BUY enters when the price falls to the entry and exits when it rises to
// the exit; SELL is the mirror image. Terminal statuses are preserved.
func Transition(status model.PlanStatus, typ model.TransactionType, price, entry, exit float64) model.PlanStatus {
	if status.Terminal() {
		return status
	}
	switch typ {
	case model.TransactionBuy:
		if status == model.StatusCreated && price <= entry {
			status = model.StatusEntryTriggered
		}
		if (status == model.StatusCreated || status == model.StatusEntryTriggered) && price >= exit {
			status = model.StatusExitTriggered
		}
	case model.TransactionSell:
		if status == model.StatusCreated && price >= entry {
			status = model.StatusEntryTriggered
		}
		if (status == model.StatusCreated || status == model.StatusEntryTriggered) && price <= exit {
			status = model.StatusExitTriggered
		}
	}
	return status
}
