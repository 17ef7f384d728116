// Package redis holds the latest-price store and the pub/sub publisher. Every
// snapshot write pairs a SET with a PUBLISH in one pipeline so key readers
// and channel subscribers see the same payload.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"tickfeedv1/internal/model"
)

const (
	keyLatestPrice = "latest-price:"
	keyMarketDepth = "marketdepth:"

	channelPriceUpdate = "price:update:"
	channelDepthUpdate = "marketdepth:update:"
	channelPlanUpdate  = "orderplan:update:"

	defaultLatestTTL = 30 * time.Minute
)

// Config configures the store connection.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Store wraps the redis client behind a write-shedding gate. Writes are
// best-effort: callers log errors and move on.
type Store struct {
	client *goredis.Client
	gate   *writeGate
	log    *slog.Logger
}

// New connects and pings the server.
func New(cfg Config, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	s := &Store{
		client: client,
		gate:   newWriteGate(5, 10*time.Second),
		log:    log.With(slog.String("component", "redis")),
	}
	s.gate.onShed = func(until time.Time) {
		s.log.Warn("shedding snapshot writes", slog.Time("until", until))
	}
	s.log.Info("connected", slog.String("addr", cfg.Addr))
	return s, nil
}

// Client exposes the underlying client for health checks and the control
// plane's subscriptions.
func (s *Store) Client() *goredis.Client { return s.client }

// Shedding reports whether snapshot writes are currently being shed.
func (s *Store) Shedding() bool { return s.gate.shedding() }

// WritePriceSnapshot overwrites latest-price:{symbol} and publishes the same
// payload on price:update:{symbol}.
func (s *Store) WritePriceSnapshot(ctx context.Context, snap model.PriceSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal price snapshot %s: %w", snap.Symbol, err)
	}
	return s.gate.run(func() error {
		pipe := s.client.Pipeline()
		pipe.Set(ctx, keyLatestPrice+snap.Symbol, payload, defaultLatestTTL)
		pipe.Publish(ctx, channelPriceUpdate+snap.Symbol, payload)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// WriteDepthSnapshot overwrites marketdepth:{symbol} and publishes on
// marketdepth:update:{symbol}.
func (s *Store) WriteDepthSnapshot(ctx context.Context, snap model.DepthSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal depth snapshot %s: %w", snap.Symbol, err)
	}
	return s.gate.run(func() error {
		pipe := s.client.Pipeline()
		pipe.Set(ctx, keyMarketDepth+snap.Symbol, payload, defaultLatestTTL)
		pipe.Publish(ctx, channelDepthUpdate+snap.Symbol, payload)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// PublishPlanUpdate announces a plan transition on orderplan:update:{id}.
func (s *Store) PublishPlanUpdate(ctx context.Context, p model.OrderPlan) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal plan %s: %w", p.ID, err)
	}
	return s.gate.run(func() error {
		return s.client.Publish(ctx, channelPlanUpdate+p.ID, payload).Err()
	})
}

// Close closes the client.
func (s *Store) Close() error { return s.client.Close() }
