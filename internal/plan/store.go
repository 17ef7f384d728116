// Package plan holds the order-plan store, the tick-driven evaluator and the
// control plane that reacts to external plan lifecycle events.
package plan

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tickfeedv1/internal/model"
)

// ErrNotFound is returned when a plan id has no row in the store.
var ErrNotFound = errors.New("plan: not found")

// StoreConfig configures the sqlite plan store.
type StoreConfig struct {
	DBPath string // e.g. "data/plans.db"
}

// Store is the sqlite-backed order-plan store. The HTTP API writes plans
// here; the feed core reads them for the initial fill and narrows its writes
// to status, current price and last-updated.
type Store struct {
	db *sql.DB
}

// DB returns the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// NewStore opens the database in WAL mode and ensures the schema.
func NewStore(cfg StoreConfig) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("plan store open: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS order_plans (
			id               TEXT PRIMARY KEY,
			symbol           TEXT NOT NULL,
			token            TEXT NOT NULL,
			exchange         TEXT NOT NULL,
			transaction_type TEXT NOT NULL,
			entry_price      REAL NOT NULL,
			exit_price       REAL NOT NULL,
			current_price    REAL NOT NULL DEFAULT 0,
			status           TEXT NOT NULL,
			created_at       INTEGER NOT NULL,
			last_updated     INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_order_plans_token ON order_plans(token);
	`); err != nil {
		return nil, fmt.Errorf("plan store schema: %w", err)
	}

	slog.Info("plan store ready", slog.String("component", "plan"), slog.String("path", cfg.DBPath))
	return &Store{db: db}, nil
}

const planColumns = `id, symbol, token, exchange, transaction_type,
	entry_price, exit_price, current_price, status, created_at, last_updated`

func scanPlan(row interface{ Scan(...any) error }) (model.OrderPlan, error) {
	var p model.OrderPlan
	var created, updated int64
	err := row.Scan(&p.ID, &p.Symbol, &p.Token, &p.Exchange, &p.Type,
		&p.EntryPrice, &p.ExitPrice, &p.CurrentPrice, &p.Status, &created, &updated)
	if err != nil {
		return model.OrderPlan{}, err
	}
	p.CreatedAt = time.Unix(created, 0).UTC()
	p.LastUpdated = time.Unix(updated, 0).UTC()
	return p, nil
}

// Get fetches one plan. Returns ErrNotFound for a missing id.
func (s *Store) Get(ctx context.Context, id string) (model.OrderPlan, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM order_plans WHERE id = ?`, id)
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.OrderPlan{}, ErrNotFound
	}
	if err != nil {
		return model.OrderPlan{}, fmt.Errorf("plan get %s: %w", id, err)
	}
	return p, nil
}

// List returns every stored plan, used to rebuild the registry on startup.
func (s *Store) List(ctx context.Context) ([]model.OrderPlan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+planColumns+` FROM order_plans`)
	if err != nil {
		return nil, fmt.Errorf("plan list: %w", err)
	}
	defer rows.Close()

	var out []model.OrderPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("plan list scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Save upserts a full plan record. The feed core only uses it in tests; the
// API layer owns plan creation.
func (s *Store) Save(ctx context.Context, p model.OrderPlan) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO order_plans (`+planColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Symbol, p.Token, p.Exchange, p.Type,
		p.EntryPrice, p.ExitPrice, p.CurrentPrice, p.Status,
		p.CreatedAt.Unix(), p.LastUpdated.Unix())
	if err != nil {
		return fmt.Errorf("plan save %s: %w", p.ID, err)
	}
	return nil
}

// UpdateTick persists the evaluator's narrow mutation: status, current price
// and last-updated.
func (s *Store) UpdateTick(ctx context.Context, id string, status model.PlanStatus, price float64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE order_plans SET status = ?, current_price = ?, last_updated = ?
		WHERE id = ?`,
		status, price, at.Unix(), id)
	if err != nil {
		return fmt.Errorf("plan update %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a plan row.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM order_plans WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("plan delete %s: %w", id, err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }
