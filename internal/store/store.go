// Package store is the Postgres persistence layer. Every compound write
// (cart conversion, offer acceptance, delivery) runs inside one transaction
// so a losing concurrent attempt fails cleanly instead of corrupting totals
// or duplicating orders.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

type Store struct {
	db     *sql.DB
	logger *logrus.Logger
}

func New(db *sql.DB, logger *logrus.Logger) (*Store, error) {
	s := &Store{db: db, logger: logger}
	if err := s.createTables(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS carts (
			id VARCHAR(36) PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cart_items (
			id BIGSERIAL PRIMARY KEY,
			cart_id VARCHAR(36) NOT NULL REFERENCES carts(id) ON DELETE CASCADE,
			job_id VARCHAR(64) NOT NULL,
			quantity INTEGER NOT NULL CHECK (quantity >= 1),
			UNIQUE (cart_id, job_id)
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id VARCHAR(36) PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			status VARCHAR(20) NOT NULL,
			total_price DECIMAL(12,2) NOT NULL,
			deadline DATE,
			is_completed BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS order_items (
			id BIGSERIAL PRIMARY KEY,
			order_id VARCHAR(36) NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
			job_id VARCHAR(64) NOT NULL,
			freelancer_id VARCHAR(64),
			price DECIMAL(10,2) NOT NULL,
			quantity INTEGER NOT NULL CHECK (quantity >= 1),
			total_price DECIMAL(12,2) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS deliveries (
			id BIGSERIAL PRIMARY KEY,
			order_id VARCHAR(36) NOT NULL REFERENCES orders(id),
			deliverer_id VARCHAR(64) NOT NULL,
			artifact_ref TEXT,
			description TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS custom_offers (
			id VARCHAR(36) PRIMARY KEY,
			job_id VARCHAR(64) NOT NULL,
			sender_id VARCHAR(64) NOT NULL,
			receiver_id VARCHAR(64) NOT NULL,
			price DECIMAL(10,2) NOT NULL,
			delivery_days INTEGER NOT NULL,
			features JSONB,
			status VARCHAR(20) NOT NULL,
			order_id VARCHAR(36),
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS reviews (
			id BIGSERIAL PRIMARY KEY,
			job_id VARCHAR(64) NOT NULL,
			user_id VARCHAR(64) NOT NULL,
			rating INTEGER NOT NULL CHECK (rating BETWEEN 1 AND 5),
			comment TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_carts_user ON carts(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_order_items_order ON order_items(order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_order_items_job ON order_items(job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_offers_receiver ON custom_offers(receiver_id)`,
		`CREATE INDEX IF NOT EXISTS idx_reviews_job ON reviews(job_id, created_at)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return err
		}
	}
	return nil
}

const (
	readRetryAttempts = 3
	readRetryBackoff  = 100 * time.Millisecond
)

// withReadRetry retries an idempotent read on transient storage faults with
// exponential backoff. Mutating paths never go through here; they fail fast
// and surface the fault.
func (s *Store) withReadRetry(ctx context.Context, op string, fn func() error) error {
	backoff := readRetryBackoff
	var err error
	for attempt := 1; attempt <= readRetryAttempts; attempt++ {
		err = fn()
		if err == nil || !isTransient(err) {
			return err
		}
		s.logger.WithError(err).WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt,
		}).Warn("Transient storage fault on read, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization failure, deadlock detected
			return true
		}
		return pqErr.Code.Class() == "08" // connection exceptions
	}
	return false
}
