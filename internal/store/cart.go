package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/onesix/marketplace-orders/pkg/apperrors"
	"github.com/onesix/marketplace-orders/pkg/models"
)

func (s *Store) CreateCart(ctx context.Context, userID string) (*models.Cart, error) {
	cart := &models.Cart{
		ID:        uuid.New().String(),
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO carts (id, user_id, created_at) VALUES ($1, $2, $3)`,
		cart.ID, cart.UserID, cart.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert cart: %w", err)
	}
	return cart, nil
}

func (s *Store) GetCart(ctx context.Context, cartID string) (*models.Cart, error) {
	var cart *models.Cart
	err := s.withReadRetry(ctx, "get_cart", func() error {
		var err error
		cart, err = s.getCart(ctx, cartID)
		return err
	})
	return cart, err
}

func (s *Store) getCart(ctx context.Context, cartID string) (*models.Cart, error) {
	cart := &models.Cart{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, created_at FROM carts WHERE id = $1`, cartID).
		Scan(&cart.ID, &cart.UserID, &cart.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundf("cart %s not found", cartID)
	}
	if err != nil {
		return nil, fmt.Errorf("select cart: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, cart_id, job_id, quantity FROM cart_items WHERE cart_id = $1 ORDER BY id`,
		cartID)
	if err != nil {
		return nil, fmt.Errorf("select cart items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item models.CartItem
		if err := rows.Scan(&item.ID, &item.CartID, &item.JobID, &item.Quantity); err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		cart.Items = append(cart.Items, item)
	}
	return cart, rows.Err()
}

// UpsertCartItem inserts a line or accumulates quantity onto the existing
// line for the same job. The UNIQUE(cart_id, job_id) constraint makes this
// safe under concurrent adds; the database, not the application, arbitrates.
func (s *Store) UpsertCartItem(ctx context.Context, cartID, jobID string, quantity int) (*models.CartItem, error) {
	item := &models.CartItem{CartID: cartID, JobID: jobID}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO cart_items (cart_id, job_id, quantity)
		VALUES ($1, $2, $3)
		ON CONFLICT (cart_id, job_id)
		DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity
		RETURNING id, quantity`,
		cartID, jobID, quantity).
		Scan(&item.ID, &item.Quantity)
	if err != nil {
		return nil, fmt.Errorf("upsert cart item: %w", err)
	}
	return item, nil
}

func (s *Store) UpdateCartItemQuantity(ctx context.Context, cartID string, itemID int64, quantity int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cart_items SET quantity = $1 WHERE id = $2 AND cart_id = $3`,
		quantity, itemID, cartID)
	if err != nil {
		return fmt.Errorf("update cart item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFoundf("cart item %d not found in cart %s", itemID, cartID)
	}
	return nil
}

func (s *Store) DeleteCartItem(ctx context.Context, cartID string, itemID int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cart_items WHERE id = $1 AND cart_id = $2`, itemID, cartID)
	if err != nil {
		return fmt.Errorf("delete cart item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFoundf("cart item %d not found in cart %s", itemID, cartID)
	}
	return nil
}
