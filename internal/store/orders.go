package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/onesix/marketplace-orders/pkg/apperrors"
	"github.com/onesix/marketplace-orders/pkg/models"
)

// ConvertCart writes the order and its lines and destroys the cart in one
// transaction. If a concurrent checkout already consumed the cart, the
// delete hits zero rows and the whole transaction rolls back, so exactly
// one order can ever come out of a cart.
func (s *Store) ConvertCart(ctx context.Context, order *models.Order, cartID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin convert cart: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM carts WHERE id = $1`, cartID)
	if err != nil {
		return fmt.Errorf("delete cart: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Conflictf("cart %s was already converted or removed", cartID)
	}

	if err := insertOrderTx(ctx, tx, order); err != nil {
		return err
	}
	return tx.Commit()
}

func insertOrderTx(ctx context.Context, tx *sql.Tx, order *models.Order) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, status, total_price, deadline, is_completed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		order.ID, order.UserID, order.Status, order.TotalPrice,
		order.Deadline, order.IsCompleted, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO order_items (order_id, job_id, freelancer_id, price, quantity, total_price)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`)
	if err != nil {
		return fmt.Errorf("prepare order items: %w", err)
	}
	defer stmt.Close()

	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID
		err := stmt.QueryRowContext(ctx,
			order.ID, item.JobID, item.FreelancerID, item.Price, item.Quantity, item.TotalPrice).
			Scan(&item.ID)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	var order *models.Order
	err := s.withReadRetry(ctx, "get_order", func() error {
		var err error
		order, err = s.getOrder(ctx, orderID)
		return err
	})
	return order, err
}

func (s *Store) getOrder(ctx context.Context, orderID string) (*models.Order, error) {
	order := &models.Order{}
	var deadline sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, status, total_price, deadline, is_completed, created_at, updated_at
		FROM orders WHERE id = $1`, orderID).
		Scan(&order.ID, &order.UserID, &order.Status, &order.TotalPrice,
			&deadline, &order.IsCompleted, &order.CreatedAt, &order.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundf("order %s not found", orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("select order: %w", err)
	}
	if deadline.Valid {
		order.Deadline = &deadline.Time
	}

	items, err := s.listOrderItems(ctx, orderID)
	if err != nil {
		return nil, err
	}
	order.Items = items
	return order, nil
}

func (s *Store) listOrderItems(ctx context.Context, orderID string) ([]models.OrderItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, job_id, freelancer_id, price, quantity, total_price
		FROM order_items WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var item models.OrderItem
		var freelancer sql.NullString
		err := rows.Scan(&item.ID, &item.OrderID, &item.JobID, &freelancer,
			&item.Price, &item.Quantity, &item.TotalPrice)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		if freelancer.Valid {
			item.FreelancerID = &freelancer.String
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListOrders returns all orders when userID is empty (operator scope),
// otherwise the given user's orders.
func (s *Store) ListOrders(ctx context.Context, userID string) ([]*models.Order, error) {
	var orders []*models.Order
	err := s.withReadRetry(ctx, "list_orders", func() error {
		var err error
		orders, err = s.listOrders(ctx, userID)
		return err
	})
	return orders, err
}

func (s *Store) listOrders(ctx context.Context, userID string) ([]*models.Order, error) {
	query := `
		SELECT id, user_id, status, total_price, deadline, is_completed, created_at, updated_at
		FROM orders`
	args := []interface{}{}
	if userID != "" {
		query += ` WHERE user_id = $1`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order := &models.Order{}
		var deadline sql.NullTime
		err := rows.Scan(&order.ID, &order.UserID, &order.Status, &order.TotalPrice,
			&deadline, &order.IsCompleted, &order.CreatedAt, &order.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		if deadline.Valid {
			order.Deadline = &deadline.Time
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, order := range orders {
		items, err := s.listOrderItems(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		order.Items = items
	}
	return orders, nil
}

// TransitionOrder is a compare-and-set on status. Zero affected rows means
// the order moved under us (or never was in `from`), which the caller
// surfaces as a precondition failure.
func (s *Store) TransitionOrder(ctx context.Context, orderID string, from, to models.OrderStatus, markCompleted bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = $1, is_completed = $2, updated_at = $3
		WHERE id = $4 AND status = $5`,
		to, markCompleted, time.Now().UTC(), orderID, from)
	if err != nil {
		return fmt.Errorf("transition order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Validationf("order %s is not in %s state", orderID, from)
	}
	return nil
}

// CancelOrder cancels unless the order is already terminal. With
// allowCompleted (operator scope) a completed order may still be canceled.
func (s *Store) CancelOrder(ctx context.Context, orderID string, allowCompleted bool) error {
	query := `UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3 AND status <> $4`
	args := []interface{}{models.OrderStatusCanceled, time.Now().UTC(), orderID, models.OrderStatusCanceled}
	if !allowCompleted {
		query += ` AND status <> $5`
		args = append(args, models.OrderStatusCompleted)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Validationf("order %s cannot be canceled", orderID)
	}
	return nil
}

// RecordDelivery stores the artifact reference and forces the order into
// DELIVERED, in one transaction. Terminal orders admit no delivery.
func (s *Store) RecordDelivery(ctx context.Context, delivery *models.Delivery) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record delivery: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE orders SET status = $1, updated_at = $2
		WHERE id = $3 AND status NOT IN ($4, $5)`,
		models.OrderStatusDelivered, time.Now().UTC(), delivery.OrderID,
		models.OrderStatusCompleted, models.OrderStatusCanceled)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Validationf("order %s is closed and cannot accept deliveries", delivery.OrderID)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO deliveries (order_id, deliverer_id, artifact_ref, description, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		delivery.OrderID, delivery.DelivererID, delivery.ArtifactRef,
		delivery.Description, delivery.CreatedAt).
		Scan(&delivery.ID)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return tx.Commit()
}

// SetOrderStatus overrides the status unconditionally. Operator use only;
// the engine gates the caller.
func (s *Store) SetOrderStatus(ctx context.Context, orderID string, status models.OrderStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = $1, is_completed = $2, updated_at = $3 WHERE id = $4`,
		status, status == models.OrderStatusCompleted, time.Now().UTC(), orderID)
	if err != nil {
		return fmt.Errorf("set order status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFoundf("order %s not found", orderID)
	}
	return nil
}
