package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/onesix/marketplace-orders/pkg/apperrors"
	"github.com/onesix/marketplace-orders/pkg/models"
)

func (s *Store) CreateOffer(ctx context.Context, offer *models.CustomOffer) error {
	var features interface{}
	if len(offer.Features) > 0 {
		features = []byte(offer.Features)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO custom_offers (id, job_id, sender_id, receiver_id, price, delivery_days, features, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		offer.ID, offer.JobID, offer.SenderID, offer.ReceiverID,
		offer.Price, offer.DeliveryDays, features, offer.Status, offer.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert offer: %w", err)
	}
	return nil
}

func (s *Store) GetOffer(ctx context.Context, offerID string) (*models.CustomOffer, error) {
	var offer *models.CustomOffer
	err := s.withReadRetry(ctx, "get_offer", func() error {
		var err error
		offer, err = s.getOffer(ctx, offerID)
		return err
	})
	return offer, err
}

func (s *Store) getOffer(ctx context.Context, offerID string) (*models.CustomOffer, error) {
	offer := &models.CustomOffer{}
	var features []byte
	var orderID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, sender_id, receiver_id, price, delivery_days, features, status, order_id, created_at
		FROM custom_offers WHERE id = $1`, offerID).
		Scan(&offer.ID, &offer.JobID, &offer.SenderID, &offer.ReceiverID,
			&offer.Price, &offer.DeliveryDays, &features, &offer.Status, &orderID, &offer.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundf("offer %s not found", offerID)
	}
	if err != nil {
		return nil, fmt.Errorf("select offer: %w", err)
	}
	if len(features) > 0 {
		offer.Features = features
	}
	if orderID.Valid {
		offer.OrderID = &orderID.String
	}
	return offer, nil
}

// ListOffersForUser returns offers the user sent or received.
func (s *Store) ListOffersForUser(ctx context.Context, userID string) ([]*models.CustomOffer, error) {
	var offers []*models.CustomOffer
	err := s.withReadRetry(ctx, "list_offers", func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, job_id, sender_id, receiver_id, price, delivery_days, features, status, order_id, created_at
			FROM custom_offers
			WHERE sender_id = $1 OR receiver_id = $1
			ORDER BY created_at DESC`, userID)
		if err != nil {
			return fmt.Errorf("select offers: %w", err)
		}
		defer rows.Close()

		offers = offers[:0]
		for rows.Next() {
			offer := &models.CustomOffer{}
			var features []byte
			var orderID sql.NullString
			err := rows.Scan(&offer.ID, &offer.JobID, &offer.SenderID, &offer.ReceiverID,
				&offer.Price, &offer.DeliveryDays, &features, &offer.Status, &orderID, &offer.CreatedAt)
			if err != nil {
				return fmt.Errorf("scan offer: %w", err)
			}
			if len(features) > 0 {
				offer.Features = features
			}
			if orderID.Valid {
				offer.OrderID = &orderID.String
			}
			offers = append(offers, offer)
		}
		return rows.Err()
	})
	return offers, err
}

// AcceptOffer flips the offer to ACCEPTED and creates the resulting order
// in the same transaction. The flip is a compare-and-set on PENDING, so a
// concurrent double-accept loses cleanly and no second order is ever
// created.
func (s *Store) AcceptOffer(ctx context.Context, offerID string, order *models.Order) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin accept offer: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE custom_offers SET status = $1, order_id = $2
		WHERE id = $3 AND status = $4`,
		models.OfferStatusAccepted, order.ID, offerID, models.OfferStatusPending)
	if err != nil {
		return fmt.Errorf("flip offer status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Validationf("offer %s has already been processed", offerID)
	}

	if err := insertOrderTx(ctx, tx, order); err != nil {
		return err
	}
	return tx.Commit()
}

// RejectOffer flips the offer to REJECTED; same compare-and-set contract as
// AcceptOffer but no order is spawned.
func (s *Store) RejectOffer(ctx context.Context, offerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE custom_offers SET status = $1
		WHERE id = $2 AND status = $3`,
		models.OfferStatusRejected, offerID, models.OfferStatusPending)
	if err != nil {
		return fmt.Errorf("reject offer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Validationf("offer %s has already been processed", offerID)
	}
	return nil
}
