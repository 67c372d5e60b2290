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

func (s *Store) CreateReview(ctx context.Context, review *models.Review) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO reviews (job_id, user_id, rating, comment, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		review.JobID, review.UserID, review.Rating, review.Comment,
		review.CreatedAt, review.UpdatedAt).
		Scan(&review.ID)
	if err != nil {
		return fmt.Errorf("insert review: %w", err)
	}
	return nil
}

func (s *Store) GetReview(ctx context.Context, reviewID int64) (*models.Review, error) {
	review := &models.Review{}
	err := s.withReadRetry(ctx, "get_review", func() error {
		err := s.db.QueryRowContext(ctx, `
			SELECT id, job_id, user_id, rating, comment, created_at, updated_at
			FROM reviews WHERE id = $1`, reviewID).
			Scan(&review.ID, &review.JobID, &review.UserID, &review.Rating,
				&review.Comment, &review.CreatedAt, &review.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFoundf("review %d not found", reviewID)
		}
		if err != nil {
			return fmt.Errorf("select review: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return review, nil
}

func (s *Store) UpdateReview(ctx context.Context, reviewID int64, rating int, comment string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reviews SET rating = $1, comment = $2, updated_at = $3 WHERE id = $4`,
		rating, comment, time.Now().UTC(), reviewID)
	if err != nil {
		return fmt.Errorf("update review: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFoundf("review %d not found", reviewID)
	}
	return nil
}

func (s *Store) ListReviewsByJob(ctx context.Context, jobID string) ([]*models.Review, error) {
	var reviews []*models.Review
	err := s.withReadRetry(ctx, "list_reviews", func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, job_id, user_id, rating, comment, created_at, updated_at
			FROM reviews WHERE job_id = $1 ORDER BY created_at DESC`, jobID)
		if err != nil {
			return fmt.Errorf("select reviews: %w", err)
		}
		defer rows.Close()

		reviews = reviews[:0]
		for rows.Next() {
			review := &models.Review{}
			err := rows.Scan(&review.ID, &review.JobID, &review.UserID, &review.Rating,
				&review.Comment, &review.CreatedAt, &review.UpdatedAt)
			if err != nil {
				return fmt.Errorf("scan review: %w", err)
			}
			reviews = append(reviews, review)
		}
		return rows.Err()
	})
	return reviews, err
}

// HasCompletedEngagement reports whether the user participated on either
// side of a completed order line for the job. This is the review gate.
func (s *Store) HasCompletedEngagement(ctx context.Context, jobID, userID string) (bool, error) {
	var exists bool
	err := s.withReadRetry(ctx, "completed_engagement", func() error {
		return s.db.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM order_items oi
				JOIN orders o ON o.id = oi.order_id
				WHERE oi.job_id = $1
				  AND o.is_completed
				  AND (o.user_id = $2 OR oi.freelancer_id = $2)
			)`, jobID, userID).Scan(&exists)
	})
	if err != nil {
		return false, fmt.Errorf("completed engagement check: %w", err)
	}
	return exists, nil
}

// HasCompletedPurchase is the buyer-side-only variant, used to annotate a
// review author's role.
func (s *Store) HasCompletedPurchase(ctx context.Context, jobID, userID string) (bool, error) {
	var exists bool
	err := s.withReadRetry(ctx, "completed_purchase", func() error {
		return s.db.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM order_items oi
				JOIN orders o ON o.id = oi.order_id
				WHERE oi.job_id = $1
				  AND o.is_completed
				  AND o.user_id = $2
			)`, jobID, userID).Scan(&exists)
	})
	if err != nil {
		return false, fmt.Errorf("completed purchase check: %w", err)
	}
	return exists, nil
}
