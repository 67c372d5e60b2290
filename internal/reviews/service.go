// Package reviews gates review authorship on completed engagements: only a
// party to a completed order line for the job may review it, and edits are
// time-boxed.
package reviews

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/onesix/marketplace-orders/internal/events"
	"github.com/onesix/marketplace-orders/pkg/apperrors"
	"github.com/onesix/marketplace-orders/pkg/models"
)

// editWindow is how long after creation a review stays editable.
const editWindow = 16 * 24 * time.Hour

type Store interface {
	CreateReview(ctx context.Context, review *models.Review) error
	GetReview(ctx context.Context, reviewID int64) (*models.Review, error)
	UpdateReview(ctx context.Context, reviewID int64, rating int, comment string) error
	ListReviewsByJob(ctx context.Context, jobID string) ([]*models.Review, error)
	HasCompletedEngagement(ctx context.Context, jobID, userID string) (bool, error)
	HasCompletedPurchase(ctx context.Context, jobID, userID string) (bool, error)
}

type Publisher interface {
	PublishReviewCreated(event events.ReviewCreatedEvent) error
}

type Service struct {
	store     Store
	publisher Publisher
	logger    *logrus.Logger
	now       func() time.Time
}

func NewService(store Store, publisher Publisher, logger *logrus.Logger) *Service {
	return &Service{
		store:     store,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// CanReview reports whether the user transacted, on either side, on a
// completed order line for the job.
func (s *Service) CanReview(ctx context.Context, jobID, userID string) (bool, error) {
	return s.store.HasCompletedEngagement(ctx, jobID, userID)
}

func (s *Service) Create(ctx context.Context, actorID, jobID string, rating int, comment string) (*models.Review, error) {
	if rating < 1 || rating > 5 {
		return nil, apperrors.Validationf("rating must be between 1 and 5")
	}

	ok, err := s.CanReview(ctx, jobID, actorID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.Validationf("only participants of a completed order may review")
	}

	now := s.now().UTC()
	review := &models.Review{
		JobID:     jobID,
		UserID:    actorID,
		Rating:    rating,
		Comment:   comment,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateReview(ctx, review); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"review_id": review.ID,
		"job_id":    jobID,
		"rating":    rating,
	}).Info("Review created")

	if err := s.publisher.PublishReviewCreated(events.ReviewCreatedEvent{
		ReviewID: review.ID,
		JobID:    jobID,
		UserID:   actorID,
		Rating:   rating,
	}); err != nil {
		s.logger.WithError(err).WithField("review_id", review.ID).Error("Failed to publish review created event")
	}
	return review, nil
}

// Edit rewrites a review's rating and comment. Edits close 16 days after
// creation so ratings cannot be renegotiated long after the fact.
func (s *Service) Edit(ctx context.Context, actorID string, reviewID int64, rating int, comment string) (*models.Review, error) {
	if rating < 1 || rating > 5 {
		return nil, apperrors.Validationf("rating must be between 1 and 5")
	}

	review, err := s.store.GetReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	if review.UserID != actorID {
		return nil, apperrors.Permissionf("only the review's author may edit it")
	}
	if s.now().Sub(review.CreatedAt) > editWindow {
		return nil, apperrors.Validationf("review %d is past its edit window", reviewID)
	}

	if err := s.store.UpdateReview(ctx, reviewID, rating, comment); err != nil {
		return nil, err
	}
	review.Rating = rating
	review.Comment = comment
	review.UpdatedAt = s.now().UTC()
	return review, nil
}

// ListByJob returns the job's reviews annotated with each author's side:
// buyer if a completed buyer-side line exists, seller otherwise.
func (s *Service) ListByJob(ctx context.Context, jobID string) ([]*models.AnnotatedReview, error) {
	reviews, err := s.store.ListReviewsByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	out := make([]*models.AnnotatedReview, 0, len(reviews))
	for _, review := range reviews {
		role := models.ReviewerRoleSeller
		bought, err := s.store.HasCompletedPurchase(ctx, jobID, review.UserID)
		if err != nil {
			return nil, err
		}
		if bought {
			role = models.ReviewerRoleBuyer
		}
		out = append(out, &models.AnnotatedReview{Review: *review, AuthorRole: role})
	}
	return out, nil
}
