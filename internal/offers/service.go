// Package offers implements custom offer negotiation: a job's creator
// proposes terms to a specific counterpart, who accepts or rejects exactly
// once. Acceptance delegates to the order engine so the status flip and the
// spawned order commit together.
package offers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/onesix/marketplace-orders/internal/events"
	"github.com/onesix/marketplace-orders/internal/websocket"
	"github.com/onesix/marketplace-orders/pkg/apperrors"
	"github.com/onesix/marketplace-orders/pkg/models"
)

type Store interface {
	CreateOffer(ctx context.Context, offer *models.CustomOffer) error
	GetOffer(ctx context.Context, offerID string) (*models.CustomOffer, error)
	ListOffersForUser(ctx context.Context, userID string) ([]*models.CustomOffer, error)
	RejectOffer(ctx context.Context, offerID string) error
}

// OrderEngine spawns the order inside the same transaction that resolves
// the offer.
type OrderEngine interface {
	CreateOrderFromOffer(ctx context.Context, offer *models.CustomOffer) (*models.Order, error)
}

type Directory interface {
	GetJob(jobID string) (*models.Job, error)
	GetUser(userID string) (*models.User, error)
}

type Publisher interface {
	PublishOfferCreated(event events.OfferCreatedEvent) error
	PublishOfferResolved(event events.OfferResolvedEvent) error
	PublishNotification(req events.NotificationRequest) error
}

type Broadcaster interface {
	Broadcast(eventType string, data interface{})
}

type Service struct {
	store     Store
	engine    OrderEngine
	directory Directory
	publisher Publisher
	hub       Broadcaster
	logger    *logrus.Logger
}

func NewService(store Store, engine OrderEngine, directory Directory, publisher Publisher, hub Broadcaster, logger *logrus.Logger) *Service {
	return &Service{
		store:     store,
		engine:    engine,
		directory: directory,
		publisher: publisher,
		hub:       hub,
		logger:    logger,
	}
}

// Create proposes terms. Only the job's creator may propose, and never to
// themselves.
func (s *Service) Create(ctx context.Context, actorID, jobID, receiverID string, price decimal.Decimal, deliveryDays int, features json.RawMessage) (*models.CustomOffer, error) {
	if price.LessThanOrEqual(decimal.Zero) {
		return nil, apperrors.Validationf("offer price must be positive")
	}
	if deliveryDays < 1 {
		return nil, apperrors.Validationf("delivery days must be at least 1")
	}

	job, err := s.directory.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if job.CreatedBy != actorID {
		return nil, apperrors.Validationf("only the job's creator may send offers for it")
	}
	if receiverID == actorID {
		return nil, apperrors.Validationf("an offer cannot be addressed to its sender")
	}
	if _, err := s.directory.GetUser(receiverID); err != nil {
		return nil, err
	}

	offer := &models.CustomOffer{
		ID:           uuid.New().String(),
		JobID:        jobID,
		SenderID:     actorID,
		ReceiverID:   receiverID,
		Price:        price,
		DeliveryDays: deliveryDays,
		Features:     features,
		Status:       models.OfferStatusPending,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateOffer(ctx, offer); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"offer_id":    offer.ID,
		"job_id":      jobID,
		"receiver_id": receiverID,
		"price":       price.String(),
	}).Info("Custom offer created")

	if err := s.publisher.PublishOfferCreated(events.OfferCreatedEvent{
		OfferID:    offer.ID,
		JobID:      jobID,
		SenderID:   actorID,
		ReceiverID: receiverID,
		Price:      price,
	}); err != nil {
		s.logger.WithError(err).WithField("offer_id", offer.ID).Error("Failed to publish offer created event")
	}
	s.notifyUser(receiverID, fmt.Sprintf("New custom offer for %s", job.Name),
		fmt.Sprintf("You have received a custom offer: %s for %d day(s) of delivery.", price.String(), deliveryDays))

	return offer, nil
}

// Accept resolves a pending offer and returns the spawned order. An offer
// that already resolved always fails validation, never silently no-ops, so
// a double accept can never create a second order.
func (s *Service) Accept(ctx context.Context, actorID, offerID string) (*models.CustomOffer, *models.Order, error) {
	offer, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, nil, err
	}
	if offer.ReceiverID != actorID {
		return nil, nil, apperrors.Permissionf("only the offer's receiver may accept it")
	}
	if offer.Status != models.OfferStatusPending {
		return nil, nil, apperrors.Validationf("offer %s has already been processed", offerID)
	}

	order, err := s.engine.CreateOrderFromOffer(ctx, offer)
	if err != nil {
		return nil, nil, err
	}
	offer.Status = models.OfferStatusAccepted
	offer.OrderID = &order.ID

	s.logger.WithFields(logrus.Fields{
		"offer_id": offerID,
		"order_id": order.ID,
	}).Info("Custom offer accepted")

	s.afterResolved(offer)
	s.notifyUser(offer.SenderID, "Your custom offer was accepted",
		fmt.Sprintf("Offer %s was accepted; order %s has been created.", offerID, order.ID))
	return offer, order, nil
}

// Reject resolves a pending offer without spawning anything.
func (s *Service) Reject(ctx context.Context, actorID, offerID string) (*models.CustomOffer, error) {
	offer, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.ReceiverID != actorID {
		return nil, apperrors.Permissionf("only the offer's receiver may reject it")
	}
	if offer.Status != models.OfferStatusPending {
		return nil, apperrors.Validationf("offer %s has already been processed", offerID)
	}

	if err := s.store.RejectOffer(ctx, offerID); err != nil {
		return nil, err
	}
	offer.Status = models.OfferStatusRejected

	s.logger.WithField("offer_id", offerID).Info("Custom offer rejected")

	s.afterResolved(offer)
	s.notifyUser(offer.SenderID, "Your custom offer was rejected",
		fmt.Sprintf("Offer %s was rejected by its receiver.", offerID))
	return offer, nil
}

func (s *Service) List(ctx context.Context, actorID string) ([]*models.CustomOffer, error) {
	return s.store.ListOffersForUser(ctx, actorID)
}

func (s *Service) afterResolved(offer *models.CustomOffer) {
	event := events.OfferResolvedEvent{
		OfferID: offer.ID,
		Status:  offer.Status,
	}
	if offer.OrderID != nil {
		event.OrderID = *offer.OrderID
	}
	if err := s.publisher.PublishOfferResolved(event); err != nil {
		s.logger.WithError(err).WithField("offer_id", offer.ID).Error("Failed to publish offer resolved event")
	}
	s.hub.Broadcast(websocket.EventOfferResolved, offer)
}

func (s *Service) notifyUser(userID, subject, body string) {
	user, err := s.directory.GetUser(userID)
	if err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Warn("Skipping notification, user lookup failed")
		return
	}
	err = s.publisher.PublishNotification(events.NotificationRequest{
		Recipient: user.Email,
		Subject:   subject,
		Body:      body,
	})
	if err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Warn("Failed to queue notification")
	}
}
