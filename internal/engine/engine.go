// Package engine is the order lifecycle core: it converts carts and
// accepted offers into immutable orders and drives the order status state
// machine. Every mutation is all-or-nothing; notifications and broadcasts
// only ever fire after the transaction commits.
package engine

import (
	"context"
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
	GetCart(ctx context.Context, cartID string) (*models.Cart, error)
	ConvertCart(ctx context.Context, order *models.Order, cartID string) error
	AcceptOffer(ctx context.Context, offerID string, order *models.Order) error
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	ListOrders(ctx context.Context, userID string) ([]*models.Order, error)
	TransitionOrder(ctx context.Context, orderID string, from, to models.OrderStatus, markCompleted bool) error
	CancelOrder(ctx context.Context, orderID string, allowCompleted bool) error
	RecordDelivery(ctx context.Context, delivery *models.Delivery) error
	SetOrderStatus(ctx context.Context, orderID string, status models.OrderStatus) error
}

type Directory interface {
	GetJob(jobID string) (*models.Job, error)
	GetUser(userID string) (*models.User, error)
}

type Publisher interface {
	PublishOrderCreated(event events.OrderCreatedEvent) error
	PublishOrderStatusChanged(event events.OrderStatusChangedEvent) error
	PublishNotification(req events.NotificationRequest) error
}

type Broadcaster interface {
	Broadcast(eventType string, data interface{})
}

type Service struct {
	store     Store
	directory Directory
	publisher Publisher
	hub       Broadcaster
	logger    *logrus.Logger
}

func NewService(store Store, directory Directory, publisher Publisher, hub Broadcaster, logger *logrus.Logger) *Service {
	return &Service{
		store:     store,
		directory: directory,
		publisher: publisher,
		hub:       hub,
		logger:    logger,
	}
}

// CreateOrderFromCart converts the cart into an order. Prices are re-read
// live per line and frozen into the order; the cart ceases to exist in the
// same transaction, so a cart converts at most once.
func (s *Service) CreateOrderFromCart(ctx context.Context, actorID, cartID string) (*models.Order, error) {
	cart, err := s.store.GetCart(ctx, cartID)
	if err != nil {
		return nil, err
	}
	if cart.UserID != actorID {
		return nil, apperrors.Permissionf("cart %s does not belong to you", cartID)
	}
	if len(cart.Items) == 0 {
		return nil, apperrors.Validationf("cart %s is empty", cartID)
	}

	now := time.Now().UTC()
	total := decimal.Zero
	maxDuration := 0
	items := make([]models.OrderItem, 0, len(cart.Items))
	for _, line := range cart.Items {
		job, err := s.directory.GetJob(line.JobID)
		if err != nil {
			return nil, err
		}
		// Re-validated here, not only at add time: ownership can change
		// while the cart sits idle.
		if job.CreatedBy == actorID {
			return nil, apperrors.SelfDealingf("cart contains your own job %s", job.ID)
		}
		freelancer := job.CreatedBy
		lineTotal := job.Price.Mul(decimal.NewFromInt(int64(line.Quantity)))
		items = append(items, models.OrderItem{
			JobID:        job.ID,
			FreelancerID: &freelancer,
			Price:        job.Price,
			Quantity:     line.Quantity,
			TotalPrice:   lineTotal,
		})
		total = total.Add(lineTotal)
		if job.DurationDays > maxDuration {
			maxDuration = job.DurationDays
		}
	}

	order := &models.Order{
		ID:         uuid.New().String(),
		UserID:     actorID,
		Status:     models.OrderStatusPending,
		TotalPrice: total,
		Deadline:   deadlineFrom(now, maxDuration),
		CreatedAt:  now,
		UpdatedAt:  now,
		Items:      items,
	}

	if err := s.store.ConvertCart(ctx, order, cartID); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"order_id":    order.ID,
		"user_id":     order.UserID,
		"total_price": order.TotalPrice.String(),
		"items_count": len(order.Items),
	}).Info("Order created from cart")

	s.afterOrderCreated(order, "cart")
	return order, nil
}

// CreateOrderFromOffer is called from the offer accept path. The offer's
// status flip and the order insert share one transaction; the second of two
// concurrent accepts fails before any order row is written.
func (s *Service) CreateOrderFromOffer(ctx context.Context, offer *models.CustomOffer) (*models.Order, error) {
	job, err := s.directory.GetJob(offer.JobID)
	if err != nil {
		return nil, err
	}
	if offer.ReceiverID == job.CreatedBy {
		return nil, apperrors.Validationf("offer receiver owns job %s", job.ID)
	}

	now := time.Now().UTC()
	freelancer := job.CreatedBy
	order := &models.Order{
		ID:         uuid.New().String(),
		UserID:     offer.ReceiverID,
		Status:     models.OrderStatusPending,
		TotalPrice: offer.Price,
		Deadline:   deadlineFrom(now, offer.DeliveryDays),
		CreatedAt:  now,
		UpdatedAt:  now,
		Items: []models.OrderItem{{
			JobID:        job.ID,
			FreelancerID: &freelancer,
			Price:        offer.Price,
			Quantity:     1,
			TotalPrice:   offer.Price,
		}},
	}

	if err := s.store.AcceptOffer(ctx, offer.ID, order); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"order_id":    order.ID,
		"offer_id":    offer.ID,
		"total_price": order.TotalPrice.String(),
	}).Info("Order created from accepted offer")

	s.afterOrderCreated(order, "offer")
	return order, nil
}

// StartProgress moves a pending order into IN_PROGRESS. Only a freelancer
// assigned on one of the order's lines may start work.
func (s *Service) StartProgress(ctx context.Context, actorID, orderID string) (*models.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !assignedFreelancer(order, actorID) {
		return nil, apperrors.Permissionf("only the assigned freelancer may start progress")
	}
	if order.Status != models.OrderStatusPending {
		return nil, apperrors.Validationf("order %s is %s, not %s", orderID, order.Status, models.OrderStatusPending)
	}

	err = s.store.TransitionOrder(ctx, orderID, models.OrderStatusPending, models.OrderStatusInProgress, false)
	if err != nil {
		return nil, err
	}
	s.afterStatusChange(order, models.OrderStatusInProgress, actorID)
	order.Status = models.OrderStatusInProgress
	return order, nil
}

// Deliver records the artifact and forces the order into DELIVERED. The
// upstream permission layer has already established the deliverer's right
// to act; the engine only refuses closed orders.
func (s *Service) Deliver(ctx context.Context, actorID, orderID, artifactRef, description string) (*models.Delivery, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	delivery := &models.Delivery{
		OrderID:     orderID,
		DelivererID: actorID,
		ArtifactRef: artifactRef,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.RecordDelivery(ctx, delivery); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"order_id":     orderID,
		"deliverer_id": actorID,
	}).Info("Delivery recorded")

	s.afterStatusChange(order, models.OrderStatusDelivered, actorID)
	s.notifyUser(order.UserID, "Your order has been delivered",
		fmt.Sprintf("Order %s has a new delivery awaiting your approval.", orderID))
	return delivery, nil
}

// Complete is the buyer approving a delivered order. It sets the completion
// flag the review gate keys on.
func (s *Service) Complete(ctx context.Context, actorID, orderID string) (*models.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != actorID {
		return nil, apperrors.Permissionf("only the order's buyer may complete it")
	}
	if order.Status != models.OrderStatusDelivered {
		return nil, apperrors.Validationf("order %s is %s, not %s", orderID, order.Status, models.OrderStatusDelivered)
	}

	err = s.store.TransitionOrder(ctx, orderID, models.OrderStatusDelivered, models.OrderStatusCompleted, true)
	if err != nil {
		return nil, err
	}

	s.afterStatusChange(order, models.OrderStatusCompleted, actorID)
	for _, freelancerID := range distinctFreelancers(order) {
		s.notifyUser(freelancerID, "Order completed",
			fmt.Sprintf("Order %s has been approved by the buyer.", orderID))
	}
	order.Status = models.OrderStatusCompleted
	order.IsCompleted = true
	return order, nil
}

// Cancel: operators cancel unconditionally, the buyer may cancel anything
// short of COMPLETED, everyone else is denied. The assigned freelancer has
// no cancellation right.
func (s *Service) Cancel(ctx context.Context, actorID, orderID string) (*models.Order, error) {
	actor, err := s.directory.GetUser(actorID)
	if err != nil {
		return nil, err
	}
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	switch {
	case actor.IsOperator:
		err = s.store.CancelOrder(ctx, orderID, true)
	case order.UserID == actorID:
		if order.Status == models.OrderStatusCompleted {
			return nil, apperrors.Validationf("completed orders cannot be canceled")
		}
		err = s.store.CancelOrder(ctx, orderID, false)
	default:
		return nil, apperrors.Permissionf("you may not cancel this order")
	}
	if err != nil {
		return nil, err
	}

	s.afterStatusChange(order, models.OrderStatusCanceled, actorID)
	order.Status = models.OrderStatusCanceled
	return order, nil
}

// SetStatus is the operator override; it bypasses the transition table by
// design and is gated on the operator flag alone.
func (s *Service) SetStatus(ctx context.Context, actorID, orderID string, status models.OrderStatus) (*models.Order, error) {
	actor, err := s.directory.GetUser(actorID)
	if err != nil {
		return nil, err
	}
	if !actor.IsOperator {
		return nil, apperrors.Permissionf("only operators may override order status")
	}
	if !status.Valid() {
		return nil, apperrors.Validationf("unknown order status %q", status)
	}

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetOrderStatus(ctx, orderID, status); err != nil {
		return nil, err
	}

	s.afterStatusChange(order, status, actorID)
	order.Status = status
	order.IsCompleted = status == models.OrderStatusCompleted
	return order, nil
}

func (s *Service) GetOrder(ctx context.Context, actorID, orderID string) (*models.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID == actorID || assignedFreelancer(order, actorID) {
		return order, nil
	}
	actor, err := s.directory.GetUser(actorID)
	if err != nil {
		return nil, err
	}
	if !actor.IsOperator {
		return nil, apperrors.Permissionf("order %s is not yours to view", orderID)
	}
	return order, nil
}

// ListOrders is operator-scoped: operators see everything, everyone else
// sees their own orders.
func (s *Service) ListOrders(ctx context.Context, actorID string) ([]*models.Order, error) {
	actor, err := s.directory.GetUser(actorID)
	if err != nil {
		return nil, err
	}
	if actor.IsOperator {
		return s.store.ListOrders(ctx, "")
	}
	return s.store.ListOrders(ctx, actorID)
}

func deadlineFrom(now time.Time, durationDays int) *time.Time {
	if durationDays <= 0 {
		return nil
	}
	deadline := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).
		AddDate(0, 0, durationDays)
	return &deadline
}

func assignedFreelancer(order *models.Order, userID string) bool {
	for _, item := range order.Items {
		if item.FreelancerID != nil && *item.FreelancerID == userID {
			return true
		}
	}
	return false
}

func distinctFreelancers(order *models.Order) []string {
	seen := map[string]bool{}
	var out []string
	for _, item := range order.Items {
		if item.FreelancerID != nil && !seen[*item.FreelancerID] {
			seen[*item.FreelancerID] = true
			out = append(out, *item.FreelancerID)
		}
	}
	return out
}

// afterOrderCreated runs the post-commit side effects: event, broadcast,
// freelancer notifications. All best-effort; the order already exists.
func (s *Service) afterOrderCreated(order *models.Order, source string) {
	err := s.publisher.PublishOrderCreated(events.OrderCreatedEvent{
		OrderID:    order.ID,
		UserID:     order.UserID,
		TotalPrice: order.TotalPrice,
		ItemCount:  len(order.Items),
		Source:     source,
		CreatedAt:  order.CreatedAt,
	})
	if err != nil {
		s.logger.WithError(err).WithField("order_id", order.ID).Error("Failed to publish order created event")
	}

	s.hub.Broadcast(websocket.EventOrderCreated, order)

	for _, freelancerID := range distinctFreelancers(order) {
		s.notifyUser(freelancerID, "You have a new order",
			fmt.Sprintf("Order %s includes one of your jobs.", order.ID))
	}
}

func (s *Service) afterStatusChange(order *models.Order, to models.OrderStatus, actorID string) {
	err := s.publisher.PublishOrderStatusChanged(events.OrderStatusChangedEvent{
		OrderID: order.ID,
		UserID:  order.UserID,
		From:    order.Status,
		To:      to,
		ActorID: actorID,
	})
	if err != nil {
		s.logger.WithError(err).WithField("order_id", order.ID).Error("Failed to publish order status event")
	}

	s.hub.Broadcast(websocket.EventOrderStatus, map[string]interface{}{
		"order_id": order.ID,
		"from":     order.Status,
		"to":       to,
	})
}

// notifyUser resolves the recipient's address and queues an outbound
// notification. Failures are logged and swallowed: the business operation
// has already succeeded.
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
