package events

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/onesix/marketplace-orders/pkg/models"
)

const (
	OrderCreatedTopic          = "order.created"
	OrderStatusChangedTopic    = "order.status_changed"
	OfferCreatedTopic          = "offer.created"
	OfferResolvedTopic         = "offer.resolved"
	ReviewCreatedTopic         = "review.created"
	NotificationRequestedTopic = "notification.requested"
)

type OrderCreatedEvent struct {
	OrderID    string          `json:"order_id"`
	UserID     string          `json:"user_id"`
	TotalPrice decimal.Decimal `json:"total_price"`
	ItemCount  int             `json:"item_count"`
	Source     string          `json:"source"` // "cart" or "offer"
	CreatedAt  time.Time       `json:"created_at"`
	EventTime  time.Time       `json:"event_time"`
}

type OrderStatusChangedEvent struct {
	OrderID   string             `json:"order_id"`
	UserID    string             `json:"user_id"`
	From      models.OrderStatus `json:"from"`
	To        models.OrderStatus `json:"to"`
	ActorID   string             `json:"actor_id"`
	EventTime time.Time          `json:"event_time"`
}

type OfferCreatedEvent struct {
	OfferID    string          `json:"offer_id"`
	JobID      string          `json:"job_id"`
	SenderID   string          `json:"sender_id"`
	ReceiverID string          `json:"receiver_id"`
	Price      decimal.Decimal `json:"price"`
	EventTime  time.Time       `json:"event_time"`
}

type OfferResolvedEvent struct {
	OfferID   string             `json:"offer_id"`
	Status    models.OfferStatus `json:"status"`
	OrderID   string             `json:"order_id,omitempty"`
	EventTime time.Time          `json:"event_time"`
}

type ReviewCreatedEvent struct {
	ReviewID  int64     `json:"review_id"`
	JobID     string    `json:"job_id"`
	UserID    string    `json:"user_id"`
	Rating    int       `json:"rating"`
	EventTime time.Time `json:"event_time"`
}

// NotificationRequest is the fire-and-forget outbound message consumed by
// the delivery worker. It is only ever published after the originating
// transaction has committed.
type NotificationRequest struct {
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	EventTime time.Time `json:"event_time"`
}
