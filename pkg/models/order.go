package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusInProgress OrderStatus = "IN_PROGRESS"
	OrderStatusDelivered  OrderStatus = "DELIVERED"
	OrderStatusCompleted  OrderStatus = "COMPLETED"
	OrderStatusCanceled   OrderStatus = "CANCELED"
)

// orderTransitions is the closed transition table. Anything not listed here
// is rejected, including every transition out of a terminal status.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusInProgress, OrderStatusDelivered, OrderStatusCanceled},
	OrderStatusInProgress: {OrderStatusDelivered, OrderStatusCanceled},
	OrderStatusDelivered:  {OrderStatusCompleted, OrderStatusCanceled},
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusInProgress, OrderStatusDelivered,
		OrderStatusCompleted, OrderStatusCanceled:
		return true
	}
	return false
}

func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCanceled
}

func (s OrderStatus) CanTransition(to OrderStatus) bool {
	for _, next := range orderTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Order is immutable in its line items once created; only status, deadline
// and the completion flag change afterward. TotalPrice is the sum of the
// line totals frozen at creation time, never recomputed.
type Order struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Status      OrderStatus     `json:"status"`
	TotalPrice  decimal.Decimal `json:"total_price"`
	Deadline    *time.Time      `json:"deadline,omitempty"`
	IsCompleted bool            `json:"is_completed"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Items       []OrderItem     `json:"items"`
}

// OrderItem freezes the job's price at order creation. Later job price
// changes never touch existing lines.
type OrderItem struct {
	ID           int64           `json:"id"`
	OrderID      string          `json:"order_id"`
	JobID        string          `json:"job_id"`
	FreelancerID *string         `json:"freelancer_id,omitempty"`
	Price        decimal.Decimal `json:"price"`
	Quantity     int             `json:"quantity"`
	TotalPrice   decimal.Decimal `json:"total_price"`
}

// Delivery records a submitted work artifact. Creating one forces the order
// into DELIVERED.
type Delivery struct {
	ID          int64     `json:"id"`
	OrderID     string    `json:"order_id"`
	DelivererID string    `json:"deliverer_id"`
	ArtifactRef string    `json:"artifact_ref,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
