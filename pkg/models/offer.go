package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type OfferStatus string

const (
	OfferStatusPending  OfferStatus = "PENDING"
	OfferStatusAccepted OfferStatus = "ACCEPTED"
	OfferStatusRejected OfferStatus = "REJECTED"
)

func (s OfferStatus) Terminal() bool {
	return s == OfferStatusAccepted || s == OfferStatusRejected
}

// CustomOffer is a negotiated proposal from a job's creator to a specific
// counterpart. It resolves exactly once; acceptance spawns an order in the
// same transaction as the status flip, and OrderID keeps a weak reference
// to it.
type CustomOffer struct {
	ID           string          `json:"id"`
	JobID        string          `json:"job_id"`
	SenderID     string          `json:"sender_id"`
	ReceiverID   string          `json:"receiver_id"`
	Price        decimal.Decimal `json:"price"`
	DeliveryDays int             `json:"delivery_days"`
	Features     json.RawMessage `json:"features,omitempty"`
	Status       OfferStatus     `json:"status"`
	OrderID      *string         `json:"order_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
