package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Cart holds a buyer's pre-checkout selections. It is destroyed atomically
// the moment it is converted into an order.
type Cart struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	CreatedAt time.Time  `json:"created_at"`
	Items     []CartItem `json:"items"`
}

// CartItem is unique per (cart, job); adding the same job again accumulates
// the quantity instead of inserting a second line.
type CartItem struct {
	ID       int64  `json:"id"`
	CartID   string `json:"cart_id"`
	JobID    string `json:"job_id"`
	Quantity int    `json:"quantity"`
}

// CartView is what the cart endpoints return: the stored lines decorated
// with live job prices and a display total. The total is informational only;
// checkout recomputes from live prices inside its own transaction.
type CartView struct {
	Cart
	Items      []CartItemView  `json:"items"`
	TotalPrice decimal.Decimal `json:"total_price"`
}

type CartItemView struct {
	CartItem
	JobName   string          `json:"job_name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
}
