package models

import "github.com/shopspring/decimal"

// Job is the directory service's view of a listing. The engine references
// jobs but never owns them; Price is re-read live at every conversion.
type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	CreatedBy    string          `json:"created_by"`
	DurationDays int             `json:"duration_days"`
}

// User is the directory service's view of an identity.
type User struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	IsOperator bool   `json:"is_operator"`
}
