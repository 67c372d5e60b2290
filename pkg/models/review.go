package models

import "time"

type ReviewerRole string

const (
	ReviewerRoleBuyer  ReviewerRole = "buyer"
	ReviewerRoleSeller ReviewerRole = "seller"
)

type Review struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	UserID    string    `json:"user_id"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AnnotatedReview carries the side the author transacted on for the job:
// buyer if a completed buyer-side line exists, seller otherwise.
type AnnotatedReview struct {
	Review
	AuthorRole ReviewerRole `json:"author_role"`
}
