package models

import (
	"time"

	"github.com/google/uuid"
)

// LiveAccount is a followed (platform, account_id) pair whose sessions get recorded.
type LiveAccount struct {
	ID           uuid.UUID `json:"id"`
	Platform     string    `json:"platform"`
	AccountID    string    `json:"account_id"`
	CanonicalURL string    `json:"canonical_url"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
