package auth

import "time"

// Operator represents a point-of-sale staff account.
type Operator struct {
	ID             int64
	Username       string
	DisplayName    string
	PasswordHash   string
	Role           string
	OrganizationID string
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
