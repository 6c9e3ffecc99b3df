package domain

import "time"

// User is an administrative operator of the panel.
type User struct {
	ID           string
	Email        string
	PasswordHash []byte
	IsAdmin      bool
	CreatedAt    time.Time
}
