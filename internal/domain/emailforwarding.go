package domain

import "time"

// EmailForwarding records the external mailbox receiving mail for a domain.
// CatchAllEnabled flips only after the provider confirms the catch-all rule.
type EmailForwarding struct {
	ID              string
	DomainID        string
	Mailbox         string
	CatchAllEnabled bool
	CreatedAt       time.Time
}
