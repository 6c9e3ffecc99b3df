package domain

import "time"

// Abuse status values for a domain.
const (
	AbuseClean    = "clean"
	AbusePhishing = "phishing"
	AbuseMalware  = "malware"
	AbuseSpam     = "spam"
	AbuseOther    = "other"
)

// Lifecycle status values for a domain.
const (
	DomainActive    = "active"
	DomainExpired   = "expired"
	DomainAvailable = "available"
)

// DNSDomain is a managed domain. It belongs to exactly one project and
// optionally to one site. ZoneID stays nil until the first provider sync.
type DNSDomain struct {
	ID                string
	ProjectID         string
	SiteID            *string
	Name              string
	ZoneID            *string
	AbuseStatus       string
	BlockedProvider   bool
	BlockedGovernment bool
	Status            string
	LastCheckedAt     *time.Time
	CreatedAt         time.Time
}

// ValidAbuseStatus reports whether s is a known abuse status.
func ValidAbuseStatus(s string) bool {
	switch s {
	case AbuseClean, AbusePhishing, AbuseMalware, AbuseSpam, AbuseOther:
		return true
	}
	return false
}
