package domain

import "time"

// SSL mode preferences mirrored to the DNS/CDN provider.
const (
	SSLModeFlexible = "flexible"
	SSLModeFull     = "full"
	SSLModeStrict   = "strict"
)

// Project is the top-level grouping owning sites, domains and accounts.
type Project struct {
	ID                string
	Name              string
	SSLMode           string
	MonitoringEnabled bool
	CreatedAt         time.Time
}
