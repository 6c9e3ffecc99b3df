package domain

import "time"

// MonitoringChecks enables individual uptime-check types for a site.
type MonitoringChecks struct {
	Blocklist bool `json:"blocklist"`
	Uptime    bool `json:"uptime"`
}

// SiteMonitoring is the structured per-site monitoring configuration, stored
// as jsonb.
type SiteMonitoring struct {
	Enabled bool             `json:"enabled"`
	Checks  MonitoringChecks `json:"checks"`
}

// Active reports whether the site should have monitoring tasks at all.
func (m SiteMonitoring) Active() bool {
	return m.Enabled && (m.Checks.Blocklist || m.Checks.Uptime)
}

// Site belongs to exactly one project. MainDomain must match the name of a
// Domain row assigned to this site; that domain cannot be unassigned while
// referenced here.
type Site struct {
	ID         string
	ProjectID  string
	Name       string
	ServerIP   string
	MainDomain string
	Language   string
	IconSVG    string
	Monitoring SiteMonitoring
	CreatedAt  time.Time
}
