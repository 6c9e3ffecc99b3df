package domain

import "time"

// Redirect categories. "main" sends all traffic on a non-main domain to the
// site's main domain, "glue" rows participate in the provider ruleset rebuild,
// "hidden" rows are tracked but excluded from rebuilds. The category tags the
// provider-side rule for local bookkeeping only.
const (
	RedirectMain   = "main"
	RedirectGlue   = "glue"
	RedirectHidden = "hidden"
)

// Redirect is the single redirect record for a domain. At most one row exists
// per DomainID, enforced by a unique constraint plus upsert-on-conflict.
type Redirect struct {
	ID            string
	DomainID      string
	SourcePath    string
	TargetURL     string
	StatusCode    int // 301 or 302
	Category      string
	PreserveQuery bool
	UserAgent     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ValidRedirectCategory reports whether c is a known category.
func ValidRedirectCategory(c string) bool {
	switch c {
	case RedirectMain, RedirectGlue, RedirectHidden:
		return true
	}
	return false
}

// ProviderRule maps a domain to a rule created on the provider side, so
// cleanup does not depend on free-text conventions alone. Description still
// carries the legacy "SDM domain_id={id}" tag for compatibility with rules
// created by older installations.
type ProviderRule struct {
	ID          string
	DomainID    string
	ZoneID      string
	RuleID      string
	Kind        string // "page_rule" or "ruleset_rule"
	Description string
	CreatedAt   time.Time
}
