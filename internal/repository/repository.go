package repository

import (
	"context"
	"time"

	"github.com/investblog/spintax-domain-manager-sub000/internal/domain"
)

// UserRepository persists admin users.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

// ProjectRepository reads project configuration.
type ProjectRepository interface {
	GetProjectByID(ctx context.Context, id string) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)
}

// SiteRepository reads sites and their monitoring settings.
type SiteRepository interface {
	GetSiteByID(ctx context.Context, id string) (*domain.Site, error)
	// ListMonitoredSites returns sites whose project has monitoring enabled and
	// whose own monitoring settings select at least one check type.
	ListMonitoredSites(ctx context.Context) ([]domain.Site, error)
}

// DomainRepository persists managed domains.
type DomainRepository interface {
	GetDomainByID(ctx context.Context, id string) (*domain.DNSDomain, error)
	GetDomainByName(ctx context.Context, projectID, name string) (*domain.DNSDomain, error)
	ListDomainsByProject(ctx context.Context, projectID string) ([]domain.DNSDomain, error)
	// UpsertDomainZone inserts a domain row keyed by (project_id, name) or, when
	// it already exists, refreshes its zone id and status. Reports whether a new
	// row was inserted.
	UpsertDomainZone(ctx context.Context, projectID, name, zoneID, status string) (bool, error)
	AssignDomainSite(ctx context.Context, domainID, siteID string) error
	ClearDomainSite(ctx context.Context, domainID string) error
	// DeleteDomainCascade removes the domain together with its redirect,
	// provider-rule mappings and email forwarding in one transaction.
	DeleteDomainCascade(ctx context.Context, domainID string) error
	SetDomainAbuseStatus(ctx context.Context, domainID, status string) error
	SetDomainBlockedProvider(ctx context.Context, domainID string, blocked bool) error
	SetDomainBlockedGovernment(ctx context.Context, domainID string, blocked bool) error
	ClearDomainBlocked(ctx context.Context, domainID string) error
	SetDomainLastChecked(ctx context.Context, domainID string, at time.Time) error
}

// AccountRepository persists service accounts with encrypted credentials.
type AccountRepository interface {
	// ResolveAccount returns the effective account for (project, service): the
	// site-scoped account when present, otherwise the project-level one.
	ResolveAccount(ctx context.Context, projectID string, siteID *string, serviceSlug string) (*domain.Account, error)
	SaveAccount(ctx context.Context, account *domain.Account) error
	SetAccountTestResult(ctx context.Context, accountID string, at time.Time, result string) error
}

// RedirectRepository persists redirect rows and provider rule mappings.
type RedirectRepository interface {
	// UpsertRedirect inserts or, on conflict over domain_id, updates in place.
	// Reports the row id and whether the row was newly inserted.
	UpsertRedirect(ctx context.Context, redirect *domain.Redirect) (string, bool, error)
	GetRedirectByDomain(ctx context.Context, domainID string) (*domain.Redirect, error)
	GetRedirectByID(ctx context.Context, id string) (*domain.Redirect, error)
	DeleteRedirect(ctx context.Context, id string) error
	// ListGlueRedirectsByZone returns glue-category redirects whose domain
	// belongs to the given provider zone.
	ListGlueRedirectsByZone(ctx context.Context, zoneID string) ([]domain.Redirect, error)

	SaveProviderRule(ctx context.Context, rule *domain.ProviderRule) error
	ListProviderRulesByDomain(ctx context.Context, domainID string) ([]domain.ProviderRule, error)
	DeleteProviderRulesByDomain(ctx context.Context, domainID string) error
	DeleteProviderRulesByZone(ctx context.Context, zoneID, kind string) error
}

// ServiceTypeRepository reads the service catalog.
type ServiceTypeRepository interface {
	GetServiceTypeBySlug(ctx context.Context, slug string) (*domain.ServiceType, error)
	GetServiceTypeByID(ctx context.Context, id string) (*domain.ServiceType, error)
}

// EmailForwardingRepository persists mailbox-per-domain forwarding state.
type EmailForwardingRepository interface {
	UpsertForwarding(ctx context.Context, fwd *domain.EmailForwarding) error
	SetCatchAll(ctx context.Context, domainID string, enabled bool) error
	GetForwardingByDomain(ctx context.Context, domainID string) (*domain.EmailForwarding, error)
}
