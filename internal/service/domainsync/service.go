// Package domainsync reconciles local domain rows against the DNS/CDN
// provider and applies operator batch actions to them.
package domainsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/investblog/spintax-domain-manager-sub000/internal/domain"
	"github.com/investblog/spintax-domain-manager-sub000/internal/provider"
	"github.com/investblog/spintax-domain-manager-sub000/internal/provider/cloudflare"
	"github.com/investblog/spintax-domain-manager-sub000/internal/repository"
)

// Batch actions for MassUpdateDomains.
const (
	ActionSetAbuseStatus       = "set_abuse_status"
	ActionSetBlockedProvider   = "set_blocked_provider"
	ActionSetBlockedGovernment = "set_blocked_government"
	ActionClearBlocked         = "clear_blocked"
)

var (
	// ErrNotAssigned means the domain has no site to unassign from.
	ErrNotAssigned = errors.New("domainsync: domain is not assigned to a site")
	// ErrMainDomain means the domain is its site's main domain and cannot be
	// unassigned while referenced.
	ErrMainDomain = errors.New("domainsync: domain is the site's main domain")
	// ErrAssignedElsewhere means the domain already belongs to a different site.
	ErrAssignedElsewhere = errors.New("domainsync: domain is assigned to another site")
	// ErrUnknownAction means the batch action is not recognized.
	ErrUnknownAction = errors.New("domainsync: unknown batch action")
)

// DNSClient is the slice of the DNS/CDN provider the engine needs.
type DNSClient interface {
	ListZones(ctx context.Context) ([]cloudflare.Zone, error)
	AddZone(ctx context.Context, name string) (cloudflare.Zone, error)
	GetZoneNameservers(ctx context.Context, zoneID string) ([]string, error)
	DeletePageRules(ctx context.Context, zoneID string, ruleIDs []string) error
}

// RegistrarClient pushes nameserver changes to the registrar.
type RegistrarClient interface {
	SetNameservers(ctx context.Context, domainName string, nameservers []string) error
}

// CredentialSource resolves decrypted account credentials per service.
type CredentialSource interface {
	Resolve(ctx context.Context, projectID string, siteID *string, serviceSlug string) (*domain.Account, domain.Credentials, error)
}

// DNSFactory builds a DNS client from decrypted credentials.
type DNSFactory func(creds domain.Credentials) (DNSClient, error)

// RegistrarFactory builds a registrar client from decrypted credentials.
type RegistrarFactory func(creds domain.Credentials) (RegistrarClient, error)

// SyncResult reports one reconciliation pass.
type SyncResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Zones    int `json:"zones"`
}

// BatchResult tallies a per-item batch operation. Errors are itemized so a
// single bad entry never hides the rest of the outcome.
type BatchResult struct {
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

func (r *BatchResult) ok() {
	r.Succeeded++
}

func (r *BatchResult) fail(format string, args ...any) {
	r.Failed++
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// MassUpdateOptions carries the per-action parameter.
type MassUpdateOptions struct {
	AbuseStatus string `json:"abuse_status,omitempty"`
	Blocked     bool   `json:"blocked,omitempty"`
}

// Service implements domain reconciliation workflows.
type Service struct {
	domains      repository.DomainRepository
	sites        repository.SiteRepository
	redirects    repository.RedirectRepository
	creds        CredentialSource
	newDNS       DNSFactory
	newRegistrar RegistrarFactory
	logger       *slog.Logger
}

// New constructs a Service.
func New(domains repository.DomainRepository, sites repository.SiteRepository, redirects repository.RedirectRepository, creds CredentialSource, newDNS DNSFactory, newRegistrar RegistrarFactory, logger *slog.Logger) Service {
	return Service{
		domains:      domains,
		sites:        sites,
		redirects:    redirects,
		creds:        creds,
		newDNS:       newDNS,
		newRegistrar: newRegistrar,
		logger:       logger,
	}
}

// dnsClient resolves the project's DNS account and builds a client. When the
// primary auth method is rejected and the account also carries the alternate
// email+key pair, the pair is tried before giving up.
func (s Service) dnsClient(ctx context.Context, projectID string) (DNSClient, error) {
	_, creds, err := s.creds.Resolve(ctx, projectID, nil, domain.ServiceCloudflare)
	if err != nil {
		return nil, err
	}
	client, err := s.newDNS(creds)
	if err == nil {
		return client, nil
	}
	if isAuthFailure(err) && creds.APIToken != "" && creds.Email != "" && creds.APIKey != "" {
		fallback := creds
		fallback.APIToken = ""
		s.logger.Warn("token auth rejected, retrying with email+key", "project_id", projectID)
		return s.newDNS(fallback)
	}
	return nil, err
}

// SyncProjectDomains lists every provider zone for the project's account and
// upserts a local domain row per zone.
func (s Service) SyncProjectDomains(ctx context.Context, projectID string) (SyncResult, error) {
	client, err := s.dnsClient(ctx, projectID)
	if err != nil {
		return SyncResult{}, err
	}

	zones, err := client.ListZones(ctx)
	if err != nil && isAuthFailure(err) {
		// Some tokens pass client construction but fail on first use.
		if retried, retryErr := s.retryWithKeyAuth(ctx, projectID); retryErr == nil && retried != nil {
			client = retried
			zones, err = client.ListZones(ctx)
		}
	}
	if err != nil {
		return SyncResult{}, err
	}

	result := SyncResult{Zones: len(zones)}
	for _, zone := range zones {
		inserted, err := s.domains.UpsertDomainZone(ctx, projectID, zone.Name, zone.ID, domain.DomainActive)
		if err != nil {
			return result, fmt.Errorf("upsert domain %s: %w", zone.Name, err)
		}
		if inserted {
			result.Inserted++
		} else {
			result.Updated++
		}
	}
	s.logger.Info("project domains synced",
		"project_id", projectID,
		"zones", result.Zones,
		"inserted", result.Inserted,
		"updated", result.Updated)
	return result, nil
}

func (s Service) retryWithKeyAuth(ctx context.Context, projectID string) (DNSClient, error) {
	_, creds, err := s.creds.Resolve(ctx, projectID, nil, domain.ServiceCloudflare)
	if err != nil {
		return nil, err
	}
	if creds.Email == "" || creds.APIKey == "" || creds.APIToken == "" {
		return nil, nil
	}
	creds.APIToken = ""
	return s.newDNS(creds)
}

// AssignDomainsToSite sets the site reference on each domain. A domain already
// assigned to a different site is a per-item conflict, never overwritten.
// Blocked domains assign normally.
func (s Service) AssignDomainsToSite(ctx context.Context, domainIDs []string, siteID string) (BatchResult, error) {
	if _, err := s.sites.GetSiteByID(ctx, siteID); err != nil {
		return BatchResult{}, fmt.Errorf("load site %s: %w", siteID, err)
	}

	var result BatchResult
	for _, id := range domainIDs {
		d, err := s.domains.GetDomainByID(ctx, id)
		if err != nil {
			result.fail("%s: %v", id, err)
			continue
		}
		if d.SiteID != nil && *d.SiteID != siteID {
			result.fail("%s: %v", d.Name, ErrAssignedElsewhere)
			continue
		}
		if err := s.domains.AssignDomainSite(ctx, id, siteID); err != nil {
			result.fail("%s: %v", d.Name, err)
			continue
		}
		result.ok()
	}
	s.logger.Info("domains assigned", "site_id", siteID, "succeeded", result.Succeeded, "failed", result.Failed)
	return result, nil
}

// UnassignDomain clears the domain's site reference. The site's main domain
// stays put until the site points elsewhere.
func (s Service) UnassignDomain(ctx context.Context, domainID string) error {
	d, err := s.domains.GetDomainByID(ctx, domainID)
	if err != nil {
		return err
	}
	if d.SiteID == nil {
		return ErrNotAssigned
	}
	site, err := s.sites.GetSiteByID(ctx, *d.SiteID)
	if err != nil {
		return fmt.Errorf("load site %s: %w", *d.SiteID, err)
	}
	if site.MainDomain == d.Name {
		return fmt.Errorf("%w: %s", ErrMainDomain, d.Name)
	}
	return s.domains.ClearDomainSite(ctx, domainID)
}

// DeleteDomain removes the domain and its dependents. A site's main domain
// cannot be deleted while the site references it. Provider-side page
// rules recorded for the domain are deleted first, best effort: a provider
// failure is logged and the local delete proceeds so the operator is never
// stuck with an undeletable row.
func (s Service) DeleteDomain(ctx context.Context, domainID string) error {
	d, err := s.domains.GetDomainByID(ctx, domainID)
	if err != nil {
		return err
	}
	if d.SiteID != nil {
		site, err := s.sites.GetSiteByID(ctx, *d.SiteID)
		if err != nil {
			return fmt.Errorf("load site %s: %w", *d.SiteID, err)
		}
		if site.MainDomain == d.Name {
			return fmt.Errorf("%w: %s", ErrMainDomain, d.Name)
		}
	}

	rules, err := s.redirects.ListProviderRulesByDomain(ctx, domainID)
	if err != nil {
		return err
	}
	if len(rules) > 0 && d.ZoneID != nil {
		if client, err := s.dnsClient(ctx, d.ProjectID); err != nil {
			s.logger.Warn("skipping provider rule cleanup", "domain", d.Name, "error", err)
		} else {
			var pageRuleIDs []string
			for _, r := range rules {
				if r.Kind == "page_rule" {
					pageRuleIDs = append(pageRuleIDs, r.RuleID)
				}
			}
			if len(pageRuleIDs) > 0 {
				if err := client.DeletePageRules(ctx, *d.ZoneID, pageRuleIDs); err != nil {
					s.logger.Warn("provider rule cleanup incomplete", "domain", d.Name, "error", err)
				}
			}
		}
	}

	if err := s.domains.DeleteDomainCascade(ctx, domainID); err != nil {
		return err
	}
	s.logger.Info("domain deleted", "domain_id", domainID, "name", d.Name)
	return nil
}

// MassUpdateDomains applies one action uniformly across the id list. Per-item
// failures are tallied, never fatal to the batch.
func (s Service) MassUpdateDomains(ctx context.Context, domainIDs []string, action string, opts MassUpdateOptions) (BatchResult, error) {
	if action == ActionSetAbuseStatus && !domain.ValidAbuseStatus(opts.AbuseStatus) {
		return BatchResult{}, fmt.Errorf("domainsync: invalid abuse status %q", opts.AbuseStatus)
	}

	var result BatchResult
	for _, id := range domainIDs {
		var err error
		switch action {
		case ActionSetAbuseStatus:
			err = s.domains.SetDomainAbuseStatus(ctx, id, opts.AbuseStatus)
		case ActionSetBlockedProvider:
			err = s.domains.SetDomainBlockedProvider(ctx, id, opts.Blocked)
		case ActionSetBlockedGovernment:
			err = s.domains.SetDomainBlockedGovernment(ctx, id, opts.Blocked)
		case ActionClearBlocked:
			err = s.domains.ClearDomainBlocked(ctx, id)
		default:
			return result, fmt.Errorf("%w: %s", ErrUnknownAction, action)
		}
		if err != nil {
			result.fail("%s: %v", id, err)
			continue
		}
		result.ok()
	}
	s.logger.Info("mass update applied", "action", action, "succeeded", result.Succeeded, "failed", result.Failed)
	return result, nil
}

// MassAddDomains registers each name as a provider zone and upserts the local
// row. One bad name never blocks the rest.
func (s Service) MassAddDomains(ctx context.Context, projectID string, names []string) (BatchResult, error) {
	client, err := s.dnsClient(ctx, projectID)
	if err != nil {
		return BatchResult{}, err
	}

	var result BatchResult
	for _, name := range names {
		zone, err := client.AddZone(ctx, name)
		if err != nil {
			result.fail("%s: %v", name, err)
			continue
		}
		if _, err := s.domains.UpsertDomainZone(ctx, projectID, zone.Name, zone.ID, domain.DomainActive); err != nil {
			result.fail("%s: %v", name, err)
			continue
		}
		result.ok()
	}
	s.logger.Info("mass add finished", "project_id", projectID, "succeeded", result.Succeeded, "failed", result.Failed)
	return result, nil
}

// ConnectNameservers reads each domain's zone nameservers from the DNS
// provider and pushes them to the registrar.
func (s Service) ConnectNameservers(ctx context.Context, projectID string, domainIDs []string) (BatchResult, error) {
	dns, err := s.dnsClient(ctx, projectID)
	if err != nil {
		return BatchResult{}, err
	}
	_, regCreds, err := s.creds.Resolve(ctx, projectID, nil, domain.ServiceNamecheap)
	if err != nil {
		return BatchResult{}, err
	}
	registrar, err := s.newRegistrar(regCreds)
	if err != nil {
		return BatchResult{}, err
	}

	var result BatchResult
	for _, id := range domainIDs {
		d, err := s.domains.GetDomainByID(ctx, id)
		if err != nil {
			result.fail("%s: %v", id, err)
			continue
		}
		if d.ZoneID == nil {
			result.fail("%s: no zone, sync the project first", d.Name)
			continue
		}
		nameservers, err := dns.GetZoneNameservers(ctx, *d.ZoneID)
		if err != nil {
			result.fail("%s: %v", d.Name, err)
			continue
		}
		if len(nameservers) == 0 {
			result.fail("%s: provider returned no nameservers", d.Name)
			continue
		}
		if err := registrar.SetNameservers(ctx, d.Name, nameservers); err != nil {
			result.fail("%s: %v", d.Name, err)
			continue
		}
		result.ok()
	}
	s.logger.Info("nameservers connected", "project_id", projectID, "succeeded", result.Succeeded, "failed", result.Failed)
	return result, nil
}

func isAuthFailure(err error) bool {
	var perr *provider.Error
	return errors.As(err, &perr) && perr.Kind == provider.KindAuth
}
