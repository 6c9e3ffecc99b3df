// Package redirect manages per-domain redirect records and their provider-side
// counterparts: forwarding page rules for single domains and the rebuilt
// dynamic-redirect ruleset for glue traffic.
package redirect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/investblog/spintax-domain-manager-sub000/internal/domain"
	"github.com/investblog/spintax-domain-manager-sub000/internal/provider/cloudflare"
	"github.com/investblog/spintax-domain-manager-sub000/internal/repository"
)

// Provider rule kinds stored in the mapping table.
const (
	RuleKindPageRule = "page_rule"
	RuleKindRuleset  = "ruleset_rule"
)

var (
	// ErrWrongProject means the domain does not belong to the caller's project.
	ErrWrongProject = errors.New("redirect: domain belongs to a different project")
	// ErrSelfRedirect means the domain is its site's main domain and would
	// redirect to itself.
	ErrSelfRedirect = errors.New("redirect: domain is the site's main domain")
	// ErrNoSite means a default redirect was requested for an unassigned domain.
	ErrNoSite = errors.New("redirect: domain is not assigned to a site")
	// ErrInvalidInput rejects malformed redirect payloads.
	ErrInvalidInput = errors.New("redirect: invalid input")
)

// DNSClient is the slice of the DNS/CDN provider the engine needs.
type DNSClient interface {
	CreatePageRule(ctx context.Context, zoneID string, spec cloudflare.PageRuleSpec) (string, error)
	DeletePageRules(ctx context.Context, zoneID string, ruleIDs []string) error
	ListRedirectRulesets(ctx context.Context, zoneID string) ([]string, error)
	DeleteRuleset(ctx context.Context, zoneID, rulesetID string) error
	CreateRedirectRuleset(ctx context.Context, zoneID string, rules []cloudflare.RedirectRule) ([]string, error)
}

// CredentialSource resolves decrypted account credentials per service.
type CredentialSource interface {
	Resolve(ctx context.Context, projectID string, siteID *string, serviceSlug string) (*domain.Account, domain.Credentials, error)
}

// DNSFactory builds a DNS client from decrypted credentials.
type DNSFactory func(creds domain.Credentials) (DNSClient, error)

// Input is the payload for AddOrUpdate.
type Input struct {
	DomainID      string `json:"domain_id"`
	SourcePath    string `json:"source_path"`
	TargetURL     string `json:"target_url"`
	StatusCode    int    `json:"status_code"`
	Category      string `json:"category"`
	PreserveQuery bool   `json:"preserve_query"`
	UserAgent     string `json:"user_agent,omitempty"`
}

// BatchResult tallies CreateDefaults.
type BatchResult struct {
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// Service implements redirect workflows.
type Service struct {
	redirects repository.RedirectRepository
	domains   repository.DomainRepository
	sites     repository.SiteRepository
	creds     CredentialSource
	newDNS    DNSFactory
	logger    *slog.Logger

	mu        sync.Mutex
	zoneLocks map[string]*sync.Mutex
}

// New constructs a Service.
func New(redirects repository.RedirectRepository, domains repository.DomainRepository, sites repository.SiteRepository, creds CredentialSource, newDNS DNSFactory, logger *slog.Logger) *Service {
	return &Service{
		redirects: redirects,
		domains:   domains,
		sites:     sites,
		creds:     creds,
		newDNS:    newDNS,
		logger:    logger,
		zoneLocks: map[string]*sync.Mutex{},
	}
}

// zoneLock serializes ruleset rebuilds per zone. Concurrent rebuilds of the
// same zone would race between the delete and create phases.
func (s *Service) zoneLock(zoneID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.zoneLocks[zoneID]
	if !ok {
		l = &sync.Mutex{}
		s.zoneLocks[zoneID] = l
	}
	return l
}

// descriptionTag is the legacy free-text marker carried on provider-side
// rules, kept for compatibility with rules created by older installations.
func descriptionTag(domainID string) string {
	return "SDM domain_id=" + domainID
}

// AddOrUpdate validates the payload and upserts the domain's single redirect
// row. For main and hidden categories the provider-side page rule is replaced
// in the same call. A switch to glue removes the old page rule; the glue row
// itself only takes effect on the next ruleset rebuild.
func (s *Service) AddOrUpdate(ctx context.Context, projectID string, in Input) (string, error) {
	if err := validate(in); err != nil {
		return "", err
	}
	d, err := s.domains.GetDomainByID(ctx, in.DomainID)
	if err != nil {
		return "", err
	}
	if d.ProjectID != projectID {
		return "", fmt.Errorf("%w: domain %s", ErrWrongProject, in.DomainID)
	}

	rec := &domain.Redirect{
		ID:            uuid.NewString(),
		DomainID:      in.DomainID,
		SourcePath:    in.SourcePath,
		TargetURL:     in.TargetURL,
		StatusCode:    in.StatusCode,
		Category:      in.Category,
		PreserveQuery: in.PreserveQuery,
		UserAgent:     in.UserAgent,
	}
	id, inserted, err := s.redirects.UpsertRedirect(ctx, rec)
	if err != nil {
		return "", err
	}

	if d.ZoneID != nil {
		if in.Category == domain.RedirectGlue {
			if err := s.removePageRules(ctx, d); err != nil {
				s.logger.Warn("page rule cleanup failed", "domain", d.Name, "error", err)
				return id, err
			}
		} else if err := s.replacePageRule(ctx, d, in); err != nil {
			s.logger.Warn("page rule update failed", "domain", d.Name, "error", err)
			return id, err
		}
	}

	s.logger.Info("redirect saved",
		"redirect_id", id,
		"domain", d.Name,
		"category", in.Category,
		"inserted", inserted)
	return id, nil
}

func (s *Service) replacePageRule(ctx context.Context, d *domain.DNSDomain, in Input) error {
	client, err := s.dnsClient(ctx, d.ProjectID)
	if err != nil {
		return err
	}

	existing, err := s.redirects.ListProviderRulesByDomain(ctx, d.ID)
	if err != nil {
		return err
	}
	var stale []string
	for _, r := range existing {
		if r.Kind == RuleKindPageRule {
			stale = append(stale, r.RuleID)
		}
	}
	if len(stale) > 0 {
		if err := client.DeletePageRules(ctx, *d.ZoneID, stale); err != nil {
			s.logger.Warn("stale page rules left behind", "domain", d.Name, "error", err)
		}
	}

	ruleID, err := client.CreatePageRule(ctx, *d.ZoneID, cloudflare.PageRuleSpec{
		Pattern:       d.Name + in.SourcePath,
		TargetURL:     in.TargetURL,
		StatusCode:    in.StatusCode,
		PreserveQuery: in.PreserveQuery,
	})
	if err != nil {
		return err
	}

	if err := s.redirects.DeleteProviderRulesByDomain(ctx, d.ID); err != nil {
		return err
	}
	return s.redirects.SaveProviderRule(ctx, &domain.ProviderRule{
		ID:          uuid.NewString(),
		DomainID:    d.ID,
		ZoneID:      *d.ZoneID,
		RuleID:      ruleID,
		Kind:        RuleKindPageRule,
		Description: descriptionTag(d.ID),
	})
}

// removePageRules drops any page rule left over from a previous main or
// hidden redirect. Glue rows are served by the zone ruleset, so a leftover
// page rule would shadow it.
func (s *Service) removePageRules(ctx context.Context, d *domain.DNSDomain) error {
	existing, err := s.redirects.ListProviderRulesByDomain(ctx, d.ID)
	if err != nil {
		return err
	}
	var stale []string
	for _, r := range existing {
		if r.Kind == RuleKindPageRule {
			stale = append(stale, r.RuleID)
		}
	}
	if len(stale) == 0 {
		return nil
	}

	client, err := s.dnsClient(ctx, d.ProjectID)
	if err != nil {
		return err
	}
	if err := client.DeletePageRules(ctx, *d.ZoneID, stale); err != nil {
		return err
	}
	return s.redirects.DeleteProviderRulesByDomain(ctx, d.ID)
}

// CreateDefault redirects every path on the domain to the site's main domain.
// The main domain itself never gets a default redirect.
func (s *Service) CreateDefault(ctx context.Context, projectID, domainID string) (string, error) {
	d, err := s.domains.GetDomainByID(ctx, domainID)
	if err != nil {
		return "", err
	}
	if d.ProjectID != projectID {
		return "", fmt.Errorf("%w: domain %s", ErrWrongProject, domainID)
	}
	if d.SiteID == nil {
		return "", fmt.Errorf("%w: %s", ErrNoSite, d.Name)
	}
	site, err := s.sites.GetSiteByID(ctx, *d.SiteID)
	if err != nil {
		return "", err
	}
	if site.MainDomain == "" {
		return "", fmt.Errorf("%w: site %s has no main domain", ErrNoSite, site.ID)
	}
	if site.MainDomain == d.Name {
		return "", fmt.Errorf("%w: %s", ErrSelfRedirect, d.Name)
	}

	return s.AddOrUpdate(ctx, projectID, Input{
		DomainID:      domainID,
		SourcePath:    "/*",
		TargetURL:     "https://" + site.MainDomain + "/*",
		StatusCode:    301,
		Category:      domain.RedirectMain,
		PreserveQuery: true,
	})
}

// CreateDefaults applies CreateDefault per id, tallying instead of aborting.
func (s *Service) CreateDefaults(ctx context.Context, projectID string, domainIDs []string) BatchResult {
	var result BatchResult
	for _, id := range domainIDs {
		if _, err := s.CreateDefault(ctx, projectID, id); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", id, err))
			continue
		}
		result.Succeeded++
	}
	s.logger.Info("default redirects created", "project_id", projectID, "succeeded", result.Succeeded, "failed", result.Failed)
	return result
}

// RebuildZoneRules replaces the zone's dynamic-redirect ruleset with one
// derived purely from local glue rows. Full replace keeps the provider from
// drifting; with no glue rows the zone ends up with no ruleset at all.
func (s *Service) RebuildZoneRules(ctx context.Context, projectID, zoneID string) (int, error) {
	lock := s.zoneLock(zoneID)
	lock.Lock()
	defer lock.Unlock()

	glue, err := s.redirects.ListGlueRedirectsByZone(ctx, zoneID)
	if err != nil {
		return 0, err
	}

	client, err := s.dnsClient(ctx, projectID)
	if err != nil {
		return 0, err
	}

	existing, err := client.ListRedirectRulesets(ctx, zoneID)
	if err != nil {
		return 0, err
	}
	for _, rulesetID := range existing {
		if err := client.DeleteRuleset(ctx, zoneID, rulesetID); err != nil {
			return 0, fmt.Errorf("delete ruleset %s: %w", rulesetID, err)
		}
	}
	if err := s.redirects.DeleteProviderRulesByZone(ctx, zoneID, RuleKindRuleset); err != nil {
		return 0, err
	}

	if len(glue) == 0 {
		s.logger.Info("zone has no glue redirects, ruleset removed", "zone_id", zoneID)
		return 0, nil
	}

	rules := make([]cloudflare.RedirectRule, 0, len(glue))
	for _, r := range glue {
		d, err := s.domains.GetDomainByID(ctx, r.DomainID)
		if err != nil {
			return 0, err
		}
		rules = append(rules, cloudflare.RedirectRule{
			Host:          d.Name,
			TargetURL:     r.TargetURL,
			StatusCode:    r.StatusCode,
			PreserveQuery: r.PreserveQuery,
			UserAgent:     r.UserAgent,
			Description:   descriptionTag(r.DomainID),
		})
	}

	ruleIDs, err := client.CreateRedirectRuleset(ctx, zoneID, rules)
	if err != nil {
		return 0, err
	}
	for i, ruleID := range ruleIDs {
		if i >= len(glue) {
			break
		}
		if err := s.redirects.SaveProviderRule(ctx, &domain.ProviderRule{
			ID:          uuid.NewString(),
			DomainID:    glue[i].DomainID,
			ZoneID:      zoneID,
			RuleID:      ruleID,
			Kind:        RuleKindRuleset,
			Description: descriptionTag(glue[i].DomainID),
		}); err != nil {
			return len(rules), err
		}
	}

	s.logger.Info("zone ruleset rebuilt", "zone_id", zoneID, "rules", len(rules))
	return len(rules), nil
}

// Delete removes the redirect row and any provider-side page rules mapped to
// its domain.
func (s *Service) Delete(ctx context.Context, projectID, redirectID string) error {
	rec, err := s.redirects.GetRedirectByID(ctx, redirectID)
	if err != nil {
		return err
	}
	d, err := s.domains.GetDomainByID(ctx, rec.DomainID)
	if err != nil {
		return err
	}
	if d.ProjectID != projectID {
		return fmt.Errorf("%w: redirect %s", ErrWrongProject, redirectID)
	}

	rules, err := s.redirects.ListProviderRulesByDomain(ctx, rec.DomainID)
	if err != nil {
		return err
	}
	var pageRules []string
	for _, r := range rules {
		if r.Kind == RuleKindPageRule {
			pageRules = append(pageRules, r.RuleID)
		}
	}
	if len(pageRules) > 0 && d.ZoneID != nil {
		client, err := s.dnsClient(ctx, d.ProjectID)
		if err != nil {
			s.logger.Warn("skipping provider rule cleanup", "domain", d.Name, "error", err)
		} else if err := client.DeletePageRules(ctx, *d.ZoneID, pageRules); err != nil {
			s.logger.Warn("provider rule cleanup incomplete", "domain", d.Name, "error", err)
		}
	}

	if err := s.redirects.DeleteProviderRulesByDomain(ctx, rec.DomainID); err != nil {
		return err
	}
	if err := s.redirects.DeleteRedirect(ctx, redirectID); err != nil {
		return err
	}
	s.logger.Info("redirect deleted", "redirect_id", redirectID, "domain", d.Name)
	return nil
}

func (s *Service) dnsClient(ctx context.Context, projectID string) (DNSClient, error) {
	_, creds, err := s.creds.Resolve(ctx, projectID, nil, domain.ServiceCloudflare)
	if err != nil {
		return nil, err
	}
	return s.newDNS(creds)
}

func validate(in Input) error {
	if in.DomainID == "" {
		return fmt.Errorf("%w: domain_id is required", ErrInvalidInput)
	}
	if !strings.HasPrefix(in.SourcePath, "/") {
		return fmt.Errorf("%w: source_path must start with /", ErrInvalidInput)
	}
	if !strings.HasPrefix(in.TargetURL, "http://") && !strings.HasPrefix(in.TargetURL, "https://") {
		return fmt.Errorf("%w: target_url must be absolute", ErrInvalidInput)
	}
	if in.StatusCode != 301 && in.StatusCode != 302 {
		return fmt.Errorf("%w: status_code must be 301 or 302", ErrInvalidInput)
	}
	if !domain.ValidRedirectCategory(in.Category) {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidInput, in.Category)
	}
	return nil
}
