package domainsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/investblog/spintax-domain-manager-sub000/internal/domain"
	"github.com/investblog/spintax-domain-manager-sub000/internal/provider"
	"github.com/investblog/spintax-domain-manager-sub000/internal/provider/cloudflare"
	"github.com/investblog/spintax-domain-manager-sub000/internal/repository"
)

type testDomainRepo struct {
	byID     map[string]*domain.DNSDomain
	byName   map[string]*domain.DNSDomain
	upserts  []string
	assigned map[string]string
	cleared  []string
	deleted  []string
	statuses map[string]string
}

func newTestDomainRepo(domains ...*domain.DNSDomain) *testDomainRepo {
	r := &testDomainRepo{
		byID:     map[string]*domain.DNSDomain{},
		byName:   map[string]*domain.DNSDomain{},
		assigned: map[string]string{},
		statuses: map[string]string{},
	}
	for _, d := range domains {
		r.byID[d.ID] = d
		r.byName[d.Name] = d
	}
	return r
}

func (r *testDomainRepo) GetDomainByID(ctx context.Context, id string) (*domain.DNSDomain, error) {
	d, ok := r.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return d, nil
}

func (r *testDomainRepo) GetDomainByName(ctx context.Context, projectID, name string) (*domain.DNSDomain, error) {
	d, ok := r.byName[name]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return d, nil
}

func (r *testDomainRepo) ListDomainsByProject(ctx context.Context, projectID string) ([]domain.DNSDomain, error) {
	var out []domain.DNSDomain
	for _, d := range r.byID {
		if d.ProjectID == projectID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (r *testDomainRepo) UpsertDomainZone(ctx context.Context, projectID, name, zoneID, status string) (bool, error) {
	r.upserts = append(r.upserts, name)
	if d, ok := r.byName[name]; ok {
		d.ZoneID = &zoneID
		return false, nil
	}
	d := &domain.DNSDomain{ID: "id-" + name, ProjectID: projectID, Name: name, ZoneID: &zoneID, Status: status}
	r.byID[d.ID] = d
	r.byName[name] = d
	return true, nil
}

func (r *testDomainRepo) AssignDomainSite(ctx context.Context, domainID, siteID string) error {
	r.assigned[domainID] = siteID
	return nil
}

func (r *testDomainRepo) ClearDomainSite(ctx context.Context, domainID string) error {
	r.cleared = append(r.cleared, domainID)
	return nil
}

func (r *testDomainRepo) DeleteDomainCascade(ctx context.Context, domainID string) error {
	if _, ok := r.byID[domainID]; !ok {
		return repository.ErrNotFound
	}
	r.deleted = append(r.deleted, domainID)
	return nil
}

func (r *testDomainRepo) SetDomainAbuseStatus(ctx context.Context, domainID, status string) error {
	if _, ok := r.byID[domainID]; !ok {
		return repository.ErrNotFound
	}
	r.statuses[domainID] = status
	return nil
}

func (r *testDomainRepo) SetDomainBlockedProvider(ctx context.Context, domainID string, blocked bool) error {
	return nil
}

func (r *testDomainRepo) SetDomainBlockedGovernment(ctx context.Context, domainID string, blocked bool) error {
	return nil
}

func (r *testDomainRepo) ClearDomainBlocked(ctx context.Context, domainID string) error { return nil }

func (r *testDomainRepo) SetDomainLastChecked(ctx context.Context, domainID string, at time.Time) error {
	return nil
}

type testSiteRepo struct {
	sites map[string]*domain.Site
}

func (r *testSiteRepo) GetSiteByID(ctx context.Context, id string) (*domain.Site, error) {
	s, ok := r.sites[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s, nil
}

func (r *testSiteRepo) ListMonitoredSites(ctx context.Context) ([]domain.Site, error) {
	return nil, nil
}

type testRedirectRepo struct {
	providerRules map[string][]domain.ProviderRule
}

func (r *testRedirectRepo) UpsertRedirect(ctx context.Context, redirect *domain.Redirect) (string, bool, error) {
	return "", false, nil
}

func (r *testRedirectRepo) GetRedirectByDomain(ctx context.Context, domainID string) (*domain.Redirect, error) {
	return nil, repository.ErrNotFound
}

func (r *testRedirectRepo) GetRedirectByID(ctx context.Context, id string) (*domain.Redirect, error) {
	return nil, repository.ErrNotFound
}

func (r *testRedirectRepo) DeleteRedirect(ctx context.Context, id string) error { return nil }

func (r *testRedirectRepo) ListGlueRedirectsByZone(ctx context.Context, zoneID string) ([]domain.Redirect, error) {
	return nil, nil
}

func (r *testRedirectRepo) SaveProviderRule(ctx context.Context, rule *domain.ProviderRule) error {
	return nil
}

func (r *testRedirectRepo) ListProviderRulesByDomain(ctx context.Context, domainID string) ([]domain.ProviderRule, error) {
	return r.providerRules[domainID], nil
}

func (r *testRedirectRepo) DeleteProviderRulesByDomain(ctx context.Context, domainID string) error {
	delete(r.providerRules, domainID)
	return nil
}

func (r *testRedirectRepo) DeleteProviderRulesByZone(ctx context.Context, zoneID, kind string) error {
	return nil
}

type testCreds struct {
	creds map[string]domain.Credentials
}

func (c *testCreds) Resolve(ctx context.Context, projectID string, siteID *string, serviceSlug string) (*domain.Account, domain.Credentials, error) {
	creds, ok := c.creds[serviceSlug]
	if !ok {
		return nil, domain.Credentials{}, repository.ErrNotFound
	}
	return &domain.Account{ID: "acc-" + serviceSlug, ProjectID: projectID}, creds, nil
}

type testDNS struct {
	zones        []cloudflare.Zone
	listErr      error
	listErrOnce  bool
	nameservers  map[string][]string
	addFail      map[string]error
	deletedRules map[string][]string
}

func (d *testDNS) ListZones(ctx context.Context) ([]cloudflare.Zone, error) {
	if d.listErr != nil {
		err := d.listErr
		if d.listErrOnce {
			d.listErr = nil
		}
		return nil, err
	}
	return d.zones, nil
}

func (d *testDNS) AddZone(ctx context.Context, name string) (cloudflare.Zone, error) {
	if err := d.addFail[name]; err != nil {
		return cloudflare.Zone{}, err
	}
	return cloudflare.Zone{ID: "zone-" + name, Name: name, Status: "pending"}, nil
}

func (d *testDNS) GetZoneNameservers(ctx context.Context, zoneID string) ([]string, error) {
	return d.nameservers[zoneID], nil
}

func (d *testDNS) DeletePageRules(ctx context.Context, zoneID string, ruleIDs []string) error {
	if d.deletedRules == nil {
		d.deletedRules = map[string][]string{}
	}
	d.deletedRules[zoneID] = append(d.deletedRules[zoneID], ruleIDs...)
	return nil
}

type testRegistrar struct {
	set map[string][]string
}

func (r *testRegistrar) SetNameservers(ctx context.Context, domainName string, nameservers []string) error {
	if r.set == nil {
		r.set = map[string][]string{}
	}
	r.set[domainName] = nameservers
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func cfCreds() *testCreds {
	return &testCreds{creds: map[string]domain.Credentials{
		domain.ServiceCloudflare: {APIToken: "tok"},
		domain.ServiceNamecheap:  {Login: "nc", APIKey: "key", Extra: map[string]string{"client_ip": "10.0.0.1"}},
	}}
}

func newService(domains *testDomainRepo, sites *testSiteRepo, redirects *testRedirectRepo, creds *testCreds, dns *testDNS, reg *testRegistrar) Service {
	if sites == nil {
		sites = &testSiteRepo{sites: map[string]*domain.Site{}}
	}
	if redirects == nil {
		redirects = &testRedirectRepo{providerRules: map[string][]domain.ProviderRule{}}
	}
	newDNS := func(domain.Credentials) (DNSClient, error) { return dns, nil }
	newReg := func(domain.Credentials) (RegistrarClient, error) { return reg, nil }
	return New(domains, sites, redirects, creds, newDNS, newReg, testLogger())
}

func TestSyncProjectDomainsCountsInsertedAndUpdated(t *testing.T) {
	existingZone := "old-zone"
	domains := newTestDomainRepo(&domain.DNSDomain{ID: "d1", ProjectID: "p1", Name: "a.com", ZoneID: &existingZone})
	dns := &testDNS{zones: []cloudflare.Zone{
		{ID: "z1", Name: "a.com", Status: "active"},
		{ID: "z2", Name: "b.com", Status: "active"},
	}}
	svc := newService(domains, nil, nil, cfCreds(), dns, nil)

	result, err := svc.SyncProjectDomains(context.Background(), "p1")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.Zones != 2 || result.Inserted != 1 || result.Updated != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if z := domains.byName["a.com"].ZoneID; z == nil || *z != "z1" {
		t.Fatalf("zone id not refreshed: %v", z)
	}
}

func TestSyncRetriesWithKeyAuthAfterTokenRejection(t *testing.T) {
	domains := newTestDomainRepo()
	dns := &testDNS{
		zones:       []cloudflare.Zone{{ID: "z1", Name: "a.com"}},
		listErr:     &provider.Error{Provider: "cloudflare", Kind: provider.KindAuth, Message: "bad token"},
		listErrOnce: true,
	}
	creds := &testCreds{creds: map[string]domain.Credentials{
		domain.ServiceCloudflare: {APIToken: "tok", Email: "ops@example.com", APIKey: "key"},
	}}
	var builtWith []domain.Credentials
	svc := New(domains, &testSiteRepo{}, &testRedirectRepo{}, creds,
		func(c domain.Credentials) (DNSClient, error) {
			builtWith = append(builtWith, c)
			return dns, nil
		},
		nil, testLogger())

	result, err := svc.SyncProjectDomains(context.Background(), "p1")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.Inserted != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(builtWith) != 2 {
		t.Fatalf("expected a fallback client build, got %d", len(builtWith))
	}
	if builtWith[1].APIToken != "" || builtWith[1].APIKey != "key" {
		t.Fatalf("fallback should drop the token: %+v", builtWith[1])
	}
}

func TestSyncWithoutFallbackCredentialsFails(t *testing.T) {
	dns := &testDNS{listErr: &provider.Error{Provider: "cloudflare", Kind: provider.KindAuth, Message: "bad token"}}
	creds := &testCreds{creds: map[string]domain.Credentials{
		domain.ServiceCloudflare: {APIToken: "tok"},
	}}
	svc := newService(newTestDomainRepo(), nil, nil, creds, dns, nil)

	_, err := svc.SyncProjectDomains(context.Background(), "p1")
	var perr *provider.Error
	if !errors.As(err, &perr) || perr.Kind != provider.KindAuth {
		t.Fatalf("expected auth failure, got %v", err)
	}
}

func TestAssignRejectsCrossSiteConflict(t *testing.T) {
	otherSite := "s2"
	domains := newTestDomainRepo(
		&domain.DNSDomain{ID: "d1", ProjectID: "p1", Name: "free.com"},
		&domain.DNSDomain{ID: "d2", ProjectID: "p1", Name: "taken.com", SiteID: &otherSite},
		&domain.DNSDomain{ID: "d3", ProjectID: "p1", Name: "blocked.com", BlockedProvider: true},
	)
	sites := &testSiteRepo{sites: map[string]*domain.Site{"s1": {ID: "s1", ProjectID: "p1"}}}
	svc := newService(domains, sites, nil, cfCreds(), nil, nil)

	result, err := svc.AssignDomainsToSite(context.Background(), []string{"d1", "d2", "d3", "missing"}, "s1")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if result.Succeeded != 2 || result.Failed != 2 {
		t.Fatalf("unexpected tally %+v", result)
	}
	if domains.assigned["d1"] != "s1" || domains.assigned["d3"] != "s1" {
		t.Fatalf("expected d1 and d3 assigned: %v", domains.assigned)
	}
	if _, ok := domains.assigned["d2"]; ok {
		t.Fatalf("conflicting domain must not be reassigned")
	}
	joined := strings.Join(result.Errors, "\n")
	if !strings.Contains(joined, "taken.com") {
		t.Fatalf("conflict not itemized: %v", result.Errors)
	}
}

func TestUnassignProtectsMainDomain(t *testing.T) {
	siteID := "s1"
	domains := newTestDomainRepo(
		&domain.DNSDomain{ID: "d1", ProjectID: "p1", Name: "main.com", SiteID: &siteID},
		&domain.DNSDomain{ID: "d2", ProjectID: "p1", Name: "extra.com", SiteID: &siteID},
		&domain.DNSDomain{ID: "d3", ProjectID: "p1", Name: "loose.com"},
	)
	sites := &testSiteRepo{sites: map[string]*domain.Site{
		"s1": {ID: "s1", ProjectID: "p1", MainDomain: "main.com"},
	}}
	svc := newService(domains, sites, nil, cfCreds(), nil, nil)

	if err := svc.UnassignDomain(context.Background(), "d1"); !errors.Is(err, ErrMainDomain) {
		t.Fatalf("expected main-domain protection, got %v", err)
	}
	if err := svc.UnassignDomain(context.Background(), "d3"); !errors.Is(err, ErrNotAssigned) {
		t.Fatalf("expected not-assigned rejection, got %v", err)
	}
	if err := svc.UnassignDomain(context.Background(), "d2"); err != nil {
		t.Fatalf("unassign: %v", err)
	}
	if len(domains.cleared) != 1 || domains.cleared[0] != "d2" {
		t.Fatalf("unexpected cleared list %v", domains.cleared)
	}
}

func TestDeleteDomainProtectsMainDomain(t *testing.T) {
	siteID := "s1"
	domains := newTestDomainRepo(
		&domain.DNSDomain{ID: "d-main", ProjectID: "p1", Name: "a.com", SiteID: &siteID},
		&domain.DNSDomain{ID: "d-extra", ProjectID: "p1", Name: "b.com", SiteID: &siteID},
	)
	sites := &testSiteRepo{sites: map[string]*domain.Site{
		"s1": {ID: "s1", ProjectID: "p1", MainDomain: "a.com"},
	}}
	svc := newService(domains, sites, nil, cfCreds(), nil, nil)

	if err := svc.DeleteDomain(context.Background(), "d-main"); !errors.Is(err, ErrMainDomain) {
		t.Fatalf("expected main-domain protection, got %v", err)
	}
	if len(domains.deleted) != 0 {
		t.Fatalf("main domain must not be deleted, got %v", domains.deleted)
	}
	if err := svc.DeleteDomain(context.Background(), "d-extra"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(domains.deleted) != 1 || domains.deleted[0] != "d-extra" {
		t.Fatalf("unexpected deleted list %v", domains.deleted)
	}
}

func TestDeleteDomainCleansProviderRulesFirst(t *testing.T) {
	zone := "z1"
	domains := newTestDomainRepo(&domain.DNSDomain{ID: "d1", ProjectID: "p1", Name: "a.com", ZoneID: &zone})
	redirects := &testRedirectRepo{providerRules: map[string][]domain.ProviderRule{
		"d1": {
			{DomainID: "d1", ZoneID: "z1", RuleID: "pr1", Kind: "page_rule"},
			{DomainID: "d1", ZoneID: "z1", RuleID: "rr1", Kind: "ruleset_rule"},
		},
	}}
	dns := &testDNS{}
	svc := newService(domains, nil, redirects, cfCreds(), dns, nil)

	if err := svc.DeleteDomain(context.Background(), "d1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(domains.deleted) != 1 {
		t.Fatalf("domain row not deleted")
	}
	if got := dns.deletedRules["z1"]; len(got) != 1 || got[0] != "pr1" {
		t.Fatalf("expected only the page rule deleted on the provider, got %v", got)
	}
}

func TestMassUpdateValidatesAbuseStatus(t *testing.T) {
	svc := newService(newTestDomainRepo(), nil, nil, cfCreds(), nil, nil)

	_, err := svc.MassUpdateDomains(context.Background(), []string{"d1"}, ActionSetAbuseStatus, MassUpdateOptions{AbuseStatus: "bogus"})
	if err == nil {
		t.Fatalf("expected invalid status rejection")
	}
}

func TestMassUpdateTalliesPartialFailures(t *testing.T) {
	domains := newTestDomainRepo(&domain.DNSDomain{ID: "d1", ProjectID: "p1", Name: "a.com"})
	svc := newService(domains, nil, nil, cfCreds(), nil, nil)

	result, err := svc.MassUpdateDomains(context.Background(), []string{"d1", "ghost"}, ActionSetAbuseStatus, MassUpdateOptions{AbuseStatus: domain.AbusePhishing})
	if err != nil {
		t.Fatalf("mass update: %v", err)
	}
	if result.Succeeded != 1 || result.Failed != 1 {
		t.Fatalf("unexpected tally %+v", result)
	}
	if domains.statuses["d1"] != domain.AbusePhishing {
		t.Fatalf("status not applied: %v", domains.statuses)
	}
}

func TestMassAddContinuesPastBadNames(t *testing.T) {
	domains := newTestDomainRepo()
	dns := &testDNS{addFail: map[string]error{
		"bad..name": fmt.Errorf("invalid domain name"),
	}}
	svc := newService(domains, nil, nil, cfCreds(), dns, nil)

	result, err := svc.MassAddDomains(context.Background(), "p1", []string{"one.com", "bad..name", "two.com"})
	if err != nil {
		t.Fatalf("mass add: %v", err)
	}
	if result.Succeeded != 2 || result.Failed != 1 {
		t.Fatalf("unexpected tally %+v", result)
	}
	if len(domains.upserts) != 2 {
		t.Fatalf("expected two upserts, got %v", domains.upserts)
	}
	if !strings.Contains(strings.Join(result.Errors, "\n"), "bad..name") {
		t.Fatalf("bad name not itemized: %v", result.Errors)
	}
}

func TestConnectNameservers(t *testing.T) {
	zone := "z1"
	domains := newTestDomainRepo(
		&domain.DNSDomain{ID: "d1", ProjectID: "p1", Name: "a.com", ZoneID: &zone},
		&domain.DNSDomain{ID: "d2", ProjectID: "p1", Name: "unsynced.com"},
	)
	dns := &testDNS{nameservers: map[string][]string{
		"z1": {"ada.ns.cloudflare.com", "bob.ns.cloudflare.com"},
	}}
	registrar := &testRegistrar{}
	svc := newService(domains, nil, nil, cfCreds(), dns, registrar)

	result, err := svc.ConnectNameservers(context.Background(), "p1", []string{"d1", "d2"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if result.Succeeded != 1 || result.Failed != 1 {
		t.Fatalf("unexpected tally %+v", result)
	}
	if ns := registrar.set["a.com"]; len(ns) != 2 {
		t.Fatalf("nameservers not pushed: %v", ns)
	}
}
