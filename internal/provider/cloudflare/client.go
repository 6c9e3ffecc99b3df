// Package cloudflare translates SDM domain operations into Cloudflare API
// calls on top of the official client library.
package cloudflare

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	cf "github.com/cloudflare/cloudflare-go"

	"github.com/investblog/spintax-domain-manager-sub000/internal/domain"
	"github.com/investblog/spintax-domain-manager-sub000/internal/provider"
)

const (
	providerName  = "cloudflare"
	zonesPerPage  = 50
	redirectPhase = "http_request_dynamic_redirect"
)

// API is the subset of the Cloudflare client SDM actually uses. Signatures
// match the library exactly so *cf.API satisfies it.
type API interface {
	ListZonesContext(ctx context.Context, opts ...cf.ReqOption) (cf.ZonesResponse, error)
	CreateZone(ctx context.Context, name string, jumpstart bool, account cf.Account, zoneType string) (cf.Zone, error)
	ZoneDetails(ctx context.Context, zoneID string) (cf.Zone, error)
	CreateDNSRecord(ctx context.Context, rc *cf.ResourceContainer, params cf.CreateDNSRecordParams) (cf.DNSRecord, error)
	CreatePageRule(ctx context.Context, zoneID string, rule cf.PageRule) (*cf.PageRule, error)
	ListPageRules(ctx context.Context, zoneID string) ([]cf.PageRule, error)
	DeletePageRule(ctx context.Context, zoneID, ruleID string) error
	ListRulesets(ctx context.Context, rc *cf.ResourceContainer, params cf.ListRulesetsParams) ([]cf.Ruleset, error)
	CreateRuleset(ctx context.Context, rc *cf.ResourceContainer, params cf.CreateRulesetParams) (cf.Ruleset, error)
	DeleteRuleset(ctx context.Context, rc *cf.ResourceContainer, rulesetID string) error
	EnableEmailRouting(ctx context.Context, rc *cf.ResourceContainer) (cf.EmailRoutingSettings, error)
	ListEmailRoutingDestinationAddresses(ctx context.Context, rc *cf.ResourceContainer, params cf.ListEmailRoutingAddressParameters) ([]cf.EmailRoutingDestinationAddress, *cf.ResultInfo, error)
	CreateEmailRoutingDestinationAddress(ctx context.Context, rc *cf.ResourceContainer, params cf.CreateEmailRoutingAddressParameters) (cf.EmailRoutingDestinationAddress, error)
	CreateEmailRoutingRule(ctx context.Context, rc *cf.ResourceContainer, params cf.CreateEmailRoutingRuleParameters) (cf.EmailRoutingRule, error)
	UpdateEmailRoutingCatchAllRule(ctx context.Context, rc *cf.ResourceContainer, params cf.EmailRoutingCatchAllRule) (cf.EmailRoutingCatchAllRule, error)
}

// Zone is the normalized zone payload.
type Zone struct {
	ID          string
	Name        string
	Status      string
	NameServers []string
	AccountID   string
}

// RedirectRule is one rule inside the rebuilt dynamic-redirect ruleset.
type RedirectRule struct {
	Host          string
	TargetURL     string
	StatusCode    int
	PreserveQuery bool
	UserAgent     string
	Description   string
}

// PageRuleSpec describes a forwarding page rule.
type PageRuleSpec struct {
	Pattern       string // e.g. "example.com/*"
	TargetURL     string
	StatusCode    int
	PreserveQuery bool
}

// Client wraps the Cloudflare API for one account's credentials.
type Client struct {
	api API
	log *slog.Logger
}

// Option configures the underlying Cloudflare client.
type Option func(*options)

type options struct {
	baseURL string
	timeout time.Duration
}

// WithBaseURL points the client at an alternate API endpoint (tests).
func WithBaseURL(u string) Option {
	return func(o *options) { o.baseURL = u }
}

// WithTimeout bounds every outbound call.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// New builds a client from decrypted credentials, preferring token auth and
// falling back to the email+key pair.
func New(creds domain.Credentials, log *slog.Logger, opts ...Option) (*Client, error) {
	o := options{timeout: 30 * time.Second}
	for _, apply := range opts {
		apply(&o)
	}

	cfOpts := []cf.Option{cf.HTTPClient(&http.Client{Timeout: o.timeout})}
	if o.baseURL != "" {
		cfOpts = append(cfOpts, cf.BaseURL(o.baseURL))
	}

	var (
		api *cf.API
		err error
	)
	switch {
	case creds.APIToken != "":
		api, err = cf.NewWithAPIToken(creds.APIToken, cfOpts...)
	case creds.Email != "" && creds.APIKey != "":
		api, err = cf.New(creds.APIKey, creds.Email, cfOpts...)
	default:
		return nil, &provider.Error{
			Provider: providerName,
			Kind:     provider.KindAuth,
			Code:     "missing_credentials",
			Message:  "neither api token nor email+key configured",
		}
	}
	if err != nil {
		return nil, provider.Wrap(providerName, err)
	}
	return NewWithAPI(api, log), nil
}

// NewWithAPI wraps an existing API implementation (tests inject fakes here).
func NewWithAPI(api API, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{api: api, log: log.With("provider", providerName)}
}

// ListZones returns every zone visible to the account, paging until the
// provider-reported total is exhausted.
func (c *Client) ListZones(ctx context.Context) ([]Zone, error) {
	var zones []Zone
	page := 1
	for {
		resp, err := c.api.ListZonesContext(ctx, cf.WithPagination(cf.PaginationOptions{Page: page, PerPage: zonesPerPage}))
		if err != nil {
			return nil, convertError(err)
		}
		for _, z := range resp.Result {
			zones = append(zones, normalizeZone(z))
		}
		if page >= resp.TotalPages || resp.TotalPages == 0 {
			break
		}
		page++
	}
	return zones, nil
}

// AddZone registers a new zone on the account.
func (c *Client) AddZone(ctx context.Context, name string) (Zone, error) {
	z, err := c.api.CreateZone(ctx, name, false, cf.Account{}, "full")
	if err != nil {
		return Zone{}, convertError(err)
	}
	return normalizeZone(z), nil
}

// FindZoneByName locates a zone by its exact name.
func (c *Client) FindZoneByName(ctx context.Context, name string) (Zone, error) {
	resp, err := c.api.ListZonesContext(ctx, cf.WithZoneFilters(name, "", ""))
	if err != nil {
		return Zone{}, convertError(err)
	}
	for _, z := range resp.Result {
		if strings.EqualFold(z.Name, name) {
			return normalizeZone(z), nil
		}
	}
	return Zone{}, &provider.Error{
		Provider: providerName,
		Kind:     provider.KindPermanent,
		Code:     "zone_not_found",
		Message:  fmt.Sprintf("zone %q not found on this account", name),
	}
}

// GetZoneNameservers returns the nameservers assigned to a zone.
func (c *Client) GetZoneNameservers(ctx context.Context, zoneID string) ([]string, error) {
	z, err := c.api.ZoneDetails(ctx, zoneID)
	if err != nil {
		return nil, convertError(err)
	}
	return z.NameServers, nil
}

// ZoneAccountID resolves the provider account that owns a zone. Needed for
// destination-address calls, which are account-scoped.
func (c *Client) ZoneAccountID(ctx context.Context, zoneID string) (string, error) {
	z, err := c.api.ZoneDetails(ctx, zoneID)
	if err != nil {
		return "", convertError(err)
	}
	if z.Account.ID == "" {
		return "", &provider.Error{
			Provider: providerName,
			Kind:     provider.KindPermanent,
			Code:     "no_account",
			Message:  fmt.Sprintf("zone %s carries no account id", zoneID),
		}
	}
	return z.Account.ID, nil
}

// CreateARecord adds a proxied A record pointing the zone apex at an IP.
func (c *Client) CreateARecord(ctx context.Context, zoneID, name, ip string) error {
	proxied := true
	_, err := c.api.CreateDNSRecord(ctx, cf.ZoneIdentifier(zoneID), cf.CreateDNSRecordParams{
		Type:    "A",
		Name:    name,
		Content: ip,
		TTL:     1, // automatic
		Proxied: &proxied,
	})
	if err != nil {
		return convertError(err)
	}
	return nil
}

// CreatePageRule installs a forwarding page rule and returns its id.
func (c *Client) CreatePageRule(ctx context.Context, zoneID string, spec PageRuleSpec) (string, error) {
	target := cf.PageRuleTarget{Target: "url"}
	target.Constraint.Operator = "matches"
	target.Constraint.Value = spec.Pattern

	rule := cf.PageRule{
		Targets: []cf.PageRuleTarget{target},
		Actions: []cf.PageRuleAction{{
			ID: "forwarding_url",
			Value: map[string]interface{}{
				"url":         spec.TargetURL,
				"status_code": spec.StatusCode,
			},
		}},
		Status: "active",
	}
	created, err := c.api.CreatePageRule(ctx, zoneID, rule)
	if err != nil {
		return "", convertError(err)
	}
	return created.ID, nil
}

// DeletePageRules removes page rules by id, continuing past individual
// failures and reporting them together.
func (c *Client) DeletePageRules(ctx context.Context, zoneID string, ruleIDs []string) error {
	var errs []string
	for _, id := range ruleIDs {
		if err := c.api.DeletePageRule(ctx, zoneID, id); err != nil {
			converted := convertError(err)
			c.log.Warn("page rule delete failed", "zone_id", zoneID, "rule_id", id, "error", converted)
			errs = append(errs, fmt.Sprintf("%s: %v", id, converted))
		}
	}
	if len(errs) > 0 {
		return &provider.Error{
			Provider: providerName,
			Kind:     provider.KindPermanent,
			Code:     "page_rule_delete",
			Message:  "some page rules could not be deleted",
			Detail:   strings.Join(errs, "; "),
		}
	}
	return nil
}

// ListRedirectRulesets returns ids of zone rulesets in the dynamic-redirect
// phase.
func (c *Client) ListRedirectRulesets(ctx context.Context, zoneID string) ([]string, error) {
	rulesets, err := c.api.ListRulesets(ctx, cf.ZoneIdentifier(zoneID), cf.ListRulesetsParams{})
	if err != nil {
		return nil, convertError(err)
	}
	var ids []string
	for _, rs := range rulesets {
		if rs.Phase == redirectPhase && rs.Kind == "zone" {
			ids = append(ids, rs.ID)
		}
	}
	return ids, nil
}

// DeleteRuleset removes a ruleset from a zone.
func (c *Client) DeleteRuleset(ctx context.Context, zoneID, rulesetID string) error {
	if err := c.api.DeleteRuleset(ctx, cf.ZoneIdentifier(zoneID), rulesetID); err != nil {
		return convertError(err)
	}
	return nil
}

// CreateRedirectRuleset builds a fresh dynamic-redirect ruleset from the given
// rules and returns the provider-assigned rule ids in order.
func (c *Client) CreateRedirectRuleset(ctx context.Context, zoneID string, rules []RedirectRule) ([]string, error) {
	rsRules := make([]cf.RulesetRule, 0, len(rules))
	for _, r := range rules {
		preserve := r.PreserveQuery
		rsRules = append(rsRules, cf.RulesetRule{
			Action: "redirect",
			ActionParameters: &cf.RulesetRuleActionParameters{
				FromValue: &cf.RulesetRuleActionParametersFromValue{
					StatusCode: uint16(r.StatusCode),
					TargetURL: cf.RulesetRuleActionParametersTargetURL{
						Value: r.TargetURL,
					},
					PreserveQueryString: &preserve,
				},
			},
			Expression:  ruleExpression(r),
			Description: r.Description,
		})
	}
	created, err := c.api.CreateRuleset(ctx, cf.ZoneIdentifier(zoneID), cf.CreateRulesetParams{
		Name:        "SDM dynamic redirects",
		Description: "managed by SDM; rebuilt from local redirect state",
		Kind:        "zone",
		Phase:       redirectPhase,
		Rules:       rsRules,
	})
	if err != nil {
		return nil, convertError(err)
	}
	ids := make([]string, 0, len(created.Rules))
	for _, r := range created.Rules {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// EnableEmailRouting switches on email routing for a zone.
func (c *Client) EnableEmailRouting(ctx context.Context, zoneID string) error {
	if _, err := c.api.EnableEmailRouting(ctx, cf.ZoneIdentifier(zoneID)); err != nil {
		return convertError(err)
	}
	return nil
}

// CreateDestinationAddress registers an external mailbox as a destination.
// An address that already exists is success: the orchestration is idempotent.
func (c *Client) CreateDestinationAddress(ctx context.Context, accountID, email string) error {
	existing, _, err := c.api.ListEmailRoutingDestinationAddresses(ctx, cf.AccountIdentifier(accountID), cf.ListEmailRoutingAddressParameters{})
	if err != nil {
		return convertError(err)
	}
	for _, addr := range existing {
		if strings.EqualFold(addr.Email, email) {
			return nil
		}
	}
	if _, err := c.api.CreateEmailRoutingDestinationAddress(ctx, cf.AccountIdentifier(accountID), cf.CreateEmailRoutingAddressParameters{Email: email}); err != nil {
		converted := convertError(err)
		if isAlreadyExists(converted) {
			return nil
		}
		return converted
	}
	return nil
}

// CreateRoutingRule forwards one address on the zone to a destination.
func (c *Client) CreateRoutingRule(ctx context.Context, zoneID, matchEmail, forwardTo string) error {
	enabled := true
	_, err := c.api.CreateEmailRoutingRule(ctx, cf.ZoneIdentifier(zoneID), cf.CreateEmailRoutingRuleParameters{
		Name:    "SDM forward " + matchEmail,
		Enabled: &enabled,
		Matchers: []cf.EmailRoutingRuleMatcher{{
			Type:  "literal",
			Field: "to",
			Value: matchEmail,
		}},
		Actions: []cf.EmailRoutingRuleAction{{
			Type:  "forward",
			Value: []string{forwardTo},
		}},
	})
	if err != nil {
		return convertError(err)
	}
	return nil
}

// SetCatchAllRule routes all remaining mail on the zone to a destination.
func (c *Client) SetCatchAllRule(ctx context.Context, zoneID, forwardTo string) error {
	enabled := true
	_, err := c.api.UpdateEmailRoutingCatchAllRule(ctx, cf.ZoneIdentifier(zoneID), cf.EmailRoutingCatchAllRule{
		Name:    "SDM catch-all",
		Enabled: &enabled,
		Matchers: []cf.EmailRoutingRuleMatcher{{
			Type: "all",
		}},
		Actions: []cf.EmailRoutingRuleAction{{
			Type:  "forward",
			Value: []string{forwardTo},
		}},
	})
	if err != nil {
		return convertError(err)
	}
	return nil
}

func normalizeZone(z cf.Zone) Zone {
	return Zone{
		ID:          z.ID,
		Name:        z.Name,
		Status:      z.Status,
		NameServers: z.NameServers,
		AccountID:   z.Account.ID,
	}
}

func ruleExpression(r RedirectRule) string {
	expr := fmt.Sprintf(`http.host eq %q`, r.Host)
	if r.UserAgent != "" {
		expr += fmt.Sprintf(` and http.user_agent contains %q`, r.UserAgent)
	}
	return expr
}

func isAlreadyExists(err error) bool {
	var pe *provider.Error
	return errors.As(err, &pe) && strings.Contains(strings.ToLower(pe.Detail), "already exists")
}

// convertError maps library errors onto the shared taxonomy. Rate limits are
// kept distinct so callers can defer and retry instead of failing hard.
func convertError(err error) error {
	typed := func(kind provider.Kind, code string) *provider.Error {
		return &provider.Error{
			Provider: providerName,
			Kind:     kind,
			Code:     code,
			Message:  "api request failed",
			Detail:   err.Error(),
		}
	}

	var (
		rateErr    *cf.RatelimitError
		authnErr   *cf.AuthenticationError
		authzErr   *cf.AuthorizationError
		svcErr     *cf.ServiceError
		missingErr *cf.NotFoundError
		reqErr     *cf.RequestError
	)
	switch {
	case errors.As(err, &rateErr):
		return typed(provider.KindRateLimited, "rate_limited")
	case errors.As(err, &authnErr), errors.As(err, &authzErr):
		return typed(provider.KindAuth, "auth")
	case errors.As(err, &svcErr):
		return typed(provider.KindTransient, "service_error")
	case errors.As(err, &missingErr):
		return typed(provider.KindPermanent, "not_found")
	case errors.As(err, &reqErr):
		return typed(provider.KindPermanent, "bad_request")
	}

	// The library's retry wrapping can hide the structured error, so fall back
	// to message matching for rate limits.
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") || strings.Contains(msg, "too many requests") {
		return &provider.Error{
			Provider: providerName,
			Kind:     provider.KindRateLimited,
			Code:     "rate_limited",
			Message:  err.Error(),
		}
	}
	return provider.Wrap(providerName, err)
}
