// Package mailroute orchestrates email routing for a domain: the provider's
// routing feature, destination registration and the catch-all rule, plus
// mailbox provisioning on the mail host. The provider steps span systems with
// no shared transaction, so each step is reported individually and completed
// steps are never rolled back.
package mailroute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/investblog/spintax-domain-manager-sub000/internal/domain"
	"github.com/investblog/spintax-domain-manager-sub000/internal/repository"
)

// Step names as reported to the caller.
const (
	StepEnableRouting     = "enable_routing"
	StepResolveAccount    = "resolve_account"
	StepCreateDestination = "create_destination"
	StepSetCatchAll       = "set_catch_all"
	StepCreateForwardRule = "create_forward_rule"
)

// ErrNoZone means the domain has never been synced against the provider.
var ErrNoZone = errors.New("mailroute: domain has no zone, sync the project first")

// DNSClient is the slice of the DNS/CDN provider the orchestrator needs.
type DNSClient interface {
	EnableEmailRouting(ctx context.Context, zoneID string) error
	ZoneAccountID(ctx context.Context, zoneID string) (string, error)
	CreateDestinationAddress(ctx context.Context, accountID, email string) error
	CreateRoutingRule(ctx context.Context, zoneID, matchEmail, forwardTo string) error
	SetCatchAllRule(ctx context.Context, zoneID, forwardTo string) error
}

// MailboxClient provisions mailboxes on the mail host.
type MailboxClient interface {
	AddUser(ctx context.Context, email, password string) error
	RemoveUser(ctx context.Context, email string) error
	SetAdminPrivilege(ctx context.Context, email string, admin bool) error
}

// CredentialSource resolves decrypted account credentials per service.
type CredentialSource interface {
	Resolve(ctx context.Context, projectID string, siteID *string, serviceSlug string) (*domain.Account, domain.Credentials, error)
}

// DNSFactory builds a DNS client from decrypted credentials.
type DNSFactory func(creds domain.Credentials) (DNSClient, error)

// MailboxFactory builds a mail host client from decrypted credentials.
type MailboxFactory func(creds domain.Credentials) (MailboxClient, error)

// StepReport is the outcome of one workflow step.
type StepReport struct {
	Step  string `json:"step"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Report is the full workflow outcome. Steps lists every step attempted, in
// order; a failed step is the last entry.
type Report struct {
	Steps    []StepReport `json:"steps"`
	Complete bool         `json:"complete"`
}

func (r *Report) step(name string, err error) bool {
	sr := StepReport{Step: name, OK: err == nil}
	if err != nil {
		sr.Error = err.Error()
	}
	r.Steps = append(r.Steps, sr)
	return err == nil
}

// Service implements email routing workflows.
type Service struct {
	domains     repository.DomainRepository
	forwardings repository.EmailForwardingRepository
	creds       CredentialSource
	newDNS      DNSFactory
	newMailbox  MailboxFactory
	logger      *slog.Logger
}

// New constructs a Service.
func New(domains repository.DomainRepository, forwardings repository.EmailForwardingRepository, creds CredentialSource, newDNS DNSFactory, newMailbox MailboxFactory, logger *slog.Logger) Service {
	return Service{
		domains:     domains,
		forwardings: forwardings,
		creds:       creds,
		newDNS:      newDNS,
		newMailbox:  newMailbox,
		logger:      logger,
	}
}

// EnableRouting runs the four-step workflow: switch on routing for the
// domain's zone, resolve the owning provider account, register the mailbox as
// a destination, then install the catch-all rule. Local catch-all state flips
// only after the provider confirms the final step.
func (s Service) EnableRouting(ctx context.Context, projectID, domainID, mailbox string) (Report, error) {
	var report Report

	d, err := s.domains.GetDomainByID(ctx, domainID)
	if err != nil {
		return report, err
	}
	if d.ProjectID != projectID {
		return report, fmt.Errorf("mailroute: domain %s belongs to a different project", domainID)
	}
	if d.ZoneID == nil {
		return report, ErrNoZone
	}
	zoneID := *d.ZoneID

	client, err := s.dnsClient(ctx, projectID)
	if err != nil {
		return report, err
	}

	if !report.step(StepEnableRouting, client.EnableEmailRouting(ctx, zoneID)) {
		return report, nil
	}

	accountID, err := client.ZoneAccountID(ctx, zoneID)
	if !report.step(StepResolveAccount, err) {
		return report, nil
	}

	if !report.step(StepCreateDestination, client.CreateDestinationAddress(ctx, accountID, mailbox)) {
		return report, nil
	}

	if !report.step(StepSetCatchAll, client.SetCatchAllRule(ctx, zoneID, mailbox)) {
		return report, nil
	}

	if err := s.forwardings.UpsertForwarding(ctx, &domain.EmailForwarding{
		ID:       uuid.NewString(),
		DomainID: domainID,
		Mailbox:  mailbox,
	}); err != nil {
		return report, err
	}
	if err := s.forwardings.SetCatchAll(ctx, domainID, true); err != nil {
		return report, err
	}

	report.Complete = true
	s.logger.Info("email routing enabled", "domain", d.Name, "mailbox", mailbox)
	return report, nil
}

// ForwardAddress installs a single-address forward rule on the domain's zone,
// e.g. info@domain to the external mailbox.
func (s Service) ForwardAddress(ctx context.Context, projectID, domainID, localPart, mailbox string) (Report, error) {
	var report Report

	d, err := s.domains.GetDomainByID(ctx, domainID)
	if err != nil {
		return report, err
	}
	if d.ZoneID == nil {
		return report, ErrNoZone
	}

	client, err := s.dnsClient(ctx, projectID)
	if err != nil {
		return report, err
	}

	matchEmail := localPart + "@" + d.Name
	if !report.step(StepCreateForwardRule, client.CreateRoutingRule(ctx, *d.ZoneID, matchEmail, mailbox)) {
		return report, nil
	}

	if err := s.forwardings.UpsertForwarding(ctx, &domain.EmailForwarding{
		ID:       uuid.NewString(),
		DomainID: domainID,
		Mailbox:  mailbox,
	}); err != nil {
		return report, err
	}

	report.Complete = true
	s.logger.Info("forward rule created", "domain", d.Name, "address", matchEmail, "mailbox", mailbox)
	return report, nil
}

// CreateMailbox provisions localPart@domain on the mail host, optionally with
// admin privileges, and records the domain's forwarding target. Returns the
// provisioned address.
func (s Service) CreateMailbox(ctx context.Context, projectID, domainID, localPart, password string, admin bool) (string, error) {
	d, err := s.domains.GetDomainByID(ctx, domainID)
	if err != nil {
		return "", err
	}
	if d.ProjectID != projectID {
		return "", fmt.Errorf("mailroute: domain %s belongs to a different project", domainID)
	}

	_, creds, err := s.creds.Resolve(ctx, projectID, d.SiteID, domain.ServiceMailHost)
	if err != nil {
		return "", err
	}
	client, err := s.newMailbox(creds)
	if err != nil {
		return "", err
	}

	email := localPart + "@" + d.Name
	if err := client.AddUser(ctx, email, password); err != nil {
		return "", err
	}
	if admin {
		if err := client.SetAdminPrivilege(ctx, email, true); err != nil {
			return "", err
		}
	}

	if err := s.forwardings.UpsertForwarding(ctx, &domain.EmailForwarding{
		ID:       uuid.NewString(),
		DomainID: domainID,
		Mailbox:  email,
	}); err != nil {
		return "", err
	}
	s.logger.Info("mailbox provisioned", "email", email, "domain", d.Name, "admin", admin)
	return email, nil
}

// DeleteMailbox removes localPart@domain from the mail host. The forwarding
// row stays: routing rules on the provider side keep pointing at whatever
// mailbox the operator configures next.
func (s Service) DeleteMailbox(ctx context.Context, projectID, domainID, localPart string) (string, error) {
	d, err := s.domains.GetDomainByID(ctx, domainID)
	if err != nil {
		return "", err
	}
	if d.ProjectID != projectID {
		return "", fmt.Errorf("mailroute: domain %s belongs to a different project", domainID)
	}

	_, creds, err := s.creds.Resolve(ctx, projectID, d.SiteID, domain.ServiceMailHost)
	if err != nil {
		return "", err
	}
	client, err := s.newMailbox(creds)
	if err != nil {
		return "", err
	}

	email := localPart + "@" + d.Name
	if err := client.RemoveUser(ctx, email); err != nil {
		return "", err
	}
	s.logger.Info("mailbox removed", "email", email, "domain", d.Name)
	return email, nil
}

func (s Service) dnsClient(ctx context.Context, projectID string) (DNSClient, error) {
	_, creds, err := s.creds.Resolve(ctx, projectID, nil, domain.ServiceCloudflare)
	if err != nil {
		return nil, err
	}
	return s.newDNS(creds)
}
