// Package account manages third-party service accounts: schema-validated
// saves, credential resolution with vault decryption, and live probes.
package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/investblog/spintax-domain-manager-sub000/internal/domain"
	"github.com/investblog/spintax-domain-manager-sub000/internal/repository"
	"github.com/investblog/spintax-domain-manager-sub000/pkg/vault"
)

var (
	// ErrNoAccount means no account row matches (project, service) at either
	// the site or the project scope.
	ErrNoAccount = errors.New("account: no account configured")
	// ErrUnknownService means the slug is not in the service catalog.
	ErrUnknownService = errors.New("account: unknown service type")
)

// ValidationError reports a field rejected by the service type's schema.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("account: field %q %s", e.Field, e.Reason)
}

// Prober checks decrypted credentials against the live service. One prober is
// registered per service slug; the wiring lives in cmd.
type Prober func(ctx context.Context, creds domain.Credentials) error

// Service implements account workflows.
type Service struct {
	accounts repository.AccountRepository
	catalog  repository.ServiceTypeRepository
	vault    *vault.Vault
	probers  map[string]Prober
	logger   *slog.Logger
}

// New constructs a Service.
func New(accounts repository.AccountRepository, catalog repository.ServiceTypeRepository, v *vault.Vault, probers map[string]Prober, logger *slog.Logger) Service {
	if probers == nil {
		probers = map[string]Prober{}
	}
	return Service{accounts: accounts, catalog: catalog, vault: v, probers: probers, logger: logger}
}

// Resolve returns the effective account for (project, service) and its
// decrypted credentials. Site-scoped accounts win over project-level ones.
func (s Service) Resolve(ctx context.Context, projectID string, siteID *string, serviceSlug string) (*domain.Account, domain.Credentials, error) {
	acc, err := s.accounts.ResolveAccount(ctx, projectID, siteID, serviceSlug)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.Credentials{}, fmt.Errorf("%w: %s for project %s", ErrNoAccount, serviceSlug, projectID)
		}
		return nil, domain.Credentials{}, err
	}
	creds, err := s.decrypt(acc)
	if err != nil {
		return nil, domain.Credentials{}, fmt.Errorf("decrypt account %s: %w", acc.ID, err)
	}
	return acc, creds, nil
}

// SaveInput is the plaintext payload for creating or updating an account.
type SaveInput struct {
	ID          string            `json:"id,omitempty"`
	ProjectID   string            `json:"project_id"`
	SiteID      *string           `json:"site_id,omitempty"`
	ServiceSlug string            `json:"service_slug"`
	Name        string            `json:"name"`
	Fields      map[string]string `json:"fields"` // keyed by FieldSpec.Name
}

// Save validates the payload against the service type's field schema,
// encrypts secrets and persists the account. Returns the stored account id.
func (s Service) Save(ctx context.Context, in SaveInput) (string, error) {
	st, err := s.catalog.GetServiceTypeBySlug(ctx, in.ServiceSlug)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrUnknownService, in.ServiceSlug)
		}
		return "", err
	}

	for _, spec := range st.Fields {
		if spec.Required && in.Fields[spec.Name] == "" {
			return "", &ValidationError{Field: spec.Name, Reason: "is required"}
		}
	}
	for name := range in.Fields {
		if _, ok := st.Field(name); !ok {
			return "", &ValidationError{Field: name, Reason: "is not declared by the service type"}
		}
	}

	acc := &domain.Account{
		ID:            in.ID,
		ProjectID:     in.ProjectID,
		SiteID:        in.SiteID,
		ServiceTypeID: st.ID,
		Name:          in.Name,
		Email:         in.Fields["email"],
		CreatedAt:     time.Now().UTC(),
	}
	if acc.ID == "" {
		acc.ID = uuid.NewString()
	}

	extra := map[string]string{}
	for name, value := range in.Fields {
		if value == "" {
			continue
		}
		switch name {
		case "email":
			// addressing field, stored in the clear
		case "api_key":
			if acc.APIKey, err = s.vault.EncryptString(value); err != nil {
				return "", err
			}
		case "api_token":
			if acc.APIToken, err = s.vault.EncryptString(value); err != nil {
				return "", err
			}
		case "login":
			if acc.Login, err = s.vault.EncryptString(value); err != nil {
				return "", err
			}
		case "password":
			if acc.Password, err = s.vault.EncryptString(value); err != nil {
				return "", err
			}
		default:
			extra[name] = value
		}
	}
	if len(extra) > 0 {
		raw, err := json.Marshal(extra)
		if err != nil {
			return "", err
		}
		if acc.Extra, err = s.vault.Encrypt(raw); err != nil {
			return "", err
		}
	}

	if err := s.accounts.SaveAccount(ctx, acc); err != nil {
		return "", err
	}
	s.logger.Info("account saved", "account_id", acc.ID, "service", in.ServiceSlug, "project_id", in.ProjectID)
	return acc.ID, nil
}

// Test probes the resolved account's credentials against the live service and
// records the outcome on the account row.
func (s Service) Test(ctx context.Context, projectID string, siteID *string, serviceSlug string) error {
	acc, creds, err := s.Resolve(ctx, projectID, siteID, serviceSlug)
	if err != nil {
		return err
	}
	probe, ok := s.probers[serviceSlug]
	if !ok {
		return fmt.Errorf("account: no prober registered for %s", serviceSlug)
	}

	result := "ok"
	probeErr := probe(ctx, creds)
	if probeErr != nil {
		result = probeErr.Error()
	}
	if err := s.accounts.SetAccountTestResult(ctx, acc.ID, time.Now().UTC(), result); err != nil {
		return err
	}
	if probeErr != nil {
		s.logger.Warn("account test failed", "account_id", acc.ID, "service", serviceSlug, "error", probeErr)
		return probeErr
	}
	s.logger.Info("account test passed", "account_id", acc.ID, "service", serviceSlug)
	return nil
}

func (s Service) decrypt(acc *domain.Account) (domain.Credentials, error) {
	creds := domain.Credentials{Email: acc.Email}
	var err error
	if len(acc.APIKey) > 0 {
		if creds.APIKey, err = s.vault.DecryptString(acc.APIKey); err != nil {
			return domain.Credentials{}, err
		}
	}
	if len(acc.APIToken) > 0 {
		if creds.APIToken, err = s.vault.DecryptString(acc.APIToken); err != nil {
			return domain.Credentials{}, err
		}
	}
	if len(acc.Login) > 0 {
		if creds.Login, err = s.vault.DecryptString(acc.Login); err != nil {
			return domain.Credentials{}, err
		}
	}
	if len(acc.Password) > 0 {
		if creds.Password, err = s.vault.DecryptString(acc.Password); err != nil {
			return domain.Credentials{}, err
		}
	}
	if len(acc.Extra) > 0 {
		raw, err := s.vault.Decrypt(acc.Extra)
		if err != nil {
			return domain.Credentials{}, err
		}
		if err := json.Unmarshal(raw, &creds.Extra); err != nil {
			return domain.Credentials{}, err
		}
	}
	return creds, nil
}
