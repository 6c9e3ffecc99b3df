package account

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/investblog/spintax-domain-manager-sub000/internal/domain"
	"github.com/investblog/spintax-domain-manager-sub000/internal/repository"
	"github.com/investblog/spintax-domain-manager-sub000/pkg/vault"
)

type testAccountRepo struct {
	saved      *domain.Account
	resolved   *domain.Account
	testResult string
}

func (r *testAccountRepo) ResolveAccount(ctx context.Context, projectID string, siteID *string, serviceSlug string) (*domain.Account, error) {
	if r.resolved == nil {
		return nil, repository.ErrNotFound
	}
	return r.resolved, nil
}

func (r *testAccountRepo) SaveAccount(ctx context.Context, account *domain.Account) error {
	r.saved = account
	return nil
}

func (r *testAccountRepo) SetAccountTestResult(ctx context.Context, accountID string, at time.Time, result string) error {
	r.testResult = result
	return nil
}

type testCatalogRepo struct {
	types map[string]*domain.ServiceType
}

func (r *testCatalogRepo) GetServiceTypeBySlug(ctx context.Context, slug string) (*domain.ServiceType, error) {
	st, ok := r.types[slug]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return st, nil
}

func (r *testCatalogRepo) GetServiceTypeByID(ctx context.Context, id string) (*domain.ServiceType, error) {
	for _, st := range r.types {
		if st.ID == id {
			return st, nil
		}
	}
	return nil, repository.ErrNotFound
}

func testCatalog() *testCatalogRepo {
	return &testCatalogRepo{types: map[string]*domain.ServiceType{
		domain.ServiceCloudflare: {
			ID:   "st-cf",
			Slug: domain.ServiceCloudflare,
			Fields: []domain.FieldSpec{
				{Name: "email", Required: false},
				{Name: "api_token", Required: true, Secret: true},
			},
		},
		domain.ServiceNamecheap: {
			ID:   "st-nc",
			Slug: domain.ServiceNamecheap,
			Fields: []domain.FieldSpec{
				{Name: "login", Required: true},
				{Name: "api_key", Required: true, Secret: true},
				{Name: "client_ip", Required: true},
			},
		},
	}}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func TestSaveEncryptsSecretsAndRoundTrips(t *testing.T) {
	repo := &testAccountRepo{}
	v := vault.New("unit-test-vault-secret")
	svc := New(repo, testCatalog(), v, nil, testLogger())

	id, err := svc.Save(context.Background(), SaveInput{
		ProjectID:   "p1",
		ServiceSlug: domain.ServiceNamecheap,
		Name:        "registrar main",
		Fields: map[string]string{
			"login":     "ncuser",
			"api_key":   "topsecret",
			"client_ip": "203.0.113.7",
		},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if id == "" || repo.saved == nil {
		t.Fatalf("expected account to be persisted")
	}
	if string(repo.saved.APIKey) == "topsecret" {
		t.Fatalf("api key stored in the clear")
	}

	repo.resolved = repo.saved
	_, creds, err := svc.Resolve(context.Background(), "p1", nil, domain.ServiceNamecheap)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if creds.APIKey != "topsecret" || creds.Login != "ncuser" {
		t.Fatalf("credentials did not round-trip: %+v", creds)
	}
	if creds.Extra["client_ip"] != "203.0.113.7" {
		t.Fatalf("extra field did not round-trip: %+v", creds.Extra)
	}
}

func TestSaveRejectsMissingRequiredField(t *testing.T) {
	svc := New(&testAccountRepo{}, testCatalog(), vault.New(""), nil, testLogger())

	_, err := svc.Save(context.Background(), SaveInput{
		ProjectID:   "p1",
		ServiceSlug: domain.ServiceCloudflare,
		Fields:      map[string]string{"email": "ops@example.com"},
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if verr.Field != "api_token" {
		t.Fatalf("wrong field flagged: %s", verr.Field)
	}
}

func TestSaveRejectsUndeclaredField(t *testing.T) {
	svc := New(&testAccountRepo{}, testCatalog(), vault.New(""), nil, testLogger())

	_, err := svc.Save(context.Background(), SaveInput{
		ProjectID:   "p1",
		ServiceSlug: domain.ServiceCloudflare,
		Fields: map[string]string{
			"api_token": "tok",
			"zone_pin":  "nope",
		},
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if verr.Field != "zone_pin" {
		t.Fatalf("wrong field flagged: %s", verr.Field)
	}
}

func TestResolveWithoutAccount(t *testing.T) {
	svc := New(&testAccountRepo{}, testCatalog(), vault.New(""), nil, testLogger())

	_, _, err := svc.Resolve(context.Background(), "p1", nil, domain.ServiceCloudflare)
	if !errors.Is(err, ErrNoAccount) {
		t.Fatalf("expected ErrNoAccount, got %v", err)
	}
}

func TestTestRecordsProbeOutcome(t *testing.T) {
	v := vault.New("unit-test-vault-secret")
	token, err := v.EncryptString("tok")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	repo := &testAccountRepo{resolved: &domain.Account{ID: "a1", ProjectID: "p1", APIToken: token}}

	probeErr := errors.New("auth rejected")
	svc := New(repo, testCatalog(), v, map[string]Prober{
		domain.ServiceCloudflare: func(ctx context.Context, creds domain.Credentials) error {
			if creds.APIToken != "tok" {
				t.Fatalf("probe saw wrong token %q", creds.APIToken)
			}
			return probeErr
		},
	}, testLogger())

	err = svc.Test(context.Background(), "p1", nil, domain.ServiceCloudflare)
	if !errors.Is(err, probeErr) {
		t.Fatalf("expected probe error, got %v", err)
	}
	if repo.testResult != "auth rejected" {
		t.Fatalf("test result not recorded: %q", repo.testResult)
	}
}
