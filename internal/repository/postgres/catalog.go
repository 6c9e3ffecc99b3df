package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/investblog/spintax-domain-manager-sub000/internal/domain"
	"github.com/investblog/spintax-domain-manager-sub000/internal/repository"
)

func scanServiceType(row pgx.Row) (*domain.ServiceType, error) {
	var st domain.ServiceType
	if err := row.Scan(&st.ID, &st.Slug, &st.Name, &st.AuthMethod, &st.Fields); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &st, nil
}

// GetServiceTypeBySlug fetches a catalog entry by slug.
func (r *Repository) GetServiceTypeBySlug(ctx context.Context, slug string) (*domain.ServiceType, error) {
	const query = `SELECT id, slug, name, auth_method, fields FROM service_types WHERE slug = $1`
	return scanServiceType(r.pool.QueryRow(ctx, query, slug))
}

// GetServiceTypeByID fetches a catalog entry by identifier.
func (r *Repository) GetServiceTypeByID(ctx context.Context, id string) (*domain.ServiceType, error) {
	const query = `SELECT id, slug, name, auth_method, fields FROM service_types WHERE id = $1`
	return scanServiceType(r.pool.QueryRow(ctx, query, id))
}

// UpsertForwarding records the forwarding mailbox for a domain.
func (r *Repository) UpsertForwarding(ctx context.Context, fwd *domain.EmailForwarding) error {
	const query = `INSERT INTO email_forwardings (id, domain_id, mailbox, catch_all_enabled, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (domain_id) DO UPDATE SET mailbox = EXCLUDED.mailbox`
	if fwd.ID == "" {
		fwd.ID = uuid.NewString()
	}
	if fwd.CreatedAt.IsZero() {
		fwd.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, query, fwd.ID, fwd.DomainID, fwd.Mailbox, fwd.CatchAllEnabled, fwd.CreatedAt)
	return err
}

// SetCatchAll flips the catch-all flag after the provider confirms the rule.
func (r *Repository) SetCatchAll(ctx context.Context, domainID string, enabled bool) error {
	const query = `UPDATE email_forwardings SET catch_all_enabled = $2 WHERE domain_id = $1`
	tag, err := r.pool.Exec(ctx, query, domainID, enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetForwardingByDomain fetches forwarding state for a domain.
func (r *Repository) GetForwardingByDomain(ctx context.Context, domainID string) (*domain.EmailForwarding, error) {
	const query = `SELECT id, domain_id, mailbox, catch_all_enabled, created_at FROM email_forwardings WHERE domain_id = $1`
	row := r.pool.QueryRow(ctx, query, domainID)
	var f domain.EmailForwarding
	if err := row.Scan(&f.ID, &f.DomainID, &f.Mailbox, &f.CatchAllEnabled, &f.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &f, nil
}
