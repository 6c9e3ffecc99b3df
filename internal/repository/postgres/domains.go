package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/investblog/spintax-domain-manager-sub000/internal/domain"
	"github.com/investblog/spintax-domain-manager-sub000/internal/repository"
)

const domainColumns = `id, project_id, site_id, name, zone_id, abuse_status, blocked_provider, blocked_government, status, last_checked_at, created_at`

func scanDomain(row pgx.Row) (*domain.DNSDomain, error) {
	var d domain.DNSDomain
	err := row.Scan(&d.ID, &d.ProjectID, &d.SiteID, &d.Name, &d.ZoneID, &d.AbuseStatus,
		&d.BlockedProvider, &d.BlockedGovernment, &d.Status, &d.LastCheckedAt, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// GetDomainByID fetches a domain by identifier.
func (r *Repository) GetDomainByID(ctx context.Context, id string) (*domain.DNSDomain, error) {
	query := fmt.Sprintf(`SELECT %s FROM domains WHERE id = $1`, domainColumns)
	return scanDomain(r.pool.QueryRow(ctx, query, id))
}

// GetDomainByName fetches a domain by (project, name).
func (r *Repository) GetDomainByName(ctx context.Context, projectID, name string) (*domain.DNSDomain, error) {
	query := fmt.Sprintf(`SELECT %s FROM domains WHERE project_id = $1 AND name = $2`, domainColumns)
	return scanDomain(r.pool.QueryRow(ctx, query, projectID, name))
}

// ListDomainsByProject returns all domains of a project.
func (r *Repository) ListDomainsByProject(ctx context.Context, projectID string) ([]domain.DNSDomain, error) {
	query := fmt.Sprintf(`SELECT %s FROM domains WHERE project_id = $1 ORDER BY name`, domainColumns)
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	domains := make([]domain.DNSDomain, 0)
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, err
		}
		domains = append(domains, *d)
	}
	return domains, rows.Err()
}

// UpsertDomainZone inserts or refreshes a domain row keyed by (project_id, name).
func (r *Repository) UpsertDomainZone(ctx context.Context, projectID, name, zoneID, status string) (bool, error) {
	const query = `INSERT INTO domains (id, project_id, name, zone_id, abuse_status, status, last_checked_at, created_at)
		VALUES ($1, $2, $3, $4, 'clean', $5, $6, $6)
		ON CONFLICT (project_id, name) DO UPDATE
			SET zone_id = EXCLUDED.zone_id, status = EXCLUDED.status, last_checked_at = EXCLUDED.last_checked_at
		RETURNING (xmax = 0)`
	var inserted bool
	err := r.pool.QueryRow(ctx, query, uuid.NewString(), projectID, name, zoneID, status, time.Now().UTC()).Scan(&inserted)
	return inserted, err
}

// AssignDomainSite sets the domain's site reference.
func (r *Repository) AssignDomainSite(ctx context.Context, domainID, siteID string) error {
	const query = `UPDATE domains SET site_id = $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, domainID, siteID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ClearDomainSite removes the domain's site reference.
func (r *Repository) ClearDomainSite(ctx context.Context, domainID string) error {
	const query = `UPDATE domains SET site_id = NULL WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, domainID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteDomainCascade hard-deletes a domain and its dependent rows in one
// transaction, so a failure cannot leave a redirect pointing at a missing
// domain.
func (r *Repository) DeleteDomainCascade(ctx context.Context, domainID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM provider_rules WHERE domain_id = $1`, domainID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM redirects WHERE domain_id = $1`, domainID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM email_forwardings WHERE domain_id = $1`, domainID); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM domains WHERE id = $1`, domainID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return tx.Commit(ctx)
}

// SetDomainAbuseStatus updates the abuse status flag.
func (r *Repository) SetDomainAbuseStatus(ctx context.Context, domainID, status string) error {
	return r.updateDomain(ctx, domainID, `UPDATE domains SET abuse_status = $2 WHERE id = $1`, status)
}

// SetDomainBlockedProvider updates the blocked-by-provider flag.
func (r *Repository) SetDomainBlockedProvider(ctx context.Context, domainID string, blocked bool) error {
	return r.updateDomain(ctx, domainID, `UPDATE domains SET blocked_provider = $2 WHERE id = $1`, blocked)
}

// SetDomainBlockedGovernment updates the blocked-by-government flag.
func (r *Repository) SetDomainBlockedGovernment(ctx context.Context, domainID string, blocked bool) error {
	return r.updateDomain(ctx, domainID, `UPDATE domains SET blocked_government = $2 WHERE id = $1`, blocked)
}

// ClearDomainBlocked resets both blocked flags.
func (r *Repository) ClearDomainBlocked(ctx context.Context, domainID string) error {
	const query = `UPDATE domains SET blocked_provider = FALSE, blocked_government = FALSE WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, domainID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SetDomainLastChecked stamps the last monitoring pass.
func (r *Repository) SetDomainLastChecked(ctx context.Context, domainID string, at time.Time) error {
	return r.updateDomain(ctx, domainID, `UPDATE domains SET last_checked_at = $2 WHERE id = $1`, at)
}

func (r *Repository) updateDomain(ctx context.Context, domainID, query string, arg any) error {
	tag, err := r.pool.Exec(ctx, query, domainID, arg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
