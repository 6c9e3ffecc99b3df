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

const redirectColumns = `id, domain_id, source_path, target_url, status_code, category, preserve_query, user_agent, created_at, updated_at`

func scanRedirect(row pgx.Row) (*domain.Redirect, error) {
	var rd domain.Redirect
	err := row.Scan(&rd.ID, &rd.DomainID, &rd.SourcePath, &rd.TargetURL, &rd.StatusCode,
		&rd.Category, &rd.PreserveQuery, &rd.UserAgent, &rd.CreatedAt, &rd.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &rd, nil
}

// UpsertRedirect atomically inserts or updates the single redirect row for a
// domain. The unique constraint on domain_id makes concurrent upserts for the
// same domain converge onto one row.
func (r *Repository) UpsertRedirect(ctx context.Context, redirect *domain.Redirect) (string, bool, error) {
	const query = `INSERT INTO redirects (id, domain_id, source_path, target_url, status_code, category, preserve_query, user_agent, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (domain_id) DO UPDATE SET
			source_path = EXCLUDED.source_path,
			target_url = EXCLUDED.target_url,
			status_code = EXCLUDED.status_code,
			category = EXCLUDED.category,
			preserve_query = EXCLUDED.preserve_query,
			user_agent = EXCLUDED.user_agent,
			updated_at = EXCLUDED.updated_at
		RETURNING id, (xmax = 0)`
	var (
		id       string
		inserted bool
	)
	err := r.pool.QueryRow(ctx, query, uuid.NewString(), redirect.DomainID, redirect.SourcePath,
		redirect.TargetURL, redirect.StatusCode, redirect.Category, redirect.PreserveQuery,
		redirect.UserAgent, time.Now().UTC()).Scan(&id, &inserted)
	if err != nil {
		return "", false, err
	}
	return id, inserted, nil
}

// GetRedirectByDomain fetches the redirect row for a domain.
func (r *Repository) GetRedirectByDomain(ctx context.Context, domainID string) (*domain.Redirect, error) {
	query := `SELECT ` + redirectColumns + ` FROM redirects WHERE domain_id = $1`
	return scanRedirect(r.pool.QueryRow(ctx, query, domainID))
}

// GetRedirectByID fetches a redirect row by identifier.
func (r *Repository) GetRedirectByID(ctx context.Context, id string) (*domain.Redirect, error) {
	query := `SELECT ` + redirectColumns + ` FROM redirects WHERE id = $1`
	return scanRedirect(r.pool.QueryRow(ctx, query, id))
}

// DeleteRedirect removes a redirect row.
func (r *Repository) DeleteRedirect(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM redirects WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListGlueRedirectsByZone returns glue-category redirects for domains in the
// given provider zone.
func (r *Repository) ListGlueRedirectsByZone(ctx context.Context, zoneID string) ([]domain.Redirect, error) {
	const query = `SELECT r.id, r.domain_id, r.source_path, r.target_url, r.status_code, r.category, r.preserve_query, r.user_agent, r.created_at, r.updated_at
		FROM redirects r
		INNER JOIN domains d ON d.id = r.domain_id
		WHERE d.zone_id = $1 AND r.category = 'glue'
		ORDER BY r.created_at`
	rows, err := r.pool.Query(ctx, query, zoneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	redirects := make([]domain.Redirect, 0)
	for rows.Next() {
		rd, err := scanRedirect(rows)
		if err != nil {
			return nil, err
		}
		redirects = append(redirects, *rd)
	}
	return redirects, rows.Err()
}

// SaveProviderRule records a provider-side rule created for a domain.
func (r *Repository) SaveProviderRule(ctx context.Context, rule *domain.ProviderRule) error {
	const query = `INSERT INTO provider_rules (id, domain_id, zone_id, rule_id, kind, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (domain_id, rule_id) DO NOTHING`
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, query, rule.ID, rule.DomainID, rule.ZoneID, rule.RuleID, rule.Kind, rule.Description, rule.CreatedAt)
	return err
}

// ListProviderRulesByDomain returns provider rule mappings for a domain.
func (r *Repository) ListProviderRulesByDomain(ctx context.Context, domainID string) ([]domain.ProviderRule, error) {
	const query = `SELECT id, domain_id, zone_id, rule_id, kind, description, created_at
		FROM provider_rules WHERE domain_id = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, domainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := make([]domain.ProviderRule, 0)
	for rows.Next() {
		var pr domain.ProviderRule
		if err := rows.Scan(&pr.ID, &pr.DomainID, &pr.ZoneID, &pr.RuleID, &pr.Kind, &pr.Description, &pr.CreatedAt); err != nil {
			return nil, err
		}
		rules = append(rules, pr)
	}
	return rules, rows.Err()
}

// DeleteProviderRulesByDomain clears rule mappings for a domain.
func (r *Repository) DeleteProviderRulesByDomain(ctx context.Context, domainID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM provider_rules WHERE domain_id = $1`, domainID)
	return err
}

// DeleteProviderRulesByZone clears rule mappings of one kind for a zone.
func (r *Repository) DeleteProviderRulesByZone(ctx context.Context, zoneID, kind string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM provider_rules WHERE zone_id = $1 AND kind = $2`, zoneID, kind)
	return err
}
