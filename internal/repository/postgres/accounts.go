package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/investblog/spintax-domain-manager-sub000/internal/domain"
	"github.com/investblog/spintax-domain-manager-sub000/internal/repository"
)

// ResolveAccount returns the effective account for (project, service). A
// site-scoped account wins over the project-level one; NULLS LAST makes the
// override sort first when a site id is given.
func (r *Repository) ResolveAccount(ctx context.Context, projectID string, siteID *string, serviceSlug string) (*domain.Account, error) {
	const query = `SELECT a.id, a.project_id, a.site_id, a.service_type_id, a.name, a.email,
			a.api_key, a.api_token, a.login, a.password, a.extra, a.last_test_at, a.last_test_result, a.created_at
		FROM accounts a
		INNER JOIN service_types st ON st.id = a.service_type_id
		WHERE a.project_id = $1
		  AND st.slug = $2
		  AND (a.site_id IS NULL OR a.site_id = $3)
		ORDER BY a.site_id NULLS LAST
		LIMIT 1`
	row := r.pool.QueryRow(ctx, query, projectID, serviceSlug, siteID)
	var a domain.Account
	err := row.Scan(&a.ID, &a.ProjectID, &a.SiteID, &a.ServiceTypeID, &a.Name, &a.Email,
		&a.APIKey, &a.APIToken, &a.Login, &a.Password, &a.Extra, &a.LastTestAt, &a.LastTestResult, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// SaveAccount upserts an account row by id.
func (r *Repository) SaveAccount(ctx context.Context, account *domain.Account) error {
	const query = `INSERT INTO accounts (id, project_id, site_id, service_type_id, name, email,
			api_key, api_token, login, password, extra, last_test_at, last_test_result, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			site_id = EXCLUDED.site_id,
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			api_key = EXCLUDED.api_key,
			api_token = EXCLUDED.api_token,
			login = EXCLUDED.login,
			password = EXCLUDED.password,
			extra = EXCLUDED.extra`
	_, err := r.pool.Exec(ctx, query, account.ID, account.ProjectID, account.SiteID, account.ServiceTypeID,
		account.Name, account.Email, account.APIKey, account.APIToken, account.Login, account.Password,
		account.Extra, account.LastTestAt, account.LastTestResult, account.CreatedAt)
	return err
}

// SetAccountTestResult stamps the last credential test outcome.
func (r *Repository) SetAccountTestResult(ctx context.Context, accountID string, at time.Time, result string) error {
	const query = `UPDATE accounts SET last_test_at = $2, last_test_result = $3 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, accountID, at, result)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
