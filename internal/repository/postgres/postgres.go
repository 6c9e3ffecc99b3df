package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/investblog/spintax-domain-manager-sub000/internal/domain"
	"github.com/investblog/spintax-domain-manager-sub000/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UserRepository            = (*Repository)(nil)
	_ repository.ProjectRepository         = (*Repository)(nil)
	_ repository.SiteRepository            = (*Repository)(nil)
	_ repository.DomainRepository          = (*Repository)(nil)
	_ repository.AccountRepository         = (*Repository)(nil)
	_ repository.RedirectRepository        = (*Repository)(nil)
	_ repository.ServiceTypeRepository     = (*Repository)(nil)
	_ repository.EmailForwardingRepository = (*Repository)(nil)
)

// isUniqueViolation reports whether err is a Postgres unique constraint error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateUser inserts an admin user.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	const query = `INSERT INTO users (id, email, password_hash, is_admin, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, user.ID, user.Email, user.PasswordHash, user.IsAdmin, user.CreatedAt)
	if isUniqueViolation(err) {
		return repository.ErrConflict
	}
	return err
}

// GetUserByEmail fetches a user by email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	const query = `SELECT id, email, password_hash, is_admin, created_at FROM users WHERE email = $1`
	row := r.pool.QueryRow(ctx, query, email)
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.IsAdmin, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT id, email, password_hash, is_admin, created_at FROM users WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.IsAdmin, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// GetProjectByID returns a project by identifier.
func (r *Repository) GetProjectByID(ctx context.Context, id string) (*domain.Project, error) {
	const query = `SELECT id, name, ssl_mode, monitoring_enabled, created_at FROM projects WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var p domain.Project
	if err := row.Scan(&p.ID, &p.Name, &p.SSLMode, &p.MonitoringEnabled, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListProjects returns all projects.
func (r *Repository) ListProjects(ctx context.Context) ([]domain.Project, error) {
	const query = `SELECT id, name, ssl_mode, monitoring_enabled, created_at FROM projects ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.SSLMode, &p.MonitoringEnabled, &p.CreatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// GetSiteByID fetches a site with its monitoring settings.
func (r *Repository) GetSiteByID(ctx context.Context, id string) (*domain.Site, error) {
	const query = `SELECT id, project_id, name, server_ip, main_domain, language, icon_svg, monitoring, created_at
		FROM sites WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var s domain.Site
	if err := row.Scan(&s.ID, &s.ProjectID, &s.Name, &s.ServerIP, &s.MainDomain, &s.Language, &s.IconSVG, &s.Monitoring, &s.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// ListMonitoredSites returns sites eligible for monitoring sync.
func (r *Repository) ListMonitoredSites(ctx context.Context) ([]domain.Site, error) {
	const query = `SELECT s.id, s.project_id, s.name, s.server_ip, s.main_domain, s.language, s.icon_svg, s.monitoring, s.created_at
		FROM sites s
		INNER JOIN projects p ON p.id = s.project_id
		WHERE p.monitoring_enabled
		  AND (s.monitoring->>'enabled')::boolean
		ORDER BY s.created_at`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sites := make([]domain.Site, 0)
	for rows.Next() {
		var s domain.Site
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.Name, &s.ServerIP, &s.MainDomain, &s.Language, &s.IconSVG, &s.Monitoring, &s.CreatedAt); err != nil {
			return nil, err
		}
		if s.Monitoring.Active() {
			sites = append(sites, s)
		}
	}
	return sites, rows.Err()
}
