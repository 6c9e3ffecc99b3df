// Package monitor keeps uptime-check tasks on the monitoring provider in
// step with per-site settings. A periodic tick walks every monitored site
// sequentially and ensures one task per enabled check type.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sethvargo/go-retry"

	"github.com/investblog/spintax-domain-manager-sub000/internal/domain"
	"github.com/investblog/spintax-domain-manager-sub000/internal/provider"
	"github.com/investblog/spintax-domain-manager-sub000/internal/provider/hosttracker"
	"github.com/investblog/spintax-domain-manager-sub000/internal/repository"
)

// Client is the slice of the monitoring provider the sync needs.
type Client interface {
	ListTasks(ctx context.Context) ([]hosttracker.Task, error)
	CreateHTTPTask(ctx context.Context, spec hosttracker.HTTPTaskSpec) (string, error)
	CreateRKNTask(ctx context.Context, taskURL string) (string, error)
	DeleteTask(ctx context.Context, taskID string) error
}

// CredentialSource resolves decrypted account credentials per service.
type CredentialSource interface {
	Resolve(ctx context.Context, projectID string, siteID *string, serviceSlug string) (*domain.Account, domain.Credentials, error)
}

// Factory builds a monitoring client from decrypted credentials.
type Factory func(creds domain.Credentials) (Client, error)

// Summary reports one full sync pass.
type Summary struct {
	Sites        int      `json:"sites"`
	TasksCreated int      `json:"tasks_created"`
	Errors       []string `json:"errors,omitempty"`
}

// Service implements the monitoring sync.
type Service struct {
	sites   repository.SiteRepository
	creds   CredentialSource
	newMon  Factory
	regions []string
	logger  *slog.Logger
}

// New constructs a Service. Regions select the provider agent pools used for
// HTTP checks.
func New(sites repository.SiteRepository, creds CredentialSource, newMon Factory, regions []string, logger *slog.Logger) Service {
	return Service{sites: sites, creds: creds, newMon: newMon, regions: regions, logger: logger}
}

// Register schedules SyncAll on the cron runner.
func (s Service) Register(c *cron.Cron, spec string) error {
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if _, err := s.SyncAll(ctx); err != nil {
			s.logger.Error("monitoring sync pass failed", "error", err)
		}
	})
	return err
}

// SyncAll walks every site with monitoring enabled and ensures its tasks
// exist. Sites are processed one after another; a failing site is recorded
// and skipped, never fatal to the pass.
func (s Service) SyncAll(ctx context.Context) (Summary, error) {
	sites, err := s.sites.ListMonitoredSites(ctx)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{Sites: len(sites)}
	for _, site := range sites {
		created, err := s.syncSite(ctx, site)
		summary.TasksCreated += created
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", site.Name, err))
			s.logger.Warn("site monitoring sync failed", "site", site.Name, "error", err)
		}
	}
	s.logger.Info("monitoring sync finished",
		"sites", summary.Sites,
		"tasks_created", summary.TasksCreated,
		"failures", len(summary.Errors))
	return summary, nil
}

// SyncSite refreshes tasks for one site, for UI-triggered syncs.
func (s Service) SyncSite(ctx context.Context, siteID string) (int, error) {
	site, err := s.sites.GetSiteByID(ctx, siteID)
	if err != nil {
		return 0, err
	}
	if !site.Monitoring.Active() {
		return 0, nil
	}
	return s.syncSite(ctx, *site)
}

func (s Service) syncSite(ctx context.Context, site domain.Site) (int, error) {
	if site.MainDomain == "" {
		return 0, fmt.Errorf("site has no main domain")
	}
	_, creds, err := s.creds.Resolve(ctx, site.ProjectID, &site.ID, domain.ServiceHostTracker)
	if err != nil {
		return 0, err
	}
	client, err := s.newMon(creds)
	if err != nil {
		return 0, err
	}

	// List first: the provider hands out a fresh task id per create, so
	// idempotency lives here, not in the client.
	existing, err := client.ListTasks(ctx)
	if err != nil {
		return 0, err
	}
	siteURL := "https://" + site.MainDomain

	created := 0
	if site.Monitoring.Checks.Uptime && !hasTask(existing, hosttracker.TaskTypeHTTP, siteURL) {
		err := s.withRateLimitRetry(ctx, func(ctx context.Context) error {
			_, err := client.CreateHTTPTask(ctx, hosttracker.HTTPTaskSpec{
				URL:     siteURL,
				Keyword: site.MainDomain,
				Regions: s.regions,
			})
			return err
		})
		if err != nil {
			return created, fmt.Errorf("create http task: %w", err)
		}
		created++
		s.logger.Info("uptime task created", "site", site.Name, "url", siteURL)
	}
	if site.Monitoring.Checks.Blocklist && !hasTask(existing, hosttracker.TaskTypeRKN, siteURL) {
		err := s.withRateLimitRetry(ctx, func(ctx context.Context) error {
			_, err := client.CreateRKNTask(ctx, siteURL)
			return err
		})
		if err != nil {
			return created, fmt.Errorf("create blocklist task: %w", err)
		}
		created++
		s.logger.Info("blocklist task created", "site", site.Name, "url", siteURL)
	}
	return created, nil
}

// DisableSite removes every task the provider holds for the site's main
// domain, both check types. Returns how many tasks were deleted.
func (s Service) DisableSite(ctx context.Context, siteID string) (int, error) {
	site, err := s.sites.GetSiteByID(ctx, siteID)
	if err != nil {
		return 0, err
	}
	if site.MainDomain == "" {
		return 0, nil
	}
	_, creds, err := s.creds.Resolve(ctx, site.ProjectID, &site.ID, domain.ServiceHostTracker)
	if err != nil {
		return 0, err
	}
	client, err := s.newMon(creds)
	if err != nil {
		return 0, err
	}

	tasks, err := client.ListTasks(ctx)
	if err != nil {
		return 0, err
	}
	siteURL := "https://" + site.MainDomain

	deleted := 0
	for _, task := range tasks {
		if task.Type != hosttracker.TaskTypeHTTP && task.Type != hosttracker.TaskTypeRKN {
			continue
		}
		if !strings.EqualFold(strings.TrimRight(task.URL, "/"), strings.TrimRight(siteURL, "/")) {
			continue
		}
		taskID := task.ID
		err := s.withRateLimitRetry(ctx, func(ctx context.Context) error {
			return client.DeleteTask(ctx, taskID)
		})
		if err != nil {
			return deleted, fmt.Errorf("delete task %s: %w", taskID, err)
		}
		deleted++
		s.logger.Info("monitoring task deleted", "site", site.Name, "task_id", taskID, "type", task.Type)
	}
	return deleted, nil
}

func (s Service) withRateLimitRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if provider.IsRateLimited(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func hasTask(tasks []hosttracker.Task, taskType, url string) bool {
	for _, task := range tasks {
		if task.Type == taskType && strings.EqualFold(strings.TrimRight(task.URL, "/"), strings.TrimRight(url, "/")) {
			return true
		}
	}
	return false
}
