package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"

	"github.com/investblog/spintax-domain-manager-sub000/internal/app/migrate"
	"github.com/investblog/spintax-domain-manager-sub000/internal/domain"
	httpx "github.com/investblog/spintax-domain-manager-sub000/internal/http"
	"github.com/investblog/spintax-domain-manager-sub000/internal/provider/cloudflare"
	"github.com/investblog/spintax-domain-manager-sub000/internal/provider/hosttracker"
	"github.com/investblog/spintax-domain-manager-sub000/internal/provider/mailhost"
	"github.com/investblog/spintax-domain-manager-sub000/internal/provider/namecheap"
	"github.com/investblog/spintax-domain-manager-sub000/internal/repository/postgres"
	"github.com/investblog/spintax-domain-manager-sub000/internal/service/account"
	"github.com/investblog/spintax-domain-manager-sub000/internal/service/auth"
	"github.com/investblog/spintax-domain-manager-sub000/internal/service/domainsync"
	"github.com/investblog/spintax-domain-manager-sub000/internal/service/mailroute"
	"github.com/investblog/spintax-domain-manager-sub000/internal/service/monitor"
	"github.com/investblog/spintax-domain-manager-sub000/internal/service/redirect"
	"github.com/investblog/spintax-domain-manager-sub000/internal/ws"
	"github.com/investblog/spintax-domain-manager-sub000/pkg/config"
	"github.com/investblog/spintax-domain-manager-sub000/pkg/logger"
	"github.com/investblog/spintax-domain-manager-sub000/pkg/vault"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	secrets := vault.New(cfg.VaultKey)
	hub := ws.NewHub()

	cfFactory := cloudflareFactory(cfg, log)
	ncFactory := namecheapFactory(cfg, log)
	htFactory := hosttrackerFactory(cfg, log)
	mhFactory := mailhostFactory(cfg, log)

	accountSvc := account.New(repo, repo, secrets, probers(cfg, log), log)
	authSvc := auth.New(repo, log, cfg)
	domainSvc := domainsync.New(repo, repo, repo, accountSvc,
		func(creds domain.Credentials) (domainsync.DNSClient, error) { return cfFactory(creds) },
		func(creds domain.Credentials) (domainsync.RegistrarClient, error) { return ncFactory(creds) },
		log)
	redirectSvc := redirect.New(repo, repo, repo, accountSvc,
		func(creds domain.Credentials) (redirect.DNSClient, error) { return cfFactory(creds) },
		log)
	monitorSvc := monitor.New(repo, accountSvc,
		func(creds domain.Credentials) (monitor.Client, error) { return htFactory(creds) },
		cfg.MonitoringRegions, log)
	mailSvc := mailroute.New(repo, repo, accountSvc,
		func(creds domain.Credentials) (mailroute.DNSClient, error) { return cfFactory(creds) },
		func(creds domain.Credentials) (mailroute.MailboxClient, error) { return mhFactory(creds) },
		log)

	scheduler := cron.New()
	if spec := strings.TrimSpace(cfg.MonitoringSyncSpec); spec != "" {
		if err := monitorSvc.Register(scheduler, spec); err != nil {
			log.Error("failed to schedule monitoring sync", "spec", spec, "error", err)
			os.Exit(1)
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, authSvc, domainSvc, redirectSvc, monitorSvc, mailSvc, accountSvc, hub, limiter, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func cloudflareFactory(cfg config.APIConfig, log *slog.Logger) func(domain.Credentials) (*cloudflare.Client, error) {
	return func(creds domain.Credentials) (*cloudflare.Client, error) {
		var opts []cloudflare.Option
		if cfg.CloudflareBaseURL != "" {
			opts = append(opts, cloudflare.WithBaseURL(cfg.CloudflareBaseURL))
		}
		return cloudflare.New(creds, log, opts...)
	}
}

func namecheapFactory(cfg config.APIConfig, log *slog.Logger) func(domain.Credentials) (*namecheap.Client, error) {
	return func(creds domain.Credentials) (*namecheap.Client, error) {
		clientIP := creds.Extra["client_ip"]
		if clientIP == "" {
			clientIP = cfg.NamecheapClientIP
		}
		return namecheap.New(cfg.NamecheapBaseURL, creds.Login, creds.APIKey, clientIP, cfg.ProviderTimeout, log), nil
	}
}

func hosttrackerFactory(cfg config.APIConfig, log *slog.Logger) func(domain.Credentials) (*hosttracker.Client, error) {
	return func(creds domain.Credentials) (*hosttracker.Client, error) {
		return hosttracker.New(cfg.HostTrackerBaseURL, creds.Login, creds.Password, cfg.ProviderTimeout, log), nil
	}
}

func mailhostFactory(cfg config.APIConfig, log *slog.Logger) func(domain.Credentials) (*mailhost.Client, error) {
	return func(creds domain.Credentials) (*mailhost.Client, error) {
		baseURL := creds.Extra["base_url"]
		if baseURL == "" {
			baseURL = cfg.MailHostBaseURL
		}
		return mailhost.New(baseURL, creds.Login, creds.Password, cfg.ProviderTimeout, log), nil
	}
}

// probers verify stored credentials against the live provider APIs.
func probers(cfg config.APIConfig, log *slog.Logger) map[string]account.Prober {
	cfFactory := cloudflareFactory(cfg, log)
	ncFactory := namecheapFactory(cfg, log)
	htFactory := hosttrackerFactory(cfg, log)
	mhFactory := mailhostFactory(cfg, log)

	return map[string]account.Prober{
		domain.ServiceCloudflare: func(ctx context.Context, creds domain.Credentials) error {
			client, err := cfFactory(creds)
			if err != nil {
				return err
			}
			_, err = client.ListZones(ctx)
			return err
		},
		domain.ServiceNamecheap: func(ctx context.Context, creds domain.Credentials) error {
			client, err := ncFactory(creds)
			if err != nil {
				return err
			}
			return client.CheckCredentials(ctx)
		},
		domain.ServiceHostTracker: func(ctx context.Context, creds domain.Credentials) error {
			client, err := htFactory(creds)
			if err != nil {
				return err
			}
			_, err = client.GetToken(ctx)
			return err
		},
		domain.ServiceMailHost: func(ctx context.Context, creds domain.Credentials) error {
			client, err := mhFactory(creds)
			if err != nil {
				return err
			}
			return client.CheckCredentials(ctx)
		},
	}
}
