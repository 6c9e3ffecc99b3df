package config

import "time"

// APIConfig holds runtime configuration for the SDM API service.
type APIConfig struct {
	Environment        string
	Addr               string
	LogLevel           string
	DatabaseURL        string
	MigrationsDir      string
	JWTSecret          string
	VaultKey           string
	AccessTokenTTL     time.Duration
	MonitoringSyncSpec string

	CloudflareBaseURL  string
	NamecheapBaseURL   string
	NamecheapClientIP  string
	HostTrackerBaseURL string
	MonitoringRegions  []string
	MailHostBaseURL    string
	ProviderTimeout    time.Duration

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("API_ADDR", ":4000"),
		LogLevel:           GetString("LOG_LEVEL", "info"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://sdm:sdm@db:5432/sdm?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "./migrations"),
		JWTSecret:          GetString("JWT_SECRET", "supersecuresecret"),
		VaultKey:           GetString("VAULT_KEY", ""),
		AccessTokenTTL:     time.Duration(GetInt("ACCESS_TOKEN_TTL_MIN", 60)) * time.Minute,
		MonitoringSyncSpec: GetString("MONITORING_SYNC_SPEC", "@hourly"),

		CloudflareBaseURL:  GetString("CLOUDFLARE_API_URL", ""),
		NamecheapBaseURL:   GetString("NAMECHEAP_API_URL", "https://api.namecheap.com/xml.response"),
		NamecheapClientIP:  GetString("NAMECHEAP_CLIENT_IP", ""),
		HostTrackerBaseURL: GetString("HOSTTRACKER_API_URL", "https://www.host-tracker.com/api/web/v1"),
		MonitoringRegions:  GetStringSlice("MONITORING_REGIONS", []string{"europe"}),
		MailHostBaseURL:    GetString("MAILHOST_API_URL", ""),
		ProviderTimeout:    time.Duration(GetInt("PROVIDER_TIMEOUT_SECONDS", 30)) * time.Second,

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
