package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App         AppConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	JWT         JWTConfig
	Log         LogConfig
	HTTP        HTTPConfig
	RateLimit   RateLimitConfig
	Plans       PlansConfig
	Usage       UsageConfig
	Aggregation AggregationConfig
	Telemetry   TelemetryConfig
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host      string
	Port      int
	Password  string
	DB        int
	OpTimeout time.Duration // per-call timeout for counter operations
}

// JWTConfig holds settings for resolving tenant/credential identity from
// bearer tokens. Token issuance lives outside this service.
type JWTConfig struct {
	Secret                 string
	RefreshSecret          string
	Issuer                 string
	AccessTokenExpiration  time.Duration
	RefreshTokenExpiration time.Duration
	MaxRefreshCount        int
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	MaxHeaderBytes   int
	MaxBodySize      int64
	CORSAllowOrigins []string
	CORSAllowMethods []string
	CORSAllowHeaders []string
	TrustedProxies   []string
}

// StrategyRuleConfig holds one limiting strategy's ceiling and window
type StrategyRuleConfig struct {
	Enabled bool
	Limit   int64
	Window  time.Duration
}

// RateLimitConfig holds per-strategy rate limiting configuration
type RateLimitConfig struct {
	Enabled       bool
	SourceAddress StrategyRuleConfig
	Tenant        StrategyRuleConfig
	Credential    StrategyRuleConfig
	Endpoint      StrategyRuleConfig
	// EndpointPaths lists the sensitive paths the endpoint strategy guards
	EndpointPaths []string
}

// TenantPlanConfig holds one tenant's plan override
type TenantPlanConfig struct {
	Limit  int64
	Window time.Duration
}

// PlansConfig holds tenant plan ceilings and unit prices
type PlansConfig struct {
	DefaultLimit  int64
	DefaultWindow time.Duration
	Tenants       map[string]TenantPlanConfig
	// UnitPrices maps metric type to a decimal price string (e.g. "0.002")
	UnitPrices map[string]string
}

// UsageConfig holds usage counter settings
type UsageConfig struct {
	// CounterTTL keeps a day's counters alive well beyond the aggregation
	// interval so a missed run cannot silently lose data
	CounterTTL time.Duration
}

// AggregationConfig holds aggregation job configuration
type AggregationConfig struct {
	Enabled    bool
	Interval   time.Duration
	BatchSize  int64
	OpTimeout  time.Duration // per-key cache/ledger call timeout
	MaxRetries int           // bounded retries per key before counting an error
	RunTimeout time.Duration // maximum time for one full run
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool
	CollectorEndpoint string
	ServiceName       string
	Insecure          bool
	ExportInterval    time.Duration
	SamplingRatio     float64
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with APIHUB_ prefix (e.g. APIHUB_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix("APIHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
		},
		Redis: RedisConfig{
			Host:      v.GetString("redis.host"),
			Port:      v.GetInt("redis.port"),
			Password:  v.GetString("redis.password"),
			DB:        v.GetInt("redis.db"),
			OpTimeout: v.GetDuration("redis.op_timeout"),
		},
		JWT: JWTConfig{
			Secret:                 v.GetString("jwt.secret"),
			RefreshSecret:          v.GetString("jwt.refresh_secret"),
			Issuer:                 v.GetString("jwt.issuer"),
			AccessTokenExpiration:  v.GetDuration("jwt.access_token_expiration"),
			RefreshTokenExpiration: v.GetDuration("jwt.refresh_token_expiration"),
			MaxRefreshCount:        v.GetInt("jwt.max_refresh_count"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:      v.GetDuration("http.read_timeout"),
			WriteTimeout:     v.GetDuration("http.write_timeout"),
			IdleTimeout:      v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes:   v.GetInt("http.max_header_bytes"),
			MaxBodySize:      v.GetInt64("http.max_body_size"),
			CORSAllowOrigins: v.GetStringSlice("http.cors_allow_origins"),
			CORSAllowMethods: v.GetStringSlice("http.cors_allow_methods"),
			CORSAllowHeaders: v.GetStringSlice("http.cors_allow_headers"),
			TrustedProxies:   v.GetStringSlice("http.trusted_proxies"),
		},
		RateLimit: RateLimitConfig{
			Enabled:       v.GetBool("ratelimit.enabled"),
			SourceAddress: loadStrategyRule(v, "ratelimit.source_address"),
			Tenant:        loadStrategyRule(v, "ratelimit.tenant"),
			Credential:    loadStrategyRule(v, "ratelimit.credential"),
			Endpoint:      loadStrategyRule(v, "ratelimit.endpoint"),
			EndpointPaths: v.GetStringSlice("ratelimit.endpoint_paths"),
		},
		Plans: PlansConfig{
			DefaultLimit:  v.GetInt64("plans.default_limit"),
			DefaultWindow: v.GetDuration("plans.default_window"),
			Tenants:       loadTenantPlans(v),
			UnitPrices:    v.GetStringMapString("plans.unit_prices"),
		},
		Usage: UsageConfig{
			CounterTTL: v.GetDuration("usage.counter_ttl"),
		},
		Aggregation: AggregationConfig{
			Enabled:    v.GetBool("aggregation.enabled"),
			Interval:   v.GetDuration("aggregation.interval"),
			BatchSize:  v.GetInt64("aggregation.batch_size"),
			OpTimeout:  v.GetDuration("aggregation.op_timeout"),
			MaxRetries: v.GetInt("aggregation.max_retries"),
			RunTimeout: v.GetDuration("aggregation.run_timeout"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			ExportInterval:    v.GetDuration("telemetry.export_interval"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadStrategyRule reads one strategy section; absent sections come back
// zeroed and pick up defaults later
func loadStrategyRule(v *viper.Viper, prefix string) StrategyRuleConfig {
	enabled := true
	if v.IsSet(prefix + ".enabled") {
		enabled = v.GetBool(prefix + ".enabled")
	}
	return StrategyRuleConfig{
		Enabled: enabled,
		Limit:   v.GetInt64(prefix + ".limit"),
		Window:  v.GetDuration(prefix + ".window"),
	}
}

// loadTenantPlans reads the per-tenant plan override table
func loadTenantPlans(v *viper.Viper) map[string]TenantPlanConfig {
	plans := make(map[string]TenantPlanConfig)
	for tenantID := range v.GetStringMap("plans.tenants") {
		prefix := "plans.tenants." + tenantID
		plans[tenantID] = TenantPlanConfig{
			Limit:  v.GetInt64(prefix + ".limit"),
			Window: v.GetDuration(prefix + ".window"),
		}
	}
	return plans
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "apihub-backend"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "apihub"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.OpTimeout == 0 {
		cfg.Redis.OpTimeout = 250 * time.Millisecond
	}
	if cfg.JWT.Issuer == "" {
		cfg.JWT.Issuer = "apihub-backend"
	}
	if cfg.JWT.AccessTokenExpiration == 0 {
		cfg.JWT.AccessTokenExpiration = 15 * time.Minute
	}
	if cfg.JWT.RefreshTokenExpiration == 0 {
		cfg.JWT.RefreshTokenExpiration = 7 * 24 * time.Hour
	}
	if cfg.JWT.MaxRefreshCount == 0 {
		cfg.JWT.MaxRefreshCount = 30
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 10 << 20 // 10MB
	}
	if len(cfg.HTTP.CORSAllowMethods) == 0 {
		cfg.HTTP.CORSAllowMethods = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"}
	}
	if len(cfg.HTTP.CORSAllowHeaders) == 0 {
		cfg.HTTP.CORSAllowHeaders = []string{"Content-Type", "Authorization", "X-Request-ID", "X-Tenant-ID"}
	}

	// Rate limit defaults: coarse abuse ceiling per address, tighter
	// ceilings the more specific the scope gets
	applyStrategyDefaults(&cfg.RateLimit.SourceAddress, 300, time.Minute)
	applyStrategyDefaults(&cfg.RateLimit.Tenant, 120, time.Minute)
	applyStrategyDefaults(&cfg.RateLimit.Credential, 60, time.Minute)
	applyStrategyDefaults(&cfg.RateLimit.Endpoint, 5, time.Minute)
	if len(cfg.RateLimit.EndpointPaths) == 0 {
		cfg.RateLimit.EndpointPaths = []string{"/api/v1/auth/token", "/api/v1/auth/refresh"}
	}

	if cfg.Plans.DefaultLimit == 0 {
		cfg.Plans.DefaultLimit = 120
	}
	if cfg.Plans.DefaultWindow == 0 {
		cfg.Plans.DefaultWindow = time.Minute
	}
	if cfg.Usage.CounterTTL == 0 {
		// 7 days, well beyond the hourly aggregation interval, so a
		// stalled job has many runs' worth of slack before data expires
		cfg.Usage.CounterTTL = 7 * 24 * time.Hour
	}
	if cfg.Aggregation.Interval == 0 {
		cfg.Aggregation.Interval = time.Hour
	}
	if cfg.Aggregation.BatchSize == 0 {
		cfg.Aggregation.BatchSize = 100
	}
	if cfg.Aggregation.OpTimeout == 0 {
		cfg.Aggregation.OpTimeout = 5 * time.Second
	}
	if cfg.Aggregation.MaxRetries == 0 {
		cfg.Aggregation.MaxRetries = 2
	}
	if cfg.Aggregation.RunTimeout == 0 {
		cfg.Aggregation.RunTimeout = 30 * time.Minute
	}

	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "apihub-backend"
	}
	if cfg.Telemetry.ExportInterval == 0 {
		cfg.Telemetry.ExportInterval = 60 * time.Second
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
}

// applyStrategyDefaults fills an unset strategy rule
func applyStrategyDefaults(rule *StrategyRuleConfig, limit int64, window time.Duration) {
	if rule.Limit == 0 {
		rule.Limit = limit
	}
	if rule.Window == 0 {
		rule.Window = window
	}
}

// validate performs validation on the configuration. Invalid limits or
// windows fail startup rather than degrading silently at runtime.
func (c *Config) validate() error {
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	for name, rule := range map[string]StrategyRuleConfig{
		"ratelimit.source_address": c.RateLimit.SourceAddress,
		"ratelimit.tenant":         c.RateLimit.Tenant,
		"ratelimit.credential":     c.RateLimit.Credential,
		"ratelimit.endpoint":       c.RateLimit.Endpoint,
	} {
		if rule.Limit <= 0 {
			return fmt.Errorf("%s.limit must be positive, got %d", name, rule.Limit)
		}
		if rule.Window <= 0 {
			return fmt.Errorf("%s.window must be positive, got %s", name, rule.Window)
		}
	}

	if c.Plans.DefaultLimit <= 0 {
		return fmt.Errorf("plans.default_limit must be positive, got %d", c.Plans.DefaultLimit)
	}
	if c.Plans.DefaultWindow <= 0 {
		return fmt.Errorf("plans.default_window must be positive, got %s", c.Plans.DefaultWindow)
	}
	for tenantID, plan := range c.Plans.Tenants {
		if plan.Limit <= 0 {
			return fmt.Errorf("plans.tenants.%s.limit must be positive, got %d", tenantID, plan.Limit)
		}
		if plan.Window <= 0 {
			return fmt.Errorf("plans.tenants.%s.window must be positive, got %s", tenantID, plan.Window)
		}
	}

	if c.Aggregation.BatchSize <= 0 {
		return fmt.Errorf("aggregation.batch_size must be positive, got %d", c.Aggregation.BatchSize)
	}
	if c.Aggregation.MaxRetries < 0 {
		return fmt.Errorf("aggregation.max_retries cannot be negative")
	}
	if c.Usage.CounterTTL < c.Aggregation.Interval {
		return fmt.Errorf("usage.counter_ttl (%s) must not be shorter than aggregation.interval (%s)",
			c.Usage.CounterTTL, c.Aggregation.Interval)
	}

	if c.App.Env == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("jwt.secret is required in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("jwt.secret must be at least 32 characters in production")
		}
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
		for _, origin := range c.HTTP.CORSAllowOrigins {
			if origin == "*" {
				return fmt.Errorf("cors_allow_origins cannot be '*' in production (use specific origins)")
			}
		}
	}

	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
