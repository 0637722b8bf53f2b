package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	App       AppSettings       `mapstructure:"app"`
	Postgres  PostgresSettings  `mapstructure:"postgres"`
	Redis     RedisSettings     `mapstructure:"redis"`
	Kafka     KafkaSettings     `mapstructure:"kafka"`
	Discord   DiscordSettings   `mapstructure:"discord"`
	Mapping   MappingSettings   `mapstructure:"mapping"`
	Queue     QueueSettings     `mapstructure:"queue"`
	Ledger    LedgerSettings    `mapstructure:"ledger"`
	Session   SessionSettings   `mapstructure:"session"`
	RateLimit RateLimitSettings `mapstructure:"rate_limit"`
	Telemetry TelemetrySettings `mapstructure:"telemetry"`
}

type AppSettings struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type PostgresSettings struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	User              string        `mapstructure:"user"`
	Password          string        `mapstructure:"password"`
	Database          string        `mapstructure:"database"`
	SSLMode           string        `mapstructure:"ssl_mode"`
	MaxConns          int32         `mapstructure:"max_conns"`
	MinConns          int32         `mapstructure:"min_conns"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
}

// RedisSettings configures Redis connection and TLS
type RedisSettings struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	DB              int           `mapstructure:"db"`
	Password        string        `mapstructure:"password"`
	TLSEnabled      bool          `mapstructure:"tls_enabled"`
	LockPrefix      string        `mapstructure:"lock_prefix"`
	RoleCacheKey    string        `mapstructure:"role_cache_key"`
	RoleCacheTTL    time.Duration `mapstructure:"role_cache_ttl"`
	RateLimitPrefix string        `mapstructure:"rate_limit_prefix"`
}

// KafkaSettings configures the Kafka producer
type KafkaSettings struct {
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
	Async       bool     `mapstructure:"async"`
}

// DiscordSettings configures the OAuth2 application, the bot, and the guild
// this service synchronizes against.
type DiscordSettings struct {
	APIBaseURL     string        `mapstructure:"api_base_url"`
	ClientID       string        `mapstructure:"client_id"`
	ClientSecret   string        `mapstructure:"client_secret"`
	RedirectURL    string        `mapstructure:"redirect_url"`
	BotToken       string        `mapstructure:"bot_token"`
	BotPermissions string        `mapstructure:"bot_permissions"`
	GuildID        string        `mapstructure:"guild_id"`
	OAuthScopes    string        `mapstructure:"oauth_scopes"`
	HTTPTimeout    time.Duration `mapstructure:"http_timeout"`
	SendWelcomeDM  bool          `mapstructure:"send_welcome_dm"`
	WelcomeMessage string        `mapstructure:"welcome_message"`
}

// MappingSettings holds the entitlement-to-role mapping. Keys follow the
// level_<product_id> convention.
type MappingSettings struct {
	Roles           map[string]string `mapstructure:"roles"`
	DefaultRoleID   string            `mapstructure:"default_role_id"`
	AllowUnentitled bool              `mapstructure:"allow_unentitled"`
}

// QueueSettings governs job spacing, polling, and the retry policy.
type QueueSettings struct {
	Group          string        `mapstructure:"group"`
	JitterWindow   time.Duration `mapstructure:"jitter_window"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	ClaimBatchSize int           `mapstructure:"claim_batch_size"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	LockTTL        time.Duration `mapstructure:"lock_ttl"`
}

// LedgerSettings locates the hosting application's membership ledger API.
type LedgerSettings struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIToken    string        `mapstructure:"api_token"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
}

// SessionSettings configures validation of host-application session tokens
// and the CSRF secret for the disconnect endpoint.
type SessionSettings struct {
	JWTSecret     string `mapstructure:"jwt_secret"`
	CSRFSecret    string `mapstructure:"csrf_secret"`
	StateSecret   string `mapstructure:"state_secret"`
	Issuer        string `mapstructure:"issuer"`
	InternalToken string `mapstructure:"internal_token"`
}

// RateLimitSettings configures the sliding window applied to the OAuth
// callback endpoint.
type RateLimitSettings struct {
	WindowDuration      time.Duration `mapstructure:"window_duration"`
	CallbackMaxAttempts int           `mapstructure:"callback_max_attempts"`
}

type TelemetrySettings struct {
	MetricsPort  int     `mapstructure:"metrics_port"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	ServiceName  string  `mapstructure:"service_name"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

// Load resolves the application configuration from the environment. Mapping
// roles may be supplied as GUILDSYNC_MAPPING_ROLES in key=value,key=value form.
func Load() (*AppConfig, error) {
	v := viper.New()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("GUILDSYNC")

	setDefaults(v)

	if err := bindEnvs(v, []string{
		"app.name",
		"app.env",
		"app.host",
		"app.port",
		"postgres.host",
		"postgres.port",
		"postgres.user",
		"postgres.password",
		"postgres.database",
		"postgres.ssl_mode",
		"postgres.max_conns",
		"postgres.min_conns",
		"postgres.max_conn_lifetime",
		"postgres.max_conn_idle_time",
		"postgres.health_check_period",
		"redis.host",
		"redis.port",
		"redis.db",
		"redis.password",
		"redis.tls_enabled",
		"redis.lock_prefix",
		"redis.role_cache_key",
		"redis.role_cache_ttl",
		"redis.rate_limit_prefix",
		"kafka.brokers",
		"kafka.topic_prefix",
		"kafka.async",
		"discord.api_base_url",
		"discord.client_id",
		"discord.client_secret",
		"discord.redirect_url",
		"discord.bot_token",
		"discord.bot_permissions",
		"discord.guild_id",
		"discord.oauth_scopes",
		"discord.http_timeout",
		"discord.send_welcome_dm",
		"discord.welcome_message",
		"mapping.default_role_id",
		"mapping.allow_unentitled",
		"queue.group",
		"queue.jitter_window",
		"queue.poll_interval",
		"queue.claim_batch_size",
		"queue.max_attempts",
		"queue.retry_backoff",
		"queue.max_backoff",
		"queue.lock_ttl",
		"ledger.base_url",
		"ledger.api_token",
		"ledger.http_timeout",
		"session.jwt_secret",
		"session.csrf_secret",
		"session.state_secret",
		"session.issuer",
		"session.internal_token",
		"rate_limit.window_duration",
		"rate_limit.callback_max_attempts",
		"telemetry.metrics_port",
		"telemetry.otlp_endpoint",
		"telemetry.service_name",
		"telemetry.sampling_rate",
	}); err != nil {
		return nil, err
	}

	v.AutomaticEnv()

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Mapping.Roles == nil {
		cfg.Mapping.Roles = parseRolePairs(v.GetString("mapping.roles"))
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "guildsync")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.host", "0.0.0.0")
	v.SetDefault("app.port", 8080)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "guildsync")
	v.SetDefault("postgres.password", "guildsync_password")
	v.SetDefault("postgres.database", "guildsync")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.min_conns", 2)
	v.SetDefault("postgres.max_conn_lifetime", "60m")
	v.SetDefault("postgres.max_conn_idle_time", "15m")
	v.SetDefault("postgres.health_check_period", "30s")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.tls_enabled", false)
	v.SetDefault("redis.lock_prefix", "guildsync:user-lock")
	v.SetDefault("redis.role_cache_key", "guildsync:guild-roles")
	v.SetDefault("redis.role_cache_ttl", "10m")
	v.SetDefault("redis.rate_limit_prefix", "guildsync:rate-limit")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic_prefix", "guildsync")
	v.SetDefault("kafka.async", true)

	v.SetDefault("discord.api_base_url", "https://discord.com/api/v10")
	v.SetDefault("discord.bot_permissions", "268435459")
	v.SetDefault("discord.oauth_scopes", "identify email guilds guilds.join")
	v.SetDefault("discord.http_timeout", "10s")
	v.SetDefault("discord.send_welcome_dm", false)
	v.SetDefault("discord.welcome_message", "Welcome! Your membership roles have been applied.")

	v.SetDefault("mapping.default_role_id", "none")
	v.SetDefault("mapping.allow_unentitled", false)

	v.SetDefault("queue.group", "guildsync")
	v.SetDefault("queue.jitter_window", "10s")
	v.SetDefault("queue.poll_interval", "5s")
	v.SetDefault("queue.claim_batch_size", 10)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.retry_backoff", "30s")
	v.SetDefault("queue.max_backoff", "15m")
	v.SetDefault("queue.lock_ttl", "60s")

	v.SetDefault("ledger.http_timeout", "5s")

	v.SetDefault("session.issuer", "social-platform")

	v.SetDefault("rate_limit.window_duration", "1m")
	v.SetDefault("rate_limit.callback_max_attempts", 10)

	v.SetDefault("telemetry.metrics_port", 9090)
	v.SetDefault("telemetry.otlp_endpoint", "http://localhost:4318")
	v.SetDefault("telemetry.service_name", "guildsync")
	v.SetDefault("telemetry.sampling_rate", 1.0)
}

func bindEnvs(v *viper.Viper, keys []string) error {
	for _, key := range keys {
		envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, "GUILDSYNC_"+envKey, envKey); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}

// parseRolePairs turns "level_10=111,level_20=222" into a mapping table.
func parseRolePairs(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	roles := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" || value == "" {
			continue
		}
		roles[key] = value
	}

	if len(roles) == 0 {
		return nil
	}
	return roles
}
