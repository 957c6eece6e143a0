package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	Idempotency  IdempotencyConfig
	Delivery     DeliveryConfig
	Email        EmailConfig
	Eventing     EventingConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Cron         CronConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(cfg.FeatureFlags.UseSQLite); err != nil {
		return nil, err
	}
	if err := cfg.Email.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Delivery.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"NEWSLETTER_APP_ENV" required:"true"`
	Port         string `envconfig:"NEWSLETTER_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"NEWSLETTER_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"NEWSLETTER_LOG_WARN_STACK" default:"false"`
	LogFormat    string `envconfig:"NEWSLETTER_LOG_FORMAT" default:"json"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"NEWSLETTER_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"NEWSLETTER_DB_DSN"`
	Driver string `envconfig:"NEWSLETTER_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"NEWSLETTER_DB_HOST"`
	LegacyPort     int    `envconfig:"NEWSLETTER_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"NEWSLETTER_DB_USER"`
	LegacyPassword string `envconfig:"NEWSLETTER_DB_PASSWORD"`
	LegacyName     string `envconfig:"NEWSLETTER_DB_NAME"`
	LegacySSLMode  string `envconfig:"NEWSLETTER_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"NEWSLETTER_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"NEWSLETTER_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"NEWSLETTER_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"NEWSLETTER_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"NEWSLETTER_REDIS_URL"`
	Address      string        `envconfig:"NEWSLETTER_REDIS_ADDR"`
	Password     string        `envconfig:"NEWSLETTER_REDIS_PASSWORD"`
	DB           int           `envconfig:"NEWSLETTER_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"NEWSLETTER_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"NEWSLETTER_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"NEWSLETTER_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"NEWSLETTER_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"NEWSLETTER_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// Enabled reports whether a redis endpoint was configured.
func (r RedisConfig) Enabled() bool {
	return r.URL != "" || r.Address != ""
}

type JWTConfig struct {
	Secret            string `envconfig:"NEWSLETTER_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"NEWSLETTER_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"NEWSLETTER_JWT_EXPIRATION_MINUTES" default:"60"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"NEWSLETTER_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"NEWSLETTER_AUTO_MIGRATE" default:"false"`
}

// IdempotencyConfig tunes how a duplicate submission waits for the owner of a key.
type IdempotencyConfig struct {
	PollInterval    time.Duration `envconfig:"NEWSLETTER_IDEMPOTENCY_POLL_INTERVAL" default:"50ms"`
	PollMaxInterval time.Duration `envconfig:"NEWSLETTER_IDEMPOTENCY_POLL_MAX_INTERVAL" default:"1s"`
	PollTimeout     time.Duration `envconfig:"NEWSLETTER_IDEMPOTENCY_POLL_TIMEOUT" default:"10s"`
	CacheTTL        time.Duration `envconfig:"NEWSLETTER_IDEMPOTENCY_CACHE_TTL" default:"24h"`
	Retention       time.Duration `envconfig:"NEWSLETTER_IDEMPOTENCY_RETENTION" default:"720h"`
	StaleAfter      time.Duration `envconfig:"NEWSLETTER_IDEMPOTENCY_STALE_AFTER" default:"15m"`
}

type DeliveryConfig struct {
	Workers      int           `envconfig:"NEWSLETTER_DELIVERY_WORKERS" default:"2"`
	BatchSize    int           `envconfig:"NEWSLETTER_DELIVERY_BATCH_SIZE" default:"25"`
	PollInterval time.Duration `envconfig:"NEWSLETTER_DELIVERY_POLL_INTERVAL" default:"1s"`
	LeaseTimeout time.Duration `envconfig:"NEWSLETTER_DELIVERY_LEASE_TIMEOUT" default:"5m"`
	SendTimeout  time.Duration `envconfig:"NEWSLETTER_DELIVERY_SEND_TIMEOUT" default:"10s"`
	MaxAttempts  int           `envconfig:"NEWSLETTER_DELIVERY_MAX_ATTEMPTS" default:"8"`
	BackoffBase  time.Duration `envconfig:"NEWSLETTER_DELIVERY_BACKOFF_BASE" default:"5s"`
	BackoffMax   time.Duration `envconfig:"NEWSLETTER_DELIVERY_BACKOFF_MAX" default:"1h"`
	// FailureRetention bounds how long dropped tasks stay queryable.
	FailureRetention time.Duration `envconfig:"NEWSLETTER_DELIVERY_FAILURE_RETENTION" default:"2160h"`
}

// validate requires a lease long enough for a whole batch of timed-out sends,
// so a worker never sends a task another owner has since leased.
func (d DeliveryConfig) validate() error {
	if d.BatchSize <= 0 || d.SendTimeout <= 0 {
		return nil
	}
	worst := time.Duration(d.BatchSize) * d.SendTimeout
	if d.LeaseTimeout <= worst {
		return fmt.Errorf("%s (%s) must exceed batch size %d x send timeout %s (%s)",
			EnvDeliveryLease, d.LeaseTimeout, d.BatchSize, d.SendTimeout, worst)
	}
	return nil
}

type EmailConfig struct {
	Provider string        `envconfig:"NEWSLETTER_EMAIL_PROVIDER" default:"noop"`
	Sender   string        `envconfig:"NEWSLETTER_EMAIL_SENDER" default:"newsletter@example.com"`
	APIKey   string        `envconfig:"NEWSLETTER_EMAIL_API_KEY"`
	BaseURL  string        `envconfig:"NEWSLETTER_EMAIL_BASE_URL" default:"https://api.postmarkapp.com"`
	Timeout  time.Duration `envconfig:"NEWSLETTER_EMAIL_HTTP_TIMEOUT" default:"10s"`
}

func (e EmailConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(e.Provider)) {
	case EmailProviderNoop:
		return nil
	case EmailProviderResend, EmailProviderPostmark:
		if e.APIKey == "" {
			return fmt.Errorf("%s is required for provider %q", EnvEmailAPIKey, e.Provider)
		}
		return nil
	default:
		return fmt.Errorf("unsupported %s %q", EnvEmailProvider, e.Provider)
	}
}

type EventingConfig struct {
	DeliveredMarkerTTL time.Duration `envconfig:"NEWSLETTER_EVENTING_DELIVERED_MARKER_TTL" default:"168h"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"NEWSLETTER_GCP_PROJECT_ID"`
}

type PubSubConfig struct {
	DeliveryDropTopic string `envconfig:"NEWSLETTER_PUBSUB_DELIVERY_DROP_TOPIC"`
}

// Enabled reports whether drop notifications should be published.
func (p PubSubConfig) Enabled() bool {
	return strings.TrimSpace(p.DeliveryDropTopic) != ""
}

type CronConfig struct {
	Interval time.Duration `envconfig:"NEWSLETTER_CRON_INTERVAL" default:"1h"`
	LockTTL  time.Duration `envconfig:"NEWSLETTER_CRON_LOCK_TTL" default:"10m"`
}

func (db *DBConfig) ensureDSN(useSQLite bool) error {
	if db.DSN != "" {
		return nil
	}
	if useSQLite {
		db.DSN = "file:newsletter.db?_busy_timeout=5000"
		db.Driver = "sqlite"
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
