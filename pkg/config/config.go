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
	Auth         AuthConfig
	Credits      CreditsConfig
	Vendor       VendorConfig
	Cloudinary   CloudinaryConfig
	RateLimit    RateLimitConfig
	FeatureFlags FeatureFlagsConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	BigQuery     BigQueryConfig
	Outbox       OutboxConfig
	Cron         CronConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Credits.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"STEFNA_APP_ENV" required:"true"`
	Port         string `envconfig:"STEFNA_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"STEFNA_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"STEFNA_LOG_WARN_STACK" default:"false"`
	// CORSOrigins is a comma-separated list of browser origins.
	CORSOrigins []string `envconfig:"STEFNA_CORS_ORIGINS" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"STEFNA_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"STEFNA_DB_DSN"`
	Driver string `envconfig:"STEFNA_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"STEFNA_DB_HOST"`
	LegacyPort     int    `envconfig:"STEFNA_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"STEFNA_DB_USER"`
	LegacyPassword string `envconfig:"STEFNA_DB_PASSWORD"`
	LegacyName     string `envconfig:"STEFNA_DB_NAME"`
	LegacySSLMode  string `envconfig:"STEFNA_DB_SSLMODE" default:"require"`

	MaxOpenConns    int           `envconfig:"STEFNA_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"STEFNA_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"STEFNA_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"STEFNA_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"STEFNA_REDIS_URL"`
	Address      string        `envconfig:"STEFNA_REDIS_ADDR"`
	Password     string        `envconfig:"STEFNA_REDIS_PASSWORD"`
	DB           int           `envconfig:"STEFNA_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"STEFNA_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"STEFNA_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"STEFNA_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"STEFNA_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"STEFNA_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// AuthConfig holds the shared secret used to verify Supabase-issued access tokens.
type AuthConfig struct {
	JWTSecret string `envconfig:"STEFNA_JWT_SECRET" required:"true"`
	JWTIssuer string `envconfig:"STEFNA_JWT_ISSUER"`
	AdminRole string `envconfig:"STEFNA_JWT_ADMIN_ROLE" default:"service_role"`
}

type CreditsConfig struct {
	StartingBalance int           `envconfig:"STEFNA_CREDITS_STARTING_BALANCE" default:"30"`
	DailyCap        int           `envconfig:"STEFNA_CREDITS_DAILY_CAP" default:"0"`
	CostStandard    int           `envconfig:"STEFNA_CREDITS_COST_STANDARD" default:"1"`
	CostPro         int           `envconfig:"STEFNA_CREDITS_COST_PRO" default:"2"`
	ReservationTTL  time.Duration `envconfig:"STEFNA_CREDITS_RESERVATION_TTL" default:"2h"`
}

func (c CreditsConfig) validate() error {
	if c.StartingBalance < 0 {
		return fmt.Errorf("%s must not be negative", EnvCreditsStartingBalance)
	}
	if c.DailyCap < 0 {
		return fmt.Errorf("%s must not be negative", EnvCreditsDailyCap)
	}
	if c.CostStandard <= 0 || c.CostPro <= 0 {
		return fmt.Errorf("generation costs must be positive")
	}
	return nil
}

// VendorConfig configures the async video generation vendor.
type VendorConfig struct {
	Name           string        `envconfig:"STEFNA_VENDOR_NAME" default:"aiml"`
	BaseURL        string        `envconfig:"STEFNA_VENDOR_BASE_URL" default:"https://api.aimlapi.com"`
	APIKey         string        `envconfig:"STEFNA_VENDOR_API_KEY"`
	ModelStandard  string        `envconfig:"STEFNA_VENDOR_MODEL_STANDARD" default:"kling-video/v1.6/standard/image-to-video"`
	ModelPro       string        `envconfig:"STEFNA_VENDOR_MODEL_PRO" default:"kling-video/v1.6/pro/image-to-video"`
	ImageOnly      bool          `envconfig:"STEFNA_VENDOR_IMAGE_ONLY" default:"true"`
	RequestTimeout time.Duration `envconfig:"STEFNA_VENDOR_REQUEST_TIMEOUT" default:"30s"`
	StatusRetries  uint64        `envconfig:"STEFNA_VENDOR_STATUS_RETRIES" default:"2"`
	StatusBackoff  time.Duration `envconfig:"STEFNA_VENDOR_STATUS_BACKOFF" default:"250ms"`
}

type CloudinaryConfig struct {
	CloudName   string `envconfig:"STEFNA_CLOUDINARY_CLOUD_NAME"`
	APIKey      string `envconfig:"STEFNA_CLOUDINARY_API_KEY"`
	APISecret   string `envconfig:"STEFNA_CLOUDINARY_API_SECRET"`
	Folder      string `envconfig:"STEFNA_CLOUDINARY_FOLDER" default:"stefna"`
	FrameSecond int    `envconfig:"STEFNA_CLOUDINARY_FRAME_SECOND" default:"2"`
	FrameWidth  int    `envconfig:"STEFNA_CLOUDINARY_FRAME_WIDTH" default:"1024"`
}

type RateLimitConfig struct {
	GenerationWindow time.Duration `envconfig:"STEFNA_RATE_LIMIT_GENERATION_WINDOW" default:"1m"`
	GenerationLimit  int           `envconfig:"STEFNA_RATE_LIMIT_GENERATION_LIMIT" default:"10"`
	PollCacheTTL     time.Duration `envconfig:"STEFNA_POLL_CACHE_TTL" default:"1h"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"STEFNA_AUTO_MIGRATE" default:"false"`
	Metrics     bool `envconfig:"STEFNA_METRICS_ENABLED" default:"true"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"STEFNA_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"STEFNA_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	DomainTopic              string `envconfig:"STEFNA_PUBSUB_DOMAIN_TOPIC" default:"stefna-domain-events"`
	MediaDeletedSubscription string `envconfig:"STEFNA_PUBSUB_MEDIA_DELETED_SUBSCRIPTION" default:"stefna-media-deleted"`
	AnalyticsSubscription    string `envconfig:"STEFNA_PUBSUB_ANALYTICS_SUBSCRIPTION" default:"stefna-analytics"`
}

type BigQueryConfig struct {
	Dataset               string        `envconfig:"STEFNA_BIGQUERY_DATASET" default:"stefna_analytics"`
	GenerationEventsTable string        `envconfig:"STEFNA_BIGQUERY_GENERATION_EVENTS_TABLE" default:"generation_events"`
	ProcessedTTL          time.Duration `envconfig:"STEFNA_ANALYTICS_PROCESSED_TTL" default:"168h"`
}

type OutboxConfig struct {
	BatchSize      int           `envconfig:"STEFNA_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int           `envconfig:"STEFNA_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int           `envconfig:"STEFNA_OUTBOX_MAX_ATTEMPTS" default:"10"`
	Retention      time.Duration `envconfig:"STEFNA_OUTBOX_RETENTION" default:"168h"`
}

type CronConfig struct {
	Interval              time.Duration `envconfig:"STEFNA_CRON_INTERVAL" default:"15m"`
	NotificationRetention int           `envconfig:"STEFNA_CRON_NOTIFICATION_RETENTION_DAYS" default:"30"`
}

// CostForTier returns the credit price of a generation tier.
func (c CreditsConfig) CostForTier(tier string) int {
	if strings.EqualFold(strings.TrimSpace(tier), "pro") {
		return c.CostPro
	}
	return c.CostStandard
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
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
