package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/multierr"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	GCS          GCSConfig
	Inference    InferenceConfig
	Analyze      AnalyzeConfig
	Dispatch     DispatchConfig
	PubSub       PubSubConfig
	Retention    RetentionConfig
	Creem        CreemConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.FeatureFlags.UseSQLite {
		cfg.DB.Driver = DBDriverSQLite
	} else if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express. All
// problems are reported together.
func (c *Config) Validate() error {
	var errs error
	if c.Dispatch.Workers < 1 {
		errs = multierr.Append(errs, fmt.Errorf("%s must be at least 1", EnvDispatchWorkers))
	}
	// a RUNNING job must outlive its inference call before recovery may fail it
	if c.Dispatch.RunningStaleAfter <= c.Inference.ReadTimeout {
		errs = multierr.Append(errs, fmt.Errorf("%s (%s) must exceed %s (%s)",
			EnvDispatchRunningStale, c.Dispatch.RunningStaleAfter, EnvInferenceReadTimeout, c.Inference.ReadTimeout))
	}
	if c.Retention.ModelRetention < c.Retention.PhotoRetention {
		errs = multierr.Append(errs, fmt.Errorf("%s must not be shorter than %s", EnvModelRetention, EnvPhotoRetention))
	}
	switch {
	case c.Dispatch.UsesPubSub():
		if strings.TrimSpace(c.PubSub.ProjectID) == "" {
			errs = multierr.Append(errs, fmt.Errorf("%s is required when %s is %s", EnvPubSubProjectID, EnvDispatchTransport, DispatchTransportPubSub))
		}
	case c.Dispatch.Transport != "" && !strings.EqualFold(strings.TrimSpace(c.Dispatch.Transport), DispatchTransportRedis):
		errs = multierr.Append(errs, fmt.Errorf("%s must be %s or %s", EnvDispatchTransport, DispatchTransportRedis, DispatchTransportPubSub))
	}
	if c.Analyze.StartRateLimit < 0 {
		errs = multierr.Append(errs, fmt.Errorf("%s must not be negative", EnvAnalyzeStartRateLimit))
	}
	if c.App.IsProd() {
		if c.Creem.WebhookSecret == "" {
			errs = multierr.Append(errs, fmt.Errorf("%s is required in %s", EnvCreemWebhookSecret, AppEnvProd))
		}
		if c.Inference.Endpoint == "" {
			errs = multierr.Append(errs, fmt.Errorf("%s is required in %s", EnvInferenceEndpoint, AppEnvProd))
		}
		if c.FeatureFlags.UseSQLite {
			errs = multierr.Append(errs, fmt.Errorf("%s is not allowed in %s", EnvUseSQLite, AppEnvProd))
		}
	}
	return errs
}

type AppConfig struct {
	Env          string `envconfig:"BODYSCAN_APP_ENV" required:"true"`
	Port         string `envconfig:"BODYSCAN_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"BODYSCAN_LOG_LEVEL" default:"info"`
	LogFormat    string `envconfig:"BODYSCAN_LOG_FORMAT" default:"json"`
	LogWarnStack bool   `envconfig:"BODYSCAN_LOG_WARN_STACK" default:"false"`
	FrontendURL  string `envconfig:"BODYSCAN_FRONTEND_URL" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"BODYSCAN_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"BODYSCAN_DB_DSN"`
	Driver string `envconfig:"BODYSCAN_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"BODYSCAN_DB_HOST"`
	LegacyPort     int    `envconfig:"BODYSCAN_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"BODYSCAN_DB_USER"`
	LegacyPassword string `envconfig:"BODYSCAN_DB_PASSWORD"`
	LegacyName     string `envconfig:"BODYSCAN_DB_NAME"`
	LegacySSLMode  string `envconfig:"BODYSCAN_DB_SSLMODE" default:"disable"`

	SQLitePath string `envconfig:"BODYSCAN_SQLITE_PATH" default:"bodyscan.db"`

	MaxOpenConns    int           `envconfig:"BODYSCAN_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"BODYSCAN_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"BODYSCAN_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"BODYSCAN_DB_CONN_MAX_IDLE_TIME" default:"10m"`

	// statements slower than this are logged at warn
	SlowQueryThreshold time.Duration `envconfig:"BODYSCAN_DB_SLOW_QUERY_THRESHOLD" default:"250ms"`
}

type RedisConfig struct {
	URL          string        `envconfig:"BODYSCAN_REDIS_URL" required:"true"`
	Address      string        `envconfig:"BODYSCAN_REDIS_ADDR"`
	Password     string        `envconfig:"BODYSCAN_REDIS_PASSWORD"`
	DB           int           `envconfig:"BODYSCAN_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"BODYSCAN_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"BODYSCAN_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"BODYSCAN_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"BODYSCAN_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"BODYSCAN_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"BODYSCAN_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"BODYSCAN_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"BODYSCAN_JWT_EXPIRATION_MINUTES" default:"60"`
	ShareTTLHours     int    `envconfig:"BODYSCAN_SHARE_TOKEN_TTL_HOURS" default:"72"`
}

// ShareTTL returns the lifetime of analyze share tokens.
func (j JWTConfig) ShareTTL() time.Duration {
	if j.ShareTTLHours <= 0 {
		return 72 * time.Hour
	}
	return time.Duration(j.ShareTTLHours) * time.Hour
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"BODYSCAN_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"BODYSCAN_AUTO_MIGRATE" default:"false"`
}

type GCSConfig struct {
	BucketName         string        `envconfig:"BODYSCAN_GCS_BUCKET_NAME" required:"true"`
	UploadURLExpiry    time.Duration `envconfig:"BODYSCAN_GCS_UPLOAD_URL_EXPIRY" default:"15m"`
	DownloadURLExpiry  time.Duration `envconfig:"BODYSCAN_GCS_DOWNLOAD_URL_EXPIRY" default:"1h"`
	ServiceAccountJSON string        `envconfig:"BODYSCAN_GCS_SERVICE_ACCOUNT_JSON"`
	AccessToken        string        `envconfig:"BODYSCAN_GCS_ACCESS_TOKEN"`
}

type InferenceConfig struct {
	Endpoint       string        `envconfig:"BODYSCAN_INFERENCE_ENDPOINT"`
	AnalyzePath    string        `envconfig:"BODYSCAN_INFERENCE_ANALYZE_PATH" default:"/analyze-body"`
	ConnectTimeout time.Duration `envconfig:"BODYSCAN_INFERENCE_CONNECT_TIMEOUT" default:"5s"`
	ReadTimeout    time.Duration `envconfig:"BODYSCAN_INFERENCE_READ_TIMEOUT" default:"10m"`
}

type AnalyzeConfig struct {
	StartRateLimit  int64         `envconfig:"BODYSCAN_ANALYZE_START_RATE_LIMIT" default:"10"`
	StartRateWindow time.Duration `envconfig:"BODYSCAN_ANALYZE_START_RATE_WINDOW" default:"1m"`
}

type DispatchConfig struct {
	Transport         string        `envconfig:"BODYSCAN_DISPATCH_TRANSPORT" default:"redis"`
	Workers           int           `envconfig:"BODYSCAN_DISPATCH_WORKERS" default:"4"`
	Stream            string        `envconfig:"BODYSCAN_DISPATCH_STREAM" default:"analyze-dispatch"`
	Group             string        `envconfig:"BODYSCAN_DISPATCH_GROUP" default:"analyze-workers"`
	Block             time.Duration `envconfig:"BODYSCAN_DISPATCH_BLOCK" default:"5s"`
	MaxLen            int64         `envconfig:"BODYSCAN_DISPATCH_MAX_LEN" default:"10000"`
	ClaimIdle         time.Duration `envconfig:"BODYSCAN_DISPATCH_CLAIM_IDLE" default:"15m"`
	QueuedStaleAfter  time.Duration `envconfig:"BODYSCAN_DISPATCH_QUEUED_STALE_AFTER" default:"15m"`
	RunningStaleAfter time.Duration `envconfig:"BODYSCAN_DISPATCH_RUNNING_STALE_AFTER" default:"30m"`
}

// UsesPubSub reports whether dispatch tasks travel over Cloud Pub/Sub.
func (d DispatchConfig) UsesPubSub() bool {
	return strings.EqualFold(strings.TrimSpace(d.Transport), DispatchTransportPubSub)
}

type PubSubConfig struct {
	ProjectID            string `envconfig:"BODYSCAN_PUBSUB_PROJECT_ID"`
	DispatchTopic        string `envconfig:"BODYSCAN_PUBSUB_DISPATCH_TOPIC" default:"analyze-dispatch"`
	DispatchSubscription string `envconfig:"BODYSCAN_PUBSUB_DISPATCH_SUBSCRIPTION" default:"analyze-dispatch-workers"`
	MaxOutstanding       int    `envconfig:"BODYSCAN_PUBSUB_MAX_OUTSTANDING" default:"8"`
}

type RetentionConfig struct {
	PhotoRetention time.Duration `envconfig:"BODYSCAN_PHOTO_RETENTION" default:"24h"`
	ModelRetention time.Duration `envconfig:"BODYSCAN_MODEL_RETENTION" default:"8760h"`
	BatchSize      int           `envconfig:"BODYSCAN_RETENTION_BATCH_SIZE" default:"200"`
}

type CreemConfig struct {
	WebhookSecret    string        `envconfig:"BODYSCAN_CREEM_WEBHOOK_SECRET"`
	QuickProductID   string        `envconfig:"BODYSCAN_CREEM_QUICK_PRODUCT_ID"`
	PremiumProductID string        `envconfig:"BODYSCAN_CREEM_PREMIUM_PRODUCT_ID"`
	IdempotencyTTL   time.Duration `envconfig:"BODYSCAN_CREEM_IDEMPOTENCY_TTL" default:"720h"`
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
