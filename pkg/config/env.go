package config

const (
	EnvPrefix = "BODYSCAN"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DBDriverPostgres = "postgres"
	DBDriverSQLite   = "sqlite"

	DispatchTransportRedis  = "redis"
	DispatchTransportPubSub = "pubsub"

	EnvAppEnv   = "BODYSCAN_APP_ENV"
	EnvPort     = "BODYSCAN_APP_PORT"
	EnvLogLevel = "BODYSCAN_LOG_LEVEL"

	EnvDBDSN     = "BODYSCAN_DB_DSN"
	EnvDBHost    = "BODYSCAN_DB_HOST"
	EnvDBPort    = "BODYSCAN_DB_PORT"
	EnvDBUser    = "BODYSCAN_DB_USER"
	EnvDBPass    = "BODYSCAN_DB_PASSWORD"
	EnvDBName    = "BODYSCAN_DB_NAME"
	EnvDBSSL     = "BODYSCAN_DB_SSLMODE"
	EnvUseSQLite = "BODYSCAN_USE_SQLITE"

	EnvRedisURL = "BODYSCAN_REDIS_URL"

	EnvJWTSecret = "BODYSCAN_JWT_SECRET"
	EnvJWTIssuer = "BODYSCAN_JWT_ISSUER"

	EnvGCSBucket         = "BODYSCAN_GCS_BUCKET_NAME"
	EnvGCSUploadExpiry   = "BODYSCAN_GCS_UPLOAD_URL_EXPIRY"
	EnvGCSDownloadExpiry = "BODYSCAN_GCS_DOWNLOAD_URL_EXPIRY"

	EnvInferenceEndpoint    = "BODYSCAN_INFERENCE_ENDPOINT"
	EnvInferenceReadTimeout = "BODYSCAN_INFERENCE_READ_TIMEOUT"

	EnvDispatchWorkers       = "BODYSCAN_DISPATCH_WORKERS"
	EnvDispatchTransport     = "BODYSCAN_DISPATCH_TRANSPORT"
	EnvDispatchRunningStale  = "BODYSCAN_DISPATCH_RUNNING_STALE_AFTER"
	EnvAnalyzeStartRateLimit = "BODYSCAN_ANALYZE_START_RATE_LIMIT"
	EnvPhotoRetention        = "BODYSCAN_PHOTO_RETENTION"
	EnvModelRetention        = "BODYSCAN_MODEL_RETENTION"

	EnvPubSubProjectID = "BODYSCAN_PUBSUB_PROJECT_ID"

	EnvCreemWebhookSecret    = "BODYSCAN_CREEM_WEBHOOK_SECRET"
	EnvCreemQuickProductID   = "BODYSCAN_CREEM_QUICK_PRODUCT_ID"
	EnvCreemPremiumProductID = "BODYSCAN_CREEM_PREMIUM_PRODUCT_ID"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
