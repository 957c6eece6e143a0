package config

const (
	EnvPrefix = "NEWSLETTER"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv    = "NEWSLETTER_APP_ENV"
	EnvPort      = "NEWSLETTER_APP_PORT"
	EnvLogLevel  = "NEWSLETTER_LOG_LEVEL"
	EnvLogFormat = "NEWSLETTER_LOG_FORMAT"

	EnvDBDSN      = "NEWSLETTER_DB_DSN"
	EnvDBHost     = "NEWSLETTER_DB_HOST"
	EnvDBPort     = "NEWSLETTER_DB_PORT"
	EnvDBUser     = "NEWSLETTER_DB_USER"
	EnvDBPassword = "NEWSLETTER_DB_PASSWORD"
	EnvDBName     = "NEWSLETTER_DB_NAME"

	EnvRedisURL = "NEWSLETTER_REDIS_URL"

	EnvJWTSecret = "NEWSLETTER_JWT_SECRET"
	EnvJWTIssuer = "NEWSLETTER_JWT_ISSUER"

	EnvUseSQLite   = "NEWSLETTER_USE_SQLITE"
	EnvAutoMigrate = "NEWSLETTER_AUTO_MIGRATE"

	EnvIdempotencyPollTimeout = "NEWSLETTER_IDEMPOTENCY_POLL_TIMEOUT"

	EnvDeliveryMaxAttempts = "NEWSLETTER_DELIVERY_MAX_ATTEMPTS"
	EnvDeliveryWorkers     = "NEWSLETTER_DELIVERY_WORKERS"
	EnvDeliveryBatchSize   = "NEWSLETTER_DELIVERY_BATCH_SIZE"
	EnvDeliveryLease       = "NEWSLETTER_DELIVERY_LEASE_TIMEOUT"
	EnvDeliverySendTimeout = "NEWSLETTER_DELIVERY_SEND_TIMEOUT"

	EnvEmailProvider = "NEWSLETTER_EMAIL_PROVIDER"
	EnvEmailSender   = "NEWSLETTER_EMAIL_SENDER"
	EnvEmailAPIKey   = "NEWSLETTER_EMAIL_API_KEY"
	EnvEmailBaseURL  = "NEWSLETTER_EMAIL_BASE_URL"

	EnvGCPProjectID       = "NEWSLETTER_GCP_PROJECT_ID"
	EnvPubSubDropTopic    = "NEWSLETTER_PUBSUB_DELIVERY_DROP_TOPIC"
	EnvPubSubEmulatorHost = "PUBSUB_EMULATOR_HOST"

	EmailProviderResend   = "resend"
	EmailProviderPostmark = "postmark"
	EmailProviderNoop     = "noop"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
