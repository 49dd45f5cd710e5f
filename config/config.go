package config

import "time"

// Config holds every tunable for the orchestrator process: the admin HTTP
// surface, Postgres, Redis (task queue, event bus, engine registry, locks),
// the scheduler/reconciler loops, and tracing export.
type Config struct {
	AppName                       string `env:"APP_NAME" env-default:"dalston-orchestrator"`
	Port                          int    `env:"PORT" env-default:"3100"`
	LogLevel                      string `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs                    bool   `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int    `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerReadTimeoutSeconds  int    `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int    `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"10"`
	StartupMaxAttempts            int    `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`

	// Database
	DatabaseDriver                 string        `env:"DB_DRIVER" env-default:"postgres"`
	DatabaseHost                   string        `env:"DB_HOST" env-default:""`
	DatabasePort                   string        `env:"DB_PORT" env-default:"5432"`
	DatabaseUserName               string        `env:"DB_USER_NAME" env-default:""`
	DatabasePassword               string        `env:"DB_PASSWORD" env-default:""`
	DatabaseName                   string        `env:"DB_NAME" env-default:"dalston"`
	DatabaseSSLMode                string        `env:"DB_SSL_MODE" env-default:"disable"`
	DatabaseMaxOpenConns           int           `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	DatabaseMaxIdleConns           int           `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	DatabaseConnMaxLifetime        time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"10s"`
	DatabaseMigrationFolderPath    string        `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/migrations"`
	DatabaseMigrationVersion       int           `env:"DB_MIGRATION_VERSION" env-default:"0"`
	DatabaseMigrationForce         int           `env:"DB_MIGRATION_FORCE" env-default:"0"`
	DatabaseMigrationAutoRollback  bool          `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	// Redis — backs the task queue, event bus, engine registry and locks (§4.2-4.7)
	RedisHost     string `env:"REDIS_HOST" env-default:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" env-default:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD" env-default:""`
	RedisDB       int    `env:"REDIS_DB" env-default:"0"`

	// Task queue (§4.2)
	TaskStreamPrefix       string        `env:"TASK_STREAM_PREFIX" env-default:"dalston:stream:"`
	TaskConsumerGroup      string        `env:"TASK_CONSUMER_GROUP" env-default:"engines"`
	TaskStaleThreshold     time.Duration `env:"TASK_STALE_THRESHOLD" env-default:"10m"`
	TaskIdempotencyKeyTTL  time.Duration `env:"TASK_IDEMPOTENCY_KEY_TTL" env-default:"1h"`

	// Event bus (§4.3)
	EventBusChannel       string `env:"EVENT_BUS_CHANNEL" env-default:"dalston:events"`
	EventBusStream        string `env:"EVENT_BUS_STREAM" env-default:"dalston:events:durable"`
	EventBusConsumerGroup string `env:"EVENT_BUS_CONSUMER_GROUP" env-default:"orchestrators"`
	EventBusStreamMaxLen  int64  `env:"EVENT_BUS_STREAM_MAX_LEN" env-default:"100000"`
	EventBusRetention     time.Duration `env:"EVENT_BUS_RETENTION" env-default:"24h"`

	// Engine registry (§4.1)
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" env-default:"20s"`
	HeartbeatTTL      time.Duration `env:"HEARTBEAT_TTL" env-default:"60s"`

	// Reconciler (§4.7)
	ReconcilerEnabled      bool          `env:"RECONCILER_ENABLED" env-default:"true"`
	ReconcilerInterval     time.Duration `env:"RECONCILER_INTERVAL" env-default:"5m"`
	ReconcilerLockTTL      time.Duration `env:"RECONCILER_LOCK_TTL" env-default:"4m"`
	ReconcilerOrphanRetries int          `env:"RECONCILER_ORPHAN_RETRIES" env-default:"6"`

	// Consumer name in the durable-event-stream consumer group; the hostname when empty
	ConsumerName string `env:"CONSUMER_NAME" env-default:""`

	// Tracing
	OTLPEnabled  bool   `env:"OTLP_ENABLED" env-default:"false"`
	OTLPEndpoint string `env:"OTLP_ENDPOINT" env-default:"localhost:4317"`
	OTLPProtocol string `env:"OTLP_PROTOCOL" env-default:"grpc"`
	OTLPInsecure bool   `env:"OTLP_INSECURE" env-default:"true"`

	// Admin API auth toggle — the tenant always comes from X-Tenant-Id; a missing
	// header is answered 401 when true and 400 when false (the public gateway's
	// own auth is out of scope; see SPEC_FULL.md).
	AuthEnabled bool `env:"AUTH_ENABLED" env-default:"false"`

	// Admin API (§6 Gateway->core contract)
	JobMaxRetries           int `env:"JOB_MAX_RETRIES" env-default:"3"`
	TenantMaxConcurrentJobs int `env:"TENANT_MAX_CONCURRENT_JOBS" env-default:"100"`
}
