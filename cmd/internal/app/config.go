package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ShutdownTimeout   time.Duration

	// Storage selection: DatabaseURL wins, then SQLitePath, else in-memory.
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string
	SQLitePath  string

	// If true:
	// - /readyz returns 503 unless a database is configured and reachable.
	ReadinessRequireDB bool

	// If true, every collaboration request must carry a valid access token.
	RequireAuth bool

	// Persistence policy.
	CheckpointInterval time.Duration
	SaveTimeout        time.Duration
	SaveRetries        int

	// CORS policy for the plain HTTP endpoints (snapshot, health).
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("DRAFTSYNC_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("DRAFTSYNC_LOG_LEVEL", "info"),
		LogFormat: EnvString("DRAFTSYNC_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("DRAFTSYNC_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("DRAFTSYNC_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("DRAFTSYNC_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("DRAFTSYNC_HTTP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   EnvDuration("DRAFTSYNC_SHUTDOWN_TIMEOUT", 15*time.Second),

		MaxHeaderBytes: EnvInt("DRAFTSYNC_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("DRAFTSYNC_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("DRAFTSYNC_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("DRAFTSYNC_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("DRAFTSYNC_DB_SCHEMA", "draftsync"),
		SQLitePath:  EnvString("DRAFTSYNC_SQLITE_PATH", ""),

		ReadinessRequireDB: EnvBool("DRAFTSYNC_READINESS_REQUIRE_DB", false),

		RequireAuth: EnvBool("DRAFTSYNC_REQUIRE_AUTH", true),

		CheckpointInterval: EnvDuration("DRAFTSYNC_CHECKPOINT_INTERVAL", 30*time.Second),
		SaveTimeout:        EnvDuration("DRAFTSYNC_SAVE_TIMEOUT", 15*time.Second),
		SaveRetries:        EnvInt("DRAFTSYNC_SAVE_RETRIES", 3),

		CORSAllowedOrigins:   EnvCSV("DRAFTSYNC_CORS_ALLOWED_ORIGINS", "http://localhost:*,http://127.0.0.1:*"),
		CORSAllowCredentials: EnvBool("DRAFTSYNC_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("DRAFTSYNC_CORS_MAX_AGE_SECONDS", 600),
	}
}
