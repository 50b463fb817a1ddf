package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/liverec/backend/pkg/storage"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Processes that can host the cron cleanup schedule.
const (
	ScheduleHostServer = "server"
	ScheduleHostWorker = "worker"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server          ServerConfig
	Database        DatabaseConfig
	Redis           RedisConfig
	VideoStorage    StorageConfig
	CoverStorage    StorageConfig
	RecordingEngine RecordingEngineConfig
	Worker          WorkerConfig
	Cleanup         CleanupConfig
	Webhook         WebhookConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         string
	ReadTimeout  int
	WriteTimeout int
	LogLevel     string
}

// DatabaseConfig selects PostgreSQL or an embedded SQLite file.
type DatabaseConfig struct {
	Driver     string
	URL        string // if set, used as-is (e.g. postgres://localhost:5432/recorder?sslmode=disable)
	Host       string
	Port       string
	User       string
	Password   string
	DBName     string
	SSLMode    string
	SQLitePath string
}

// RedisConfig holds Redis connection settings. An empty Addr disables Redis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a Redis address is configured.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// StorageConfig configures one object store.
type StorageConfig struct {
	Backend  string // s3 or local
	S3       storage.S3Config
	LocalDir string
	// MaxBytes bounds downloaded objects; only used for covers.
	MaxBytes int64
}

// RecordingEngineConfig describes where the engine writes its files.
type RecordingEngineConfig struct {
	BaseDir         string
	ContainerPrefix string
	ErrorWebhookURL string
	// Thumbnails grabs a poster frame with FFmpegPath when a recording reaches transmux without one.
	Thumbnails bool
	FFmpegPath string
}

// WorkerConfig tunes the upload worker.
type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
	MaxAttempts  int
	LeaseTimeout time.Duration
	// Embedded runs the worker pool inside the server process.
	Embedded bool
}

// CleanupConfig configures the retention sweep.
type CleanupConfig struct {
	DefaultRetentionDays int
	InternalToken        string
	Schedule             string
	ScheduleLimit        int
	// ScheduleHost names the one process that runs Schedule.
	ScheduleHost string
}

// WebhookConfig configures webhook delivery dedup.
type WebhookConfig struct {
	DedupTTL time.Duration
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	videoEndpoint := getEnv("VIDEO_STORAGE_S3_ENDPOINT", "")
	coverEndpoint := getEnv("COVER_STORAGE_S3_ENDPOINT", "")

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			ReadTimeout:  getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout: getEnvInt("WRITE_TIMEOUT_SEC", 30),
			LogLevel:     getEnv("LOG_LEVEL", "info"),
		},
		Database: DatabaseConfig{
			Driver:     strings.ToLower(getEnv("DATABASE_DRIVER", DriverPostgres)),
			URL:        getEnv("DATABASE_URL", ""),
			Host:       getEnv("DB_HOST", "localhost"),
			Port:       getEnv("DB_PORT", "5432"),
			User:       getEnv("DB_USER", "postgres"),
			Password:   getEnv("DB_PASSWORD", "postgres"),
			DBName:     getEnv("DB_NAME", "recorder"),
			SSLMode:    getEnv("DB_SSLMODE", "disable"),
			SQLitePath: getEnv("SQLITE_PATH", "data/recorder.db"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		VideoStorage: StorageConfig{
			Backend: strings.ToLower(getEnv("VIDEO_STORAGE_BACKEND", storage.BackendS3)),
			S3: storage.S3Config{
				Endpoint:        videoEndpoint,
				Region:          getEnv("VIDEO_STORAGE_S3_REGION", "us-east-1"),
				Bucket:          getEnv("VIDEO_STORAGE_S3_BUCKET", ""),
				AccessKeyID:     getEnv("VIDEO_STORAGE_S3_ACCESS_KEY_ID", ""),
				SecretAccessKey: getEnv("VIDEO_STORAGE_S3_SECRET_ACCESS_KEY", ""),
				KeyPrefix:       getEnv("VIDEO_STORAGE_S3_KEY_PREFIX", "recordings"),
				PathStyle:       getEnvBool("VIDEO_STORAGE_S3_PATH_STYLE", videoEndpoint != ""),
				Multipart: storage.MultipartConfig{
					Enabled:            getEnvBool("VIDEO_STORAGE_MULTIPART_ENABLED", true),
					ThresholdBytes:     getEnvInt64("VIDEO_STORAGE_MULTIPART_THRESHOLD_BYTES", 256*storage.MiB),
					PartSizeBytes:      getEnvInt64("VIDEO_STORAGE_MULTIPART_PART_SIZE_MB", 128) * storage.MiB,
					PerFileConcurrency: getEnvInt("VIDEO_STORAGE_MULTIPART_PER_FILE_CONCURRENCY", 4),
					GlobalConcurrency:  getEnvInt("VIDEO_STORAGE_MULTIPART_GLOBAL_CONCURRENCY", 8),
					MaxRetries:         getEnvInt("VIDEO_STORAGE_MULTIPART_MAX_RETRIES", 5),
					BackoffBase:        time.Duration(getEnvInt("VIDEO_STORAGE_MULTIPART_BACKOFF_BASE_MS", 500)) * time.Millisecond,
					BackoffMax:         time.Duration(getEnvInt("VIDEO_STORAGE_MULTIPART_BACKOFF_MAX_MS", 15000)) * time.Millisecond,
				},
			},
			LocalDir: getEnv("VIDEO_STORAGE_LOCAL_DIR", "data/videos"),
		},
		CoverStorage: StorageConfig{
			Backend: strings.ToLower(getEnv("COVER_STORAGE_BACKEND", storage.BackendS3)),
			S3: storage.S3Config{
				Endpoint:        coverEndpoint,
				Region:          getEnv("COVER_STORAGE_S3_REGION", "us-east-1"),
				Bucket:          getEnv("COVER_STORAGE_S3_BUCKET", "recording_cover"),
				AccessKeyID:     getEnv("COVER_STORAGE_S3_ACCESS_KEY_ID", ""),
				SecretAccessKey: getEnv("COVER_STORAGE_S3_SECRET_ACCESS_KEY", ""),
				KeyPrefix:       getEnv("COVER_STORAGE_S3_KEY_PREFIX", "recordings"),
				PathStyle:       getEnvBool("COVER_STORAGE_S3_PATH_STYLE", coverEndpoint != ""),
			},
			LocalDir: getEnv("COVER_STORAGE_LOCAL_DIR", "data/covers"),
			MaxBytes: getEnvInt64("COVER_MAX_BYTES", 10*storage.MiB),
		},
		RecordingEngine: RecordingEngineConfig{
			BaseDir:         getEnv("RECORDING_ENGINE_BASE_DIR", ""),
			ContainerPrefix: getEnv("RECORDING_ENGINE_CONTAINER_PREFIX", ""),
			ErrorWebhookURL: getEnv("RECORDING_ENGINE_ERROR_WEBHOOK_URL", ""),
			Thumbnails:      getEnvBool("RECORDING_THUMBNAILS_ENABLED", true),
			FFmpegPath:      getEnv("FFMPEG_PATH", "ffmpeg"),
		},
		Worker: WorkerConfig{
			Concurrency:  getEnvInt("WORKER_CONCURRENCY", 2),
			PollInterval: getEnvDuration("WORKER_POLL_INTERVAL", 5*time.Second),
			MaxAttempts:  getEnvInt("WORKER_MAX_ATTEMPTS", 5),
			LeaseTimeout: getEnvDuration("WORKER_LEASE_TIMEOUT", 30*time.Minute),
			Embedded:     getEnvBool("WORKER_EMBEDDED", false),
		},
		Cleanup: CleanupConfig{
			DefaultRetentionDays: getEnvInt("CLEANUP_DEFAULT_RETENTION_DAYS", 60),
			InternalToken:        strings.TrimSpace(os.Getenv("INTERNAL_CLEANUP_TOKEN")),
			Schedule:             getEnv("CLEANUP_SCHEDULE", ""),
			ScheduleLimit:        getEnvInt("CLEANUP_SCHEDULE_LIMIT", 0),
			ScheduleHost:         strings.ToLower(strings.TrimSpace(getEnv("CLEANUP_SCHEDULE_HOST", ScheduleHostServer))),
		},
		Webhook: WebhookConfig{
			DedupTTL: getEnvDuration("WEBHOOK_DEDUP_TTL", 24*time.Hour),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER %q: want postgres or sqlite", c.Database.Driver))
	}
	for name, s := range map[string]StorageConfig{"VIDEO": c.VideoStorage, "COVER": c.CoverStorage} {
		switch s.Backend {
		case storage.BackendS3, storage.BackendLocal:
		default:
			errs = append(errs, fmt.Errorf("%s_STORAGE_BACKEND %q: want s3 or local", name, s.Backend))
		}
	}
	mp := c.VideoStorage.S3.Multipart
	if mp.PartSizeBytes < storage.MinPartSize || mp.PartSizeBytes > storage.MaxPartSize {
		errs = append(errs, fmt.Errorf("VIDEO_STORAGE_MULTIPART_PART_SIZE_MB: %w", storage.ErrPartSizeOutOfRange))
	}
	if mp.PerFileConcurrency < 1 || mp.GlobalConcurrency < 1 {
		errs = append(errs, errors.New("multipart concurrency must be at least 1"))
	}
	if mp.MaxRetries < 0 {
		errs = append(errs, errors.New("VIDEO_STORAGE_MULTIPART_MAX_RETRIES must not be negative"))
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be at least 1"))
	}
	if c.Worker.MaxAttempts < 1 {
		errs = append(errs, errors.New("WORKER_MAX_ATTEMPTS must be at least 1"))
	}
	if c.Worker.PollInterval <= 0 || c.Worker.LeaseTimeout <= 0 {
		errs = append(errs, errors.New("WORKER_POLL_INTERVAL and WORKER_LEASE_TIMEOUT must be positive"))
	}
	switch c.Cleanup.ScheduleHost {
	case ScheduleHostServer, ScheduleHostWorker:
	default:
		errs = append(errs, fmt.Errorf("CLEANUP_SCHEDULE_HOST %q: want server or worker", c.Cleanup.ScheduleHost))
	}
	if c.CoverStorage.MaxBytes <= 0 {
		errs = append(errs, errors.New("COVER_MAX_BYTES must be positive"))
	}
	return errors.Join(errs...)
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
