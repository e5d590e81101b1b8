// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

func resolveAbs(p string) (string, error) {
	return filepath.Abs(p)
}

// DatabaseConfig describes how to reach Postgres.
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSL      string
	// RawURL, when non-empty, is returned by URL() unchanged: the
	// DATABASE_URL environment override.
	RawURL string
}

// URL renders the postgres connection string consumed by pgxpool and by
// golang-migrate's database/sql driver alike. RawURL, when set, wins
// outright.
func (d DatabaseConfig) URL() string {
	if d.RawURL != "" {
		return d.RawURL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSL)
}

// WorkerConfig governs lease timing and loop cadence for long-lived workers.
type WorkerConfig struct {
	// WorkerID defaults to the hostname when unset.
	WorkerID string
	// LeaseSeconds is the default claim lease duration (default 300s).
	LeaseSeconds int
	// HeartbeatInterval is how often the worker writes last_seen_at.
	HeartbeatInterval time.Duration
	// IdlePoll is the sleep between process_task calls when nothing was done.
	IdlePoll time.Duration
	// BatchSize bounds how many assets an AI worker claims per cycle.
	BatchSize int
	// SchemaVersion is the compiled schema_version constant workers require.
	SchemaVersion string
}

// MaintenanceConfig governs the housekeeping service's thresholds.
type MaintenanceConfig struct {
	StaleWorkerAge    time.Duration
	TempFileAge       time.Duration
	DataFileAgeFloor  time.Duration
	HeartbeatFreshFor time.Duration
}

// VisionConfig selects and configures the vision-model capability.
type VisionConfig struct {
	// Provider selects the eino chat-model backend: "ark", "openai", or "deepseek".
	Provider string
	APIKey   string
	BaseURL  string
	Model    string
}

// AppConfig is the top-level, explicitly-constructed configuration object.
// It is never a package-level singleton; main() builds one and passes it
// down through constructors.
type AppConfig struct {
	DB          DatabaseConfig
	Worker      WorkerConfig
	Maintenance MaintenanceConfig
	Vision      VisionConfig
	DataDir     string
	HTTPAddr    string
}

// IsDevelopmentMode reports whether SERVER_ENV indicates a non-production run.
func IsDevelopmentMode() bool {
	env := strings.ToLower(os.Getenv("SERVER_ENV"))
	return env == "" || env == "dev" || env == "development"
}

// LoadEnvironment loads the .env file appropriate to SERVER_ENV, if present.
// Missing .env files are not an error: production deployments configure
// purely through the real environment.
func LoadEnvironment() {
	envFile := ".env"
	if !IsDevelopmentMode() {
		envFile = ".env.production"
	}
	if custom := os.Getenv("WORKER_CONFIG"); custom != "" {
		envFile = custom
	}
	_ = godotenv.Load(envFile)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// LoadDBConfig resolves DatabaseConfig, preferring an explicit DATABASE_URL
// only when no discrete host/port/user config is supplied: an operator who
// set DB_HOST et al. wins over a stale DATABASE_URL left in the
// environment.
func LoadDBConfig() DatabaseConfig {
	devDefault := IsDevelopmentMode()
	hostDefault := "localhost"
	if !devDefault {
		hostDefault = "db"
	}
	cfg := DatabaseConfig{
		Host:     getenv("DB_HOST", hostDefault),
		Port:     getenv("DB_PORT", "5432"),
		User:     getenv("DB_USER", "postgres"),
		Password: getenv("DB_PASSWORD", "postgres"),
		DBName:   getenv("DB_NAME", "mediaindex"),
		SSL:      getenv("DB_SSLMODE", "disable"),
	}

	discreteSet := os.Getenv("DB_HOST") != "" || os.Getenv("DB_PORT") != "" ||
		os.Getenv("DB_USER") != "" || os.Getenv("DB_PASSWORD") != "" || os.Getenv("DB_NAME") != ""
	if url := os.Getenv("DATABASE_URL"); url != "" && !discreteSet {
		cfg.RawURL = url
	}
	return cfg
}

func defaultWorkerID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown-worker"
	}
	return hostname
}

// LoadWorkerConfig resolves WorkerConfig from the environment.
func LoadWorkerConfig() WorkerConfig {
	return WorkerConfig{
		WorkerID:          defaultWorkerID(),
		LeaseSeconds:      getenvInt("WORKER_LEASE_SECONDS", 300),
		HeartbeatInterval: getenvDuration("WORKER_HEARTBEAT_INTERVAL", 15*time.Second),
		IdlePoll:          getenvDuration("WORKER_IDLE_POLL", 2*time.Second),
		BatchSize:         getenvInt("WORKER_BATCH_SIZE", 8),
		SchemaVersion:     getenv("WORKER_SCHEMA_VERSION", "2026.1"),
	}
}

// LoadMaintenanceConfig resolves MaintenanceConfig from the environment.
func LoadMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		StaleWorkerAge:    getenvDuration("MAINT_STALE_WORKER_AGE", 24*time.Hour),
		TempFileAge:       getenvDuration("MAINT_TEMP_FILE_AGE", 4*time.Hour),
		DataFileAgeFloor:  getenvDuration("MAINT_DATA_FILE_AGE_FLOOR", 15*time.Minute),
		HeartbeatFreshFor: getenvDuration("MAINT_HEARTBEAT_FRESH_FOR", 60*time.Second),
	}
}

// LoadVisionConfig resolves VisionConfig from the environment.
func LoadVisionConfig() VisionConfig {
	return VisionConfig{
		Provider: getenv("VISION_PROVIDER", "ark"),
		APIKey:   os.Getenv("VISION_API_KEY"),
		BaseURL:  os.Getenv("VISION_BASE_URL"),
		Model:    getenv("VISION_MODEL", "vision-default"),
	}
}

// resolveDataDir refuses a data_dir of "/" or the process's own working
// directory, so a misconfigured deployment can't point derivative writes
// at the filesystem root or the binary's own checkout.
func resolveDataDir() (string, error) {
	dir := getenv("MEDIA_SEARCH_DATA_DIR", "./data")
	if dir == "/" {
		return "", fmt.Errorf("config: data_dir must not be the filesystem root")
	}
	cwd, err := os.Getwd()
	if err == nil {
		if abs, err2 := resolveAbs(dir); err2 == nil {
			if cwdAbs, err3 := resolveAbs(cwd); err3 == nil && abs == cwdAbs {
				return "", fmt.Errorf("config: data_dir must not equal the process working directory")
			}
		}
	}
	return dir, nil
}

// Load builds the full AppConfig, loading a .env file first.
func Load() (*AppConfig, error) {
	LoadEnvironment()

	dataDir, err := resolveDataDir()
	if err != nil {
		return nil, err
	}

	return &AppConfig{
		DB:          LoadDBConfig(),
		Worker:      LoadWorkerConfig(),
		Maintenance: LoadMaintenanceConfig(),
		Vision:      LoadVisionConfig(),
		DataDir:     dataDir,
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
	}, nil
}
