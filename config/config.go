package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Session     SessionConfig
	Credentials CredentialsConfig
	Browser     BrowserConfig
	Capture     CaptureConfig
	Relay       RelayConfig
	Discovery   DiscoveryConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	JWT         JWTConfig
	AWS         AWSConfig
	Sink        SinkConfig
	Log         LogConfig
}

// SessionConfig controls one capture run.
type SessionConfig struct {
	RoomURL          string        // target room; empty = pick the most popular via discovery
	Discover         bool          // allow discovery when RoomURL is empty
	Follow           bool          // wait for a room announced by the monitor instead of discovering
	MaxDuration      time.Duration // 0 = until interrupted
	ProgressInterval time.Duration
	OutputDir        string // local backup directory
	SnapshotDir      string // diagnostic snapshots on failure
}

// CredentialsConfig holds the account used to join rooms. Never log it.
type CredentialsConfig struct {
	Username     string
	Password     string
	Verification string // optional secondary identifier (email/phone)
	Source       string // where the credentials came from, recorded on the session
}

func (c CredentialsConfig) String() string {
	return fmt.Sprintf("credentials(source=%s, username=%t, password=%t, verification=%t)",
		c.Source, c.Username != "", c.Password != "", c.Verification != "")
}

// BrowserConfig holds browser launch settings.
type BrowserConfig struct {
	ExecPath        string
	UserDataDir     string
	Headless        bool
	NoSandbox       bool
	Width           int
	Height          int
	UserAgent       string
	LoginURL        string
	ActionTimeout   time.Duration
	NavigateTimeout time.Duration
}

// CaptureConfig selects and tunes the audio source.
type CaptureConfig struct {
	Mode            string // auto | device | graph
	Recorder        string // ffmpeg or parec
	Device          string // recorder input device
	DrainInterval   time.Duration
	MaxRetries      int
	RetryDelay      time.Duration
	AllowUnverified bool // continue when no media element is discoverable
	QueueDepth      int
}

// RelayConfig holds the streaming sink connection settings.
type RelayConfig struct {
	Endpoint          string
	Token             string // static token; when empty and JWT secret is set a producer token is signed
	MaxReconnects     int
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	HeartbeatInterval time.Duration
	SendQueue         int
	Base64Audio       bool
}

// DiscoveryConfig holds room listing settings.
type DiscoveryConfig struct {
	ListingURL string
	Mode       string
	Language   string
	Query      string
	UseBrowser bool // render the listing in the browser instead of a plain GET
	Interval   time.Duration
	Timeout    time.Duration
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/spaces?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds relay token signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// AWSConfig holds AWS credentials and the backup bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	BackupsBucket        string
	PresignExpireMinutes int
	DeleteLocalBackups   bool // remove the local WAV once it is in the bucket
}

// SinkConfig holds relay sink HTTP server settings.
type SinkConfig struct {
	Port               string
	ReadTimeout        int
	OutputDir          string
	CORSAllowedOrigins string // comma-separated, or "*" for all
	RequireToken       bool
	OperatorKeyHash    string // bcrypt hash of the key that may mint relay tokens
	OperatorKey        string // plain key, hashed at startup when no hash is set
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level string
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

// Enabled reports whether a database was configured at all.
func (c DatabaseConfig) Enabled() bool {
	return c.URL != "" || c.Host != ""
}

// Enabled reports whether Redis was configured.
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Session: SessionConfig{
			RoomURL:          getEnv("SPACE_URL", ""),
			Discover:         getEnvBool("SESSION_DISCOVER", true),
			Follow:           getEnvBool("SESSION_FOLLOW", false),
			MaxDuration:      getEnvDuration("SESSION_MAX_DURATION", 0),
			ProgressInterval: getEnvDuration("SESSION_PROGRESS_INTERVAL", 30*time.Second),
			OutputDir:        getEnv("RECORDINGS_DIR", "recordings"),
			SnapshotDir:      getEnv("SNAPSHOT_DIR", "snapshots"),
		},
		Credentials: CredentialsConfig{
			Username:     getEnv("TWITTER_USERNAME", ""),
			Password:     getEnv("TWITTER_PASSWORD", ""),
			Verification: getEnv("TWITTER_VERIFICATION", ""),
			Source:       "env",
		},
		Browser: BrowserConfig{
			ExecPath:        getEnv("CHROME_PATH", ""),
			UserDataDir:     getEnv("CHROME_USER_DATA_DIR", ""),
			Headless:        getEnvBool("BROWSER_HEADLESS", true),
			NoSandbox:       getEnvBool("BROWSER_NO_SANDBOX", false),
			Width:           getEnvInt("BROWSER_WIDTH", 1280),
			Height:          getEnvInt("BROWSER_HEIGHT", 800),
			UserAgent:       getEnv("BROWSER_USER_AGENT", ""),
			LoginURL:        getEnv("TWITTER_LOGIN_URL", "https://twitter.com/i/flow/login"),
			ActionTimeout:   getEnvDuration("BROWSER_ACTION_TIMEOUT", 10*time.Second),
			NavigateTimeout: getEnvDuration("BROWSER_NAVIGATE_TIMEOUT", 30*time.Second),
		},
		Capture: CaptureConfig{
			Mode:            getEnv("CAPTURE_MODE", "auto"),
			Recorder:        getEnv("CAPTURE_RECORDER", "ffmpeg"),
			Device:          getEnv("CAPTURE_DEVICE", "default"),
			DrainInterval:   getEnvDuration("CAPTURE_DRAIN_INTERVAL", 250*time.Millisecond),
			MaxRetries:      getEnvInt("CAPTURE_MAX_RETRIES", 3),
			RetryDelay:      getEnvDuration("CAPTURE_RETRY_DELAY", 2*time.Second),
			AllowUnverified: getEnvBool("CAPTURE_ALLOW_UNVERIFIED", false),
			QueueDepth:      getEnvInt("CAPTURE_QUEUE_DEPTH", 100),
		},
		Relay: RelayConfig{
			Endpoint:          getEnv("RELAY_ENDPOINT", ""),
			Token:             getEnv("RELAY_TOKEN", ""),
			MaxReconnects:     getEnvInt("RELAY_MAX_RECONNECTS", 5),
			ReconnectDelay:    getEnvDuration("RELAY_RECONNECT_DELAY", 2*time.Second),
			MaxReconnectDelay: getEnvDuration("RELAY_MAX_RECONNECT_DELAY", 30*time.Second),
			HeartbeatInterval: getEnvDuration("RELAY_HEARTBEAT_INTERVAL", 30*time.Second),
			SendQueue:         getEnvInt("RELAY_SEND_QUEUE", 100),
			Base64Audio:       getEnvBool("RELAY_BASE64_AUDIO", false),
		},
		Discovery: DiscoveryConfig{
			ListingURL: getEnv("DISCOVERY_URL", "https://twitter.com/search"),
			Mode:       getEnv("DISCOVERY_MODE", "live"),
			Language:   getEnv("DISCOVERY_LANGUAGE", ""),
			Query:      getEnv("DISCOVERY_QUERY", ""),
			UseBrowser: getEnvBool("DISCOVERY_USE_BROWSER", true),
			Interval:   getEnvDuration("DISCOVERY_INTERVAL", time.Minute),
			Timeout:    getEnvDuration("DISCOVERY_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", ""),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "spaces"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", ""),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			BackupsBucket:        getEnv("AWS_S3_BACKUPS_BUCKET", "space-capture-backups"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
			DeleteLocalBackups:   getEnvBool("BACKUP_DELETE_LOCAL", false),
		},
		Sink: SinkConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			OutputDir:          getEnv("SINK_OUTPUT_DIR", "sink-recordings"),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
			RequireToken:       getEnvBool("SINK_REQUIRE_TOKEN", false),
			OperatorKeyHash:    getEnv("SINK_OPERATOR_KEY_HASH", ""),
			OperatorKey:        getEnv("SINK_OPERATOR_KEY", ""),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}
	return cfg, nil
}

// ConfigError reports a missing or invalid required input. It is fatal and
// never retried.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

// ValidateCapture checks the inputs a capture session cannot start without.
func (c *Config) ValidateCapture() error {
	if c.Credentials.Username == "" {
		return &ConfigError{Field: "TWITTER_USERNAME", Reason: "required"}
	}
	if c.Credentials.Password == "" {
		return &ConfigError{Field: "TWITTER_PASSWORD", Reason: "required"}
	}
	if c.Session.RoomURL == "" && !c.Session.Discover {
		return &ConfigError{Field: "SPACE_URL", Reason: "required when SESSION_DISCOVER is off"}
	}
	if c.Relay.Endpoint == "" {
		return &ConfigError{Field: "RELAY_ENDPOINT", Reason: "required"}
	}
	switch c.Capture.Mode {
	case "auto", "device", "graph":
	default:
		return &ConfigError{Field: "CAPTURE_MODE", Reason: fmt.Sprintf("unknown mode %q", c.Capture.Mode)}
	}
	if c.Session.MaxDuration < 0 {
		return &ConfigError{Field: "SESSION_MAX_DURATION", Reason: "must not be negative"}
	}
	return nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
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

// getEnvDuration accepts Go durations ("90s", "2m") or plain seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
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

// SplitTrim splits s on sep and drops empty entries.
func SplitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
