// Package config holds the engine configuration and workspace bootstrap.
//
// Configuration is read from environment variables with sensible defaults,
// mirroring the deployment story of the broker: a single long-running
// process configured through its environment.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the engine configuration.
type Config struct {
	// Port is the HTTP/websocket listen port
	Port string

	// Host is the listen address
	Host string

	// WorkspaceDir is the root directory for per-workspace state
	// (work dirs, .token, .pid, log files)
	WorkspaceDir string

	// JWTSecret signs internally-issued tokens (HS256).
	// When unset a random per-process secret is generated, which makes
	// all previously-minted internal tokens invalid after a restart.
	JWTSecret string

	// Auth0Domain is the external token issuer domain
	Auth0Domain string

	// Auth0Audience is the expected audience of external tokens
	Auth0Audience string

	// AllowOrigins is the CORS origin list ("*" allows all)
	AllowOrigins []string

	// NATSURL enables the lifecycle event mirror when set
	NATSURL string

	// S3Endpoint, S3AccessKey, S3SecretKey, S3Bucket configure the
	// object-store bridge; the bridge stays disabled without an endpoint
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string

	// ForceQuitTimeout is how long a plugin gets to acknowledge a
	// disconnect frame before its process group is killed
	ForceQuitTimeout time.Duration

	// CondaAvailable reports whether conda was found on PATH at startup
	CondaAvailable bool

	// CondaActivate is the activation command template ("%s" = env name)
	CondaActivate string

	// Freeze disables all dependency installation
	Freeze bool

	// LogLevel and LogPretty configure the logger
	LogLevel  string
	LogPretty bool
}

// FromEnv builds a Config from environment variables.
func FromEnv() *Config {
	cfg := &Config{
		Port:             getEnv("HIVEGATE_PORT", "9527"),
		Host:             getEnv("HIVEGATE_HOST", "127.0.0.1"),
		WorkspaceDir:     getEnv("WORKSPACE_DIR", "~/hivegate-workspace"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		Auth0Domain:      getEnv("AUTH0_DOMAIN", "hivegate.eu.auth0.com"),
		Auth0Audience:    getEnv("AUTH0_AUDIENCE", "https://hivegate.eu.auth0.com/api/v2/"),
		NATSURL:          os.Getenv("NATS_URL"),
		S3Endpoint:       os.Getenv("S3_ENDPOINT"),
		S3AccessKey:      os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:      os.Getenv("S3_SECRET_KEY"),
		S3Bucket:         getEnv("S3_BUCKET", "hivegate-workspaces"),
		ForceQuitTimeout: time.Duration(getEnvInt("FORCE_QUIT_TIMEOUT", 5)) * time.Second,
		Freeze:           getEnv("HIVEGATE_FREEZE", "false") == "true",
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogPretty:        getEnv("LOG_PRETTY", "false") == "true",
	}
	cfg.AllowOrigins = strings.Split(getEnv("ALLOW_ORIGINS", "*"), ",")
	if cfg.JWTSecret == "" {
		// Random per-process secret: internal tokens do not survive a
		// restart unless JWT_SECRET is pinned.
		cfg.JWTSecret = randomSecret()
	}
	return cfg
}

// HasJWTSecretPinned reports whether JWT_SECRET was provided externally.
func HasJWTSecretPinned() bool {
	return os.Getenv("JWT_SECRET") != ""
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}
