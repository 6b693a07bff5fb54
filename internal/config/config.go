package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ServiceName string
	LogLevel    string
	MetricsAddr string

	// Control plane.
	CoreDatabaseURL     string
	HTTPListenAddr      string
	JWTSecret           string
	CORSOrigins         []string
	TLSCertFile         string
	TLSKeyFile          string
	WSPingInterval      time.Duration
	WSPingTimeout       time.Duration
	DBTestTimeout       time.Duration
	VerificationTimeout time.Duration

	// Google OAuth client. The control plane passes these to agents; agents
	// use their own values only when none were passed.
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURI  string

	// Agent.
	BackendURL        string
	BackendWSURL      string
	AgentToken        string
	AgentDataDir      string
	BackupStoragePath string
	AgentVersion      string
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	// StreamingBackups allows the dump-to-upload streaming path. When false
	// every backup is buffered on disk.
	StreamingBackups bool

	// TLS towards the control plane, used by the agent.
	BackendTLSCACert     string
	BackendTLSCert       string
	BackendTLSKey        string
	BackendTLSServerName string
}

func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", ""),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		MetricsAddr: getEnv("METRICS_ADDR", ""),

		CoreDatabaseURL: getEnv("CORE_DATABASE_URL", ""),
		HTTPListenAddr:  getEnv("HTTP_LISTEN_ADDR", ":8080"),
		JWTSecret:       getEnv("JWT_SECRET", ""),
		CORSOrigins:     splitList(getEnv("CORS_ORIGINS", "")),
		TLSCertFile:     getEnv("TLS_CERT_FILE", ""),
		TLSKeyFile:      getEnv("TLS_KEY_FILE", ""),

		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURI:  getEnv("GOOGLE_REDIRECT_URI", ""),

		BackendURL:        getEnv("BACKEND_URL", "http://localhost:8080"),
		BackendWSURL:      getEnv("BACKEND_WS_URL", ""),
		AgentToken:        getEnv("AGENT_TOKEN", ""),
		AgentDataDir:      getEnv("AGENT_DATA_DIR", defaultDataDir()),
		BackupStoragePath: getEnv("BACKUP_STORAGE_PATH", "./backups"),
		AgentVersion:      getEnv("AGENT_VERSION", "dev"),
		StreamingBackups:  getEnvBool("STREAMING_BACKUPS", true),

		BackendTLSCACert:     getEnv("BACKEND_TLS_CA_CERT", ""),
		BackendTLSCert:       getEnv("BACKEND_TLS_CERT", ""),
		BackendTLSKey:        getEnv("BACKEND_TLS_KEY", ""),
		BackendTLSServerName: getEnv("BACKEND_TLS_SERVER_NAME", ""),
	}

	var errs []error
	durations := []struct {
		dst      *time.Duration
		key      string
		fallback time.Duration
	}{
		{&cfg.WSPingInterval, "WS_PING_INTERVAL", 25 * time.Second},
		{&cfg.WSPingTimeout, "WS_PING_TIMEOUT", 5 * time.Minute},
		{&cfg.DBTestTimeout, "DB_TEST_TIMEOUT", 30 * time.Second},
		{&cfg.VerificationTimeout, "VERIFICATION_TIMEOUT", 15 * time.Minute},
		{&cfg.HeartbeatInterval, "HEARTBEAT_INTERVAL", 30 * time.Second},
		{&cfg.ReconnectDelay, "RECONNECT_DELAY", 5 * time.Second},
		{&cfg.ReconnectMaxDelay, "RECONNECT_MAX_DELAY", 60 * time.Second},
	}
	for _, d := range durations {
		v, err := getEnvDuration(d.key, d.fallback)
		if err != nil {
			errs = append(errs, err)
		}
		*d.dst = v
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if cfg.BackendWSURL == "" {
		cfg.BackendWSURL = wsURL(cfg.BackendURL)
	}

	return cfg, nil
}

// Validate checks that every key the named binary needs is present and
// reports all missing keys at once.
func (c *Config) Validate(binary string) error {
	var missing []string
	var problems []string

	switch binary {
	case "control-plane":
		if c.CoreDatabaseURL == "" {
			missing = append(missing, "CORE_DATABASE_URL")
		}
		if c.HTTPListenAddr == "" {
			missing = append(missing, "HTTP_LISTEN_ADDR")
		}
		if c.JWTSecret == "" {
			missing = append(missing, "JWT_SECRET")
		} else if len(c.JWTSecret) < 32 {
			problems = append(problems, "JWT_SECRET must be at least 32 bytes")
		}
		if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
			problems = append(problems, "TLS_CERT_FILE and TLS_KEY_FILE must both be set")
		}
	case "backup-agent":
		if c.BackendURL == "" {
			missing = append(missing, "BACKEND_URL")
		}
		if c.AgentToken == "" {
			missing = append(missing, "AGENT_TOKEN")
		}
		if c.AgentDataDir == "" {
			missing = append(missing, "AGENT_DATA_DIR")
		}
		if c.BackupStoragePath == "" {
			missing = append(missing, "BACKUP_STORAGE_PATH")
		}
		if (c.BackendTLSCert == "") != (c.BackendTLSKey == "") {
			problems = append(problems, "BACKEND_TLS_CERT and BACKEND_TLS_KEY must both be set")
		}
		if c.ReconnectMaxDelay < c.ReconnectDelay {
			problems = append(problems, "RECONNECT_MAX_DELAY must not be below RECONNECT_DELAY")
		}
	default:
		return fmt.Errorf("unknown binary %q", binary)
	}

	if len(missing) > 0 {
		problems = append([]string{"missing required config: " + strings.Join(missing, ", ")}, problems...)
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// wsURL derives the agent socket URL from the HTTP base URL.
func wsURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/v1/ws"
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + string(os.PathSeparator) + "dbvault-agent"
	}
	return ".dbvault-agent"
}
