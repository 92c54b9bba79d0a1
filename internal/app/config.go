package app

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Token store kinds.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

type Config struct {
	APIURL string `mapstructure:"PORTAL_API_URL"` // Required: REST base URL, e.g. https://portal.example/api
	WSURL  string `mapstructure:"PORTAL_WS_URL"`  // Optional: realtime base URL (default: derived from PORTAL_API_URL)

	Username  string `mapstructure:"PORTAL_USERNAME"`   // Optional: login when no stored session can be restored
	Password  string `mapstructure:"PORTAL_PASSWORD"`   // Optional: paired with PORTAL_USERNAME
	OTPSecret string `mapstructure:"PORTAL_OTP_SECRET"` // Optional: base32 TOTP secret for accounts with MFA

	Room int64 `mapstructure:"PORTAL_ROOM"` // Optional: room to enter and stream (default: none)

	TokenStore    string `mapstructure:"PORTAL_TOKEN_STORE"`     // Optional: memory, file or sqlite (default: file)
	TokenFile     string `mapstructure:"PORTAL_TOKEN_FILE"`      // Optional: sealed token file (default: ./portal.tokens)
	DatabaseFile  string `mapstructure:"PORTAL_DATABASE_FILE"`   // Optional: SQLite database (default: ./portal.db)
	MasterKey     string `mapstructure:"PORTAL_MASTER_KEY"`      // Optional: key material for sealing tokens at rest
	MasterKeyFile string `mapstructure:"PORTAL_MASTER_KEY_FILE"` // Optional: generated when PORTAL_MASTER_KEY is unset (default: ./portal.key)

	HTTPTimeout          time.Duration `mapstructure:"PORTAL_HTTP_TIMEOUT"`           // Optional: per request timeout (default: 10s)
	ProbeTimeout         time.Duration `mapstructure:"PORTAL_PROBE_TIMEOUT"`          // Optional: realtime probe timeout (default: 3s)
	ReconnectBaseDelay   time.Duration `mapstructure:"PORTAL_RECONNECT_BASE_DELAY"`   // Optional: linear reconnect step (default: 1s)
	ReconnectMaxAttempts int           `mapstructure:"PORTAL_RECONNECT_MAX_ATTEMPTS"` // Optional: reconnect bound (default: 5)
	PollInterval         time.Duration `mapstructure:"PORTAL_POLL_INTERVAL"`          // Optional: notification polling period (default: 30s)
	HousekeepingInterval time.Duration `mapstructure:"PORTAL_HOUSEKEEPING_INTERVAL"`  // Optional: sqlite expired token cleanup (default: 1h)

	Env       string `mapstructure:"ENV"`        // Environment (dev, staging, prod) (default: dev)
	LogLevel  string `mapstructure:"LOG_LEVEL"`  // Log level (debug, info, warn, error) (default: info)
	LogFormat string `mapstructure:"LOG_FORMAT"` // Log format (json, text) (default: text)
}

// LoadConfig reads .env (if present) and the environment. Env vars override
// .env.
func LoadConfig() (Config, error) {
	return loadConfig(".env")
}

func loadConfig(envFile string) (Config, error) {
	v := viper.New()

	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	_ = v.ReadInConfig() // a missing file is fine

	v.AutomaticEnv()

	v.SetDefault("PORTAL_API_URL", "")
	v.SetDefault("PORTAL_WS_URL", "")
	v.SetDefault("PORTAL_USERNAME", "")
	v.SetDefault("PORTAL_PASSWORD", "")
	v.SetDefault("PORTAL_OTP_SECRET", "")
	v.SetDefault("PORTAL_ROOM", 0)
	v.SetDefault("PORTAL_TOKEN_STORE", StoreFile)
	v.SetDefault("PORTAL_TOKEN_FILE", "portal.tokens")
	v.SetDefault("PORTAL_DATABASE_FILE", "portal.db")
	v.SetDefault("PORTAL_MASTER_KEY", "")
	v.SetDefault("PORTAL_MASTER_KEY_FILE", "portal.key")
	v.SetDefault("PORTAL_HTTP_TIMEOUT", "10s")
	v.SetDefault("PORTAL_PROBE_TIMEOUT", "3s")
	v.SetDefault("PORTAL_RECONNECT_BASE_DELAY", "1s")
	v.SetDefault("PORTAL_RECONNECT_MAX_ATTEMPTS", 5)
	v.SetDefault("PORTAL_POLL_INTERVAL", "30s")
	v.SetDefault("PORTAL_HOUSEKEEPING_INTERVAL", "1h")
	v.SetDefault("ENV", "dev")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.APIURL == "" {
		return errors.New("config: PORTAL_API_URL must be set")
	}
	if u, err := url.Parse(c.APIURL); err != nil || u.Host == "" {
		return fmt.Errorf("config: PORTAL_API_URL %q is not an absolute URL", c.APIURL)
	}

	switch strings.ToLower(c.TokenStore) {
	case StoreMemory, StoreFile, StoreSQLite:
	default:
		return fmt.Errorf("config: PORTAL_TOKEN_STORE must be memory, file or sqlite, got %q", c.TokenStore)
	}

	if (c.Username == "") != (c.Password == "") {
		return errors.New("config: PORTAL_USERNAME and PORTAL_PASSWORD must be set together")
	}
	if c.ReconnectMaxAttempts < 0 {
		return errors.New("config: PORTAL_RECONNECT_MAX_ATTEMPTS must not be negative")
	}
	return nil
}

// Profile names the stored session. Sessions are kept per backend.
func (c Config) Profile() string {
	return strings.TrimRight(c.APIURL, "/")
}
