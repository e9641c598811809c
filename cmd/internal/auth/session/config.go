package session

import (
	"os"
	"strings"
	"time"
)

// Config defines the runtime configuration for access-token handling.
type Config struct {
	// Issuer is the required value of the "iss" claim.
	Issuer string

	// AccessTokenTTL defines the lifetime of issued tokens (dev/test issuing only).
	AccessTokenTTL time.Duration

	// ClockSkew defines the allowed time skew during token validation.
	ClockSkew time.Duration

	// PasetoV4PublicKeyHex is the hex-encoded Ed25519 public key used to verify tokens.
	PasetoV4PublicKeyHex string

	// PasetoV4SecretKeyHex optionally enables issuing. When set, the public key is derived from it.
	PasetoV4SecretKeyHex string
}

// DefaultConfig returns defaults suitable for development.
func DefaultConfig() Config {
	return Config{
		Issuer:         "draftsync",
		AccessTokenTTL: 15 * time.Minute,
		ClockSkew:      30 * time.Second,
	}
}

// LoadConfigFromEnv loads token configuration from environment variables.
//
// One of these is required:
//   - DRAFTSYNC_PASETO_V4_PUBLIC_KEY_HEX
//   - DRAFTSYNC_PASETO_V4_SECRET_KEY_HEX
//
// Optional (durations must be valid Go duration strings):
//   - DRAFTSYNC_AUTH_ISSUER
//   - DRAFTSYNC_AUTH_ACCESS_TTL
//   - DRAFTSYNC_AUTH_CLOCK_SKEW
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("DRAFTSYNC_AUTH_ISSUER")); v != "" {
		cfg.Issuer = v
	}

	if v := os.Getenv("DRAFTSYNC_AUTH_ACCESS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.AccessTokenTTL = d
	}

	if v := os.Getenv("DRAFTSYNC_AUTH_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}

	cfg.PasetoV4PublicKeyHex = strings.TrimSpace(os.Getenv("DRAFTSYNC_PASETO_V4_PUBLIC_KEY_HEX"))
	cfg.PasetoV4SecretKeyHex = strings.TrimSpace(os.Getenv("DRAFTSYNC_PASETO_V4_SECRET_KEY_HEX"))
	if cfg.PasetoV4PublicKeyHex == "" && cfg.PasetoV4SecretKeyHex == "" {
		return Config{}, ErrConfig
	}

	return cfg, nil
}
