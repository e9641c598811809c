package session

import (
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

func TestLoadConfigFromEnv_MissingKeys(t *testing.T) {
	t.Setenv("DRAFTSYNC_PASETO_V4_SECRET_KEY_HEX", "")
	t.Setenv("DRAFTSYNC_PASETO_V4_PUBLIC_KEY_HEX", "")
	_, err := LoadConfigFromEnv()
	if err != ErrConfig {
		t.Fatalf("expected ErrConfig on missing keys, got %v", err)
	}
}

func TestLoadConfigFromEnv_InvalidDurations(t *testing.T) {
	secret := paseto.NewV4AsymmetricSecretKey()
	t.Setenv("DRAFTSYNC_PASETO_V4_SECRET_KEY_HEX", secret.ExportHex())

	cases := []struct {
		key, val string
	}{
		{"DRAFTSYNC_AUTH_ACCESS_TTL", "-5m"},
		{"DRAFTSYNC_AUTH_ACCESS_TTL", "soon"},
		{"DRAFTSYNC_AUTH_CLOCK_SKEW", "-1s"},
	}
	for _, tc := range cases {
		t.Run(tc.key+"="+tc.val, func(t *testing.T) {
			t.Setenv(tc.key, tc.val)
			if _, err := LoadConfigFromEnv(); err != ErrConfig {
				t.Fatalf("expected ErrConfig, got %v", err)
			}
		})
	}
}

func TestLoadConfigFromEnv_PublicKeyOnly(t *testing.T) {
	secret := paseto.NewV4AsymmetricSecretKey()
	t.Setenv("DRAFTSYNC_PASETO_V4_SECRET_KEY_HEX", "")
	t.Setenv("DRAFTSYNC_PASETO_V4_PUBLIC_KEY_HEX", secret.Public().ExportHex())

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PasetoV4PublicKeyHex == "" {
		t.Fatalf("public key not loaded")
	}
}

func TestLoadConfigFromEnv_Valid(t *testing.T) {
	secret := paseto.NewV4AsymmetricSecretKey()
	t.Setenv("DRAFTSYNC_PASETO_V4_SECRET_KEY_HEX", secret.ExportHex())
	t.Setenv("DRAFTSYNC_AUTH_ISSUER", "draftsync-test")
	t.Setenv("DRAFTSYNC_AUTH_ACCESS_TTL", "10m")
	t.Setenv("DRAFTSYNC_AUTH_CLOCK_SKEW", "20s")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Issuer != "draftsync-test" {
		t.Fatalf("issuer mismatch: %q", cfg.Issuer)
	}
	if cfg.AccessTokenTTL != 10*time.Minute {
		t.Fatalf("access ttl mismatch: %v", cfg.AccessTokenTTL)
	}
	if cfg.ClockSkew != 20*time.Second {
		t.Fatalf("clock skew mismatch: %v", cfg.ClockSkew)
	}
}
