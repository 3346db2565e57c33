package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CODECANVAS_TOKEN_SECRET", testSecret)

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, time.Hour, cfg.AccessTTL)
	assert.Equal(t, 10*time.Minute, cfg.ExchangeTTL)
	assert.Equal(t, 4, cfg.ExtensionTokenMonths)
	assert.Equal(t, int64(100), cfg.CreditsPerUnit)
	assert.Equal(t, "@every 5m", cfg.SweepSchedule)
}

func TestLoadDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	content := "CODECANVAS_HTTP_ADDR=:9999\nCODECANVAS_TOKEN_ISSUER=from-file\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("CODECANVAS_TOKEN_ISSUER", "from-env")
	// make sure the key loaded from the file is cleaned up afterwards
	t.Setenv("CODECANVAS_HTTP_ADDR", "")
	require.NoError(t, os.Unsetenv("CODECANVAS_HTTP_ADDR"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.HTTPAddr)
	assert.Equal(t, "from-env", cfg.TokenIssuer)
}

func TestValidateListsMissing(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
	for _, name := range []string{"CODECANVAS_TOKEN_SECRET", "CODECANVAS_PG_DSN", "CODECANVAS_IDP_JWKS_URL", "CODECANVAS_INTERNAL_TOKEN"} {
		assert.Contains(t, err.Error(), name)
	}
}

func TestValidateDevModeRelaxesCollaborators(t *testing.T) {
	cfg := validConfig()
	cfg.DevMode = true
	cfg.PostgresDSN = ""
	cfg.IdPJWKSURL = ""
	cfg.InternalToken = ""
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsShortSecret(t *testing.T) {
	cfg := validConfig()
	cfg.TokenSecret = "short"
	err := cfg.Validate()
	require.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "at least 32 bytes")
}

func TestTrustedProxyPrefixes(t *testing.T) {
	cfg := validConfig()
	cfg.TrustedProxies = []string{"10.0.0.0/8", " 192.168.1.7 ", "", "10.1.2.3/16"}
	got, err := cfg.TrustedProxyPrefixes()
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "10.0.0.0/8", got[0].String())
	assert.Equal(t, "192.168.1.7/32", got[1].String())
	assert.Equal(t, "10.1.0.0/16", got[2].String())

	cfg.TrustedProxies = []string{"not-an-ip"}
	err = cfg.Validate()
	require.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "CODECANVAS_TRUSTED_PROXIES")
}

func validConfig() *Config {
	return &Config{
		TokenSecret:          testSecret,
		PostgresDSN:          "postgres://localhost/codecanvas",
		IdPJWKSURL:           "https://idp.example.com/.well-known/jwks.json",
		InternalToken:        "internal",
		AccessTTL:            time.Hour,
		RefreshTTL:           720 * time.Hour,
		ExchangeTTL:          10 * time.Minute,
		ExtensionTokenMonths: 4,
		StoreTimeout:         5 * time.Second,
		CreditsPerUnit:       100,
	}
}
