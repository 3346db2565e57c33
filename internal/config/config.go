package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ErrConfiguration marks a deployment that is missing a secret or collaborator.
var ErrConfiguration = errors.New("config: configuration error")

const minTokenSecretLen = 32

// Config holds every deployment setting of the API process.
type Config struct {
	ServiceName string `env:"CODECANVAS_SERVICE_NAME" envDefault:"codecanvas-api"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	DevMode     bool   `env:"CODECANVAS_DEV_MODE" envDefault:"false"`

	HTTPAddr string `env:"CODECANVAS_HTTP_ADDR" envDefault:":8080"`
	GRPCAddr string `env:"CODECANVAS_GRPC_ADDR" envDefault:":9090"`

	PostgresDSN  string        `env:"CODECANVAS_PG_DSN"`
	RedisURL     string        `env:"CODECANVAS_REDIS_URL"`
	StoreTimeout time.Duration `env:"CODECANVAS_STORE_TIMEOUT" envDefault:"5s"`

	TokenSecret          string        `env:"CODECANVAS_TOKEN_SECRET"`
	TokenIssuer          string        `env:"CODECANVAS_TOKEN_ISSUER" envDefault:"codecanvas"`
	TokenAudience        string        `env:"CODECANVAS_TOKEN_AUDIENCE" envDefault:"codecanvas-extension"`
	AccessTTL            time.Duration `env:"CODECANVAS_ACCESS_TTL" envDefault:"1h"`
	RefreshTTL           time.Duration `env:"CODECANVAS_REFRESH_TTL" envDefault:"720h"`
	ExtensionTokenMonths int           `env:"CODECANVAS_EXTENSION_TOKEN_MONTHS" envDefault:"4"`
	ExchangeTTL          time.Duration `env:"CODECANVAS_EXCHANGE_TTL" envDefault:"10m"`
	SignInURL            string        `env:"CODECANVAS_SIGNIN_URL" envDefault:"http://localhost:3000/extension/sign-in"`

	IdPJWKSURL  string `env:"CODECANVAS_IDP_JWKS_URL"`
	IdPIssuer   string `env:"CODECANVAS_IDP_ISSUER"`
	IdPAudience string `env:"CODECANVAS_IDP_AUDIENCE"`

	CreditsPerUnit int64  `env:"CODECANVAS_CREDITS_PER_UNIT" envDefault:"100"`
	Currency       string `env:"CODECANVAS_CURRENCY" envDefault:"USD"`

	SweepSchedule string `env:"CODECANVAS_SWEEP_SCHEDULE" envDefault:"@every 5m"`
	InternalToken string `env:"CODECANVAS_INTERNAL_TOKEN"`

	OTLPEndpoint string `env:"CODECANVAS_OTLP_ENDPOINT"`

	RateLimitBurst     int `env:"CODECANVAS_RATE_LIMIT_BURST" envDefault:"20"`
	RateLimitPerSecond int `env:"CODECANVAS_RATE_LIMIT_RPS" envDefault:"5"`

	CORSOrigins []string `env:"CODECANVAS_CORS_ORIGINS" envSeparator:","`
	// Peers allowed to set X-Forwarded-For / X-Real-IP. CIDRs or bare addresses.
	TrustedProxies []string `env:"CODECANVAS_TRUSTED_PROXIES" envSeparator:","`
}

// Load reads an optional .env file and then the process environment.
// Values already present in the environment win over the file.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		// missing files are fine; only the environment is authoritative
		_ = godotenv.Load(f)
	}
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate reports every missing or malformed setting in one error.
func (c *Config) Validate() error {
	var missing []string
	if c.TokenSecret == "" {
		missing = append(missing, "CODECANVAS_TOKEN_SECRET")
	}
	if !c.DevMode {
		if c.PostgresDSN == "" {
			missing = append(missing, "CODECANVAS_PG_DSN")
		}
		if c.IdPJWKSURL == "" {
			missing = append(missing, "CODECANVAS_IDP_JWKS_URL")
		}
		if c.InternalToken == "" {
			missing = append(missing, "CODECANVAS_INTERNAL_TOKEN")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required environment variables: %s", ErrConfiguration, strings.Join(missing, ", "))
	}

	var problems []string
	if len(c.TokenSecret) < minTokenSecretLen {
		problems = append(problems, fmt.Sprintf("CODECANVAS_TOKEN_SECRET must be at least %d bytes", minTokenSecretLen))
	}
	if c.AccessTTL <= 0 {
		problems = append(problems, "CODECANVAS_ACCESS_TTL must be positive")
	}
	if c.RefreshTTL <= 0 {
		problems = append(problems, "CODECANVAS_REFRESH_TTL must be positive")
	}
	if c.ExchangeTTL <= 0 {
		problems = append(problems, "CODECANVAS_EXCHANGE_TTL must be positive")
	}
	if c.ExtensionTokenMonths <= 0 {
		problems = append(problems, "CODECANVAS_EXTENSION_TOKEN_MONTHS must be positive")
	}
	if c.StoreTimeout <= 0 {
		problems = append(problems, "CODECANVAS_STORE_TIMEOUT must be positive")
	}
	if c.CreditsPerUnit <= 0 {
		problems = append(problems, "CODECANVAS_CREDITS_PER_UNIT must be positive")
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		problems = append(problems, "CODECANVAS_TRUSTED_PROXIES: "+err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address becomes a
// single-host prefix.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid prefix %q", raw)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q", raw)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
