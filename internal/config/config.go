// Package config loads the server configuration from the environment.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// ExternalURL is the public base URL wallets reach this verifier on.
	ExternalURL string `env:"EXTERNAL_URL" envDefault:"http://localhost:8080"`

	// WalletURL is the authority authorization request URLs are encoded
	// against for cross-device flows.
	WalletURL string `env:"WALLET_URL" envDefault:"openid4vp://authorize"`

	ClientID   string `env:"CLIENT_ID" envDefault:"x509_san_dns:localhost"`
	ClientName string `env:"CLIENT_NAME" envDefault:"OpenID4VP Verifier"`

	// Signing material for JAR request objects. When unset, an ephemeral
	// key and self-signed chain are generated at startup.
	SigningKeyPath  string `env:"SIGNING_KEY_PATH"`
	SigningCertPath string `env:"SIGNING_CERT_PATH"`

	// RootCertsDir holds the trusted issuer (IACA) root certificates for
	// mdoc verification.
	RootCertsDir          string `env:"ROOT_CERTS_DIR"`
	AllowSelfSignedIssuer bool   `env:"ALLOW_SELF_SIGNED_ISSUER" envDefault:"false"`

	SessionExpiresIn time.Duration `env:"SESSION_EXPIRES_IN" envDefault:"5m"`
	SessionRetainFor time.Duration `env:"SESSION_RETAIN_FOR" envDefault:"87600h"`
	SweepInterval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	StageTimeout     time.Duration `env:"STAGE_TIMEOUT" envDefault:"30s"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, errors.Wrap(err, "parse environment")
	}
	return &cfg, nil
}

// SessionURLPrefix is the absolute base of the per-session endpoints.
func (c *Config) SessionURLPrefix() string {
	return c.ExternalURL + "/verification-session"
}
