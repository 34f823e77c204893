package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/handlers"
	"github.com/sirupsen/logrus"

	"github.com/kokukuma/openid4vp-verifier/credential"
	"github.com/kokukuma/openid4vp-verifier/internal/config"
	"github.com/kokukuma/openid4vp-verifier/internal/cryptoroot"
	"github.com/kokukuma/openid4vp-verifier/internal/server"
	"github.com/kokukuma/openid4vp-verifier/mdoc"
	"github.com/kokukuma/openid4vp-verifier/notify"
	"github.com/kokukuma/openid4vp-verifier/openid4vp"
	"github.com/kokukuma/openid4vp-verifier/pkg/pki"
	"github.com/kokukuma/openid4vp-verifier/policy"
	"github.com/kokukuma/openid4vp-verifier/validator"
	"github.com/kokukuma/openid4vp-verifier/verifier"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.JSONFormatter{})

	key, x5c, err := signingMaterial(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("failed to prepare signing material")
	}

	var roots *x509.CertPool
	if cfg.RootCertsDir != "" {
		roots, err = pki.GetRootCertificates(cfg.RootCertsDir)
		if err != nil {
			logrus.WithError(err).Fatal("failed to load issuer root certificates")
		}
	}

	hub := notify.NewHub()
	sinks := verifier.MultiNotifier{hub, notify.NewWebhookSink()}
	store := verifier.NewMemoryStore(sinks, clock.New())

	mdocOpts := []mdoc.VerifierOption{}
	if cfg.AllowSelfSignedIssuer {
		mdocOpts = append(mdocOpts, mdoc.AllowSelfSignedCert())
	}

	keyResolver := validator.JWKSKeyResolver()
	dispatcher := validator.NewDispatcher()
	dispatcher.Register(credential.FormatJWTVCJSON, validator.NewJWTVCValidator(keyResolver))
	dispatcher.Register(credential.FormatDCSDJWT, validator.NewSDJWTValidator(keyResolver))
	dispatcher.Register(credential.FormatMSOMdoc, validator.NewMdocValidator(mdoc.NewVerifier(roots, mdocOpts...)))

	builder := verifier.NewBuilder(verifier.BuilderConfig{
		ClientID: cfg.ClientID,
		ClientMetadata: &openid4vp.ClientMetadata{
			ClientName: cfg.ClientName,
		},
		ExpiresIn: cfg.SessionExpiresIn,
		RetainFor: cfg.SessionRetainFor,
	}, policy.NewRegistry(nil), key, x5c)

	responseHandler := verifier.NewResponseHandler(store, dispatcher, verifier.QueryFulfillmentChecker{}, cfg.StageTimeout)

	srv := server.New(store, builder, responseHandler, hub,
		cfg.SessionURLPrefix(), cfg.WalletURL, cfg.ExternalURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go store.StartSweeper(ctx, cfg.SweepInterval)

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: cors(handlers.LoggingHandler(os.Stdout, srv.Router())),
	}

	go func() {
		logrus.WithField("addr", cfg.ListenAddr).Info("verification server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	logrus.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("graceful shutdown failed")
	}
}

// signingMaterial loads the configured key and certificate chain, or
// generates an ephemeral one.
func signingMaterial(cfg *config.Config) (*ecdsa.PrivateKey, []string, error) {
	if cfg.SigningKeyPath == "" {
		external, err := url.Parse(cfg.ExternalURL)
		if err != nil {
			return nil, nil, err
		}
		logrus.Warn("no signing key configured, generating an ephemeral one")
		return cryptoroot.GenECDSAKeys(external.Hostname())
	}

	key, err := pki.LoadECPrivateKey(cfg.SigningKeyPath)
	if err != nil {
		return nil, nil, err
	}
	chain, err := pki.LoadCertificateChain(cfg.SigningCertPath)
	if err != nil {
		return nil, nil, err
	}
	return key, pki.ChainToBase64(chain), nil
}
