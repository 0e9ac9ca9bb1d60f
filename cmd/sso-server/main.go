// Command sso-server runs the SAML service provider: it initiates logins at
// the configured IdP, validates the responses posted back and answers with
// signed session token pairs.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"gopkg.in/yaml.v2"

	"github.com/ciathena/sso/handler"
	"github.com/ciathena/sso/saml"
	"github.com/ciathena/sso/saml/models/core"
	"github.com/ciathena/sso/token"
)

const (
	defaultPort          = "8000"
	shutdownGracePeriod  = 10 * time.Second
	replaySweepInterval  = time.Minute
	readHeaderTimeout    = 5 * time.Second
	handlerWriteTimeout  = 15 * time.Second
	defaultTokenIssuer   = "sso-server"
	defaultTokenAudience = "sso-clients"
)

// serverConfig is read from an optional YAML file and overridden by
// environment variables.
type serverConfig struct {
	Port string `yaml:"port"`

	SP struct {
		EntityID string `yaml:"entity_id"`
		ACSURL   string `yaml:"acs_url"`
	} `yaml:"sp"`

	IdP struct {
		EntityID    string `yaml:"entity_id"`
		SSOURL      string `yaml:"sso_url"`
		CertFile    string `yaml:"cert_file"`
		MetadataURL string `yaml:"metadata_url"`
	} `yaml:"idp"`

	Token struct {
		Secret   string `yaml:"secret"`
		Issuer   string `yaml:"issuer"`
		Audience string `yaml:"audience"`
	} `yaml:"token"`

	// TestUserEmail seeds the static principal directory.
	TestUserEmail string `yaml:"test_user_email"`
}

func loadConfig() (*serverConfig, error) {
	cfg := &serverConfig{}

	if path := os.Getenv("SSO_CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %q: %w", path, err)
		}
	}

	override(&cfg.Port, "PORT")
	override(&cfg.SP.EntityID, "SAML_SP_ENTITY_ID")
	override(&cfg.SP.ACSURL, "SAML_SP_ACS_URL")
	override(&cfg.IdP.EntityID, "SAML_IDP_ENTITY_ID")
	override(&cfg.IdP.SSOURL, "SAML_IDP_SSO_URL")
	override(&cfg.IdP.CertFile, "SAML_IDP_CERT_FILE")
	override(&cfg.IdP.MetadataURL, "SAML_IDP_METADATA_URL")
	override(&cfg.Token.Secret, "TOKEN_SECRET")
	override(&cfg.Token.Issuer, "TOKEN_ISSUER")
	override(&cfg.Token.Audience, "TOKEN_AUDIENCE")
	override(&cfg.TestUserEmail, "TEST_USER_EMAIL")

	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if cfg.Token.Issuer == "" {
		cfg.Token.Issuer = defaultTokenIssuer
	}
	if cfg.Token.Audience == "" {
		cfg.Token.Audience = defaultTokenAudience
	}

	var result *multierror.Error
	if cfg.SP.EntityID == "" {
		result = multierror.Append(result, errors.New("SP entity ID not set"))
	}
	if cfg.SP.ACSURL == "" {
		result = multierror.Append(result, errors.New("SP ACS URL not set"))
	}
	if cfg.IdP.MetadataURL == "" {
		if cfg.IdP.EntityID == "" {
			result = multierror.Append(result, errors.New("IdP entity ID not set"))
		}
		if cfg.IdP.SSOURL == "" {
			result = multierror.Append(result, errors.New("IdP SSO URL not set"))
		}
		if cfg.IdP.CertFile == "" {
			result = multierror.Append(result, errors.New("IdP certificate file not set"))
		}
	}
	if cfg.Token.Secret == "" {
		result = multierror.Append(result, errors.New("token secret not set"))
	}
	if cfg.TestUserEmail == "" {
		result = multierror.Append(result, errors.New("test user email not set"))
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func override(target *string, env string) {
	if v := os.Getenv(env); v != "" {
		*target = v
	}
}

func buildProvider(ctx context.Context, cfg *serverConfig) (*saml.ServiceProvider, error) {
	if cfg.IdP.MetadataURL != "" {
		ed, err := saml.FetchIdPMetadata(ctx, cfg.IdP.MetadataURL)
		if err != nil {
			return nil, err
		}

		entityID, err := url.Parse(cfg.SP.EntityID)
		if err != nil {
			return nil, fmt.Errorf("cannot parse SP entity ID: %w", err)
		}
		acsURL, err := url.Parse(cfg.SP.ACSURL)
		if err != nil {
			return nil, fmt.Errorf("cannot parse SP ACS URL: %w", err)
		}

		spCfg := &saml.Config{
			EntityID:                    entityID,
			AssertionConsumerServiceURL: acsURL,
			WantAssertionsSigned:        true,
			ClockSkew:                   saml.DefaultClockSkew,
			AuthnRequestTTL:             saml.DefaultAuthnRequestTTL,
			NameIDFormat:                core.NameIDFormatEmail,
			GenerateAuthRequestID:       saml.GenerateAuthRequestID,
		}
		if err := saml.ConfigFromIdPMetadata(spCfg, ed); err != nil {
			return nil, err
		}

		return saml.NewServiceProvider(spCfg)
	}

	certPEM, err := os.ReadFile(cfg.IdP.CertFile)
	if err != nil {
		return nil, fmt.Errorf("cannot read IdP certificate: %w", err)
	}

	spCfg, err := saml.NewConfig(cfg.SP.EntityID, cfg.SP.ACSURL, cfg.IdP.EntityID, cfg.IdP.SSOURL, certPEM)
	if err != nil {
		return nil, err
	}

	return saml.NewServiceProvider(spCfg)
}

func run() error {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "sso-server",
		Level: hclog.LevelFromString(os.Getenv("LOG_LEVEL")),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	sp, err := buildProvider(ctx, cfg)
	if err != nil {
		return fmt.Errorf("cannot build service provider: %w", err)
	}

	directory := token.NewStaticDirectory(&token.Principal{
		ID:    "test-user",
		Email: cfg.TestUserEmail,
	})

	issuer, err := token.NewIssuer([]byte(cfg.Token.Secret), cfg.Token.Issuer, cfg.Token.Audience, directory)
	if err != nil {
		return fmt.Errorf("cannot build token issuer: %w", err)
	}

	sp.ReplayCache().StartSweeping(ctx, clockwork.NewRealClock(), replaySweepInterval)

	mux := http.NewServeMux()
	mux.HandleFunc("/login", handler.Login(logger.Named("login"), sp))
	mux.HandleFunc("/acs", handler.ACS(logger.Named("acs"), sp, issuer))
	mux.HandleFunc("/refresh", handler.Refresh(logger.Named("refresh"), issuer))
	mux.HandleFunc("/metadata", handler.Metadata(logger.Named("metadata"), sp))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok"}`)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      handlerWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr, "entity_id", cfg.SP.EntityID)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	return nil
}

func main() {
	if err := run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintln(os.Stderr, "sso-server:", err)
		os.Exit(1)
	}
}
