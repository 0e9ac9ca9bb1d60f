package saml

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/url"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-uuid"

	"github.com/ciathena/sso/saml/models/core"
)

const (
	// DefaultClockSkew is the allowance applied to every time comparison to
	// absorb clock drift between the SP and the IdP.
	DefaultClockSkew = time.Minute

	// DefaultAuthnRequestTTL bounds how long an issued authentication
	// request remains correlatable with an IdP response.
	DefaultAuthnRequestTTL = 10 * time.Minute
)

type GenerateAuthRequestIDFunc func() (string, error)

// Config carries everything the service provider needs to initiate login and
// validate responses. It is constructed once at process start and treated as
// immutable afterwards.
type Config struct {
	// EntityID is the globally unique identifier of this service provider.
	// (required)
	EntityID *url.URL

	// AssertionConsumerServiceURL is the endpoint at the SP where the IdP
	// posts its authentication response. (required)
	AssertionConsumerServiceURL *url.URL

	// IdPEntityID is the globally unique identifier of the identity
	// provider. (required)
	IdPEntityID string

	// IdPSSOURL is the IdP's single sign-on endpoint for the HTTP-Redirect
	// binding. (required)
	IdPSSOURL *url.URL

	// IdPCertificate is the trusted signing certificate of the IdP. It is
	// the sole trust anchor for signature verification. (required)
	IdPCertificate *x509.Certificate

	// WantAssertionsSigned requires a verifying signature on the assertion
	// itself; a signed outer Response alone does not satisfy the policy.
	WantAssertionsSigned bool

	// InsecureAllowSHA1 admits RSA-SHA1 signatures and SHA-1 digests, which
	// some legacy IdPs still emit. Leave unset unless federation with such
	// an IdP is unavoidable.
	InsecureAllowSHA1 bool

	// ClockSkew is the tolerance applied to NotBefore/NotOnOrAfter checks.
	ClockSkew time.Duration

	// AuthnRequestTTL is the pending-request expiry window.
	AuthnRequestTTL time.Duration

	// NameIDFormat is requested from the IdP and published in SP metadata.
	NameIDFormat core.NameIDFormat

	// GenerateAuthRequestID generates an xsd:ID conform request ID.
	GenerateAuthRequestID GenerateAuthRequestIDFunc
}

// NewConfig creates a new SP Config from the given endpoint strings and the
// IdP signing certificate in PEM form.
func NewConfig(entityID, acs, idpEntityID, idpSSOURL string, idpCertPEM []byte) (*Config, error) {
	const op = "saml.NewConfig"

	entity, err := url.Parse(entityID)
	if err != nil {
		return nil, fmt.Errorf("%s: cannot parse entity ID: %w", op, err)
	}

	acsURL, err := url.Parse(acs)
	if err != nil {
		return nil, fmt.Errorf("%s: cannot parse ACS URL: %w", op, err)
	}

	ssoURL, err := url.Parse(idpSSOURL)
	if err != nil {
		return nil, fmt.Errorf("%s: cannot parse IdP SSO URL: %w", op, err)
	}

	cert, err := ParseCertificatePEM(idpCertPEM)
	if err != nil {
		return nil, fmt.Errorf("%s: cannot parse IdP certificate: %w", op, err)
	}

	cfg := &Config{
		EntityID:                    entity,
		AssertionConsumerServiceURL: acsURL,
		IdPEntityID:                 idpEntityID,
		IdPSSOURL:                   ssoURL,
		IdPCertificate:              cert,
		WantAssertionsSigned:        true,
		ClockSkew:                   DefaultClockSkew,
		AuthnRequestTTL:             DefaultAuthnRequestTTL,
		NameIDFormat:                core.NameIDFormatEmail,
		GenerateAuthRequestID:       GenerateAuthRequestID,
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid provider config: %w", op, err)
	}

	return cfg, nil
}

// Validate checks the configuration, reporting every problem found rather
// than only the first.
func (c *Config) Validate() error {
	const op = "saml.Config.Validate"

	var result *multierror.Error

	if c.EntityID == nil || c.EntityID.String() == "" {
		result = multierror.Append(result, fmt.Errorf("entity ID not set: %w", ErrInvalidParameter))
	}

	if c.AssertionConsumerServiceURL == nil || c.AssertionConsumerServiceURL.String() == "" {
		result = multierror.Append(result, fmt.Errorf("ACS URL not set: %w", ErrInvalidParameter))
	}

	if c.IdPEntityID == "" {
		result = multierror.Append(result, fmt.Errorf("IdP entity ID not set: %w", ErrInvalidParameter))
	}

	if c.IdPSSOURL == nil || c.IdPSSOURL.String() == "" {
		result = multierror.Append(result, fmt.Errorf("IdP SSO URL not set: %w", ErrInvalidParameter))
	}

	if c.IdPCertificate == nil {
		result = multierror.Append(result, fmt.Errorf("IdP certificate not set: %w", ErrInvalidParameter))
	}

	if c.ClockSkew < 0 {
		result = multierror.Append(result, fmt.Errorf("clock skew must not be negative: %w", ErrInvalidParameter))
	}

	if c.AuthnRequestTTL <= 0 {
		result = multierror.Append(result, fmt.Errorf("authn request TTL must be positive: %w", ErrInvalidParameter))
	}

	if c.GenerateAuthRequestID == nil {
		result = multierror.Append(result, fmt.Errorf("GenerateAuthRequestID func not provided: %w", ErrInvalidParameter))
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// GenerateAuthRequestID generates an xsd:ID conform request ID: a UUID
// prefixed with an underscore, carrying 128 bits of entropy.
// Request IDs have to be xsd:ID, which means they need to start with an
// underscore or letter, which is not always given for UUIDs.
func GenerateAuthRequestID() (string, error) {
	newID, err := uuid.GenerateUUID()
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("_%s", newID), nil
}

// ParseCertificatePEM parses a single X.509 certificate in PEM encoding.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	const op = "saml.ParseCertificatePEM"

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block found: %w", op, ErrInvalidParameter)
	}
	if block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%s: unexpected PEM block type %q: %w", op, block.Type, ErrInvalidParameter)
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return cert, nil
}
