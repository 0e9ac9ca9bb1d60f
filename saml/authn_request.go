package saml

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"fmt"
	"net/url"

	"github.com/jonboulle/clockwork"

	"github.com/ciathena/sso/saml/models/core"
)

type authnRequestOptions struct {
	clock        clockwork.Clock
	forceAuthn   bool
	isPassive    bool
	allowCreate  bool
	nameIDFormat core.NameIDFormat
	providerName string
	indent       int
}

func authnRequestOptionsDefault() authnRequestOptions {
	return authnRequestOptions{
		clock: clockwork.NewRealClock(),
	}
}

func getAuthnRequestOptions(opt ...Option) authnRequestOptions {
	opts := authnRequestOptionsDefault()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithClock pins time-dependent behavior (request issue instants, validity
// windows) to the given clock. Intended for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(o interface{}) {
		switch o := o.(type) {
		case *authnRequestOptions:
			o.clock = clock
		case *parseResponseOptions:
			o.clock = clock
		}
	}
}

// ForceAuthn requests the IdP to re-authenticate the presenter even if an
// IdP-side session exists.
func ForceAuthn() Option {
	return func(o interface{}) {
		if o, ok := o.(*authnRequestOptions); ok {
			o.forceAuthn = true
		}
	}
}

// IsPassive asks the IdP not to visibly interact with the presenter.
func IsPassive() Option {
	return func(o interface{}) {
		if o, ok := o.(*authnRequestOptions); ok {
			o.isPassive = true
		}
	}
}

// AllowCreate permits the IdP to create a new identifier for the principal if
// none exists.
func AllowCreate() Option {
	return func(o interface{}) {
		if o, ok := o.(*authnRequestOptions); ok {
			o.allowCreate = true
		}
	}
}

// WithNameIDFormat overrides the configured NameID format for a single
// request.
func WithNameIDFormat(f core.NameIDFormat) Option {
	return func(o interface{}) {
		if o, ok := o.(*authnRequestOptions); ok {
			o.nameIDFormat = f
		}
	}
}

// WithProviderName sets the human-readable requester name carried in the
// authentication request.
func WithProviderName(name string) Option {
	return func(o interface{}) {
		if o, ok := o.(*authnRequestOptions); ok {
			o.providerName = name
		}
	}
}

// WithIndent indents the marshaled request XML. This inflates the encoded
// request and is only useful for debugging.
func WithIndent(indent int) Option {
	return func(o interface{}) {
		if o, ok := o.(*authnRequestOptions); ok {
			o.indent = indent
		}
	}
}

// CreateAuthnRequest creates a new authentication request addressed to the
// configured IdP's SSO endpoint, carrying the given request ID.
//
// Options: WithClock, ForceAuthn, IsPassive, AllowCreate, WithNameIDFormat,
// WithProviderName
func (sp *ServiceProvider) CreateAuthnRequest(id string, opt ...Option) (*core.AuthnRequest, error) {
	const op = "saml.ServiceProvider.CreateAuthnRequest"

	if id == "" {
		return nil, fmt.Errorf("%s: no ID provided: %w", op, ErrInvalidParameter)
	}

	opts := getAuthnRequestOptions(opt...)

	nameIDFormat := sp.cfg.NameIDFormat
	if opts.nameIDFormat != "" {
		nameIDFormat = opts.nameIDFormat
	}

	ar := &core.AuthnRequest{}
	ar.ID = id
	ar.Version = core.SAMLVersion2
	ar.IssueInstant = opts.clock.Now().UTC()
	ar.Destination = sp.cfg.IdPSSOURL.String()
	ar.Issuer = &core.Issuer{}
	ar.Issuer.Value = sp.cfg.EntityID.String()
	ar.AssertionConsumerServiceURL = sp.cfg.AssertionConsumerServiceURL.String()
	ar.ProtocolBinding = core.ServiceBindingHTTPPost
	ar.ForceAuthn = opts.forceAuthn
	ar.IsPassive = opts.isPassive
	ar.ProviderName = opts.providerName
	ar.NameIDPolicy = &core.NameIDPolicy{
		Format:      nameIDFormat,
		AllowCreate: opts.allowCreate,
	}

	return ar, nil
}

// AuthnRequestRedirect builds the HTTP-Redirect binding URL that starts a
// login at the IdP. It generates a fresh request ID, registers it as pending
// so the eventual response can be correlated, and returns the redirect URL
// together with the underlying request.
//
// relayState, if non-empty, is carried opaquely through the IdP and posted
// back alongside the response.
//
// Options: see CreateAuthnRequest
func (sp *ServiceProvider) AuthnRequestRedirect(relayState string, opt ...Option) (*url.URL, *core.AuthnRequest, error) {
	const op = "saml.ServiceProvider.AuthnRequestRedirect"

	opts := getAuthnRequestOptions(opt...)

	id, err := sp.cfg.GenerateAuthRequestID()
	if err != nil {
		return nil, nil, fmt.Errorf("%s: cannot generate request ID: %w", op, err)
	}

	ar, err := sp.CreateAuthnRequest(id, opt...)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	payload, err := ar.CreateXMLDocument(opts.indent)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: cannot marshal request: %w", op, err)
	}

	encoded, err := Deflate(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: cannot deflate request: %w", op, err)
	}

	redirect := *sp.cfg.IdPSSOURL
	query := redirect.Query()
	query.Set("SAMLRequest", encoded)
	if relayState != "" {
		query.Set("RelayState", relayState)
	}
	redirect.RawQuery = query.Encode()

	now := opts.clock.Now()
	sp.requests.Put(id, now.Add(sp.cfg.AuthnRequestTTL))

	return &redirect, ar, nil
}

// Deflate DEFLATE-compresses and base64-encodes the given XML, per the SAML
// HTTP-Redirect binding.
func Deflate(payload []byte) (string, error) {
	buf := bytes.Buffer{}

	writer, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return "", err
	}
	if _, err := writer.Write(payload); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
