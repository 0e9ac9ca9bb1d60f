package saml

import (
	"fmt"
	"time"

	"github.com/ciathena/sso/saml/models/core"
	"github.com/ciathena/sso/saml/models/metadata"
)

// defaultValidUntilDuration bounds how long published SP metadata should be
// considered current.
const defaultValidUntilDuration = 24 * time.Hour

// ServiceProvider defines the SAML service provider: it creates
// authentication requests for the configured IdP, validates the responses
// posted back to the assertion consumer service, and tracks request and
// assertion IDs for replay protection.
type ServiceProvider struct {
	cfg      *Config
	requests *ReplayCache
}

// NewServiceProvider creates a new ServiceProvider for the given Config.
func NewServiceProvider(cfg *Config) (*ServiceProvider, error) {
	const op = "saml.NewServiceProvider"

	if cfg == nil {
		return nil, fmt.Errorf("%s: no provider config provided: %w", op, ErrInvalidParameter)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: insufficient provider config: %w", op, err)
	}

	return &ServiceProvider{
		cfg:      cfg,
		requests: NewReplayCache(),
	}, nil
}

// Config returns the service provider's configuration.
func (sp *ServiceProvider) Config() *Config {
	return sp.cfg
}

// ReplayCache exposes the request/assertion ID tables, mainly so callers can
// start the background sweeper and observe cache size.
func (sp *ServiceProvider) ReplayCache() *ReplayCache {
	return sp.requests
}

// CreateMetadata creates the metadata XML for the service provider, suitable
// for publishing at a well-known metadata endpoint and importing into the
// IdP.
func (sp *ServiceProvider) CreateMetadata() *metadata.EntityDescriptorSPSSO {
	validUntil := defaultValidUntil()

	spSSO := metadata.SPSSODescriptor{}
	spSSO.AuthnRequestsSigned = false
	spSSO.WantAssertionsSigned = sp.cfg.WantAssertionsSigned
	spSSO.ProtocolSupportEnumeration = metadata.ProtocolSupportEnumerationProtocol
	spSSO.NameIDFormat = []core.NameIDFormat{sp.cfg.NameIDFormat}
	spSSO.AssertionConsumerService = []metadata.IndexedEndpoint{
		{
			Endpoint: metadata.Endpoint{
				Binding:  core.ServiceBindingHTTPPost,
				Location: sp.cfg.AssertionConsumerServiceURL.String(),
			},
			Index:     1,
			IsDefault: true,
		},
	}

	desc := &metadata.EntityDescriptorSPSSO{
		EntityID:        sp.cfg.EntityID.String(),
		SPSSODescriptor: []*metadata.SPSSODescriptor{&spSSO},
	}
	desc.ValidUntil = &validUntil

	return desc
}

func defaultValidUntil() time.Time {
	return time.Now().Add(defaultValidUntilDuration).UTC()
}
