// Package metadata models the subset of SAML v2.0 Metadata needed by a
// service provider: publishing its own SPSSODescriptor and consuming an
// identity provider's IDPSSODescriptor.
// See http://docs.oasis-open.org/security/saml/v2.0/saml-metadata-2.0-os.pdf
package metadata

import (
	"encoding/xml"
	"time"

	dsigtypes "github.com/russellhaering/goxmldsig/types"

	"github.com/ciathena/sso/saml/models/core"
)

type ProtocolSupportEnumeration string

const (
	ProtocolSupportEnumerationProtocol ProtocolSupportEnumeration = "urn:oasis:names:tc:SAML:2.0:protocol"
)

// KeyType defines what a described key is used for.
// See 2.4.1.1 http://docs.oasis-open.org/security/saml/v2.0/saml-metadata-2.0-os.pdf
type KeyType string

const (
	KeyTypeEncryption KeyType = "encryption"
	KeyTypeSigning    KeyType = "signing"
)

// DescriptorCommon defines fields shared by all descriptor types.
type DescriptorCommon struct {
	ID            string     `xml:",attr,omitempty"`
	ValidUntil    *time.Time `xml:"validUntil,attr,omitempty"`
	CacheDuration string     `xml:"cacheDuration,attr,omitempty"`
}

// Endpoint describes a SAML protocol binding endpoint at which a SAML entity
// can be sent protocol messages.
// See 2.2.2 http://docs.oasis-open.org/security/saml/v2.0/saml-metadata-2.0-os.pdf
type Endpoint struct {
	Binding          core.ServiceBinding `xml:",attr"`
	Location         string              `xml:",attr"`
	ResponseLocation string              `xml:",attr,omitempty"`
}

// IndexedEndpoint extends Endpoint with an index so that otherwise identical
// endpoints can be referenced by protocol messages.
// See 2.2.3 http://docs.oasis-open.org/security/saml/v2.0/saml-metadata-2.0-os.pdf
type IndexedEndpoint struct {
	Endpoint
	Index     int  `xml:"index,attr"`
	IsDefault bool `xml:"isDefault,attr,omitempty"`
}

// KeyDescriptor provides information about the cryptographic key(s) an entity
// uses to sign data or receive encrypted keys.
// See 2.4.1.1 http://docs.oasis-open.org/security/saml/v2.0/saml-metadata-2.0-os.pdf
type KeyDescriptor struct {
	Use     KeyType `xml:"use,attr,omitempty"`
	KeyInfo KeyInfo
}

// KeyInfo directly or indirectly identifies a key. It reuses the XML
// Signature <ds:KeyInfo> element.
// See https://www.w3.org/TR/xmldsig-core1/#sec-KeyInfo
type KeyInfo struct {
	dsigtypes.KeyInfo
}

// SSODescriptor is the common base for IDPSSODescriptor and SPSSODescriptor.
// See 2.4.2 http://docs.oasis-open.org/security/saml/v2.0/saml-metadata-2.0-os.pdf
type SSODescriptor struct {
	DescriptorCommon

	ProtocolSupportEnumeration ProtocolSupportEnumeration `xml:"protocolSupportEnumeration,attr,omitempty"`
	KeyDescriptor              []KeyDescriptor
	SingleLogoutService        []Endpoint
	NameIDFormat               []core.NameIDFormat
}

// SPSSODescriptor contains profiles specific to service providers.
// See 2.4.4 http://docs.oasis-open.org/security/saml/v2.0/saml-metadata-2.0-os.pdf
type SPSSODescriptor struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:metadata SPSSODescriptor"`

	SSODescriptor

	AuthnRequestsSigned      bool `xml:",attr"`
	WantAssertionsSigned     bool `xml:",attr"`
	AssertionConsumerService []IndexedEndpoint
}

// EntityDescriptorSPSSO is an EntityDescriptor restricted to SPSSODescriptor
// roles. It is what the service provider publishes for IdP-side registration.
type EntityDescriptorSPSSO struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:metadata EntityDescriptor"`

	DescriptorCommon

	EntityID string `xml:"entityID,attr"`

	SPSSODescriptor []*SPSSODescriptor
}

// IDPSSODescriptor contains profiles specific to identity providers
// supporting SSO.
// See 2.4.3 http://docs.oasis-open.org/security/saml/v2.0/saml-metadata-2.0-os.pdf
type IDPSSODescriptor struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:metadata IDPSSODescriptor"`

	SSODescriptor

	WantAuthnRequestsSigned bool `xml:",attr"`
	SingleSignOnService     []Endpoint
}

// EntityDescriptorIDPSSO is an EntityDescriptor restricted to
// IDPSSODescriptor roles, as published by an identity provider.
type EntityDescriptorIDPSSO struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:metadata EntityDescriptor"`

	DescriptorCommon

	EntityID string `xml:"entityID,attr"`

	IDPSSODescriptor []*IDPSSODescriptor
}

// GetLocationForBinding returns the IdP single sign-on endpoint for the given
// binding, if the IdP advertises one.
func (e *EntityDescriptorIDPSSO) GetLocationForBinding(b core.ServiceBinding) (string, bool) {
	for _, isd := range e.IDPSSODescriptor {
		for _, sso := range isd.SingleSignOnService {
			if sso.Binding == b {
				return sso.Location, true
			}
		}
	}

	return "", false
}

// SigningCertificates returns the base64 DER blobs of all certificates the
// IdP advertises for signing. Keys with no declared use count as signing
// keys.
func (e *EntityDescriptorIDPSSO) SigningCertificates() []string {
	var certs []string
	for _, isd := range e.IDPSSODescriptor {
		for _, kd := range isd.KeyDescriptor {
			if kd.Use != "" && kd.Use != KeyTypeSigning {
				continue
			}
			for _, xcert := range kd.KeyInfo.X509Data.X509Certificates {
				certs = append(certs, xcert.Data)
			}
		}
	}

	return certs
}
