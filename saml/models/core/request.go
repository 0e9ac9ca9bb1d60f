package core

import (
	"encoding/xml"
	"strings"
)

// AuthnRequest is the SP-to-IdP message requesting that the identity provider
// authenticate the presenter.
// See 3.4.1 http://docs.oasis-open.org/security/saml/v2.0/saml-core-2.0-os.pdf
type AuthnRequest struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:protocol AuthnRequest"`

	RequestResponseCommon

	NameIDPolicy          *NameIDPolicy
	RequestedAuthnContext *RequestedAuthnContext

	ForceAuthn bool `xml:",attr,omitempty"`
	IsPassive  bool `xml:",attr,omitempty"`

	AssertionConsumerServiceURL string `xml:",attr"`

	// ProtocolBinding identifies the SAML protocol binding to be used when
	// returning the Response message.
	ProtocolBinding ServiceBinding `xml:",attr"`

	ProviderName string `xml:",attr,omitempty"`
}

// CreateXMLDocument marshals the request, optionally indented.
func (a *AuthnRequest) CreateXMLDocument(indent int) ([]byte, error) {
	if indent > 0 {
		return xml.MarshalIndent(a, "", strings.Repeat(" ", indent))
	}

	return xml.Marshal(a)
}

// NameIDPolicy specifies constraints on the name identifier to be used to
// represent the requested subject.
// See 3.4.1.1 http://docs.oasis-open.org/security/saml/v2.0/saml-core-2.0-os.pdf
type NameIDPolicy struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:protocol NameIDPolicy"`

	Format      NameIDFormat `xml:",attr,omitempty"`
	AllowCreate bool         `xml:",attr"`
}

type Comparison string

const (
	ComparisonExact Comparison = "exact"
)

// See 3.3.2.2.1 http://docs.oasis-open.org/security/saml/v2.0/saml-core-2.0-os.pdf
type RequestedAuthnContext struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:protocol RequestedAuthnContext"`

	AuthnContextClassRef []string   `xml:"urn:oasis:names:tc:SAML:2.0:assertion AuthnContextClassRef"`
	Comparison           Comparison `xml:",attr"`
}
