package core

import (
	"encoding/xml"
	"time"
)

// Response is the SAML protocol message returned by an identity provider to
// the assertion consumer service.
// See 3.3.3 http://docs.oasis-open.org/security/saml/v2.0/saml-core-2.0-os.pdf
type Response struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:protocol Response"`

	RequestResponseCommon

	InResponseTo string `xml:",attr,omitempty"`

	Status    Status
	Assertion []*Assertion
}

// GetAssertion returns the first assertion of the response, if any.
func (r *Response) GetAssertion() *Assertion {
	if len(r.Assertion) == 0 {
		return nil
	}

	return r.Assertion[0]
}

// See 3.2.2.1 http://docs.oasis-open.org/security/saml/v2.0/saml-core-2.0-os.pdf
type Status struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:protocol Status"`

	StatusCode    StatusCode // required
	StatusMessage string     `xml:"StatusMessage,omitempty"` // optional
}

// See 3.2.2.2 http://docs.oasis-open.org/security/saml/v2.0/saml-core-2.0-os.pdf
type StatusCode struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:protocol StatusCode"`

	Value StatusCodeType `xml:",attr"` // required
}

// See 2.3.3 http://docs.oasis-open.org/security/saml/v2.0/saml-core-2.0-os.pdf
type Assertion struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion Assertion"`

	ID           string    `xml:",attr"` // required
	Version      string    `xml:",attr"` // required
	IssueInstant time.Time `xml:",attr"` // required

	Issuer             *Issuer // required
	Subject            *Subject
	Conditions         *Conditions
	AuthnStatement     *AuthnStatement
	AttributeStatement *AttributeStatement
}

// GetIssuer returns the issuer value from the Assertion.Issuer complex type.
func (a *Assertion) GetIssuer() string {
	if a.Issuer == nil {
		return ""
	}

	return a.Issuer.Value
}

// GetSubjectNameID returns the subject NameID value, or the empty string if
// the assertion carries no subject identifier.
func (a *Assertion) GetSubjectNameID() string {
	if a.Subject == nil || a.Subject.NameID == nil {
		return ""
	}

	return a.Subject.NameID.Value
}

// GetAttributes flattens the assertion's attribute statement into a
// name -> ordered values mapping.
func (a *Assertion) GetAttributes() map[string][]string {
	attrs := map[string][]string{}
	if a.AttributeStatement == nil {
		return attrs
	}

	for _, attr := range a.AttributeStatement.Attribute {
		values := make([]string, 0, len(attr.AttributeValue))
		for _, v := range attr.AttributeValue {
			values = append(values, v.Value)
		}
		attrs[attr.Name] = values
	}

	return attrs
}

// Subject specifies the principal that is the subject of the assertion's
// statements.
// See 2.4 http://docs.oasis-open.org/security/saml/v2.0/saml-core-2.0-os.pdf
type Subject struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion Subject"`

	NameID              *NameID `xml:"NameID"`
	SubjectConfirmation []*SubjectConfirmation
}

// See 2.4.1.1 http://docs.oasis-open.org/security/saml/v2.0/saml-core-2.0-os.pdf
type SubjectConfirmation struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion SubjectConfirmation"`

	Method ConfirmationMethod `xml:",attr"` // required

	SubjectConfirmationData *SubjectConfirmationData // optional
}

// See 2.4.1.2 http://docs.oasis-open.org/security/saml/v2.0/saml-core-2.0-os.pdf
type SubjectConfirmationData struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion SubjectConfirmationData"`

	NotBefore    time.Time `xml:",attr,omitempty"`
	NotOnOrAfter time.Time `xml:",attr,omitempty"`
	Recipient    string    `xml:",attr,omitempty"`
	InResponseTo string    `xml:",attr,omitempty"`
	Address      string    `xml:",attr,omitempty"`
}

// Conditions limits the circumstances under which the assertion may be relied
// upon.
// See 2.5.1 http://docs.oasis-open.org/security/saml/v2.0/saml-core-2.0-os.pdf
type Conditions struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion Conditions"`

	NotBefore    time.Time `xml:",attr,omitempty"`
	NotOnOrAfter time.Time `xml:",attr,omitempty"`

	AudienceRestriction []*AudienceRestriction
	OneTimeUse          *OneTimeUse
}

// See 2.5.1.4 http://docs.oasis-open.org/security/saml/v2.0/saml-core-2.0-os.pdf
type AudienceRestriction struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion AudienceRestriction"`

	Audience []Audience
}

type Audience struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion Audience"`

	Value string `xml:",chardata"`
}

// See 2.5.1.5 http://docs.oasis-open.org/security/saml/v2.0/saml-core-2.0-os.pdf
type OneTimeUse struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion OneTimeUse"`
}

// AuthnStatement describes the act of authentication performed by the
// identity provider.
// See 2.7.2 http://docs.oasis-open.org/security/saml/v2.0/saml-core-2.0-os.pdf
type AuthnStatement struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion AuthnStatement"`

	AuthnInstant        time.Time `xml:",attr"` // required
	SessionIndex        string    `xml:",attr,omitempty"`
	SessionNotOnOrAfter time.Time `xml:",attr,omitempty"`

	AuthnContext *AuthnContext
}

// See 2.7.2.2 http://docs.oasis-open.org/security/saml/v2.0/saml-core-2.0-os.pdf
type AuthnContext struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion AuthnContext"`

	AuthnContextClassRef string `xml:"AuthnContextClassRef"`
}

// AttributeStatement carries attributes associated with the subject.
// See 2.7.3 http://docs.oasis-open.org/security/saml/v2.0/saml-core-2.0-os.pdf
type AttributeStatement struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion AttributeStatement"`

	Attribute []*Attribute
}

// See 2.7.3.1 http://docs.oasis-open.org/security/saml/v2.0/saml-core-2.0-os.pdf
type Attribute struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion Attribute"`

	Name         string `xml:",attr"` // required
	NameFormat   string `xml:",attr,omitempty"`
	FriendlyName string `xml:",attr,omitempty"`

	AttributeValue []AttributeValue
}

type AttributeValue struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion AttributeValue"`

	Value string `xml:",chardata"`
}
