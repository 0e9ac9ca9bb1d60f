// Package testprovider implements a minimal signing identity provider for
// tests: it produces base64-encoded SAML responses with configurable
// validity windows, audiences, status codes and signature placement, signed
// with a throwaway RSA key.
package testprovider

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/ciathena/sso/saml/models/core"
)

const (
	// EntityID is the entity ID the test IdP asserts under.
	EntityID = "https://testidp.example.org/saml"

	// SSOURL is the redirect-binding SSO endpoint the test IdP pretends to
	// serve.
	SSOURL = "https://testidp.example.org/saml/sso"
)

// TestIdP is a fake identity provider holding a generated signing key.
type TestIdP struct {
	keyStore dsig.X509KeyStore
	cert     *x509.Certificate
	certDER  []byte
}

// NewTestIdP creates a TestIdP with a fresh random signing key pair.
func NewTestIdP() (*TestIdP, error) {
	keyStore := dsig.RandomKeyStoreForTest()

	_, certDER, err := keyStore.GetKeyPair()
	if err != nil {
		return nil, fmt.Errorf("testprovider: cannot get test key pair: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("testprovider: cannot parse test certificate: %w", err)
	}

	return &TestIdP{
		keyStore: keyStore,
		cert:     cert,
		certDER:  certDER,
	}, nil
}

// Certificate returns the IdP's signing certificate.
func (idp *TestIdP) Certificate() *x509.Certificate {
	return idp.cert
}

// CertificatePEM returns the IdP's signing certificate in PEM encoding, as
// an SP config would consume it.
func (idp *TestIdP) CertificatePEM() []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: idp.certDER,
	})
}

// ResponseOptions shapes a generated response. The zero value with Audience,
// Recipient, NameID and InResponseTo filled in yields a valid,
// assertion-signed response.
type ResponseOptions struct {
	Issuer       string // defaults to EntityID
	Audience     string
	Recipient    string
	Destination  string
	NameID       string
	NameIDFormat core.NameIDFormat
	InResponseTo string

	NotBefore    time.Time // defaults to now-1m
	NotOnOrAfter time.Time // defaults to now+5m
	AuthnInstant time.Time // defaults to now

	StatusCode core.StatusCodeType // defaults to Success

	SessionIndex string
	Attributes   map[string][]string

	OmitNameID     bool
	OmitConditions bool

	SignResponse      bool
	SignAssertion     bool // defaults to true unless SignResponse is set
	OmitAllSignatures bool
}

// SignedResponse builds and signs a SAML response and returns it
// base64-encoded, ready to hand to ParseResponse.
func (idp *TestIdP) SignedResponse(now time.Time, o ResponseOptions) (string, error) {
	if o.Issuer == "" {
		o.Issuer = EntityID
	}
	if o.StatusCode == "" {
		o.StatusCode = core.StatusCodeSuccess
	}
	if o.NotBefore.IsZero() {
		o.NotBefore = now.Add(-time.Minute)
	}
	if o.NotOnOrAfter.IsZero() {
		o.NotOnOrAfter = now.Add(5 * time.Minute)
	}
	if o.AuthnInstant.IsZero() {
		o.AuthnInstant = now
	}
	if o.NameIDFormat == "" {
		o.NameIDFormat = core.NameIDFormatEmail
	}
	signAssertion := o.SignAssertion || (!o.SignResponse && !o.OmitAllSignatures)

	assertion := idp.buildAssertion(now, o)

	if signAssertion && !o.OmitAllSignatures {
		signed, err := idp.sign(assertion)
		if err != nil {
			return "", fmt.Errorf("testprovider: cannot sign assertion: %w", err)
		}
		assertion = signed
	}

	response := etree.NewElement("samlp:Response")
	response.CreateAttr("xmlns:samlp", core.NamespaceProtocol)
	response.CreateAttr("ID", "_response-"+randomSuffix(now))
	response.CreateAttr("Version", core.SAMLVersion2)
	response.CreateAttr("IssueInstant", now.UTC().Format(time.RFC3339))
	if o.Destination != "" {
		response.CreateAttr("Destination", o.Destination)
	}
	if o.InResponseTo != "" {
		response.CreateAttr("InResponseTo", o.InResponseTo)
	}

	issuer := response.CreateElement("saml:Issuer")
	issuer.CreateAttr("xmlns:saml", core.NamespaceAssertion)
	issuer.SetText(o.Issuer)

	status := response.CreateElement("samlp:Status")
	statusCode := status.CreateElement("samlp:StatusCode")
	statusCode.CreateAttr("Value", string(o.StatusCode))

	response.AddChild(assertion)

	if o.SignResponse && !o.OmitAllSignatures {
		signed, err := idp.sign(response)
		if err != nil {
			return "", fmt.Errorf("testprovider: cannot sign response: %w", err)
		}
		response = signed
	}

	doc := etree.NewDocument()
	doc.SetRoot(response)
	raw, err := doc.WriteToBytes()
	if err != nil {
		return "", fmt.Errorf("testprovider: cannot serialize response: %w", err)
	}

	return base64.StdEncoding.EncodeToString(raw), nil
}

func (idp *TestIdP) buildAssertion(now time.Time, o ResponseOptions) *etree.Element {
	assertion := etree.NewElement("saml:Assertion")
	assertion.CreateAttr("xmlns:saml", core.NamespaceAssertion)
	assertion.CreateAttr("ID", "_assertion-"+randomSuffix(now))
	assertion.CreateAttr("Version", core.SAMLVersion2)
	assertion.CreateAttr("IssueInstant", now.UTC().Format(time.RFC3339))

	issuer := assertion.CreateElement("saml:Issuer")
	issuer.SetText(o.Issuer)

	subject := assertion.CreateElement("saml:Subject")
	if !o.OmitNameID {
		nameID := subject.CreateElement("saml:NameID")
		nameID.CreateAttr("Format", string(o.NameIDFormat))
		nameID.SetText(o.NameID)
	}

	confirmation := subject.CreateElement("saml:SubjectConfirmation")
	confirmation.CreateAttr("Method", string(core.ConfirmationMethodBearer))
	confirmationData := confirmation.CreateElement("saml:SubjectConfirmationData")
	confirmationData.CreateAttr("NotOnOrAfter", o.NotOnOrAfter.UTC().Format(time.RFC3339))
	if o.Recipient != "" {
		confirmationData.CreateAttr("Recipient", o.Recipient)
	}
	if o.InResponseTo != "" {
		confirmationData.CreateAttr("InResponseTo", o.InResponseTo)
	}

	if !o.OmitConditions {
		conditions := assertion.CreateElement("saml:Conditions")
		conditions.CreateAttr("NotBefore", o.NotBefore.UTC().Format(time.RFC3339))
		conditions.CreateAttr("NotOnOrAfter", o.NotOnOrAfter.UTC().Format(time.RFC3339))
		if o.Audience != "" {
			restriction := conditions.CreateElement("saml:AudienceRestriction")
			audience := restriction.CreateElement("saml:Audience")
			audience.SetText(o.Audience)
		}
	}

	authnStatement := assertion.CreateElement("saml:AuthnStatement")
	authnStatement.CreateAttr("AuthnInstant", o.AuthnInstant.UTC().Format(time.RFC3339))
	if o.SessionIndex != "" {
		authnStatement.CreateAttr("SessionIndex", o.SessionIndex)
	}
	authnContext := authnStatement.CreateElement("saml:AuthnContext")
	classRef := authnContext.CreateElement("saml:AuthnContextClassRef")
	classRef.SetText("urn:oasis:names:tc:SAML:2.0:ac:classes:PasswordProtectedTransport")

	if len(o.Attributes) > 0 {
		attrStatement := assertion.CreateElement("saml:AttributeStatement")
		for name, values := range o.Attributes {
			attr := attrStatement.CreateElement("saml:Attribute")
			attr.CreateAttr("Name", name)
			for _, value := range values {
				attrValue := attr.CreateElement("saml:AttributeValue")
				attrValue.SetText(value)
			}
		}
	}

	return assertion
}

func (idp *TestIdP) sign(el *etree.Element) (*etree.Element, error) {
	ctx := dsig.NewDefaultSigningContext(idp.keyStore)
	ctx.Canonicalizer = dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("")

	return ctx.SignEnveloped(el)
}

// randomSuffix derives a unique-enough ID suffix for generated elements.
var responseCounter int64

func randomSuffix(now time.Time) string {
	return fmt.Sprintf("%d-%d", now.UnixNano(), atomic.AddInt64(&responseCounter, 1))
}
