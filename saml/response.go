package saml

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"time"

	"github.com/beevik/etree"
	"github.com/jonboulle/clockwork"
	xrv "github.com/mattermost/xml-roundtrip-validator"
	"github.com/russellhaering/goxmldsig/etreeutils"

	"github.com/ciathena/sso/saml/models/core"
)

// VerifiedIdentity is the outcome of a fully validated SAML response. It is
// the only type handed to session issuance: nothing extracted from a
// response reaches the rest of the system unless every signature and
// condition check has passed.
type VerifiedIdentity struct {
	// NameID is the subject identifier asserted by the IdP, preserved
	// byte for byte.
	NameID string

	// NameIDFormat is the format the IdP declared for NameID, if any.
	NameIDFormat core.NameIDFormat

	// Issuer is the asserting IdP's entity ID.
	Issuer string

	// AuthnInstant is when the IdP authenticated the subject. Zero if the
	// assertion carried no AuthnStatement.
	AuthnInstant time.Time

	// SessionIndex identifies the IdP-side session, if declared.
	SessionIndex string

	// Attributes maps attribute names to their ordered values.
	Attributes map[string][]string
}

type parseResponseOptions struct {
	clock                   clockwork.Clock
	skipSignatureValidation bool
}

func parseResponseOptionsDefault() parseResponseOptions {
	return parseResponseOptions{
		clock: clockwork.NewRealClock(),
	}
}

func getParseResponseOptions(opt ...Option) parseResponseOptions {
	opts := parseResponseOptionsDefault()
	ApplyOpts(&opts, opt...)
	return opts
}

// InsecureSkipSignatureValidation disables signature verification of the
// SAML response and its assertion. This option must only be used in tests.
func InsecureSkipSignatureValidation() Option {
	return func(o interface{}) {
		if o, ok := o.(*parseResponseOptions); ok {
			o.skipSignatureValidation = true
		}
	}
}

// ParseResponse decodes and validates a base64-encoded SAML response as
// delivered to the assertion consumer service, and returns the verified
// subject identity.
//
// The pipeline is strict and ordered; it short-circuits on the first
// failure and never accepts a partially valid assertion:
//
//  1. well-formedness (base64, XML round-trip)
//  2. top-level status is Success
//  3. response issuer matches the configured IdP
//  4. signature verification against the configured IdP certificate,
//     honoring the WantAssertionsSigned policy
//  5. assertion issuer, validity window, audience restriction
//  6. InResponseTo correlation against the pending-request table
//  7. subject identifier present
//
// The pending request and the assertion ID are consumed atomically only
// after every check has passed; a response that fails validation leaves no
// trace in the replay cache.
//
// Options: WithClock, InsecureSkipSignatureValidation
func (sp *ServiceProvider) ParseResponse(samlResp string, opt ...Option) (*VerifiedIdentity, error) {
	const op = "saml.ServiceProvider.ParseResponse"

	if sp == nil {
		return nil, fmt.Errorf("%s: missing service provider: %w", op, ErrInternal)
	}
	if samlResp == "" {
		return nil, fmt.Errorf("%s: missing saml response: %w", op, ErrInvalidParameter)
	}

	opts := getParseResponseOptions(opt...)
	now := opts.clock.Now()
	skew := sp.cfg.ClockSkew

	raw, err := base64.StdEncoding.DecodeString(samlResp)
	if err != nil {
		return nil, fmt.Errorf("%s: cannot decode base64: %w", op, ErrMalformedXML)
	}

	// Round-trip validation guards against XML that Go's parser and the
	// canonicalizer would disagree about (comment truncation, namespace
	// smuggling) before anything looks at the bytes.
	if err := xrv.Validate(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%s: round-trip validation failed: %w", op, ErrMalformedXML)
	}

	var response core.Response
	if err := xml.Unmarshal(raw, &response); err != nil {
		return nil, fmt.Errorf("%s: cannot unmarshal response: %w", op, ErrMalformedXML)
	}

	if code := response.Status.StatusCode.Value; code != core.StatusCodeSuccess {
		return nil, fmt.Errorf("%s: status code %q: %w", op, code, ErrIdPReportedFailure)
	}

	if response.Issuer != nil && response.Issuer.Value != sp.cfg.IdPEntityID {
		return nil, fmt.Errorf(
			"%s: response issuer %q does not match IdP entity ID: %w",
			op, response.Issuer.Value, ErrIssuerMismatch,
		)
	}

	assertionEl, err := sp.verifiedAssertionElement(raw, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	assertionDoc := etree.NewDocument()
	assertionDoc.SetRoot(assertionEl)
	assertionXML, err := assertionDoc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, ErrInternal, err)
	}

	var assertion core.Assertion
	if err := xml.Unmarshal(assertionXML, &assertion); err != nil {
		return nil, fmt.Errorf("%s: cannot unmarshal assertion: %w", op, ErrMalformedXML)
	}

	if assertion.GetIssuer() != sp.cfg.IdPEntityID {
		return nil, fmt.Errorf(
			"%s: assertion issuer %q does not match IdP entity ID: %w",
			op, assertion.GetIssuer(), ErrIssuerMismatch,
		)
	}

	conditions := assertion.Conditions
	if conditions == nil || conditions.NotOnOrAfter.IsZero() {
		return nil, fmt.Errorf("%s: assertion carries no usable conditions: %w", op, ErrMalformedXML)
	}

	if now.Before(conditions.NotBefore.Add(-skew)) {
		return nil, fmt.Errorf(
			"%s: assertion not valid before %s: %w",
			op, conditions.NotBefore, ErrAssertionNotYetValid,
		)
	}
	if !now.Before(conditions.NotOnOrAfter.Add(skew)) {
		return nil, fmt.Errorf(
			"%s: assertion expired at %s: %w",
			op, conditions.NotOnOrAfter, ErrAssertionExpired,
		)
	}

	if err := sp.checkAudience(conditions); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	inResponseTo, err := sp.checkSubjectConfirmation(&assertion, now, skew)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if assertion.GetSubjectNameID() == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrMissingSubjectIdentifier)
	}

	// All checks have passed; commit the one-time-use bookkeeping in a
	// single atomic step. Losing the race against a concurrent duplicate
	// is a replay like any other.
	if !sp.requests.commit(inResponseTo, assertion.ID, now, conditions.NotOnOrAfter.Add(skew)) {
		return nil, fmt.Errorf("%s: assertion already consumed: %w", op, ErrReplayDetected)
	}

	identity := &VerifiedIdentity{
		NameID:     assertion.GetSubjectNameID(),
		Issuer:     assertion.GetIssuer(),
		Attributes: assertion.GetAttributes(),
	}
	if assertion.Subject != nil && assertion.Subject.NameID != nil {
		identity.NameIDFormat = assertion.Subject.NameID.Format
	}
	if assertion.AuthnStatement != nil {
		identity.AuthnInstant = assertion.AuthnStatement.AuthnInstant
		identity.SessionIndex = assertion.AuthnStatement.SessionIndex
	}

	return identity, nil
}

// verifiedAssertionElement runs signature verification on the response and
// returns the assertion element that the rest of the pipeline may interpret.
// Signature checks run before any semantic reading of assertion content so
// that wrapped or injected subtrees never reach business logic.
func (sp *ServiceProvider) verifiedAssertionElement(raw []byte, opts parseResponseOptions) (*etree.Element, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("cannot parse response document: %w", ErrMalformedXML)
	}

	responseEl := doc.Root()
	if responseEl == nil || responseEl.Tag != "Response" || responseEl.NamespaceURI() != core.NamespaceProtocol {
		return nil, fmt.Errorf("document root is not a SAML protocol response: %w", ErrMalformedXML)
	}

	if opts.skipSignatureValidation {
		assertionEl := findChild(responseEl, core.NamespaceAssertion, "Assertion")
		if assertionEl == nil {
			return nil, fmt.Errorf("response contains no assertion: %w", ErrMalformedXML)
		}
		return detachElement(assertionEl)
	}

	verifier := &signatureVerifier{
		cert:      sp.cfg.IdPCertificate,
		clock:     opts.clock,
		allowSHA1: sp.cfg.InsecureAllowSHA1,
	}

	// Signatures may live on the Response, on the Assertion, or on both.
	// At least one must be present and every present one must verify.
	var verifiedResponse *etree.Element
	if findChild(responseEl, namespaceXMLDSig, "Signature") != nil {
		var err error
		verifiedResponse, err = verifier.verify(responseEl)
		if err != nil {
			return nil, err
		}
	}

	// Once the outer response is verified, the assertion must be located
	// inside the verified copy; the original document is no longer
	// trustworthy.
	base := responseEl
	if verifiedResponse != nil {
		base = verifiedResponse
	}

	assertionEl := findChild(base, core.NamespaceAssertion, "Assertion")
	if assertionEl == nil {
		return nil, fmt.Errorf("response contains no assertion: %w", ErrMalformedXML)
	}

	var verifiedAssertion *etree.Element
	if findChild(assertionEl, namespaceXMLDSig, "Signature") != nil {
		var err error
		verifiedAssertion, err = verifier.verify(assertionEl)
		if err != nil {
			return nil, err
		}
	}

	switch {
	case verifiedAssertion != nil:
		return verifiedAssertion, nil
	case verifiedResponse == nil:
		return nil, fmt.Errorf("neither the response nor the assertion is signed: %w", ErrUnsignedAssertion)
	case sp.cfg.WantAssertionsSigned:
		return nil, fmt.Errorf("policy requires a signature on the assertion itself: %w", ErrUnsignedAssertion)
	default:
		// Covered by the response-level signature only.
		return detachElement(assertionEl)
	}
}

func (sp *ServiceProvider) checkAudience(conditions *core.Conditions) error {
	if len(conditions.AudienceRestriction) == 0 {
		return fmt.Errorf("assertion carries no audience restriction: %w", ErrAudienceMismatch)
	}

	spEntityID := sp.cfg.EntityID.String()
	for _, restriction := range conditions.AudienceRestriction {
		for _, audience := range restriction.Audience {
			if audience.Value == spEntityID {
				return nil
			}
		}
	}

	return fmt.Errorf("assertion is not addressed to %q: %w", spEntityID, ErrAudienceMismatch)
}

// checkSubjectConfirmation validates the bearer confirmation data and
// returns the InResponseTo request ID, if the assertion references one. The
// pending-request table is only peeked here; consumption happens in the
// final commit.
func (sp *ServiceProvider) checkSubjectConfirmation(assertion *core.Assertion, now time.Time, skew time.Duration) (string, error) {
	if assertion.Subject == nil {
		return "", nil
	}

	for _, confirmation := range assertion.Subject.SubjectConfirmation {
		data := confirmation.SubjectConfirmationData
		if data == nil {
			continue
		}

		if !data.NotOnOrAfter.IsZero() && !now.Before(data.NotOnOrAfter.Add(skew)) {
			return "", fmt.Errorf(
				"subject confirmation expired at %s: %w",
				data.NotOnOrAfter, ErrAssertionExpired,
			)
		}

		if data.Recipient != "" && data.Recipient != sp.cfg.AssertionConsumerServiceURL.String() {
			return "", fmt.Errorf(
				"subject confirmation recipient %q is not this ACS: %w",
				data.Recipient, ErrAudienceMismatch,
			)
		}

		if data.InResponseTo != "" {
			if !sp.requests.Peek(data.InResponseTo, now) {
				return "", fmt.Errorf(
					"no pending authentication request matches InResponseTo: %w",
					ErrReplayDetected,
				)
			}
			return data.InResponseTo, nil
		}
	}

	return "", nil
}

// detachElement copies el together with the namespace declarations it
// inherits from its ancestors, so the copy serializes standalone.
func detachElement(el *etree.Element) (*etree.Element, error) {
	nsCtx, err := etreeutils.NSBuildParentContext(el)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	nsCtx, err = nsCtx.SubContext(el)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	detached, err := etreeutils.NSDetatch(nsCtx, el)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	return detached, nil
}
