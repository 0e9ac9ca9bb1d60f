package saml

import "errors"

var (
	ErrInternal         = errors.New("internal error")
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrMalformedXML indicates the SAMLResponse payload could not be
	// decoded or did not survive round-trip validation.
	ErrMalformedXML = errors.New("malformed xml")

	// ErrInvalidSignature indicates a digest or signature value did not
	// verify, a disallowed algorithm was declared, or the signature
	// reference did not point at the element being verified.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrUntrustedIssuer indicates the certificate presented with the
	// signature does not match the configured trust anchor.
	ErrUntrustedIssuer = errors.New("untrusted issuer")

	// ErrIssuerMismatch indicates the response or assertion issuer does not
	// equal the configured IdP entity ID.
	ErrIssuerMismatch = errors.New("issuer mismatch")

	// ErrUnsignedAssertion indicates no signature covered the assertion
	// although the provider policy requires one.
	ErrUnsignedAssertion = errors.New("assertion not signed")

	ErrAssertionExpired     = errors.New("assertion expired")
	ErrAssertionNotYetValid = errors.New("assertion not yet valid")

	// ErrAudienceMismatch indicates the assertion is not addressed to this
	// service provider.
	ErrAudienceMismatch = errors.New("audience mismatch")

	// ErrReplayDetected indicates the assertion or its InResponseTo request
	// ID was already consumed, or references no pending request.
	ErrReplayDetected = errors.New("replay detected")

	ErrMissingSubjectIdentifier = errors.New("missing subject identifier")

	// ErrIdPReportedFailure indicates the IdP returned a non-Success
	// top-level status code.
	ErrIdPReportedFailure = errors.New("identity provider reported failure")
)
