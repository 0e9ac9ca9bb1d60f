package saml

import (
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	"github.com/beevik/etree"
	"github.com/jonboulle/clockwork"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/russellhaering/goxmldsig/etreeutils"
)

const (
	namespaceXMLDSig = "http://www.w3.org/2000/09/xmldsig#"

	// XML-DSig algorithm identifiers. Only the listed algorithms are ever
	// accepted; anything else fails closed before cryptographic
	// verification is attempted.
	algSignatureRSASHA256 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	algSignatureRSASHA384 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha384"
	algSignatureRSASHA512 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha512"
	algSignatureRSASHA1   = "http://www.w3.org/2000/09/xmldsig#rsa-sha1"

	algDigestSHA256 = "http://www.w3.org/2001/04/xmlenc#sha256"
	algDigestSHA384 = "http://www.w3.org/2001/04/xmlenc#sha384"
	algDigestSHA512 = "http://www.w3.org/2001/04/xmlenc#sha512"
	algDigestSHA1   = "http://www.w3.org/2000/09/xmldsig#sha1"

	algC14NExclusive             = "http://www.w3.org/2001/10/xml-exc-c14n#"
	algC14NExclusiveWithComments = "http://www.w3.org/2001/10/xml-exc-c14n#WithComments"
	algC14N10                    = "http://www.w3.org/TR/2001/REC-xml-c14n-20010315"

	algTransformEnveloped = "http://www.w3.org/2000/09/xmldsig#enveloped-signature"
)

// signatureVerifier checks enveloped XML-DSig signatures on SAML elements
// against a single configured trust anchor. Canonicalization, digest and
// signature-value verification are delegated to goxmldsig; the verifier owns
// the algorithm allow-list, the trust-anchor pinning and the
// signature-wrapping defenses around that call.
type signatureVerifier struct {
	cert      *x509.Certificate
	clock     clockwork.Clock
	allowSHA1 bool
}

func (v *signatureVerifier) signatureAlgorithms() map[string]bool {
	algs := map[string]bool{
		algSignatureRSASHA256: true,
		algSignatureRSASHA384: true,
		algSignatureRSASHA512: true,
	}
	if v.allowSHA1 {
		algs[algSignatureRSASHA1] = true
	}

	return algs
}

func (v *signatureVerifier) digestAlgorithms() map[string]bool {
	algs := map[string]bool{
		algDigestSHA256: true,
		algDigestSHA384: true,
		algDigestSHA512: true,
	}
	if v.allowSHA1 {
		algs[algDigestSHA1] = true
	}

	return algs
}

func (v *signatureVerifier) canonicalizationAlgorithms() map[string]bool {
	return map[string]bool{
		algC14NExclusive:             true,
		algC14NExclusiveWithComments: true,
		algC14N10:                    true,
	}
}

// findChild returns the first direct child of parent with the given
// namespace URI and tag, or nil.
func findChild(parent *etree.Element, ns, tag string) *etree.Element {
	for _, child := range parent.ChildElements() {
		if child.Tag == tag && child.NamespaceURI() == ns {
			return child
		}
	}

	return nil
}

// verify validates the enveloped signature on el and returns the validated
// (canonicalized, signature-stripped) copy of the element. The returned
// element is the only safe source for any subsequent semantic
// interpretation; the input element must be discarded by the caller.
func (v *signatureVerifier) verify(el *etree.Element) (*etree.Element, error) {
	const op = "saml.signatureVerifier.verify"

	sigEl := findChild(el, namespaceXMLDSig, "Signature")
	if sigEl == nil {
		return nil, fmt.Errorf("%s: element carries no signature: %w", op, ErrUnsignedAssertion)
	}

	if err := v.checkAlgorithms(sigEl); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	elID := el.SelectAttrValue("ID", "")
	if elID == "" {
		return nil, fmt.Errorf("%s: signed element has no ID attribute: %w", op, ErrInvalidSignature)
	}

	// Signature-wrapping defense, part one: the signature reference must
	// point at exactly the element being verified, not merely at some node
	// that exists elsewhere in the document.
	if err := v.checkReference(sigEl, elID); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := v.checkPinnedCertificate(sigEl); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	certStore := &dsig.MemoryX509CertificateStore{
		Roots: []*x509.Certificate{v.cert},
	}

	validationContext := dsig.NewDefaultValidationContext(certStore)
	validationContext.IdAttribute = "ID"
	if v.clock != nil {
		validationContext.Clock = dsig.NewFakeClockAt(v.clock.Now())
	}

	// Detach the element with its inherited namespace declarations so that
	// exclusive canonicalization sees the same bytes the IdP signed.
	nsCtx, err := etreeutils.NSBuildParentContext(el)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, ErrInvalidSignature, err)
	}
	nsCtx, err = nsCtx.SubContext(el)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, ErrInvalidSignature, err)
	}
	detached, err := etreeutils.NSDetatch(nsCtx, el)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, ErrInvalidSignature, err)
	}

	validated, err := validationContext.Validate(detached)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, ErrInvalidSignature, err)
	}

	// Signature-wrapping defense, part two: the element goxmldsig actually
	// verified must be the one we were asked about.
	if validatedID := validated.SelectAttrValue("ID", ""); validatedID != elID {
		return nil, fmt.Errorf(
			"%s: validated element ID %q does not match expected ID %q: %w",
			op, validatedID, elID, ErrInvalidSignature,
		)
	}

	return validated, nil
}

// checkAlgorithms rejects any signature whose declared canonicalization,
// signature or digest algorithm is off the allow-list.
func (v *signatureVerifier) checkAlgorithms(sigEl *etree.Element) error {
	signedInfo := findChild(sigEl, namespaceXMLDSig, "SignedInfo")
	if signedInfo == nil {
		return fmt.Errorf("signature has no SignedInfo: %w", ErrInvalidSignature)
	}

	if c14nMethod := findChild(signedInfo, namespaceXMLDSig, "CanonicalizationMethod"); c14nMethod != nil {
		alg := c14nMethod.SelectAttrValue("Algorithm", "")
		if !v.canonicalizationAlgorithms()[alg] {
			return fmt.Errorf("canonicalization algorithm %q not allowed: %w", alg, ErrInvalidSignature)
		}
	}

	sigMethod := findChild(signedInfo, namespaceXMLDSig, "SignatureMethod")
	if sigMethod == nil {
		return fmt.Errorf("signature declares no SignatureMethod: %w", ErrInvalidSignature)
	}
	if alg := sigMethod.SelectAttrValue("Algorithm", ""); !v.signatureAlgorithms()[alg] {
		return fmt.Errorf("signature algorithm %q not allowed: %w", alg, ErrInvalidSignature)
	}

	for _, ref := range signedInfo.ChildElements() {
		if ref.Tag != "Reference" || ref.NamespaceURI() != namespaceXMLDSig {
			continue
		}
		digestMethod := findChild(ref, namespaceXMLDSig, "DigestMethod")
		if digestMethod == nil {
			return fmt.Errorf("signature reference declares no DigestMethod: %w", ErrInvalidSignature)
		}
		if alg := digestMethod.SelectAttrValue("Algorithm", ""); !v.digestAlgorithms()[alg] {
			return fmt.Errorf("digest algorithm %q not allowed: %w", alg, ErrInvalidSignature)
		}
	}

	return nil
}

// checkReference requires exactly one Reference whose URI names the signed
// element itself.
func (v *signatureVerifier) checkReference(sigEl *etree.Element, elID string) error {
	signedInfo := findChild(sigEl, namespaceXMLDSig, "SignedInfo")
	if signedInfo == nil {
		return fmt.Errorf("signature has no SignedInfo: %w", ErrInvalidSignature)
	}

	var refs []*etree.Element
	for _, child := range signedInfo.ChildElements() {
		if child.Tag == "Reference" && child.NamespaceURI() == namespaceXMLDSig {
			refs = append(refs, child)
		}
	}
	if len(refs) != 1 {
		return fmt.Errorf("expected exactly one signature reference, got %d: %w", len(refs), ErrInvalidSignature)
	}

	if uri := refs[0].SelectAttrValue("URI", ""); uri != "#"+elID {
		return fmt.Errorf("signature reference %q does not point at signed element %q: %w", uri, elID, ErrInvalidSignature)
	}

	return nil
}

var pemWhitespace = regexp.MustCompile(`\s+`)

// checkPinnedCertificate compares any certificate embedded in the
// signature's KeyInfo against the configured trust anchor. A mismatch is an
// untrusted-issuer failure rather than a bad signature: the signature may
// well verify under the presented key, but the key is not the IdP's.
func (v *signatureVerifier) checkPinnedCertificate(sigEl *etree.Element) error {
	keyInfo := findChild(sigEl, namespaceXMLDSig, "KeyInfo")
	if keyInfo == nil {
		return nil
	}
	x509Data := findChild(keyInfo, namespaceXMLDSig, "X509Data")
	if x509Data == nil {
		return nil
	}

	for _, certEl := range x509Data.ChildElements() {
		if certEl.Tag != "X509Certificate" || certEl.NamespaceURI() != namespaceXMLDSig {
			continue
		}

		der, err := base64.StdEncoding.DecodeString(
			pemWhitespace.ReplaceAllString(strings.TrimSpace(certEl.Text()), ""),
		)
		if err != nil {
			return fmt.Errorf("cannot decode embedded certificate: %w", ErrInvalidSignature)
		}

		if bytes.Equal(der, v.cert.Raw) {
			return nil
		}
	}

	return fmt.Errorf("embedded certificate does not match the configured IdP certificate: %w", ErrUntrustedIssuer)
}
