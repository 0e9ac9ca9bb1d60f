package saml

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/ciathena/sso/saml/models/core"
	"github.com/ciathena/sso/saml/models/metadata"
)

// FetchIdPMetadata retrieves and parses the IdP's metadata document from the
// given URL.
func FetchIdPMetadata(ctx context.Context, metadataURL string) (*metadata.EntityDescriptorIDPSSO, error) {
	const op = "saml.FetchIdPMetadata"

	if metadataURL == "" {
		return nil, fmt.Errorf("%s: no metadata URL provided: %w", op, ErrInvalidParameter)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: cannot create request: %w", op, err)
	}

	client := cleanhttp.DefaultPooledClient()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: cannot fetch metadata: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: metadata endpoint returned %d: %w", op, resp.StatusCode, ErrInternal)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: cannot read metadata body: %w", op, err)
	}

	var ed metadata.EntityDescriptorIDPSSO
	if err := xml.Unmarshal(raw, &ed); err != nil {
		return nil, fmt.Errorf("%s: cannot parse metadata: %w", op, ErrMalformedXML)
	}

	return &ed, nil
}

var b64Whitespace = regexp.MustCompile(`\s+`)

// ConfigFromIdPMetadata fills the IdP-side fields of a Config from a fetched
// metadata document: entity ID, the HTTP-Redirect SSO endpoint and the first
// advertised signing certificate.
func ConfigFromIdPMetadata(cfg *Config, ed *metadata.EntityDescriptorIDPSSO) error {
	const op = "saml.ConfigFromIdPMetadata"

	if cfg == nil || ed == nil {
		return fmt.Errorf("%s: missing config or metadata: %w", op, ErrInvalidParameter)
	}

	location, ok := ed.GetLocationForBinding(core.ServiceBindingHTTPRedirect)
	if !ok {
		return fmt.Errorf("%s: IdP advertises no HTTP-Redirect SSO endpoint: %w", op, ErrInvalidParameter)
	}

	certs := ed.SigningCertificates()
	if len(certs) == 0 {
		return fmt.Errorf("%s: IdP advertises no signing certificate: %w", op, ErrInvalidParameter)
	}

	der, err := base64.StdEncoding.DecodeString(b64Whitespace.ReplaceAllString(certs[0], ""))
	if err != nil {
		return fmt.Errorf("%s: cannot decode IdP certificate: %w", op, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("%s: cannot parse IdP certificate: %w", op, err)
	}

	ssoURL, err := url.Parse(location)
	if err != nil {
		return fmt.Errorf("%s: cannot parse IdP SSO URL: %w", op, err)
	}

	cfg.IdPEntityID = ed.EntityID
	cfg.IdPSSOURL = ssoURL
	cfg.IdPCertificate = cert

	return nil
}
