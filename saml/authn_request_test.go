package saml

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"encoding/xml"
	"io"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ciathena/sso/saml/models/core"
	testprovider "github.com/ciathena/sso/saml/test"
)

func testServiceProvider(t *testing.T) *ServiceProvider {
	t.Helper()

	idp, err := testprovider.NewTestIdP()
	require.NoError(t, err)

	cfg, err := NewConfig(
		"https://sp.example.org/saml",
		"https://sp.example.org/saml/acs",
		testprovider.EntityID,
		testprovider.SSOURL,
		idp.CertificatePEM(),
	)
	require.NoError(t, err)

	sp, err := NewServiceProvider(cfg)
	require.NoError(t, err)

	return sp
}

func TestServiceProvider_CreateAuthnRequest(t *testing.T) {
	sp := testServiceProvider(t)
	clock := clockwork.NewFakeClockAt(time.Now().Truncate(time.Second))

	t.Run("defaults", func(t *testing.T) {
		ar, err := sp.CreateAuthnRequest("_test-id", WithClock(clock))
		require.NoError(t, err)

		assert.Equal(t, "_test-id", ar.ID)
		assert.Equal(t, core.SAMLVersion2, ar.Version)
		assert.Equal(t, clock.Now().UTC(), ar.IssueInstant)
		assert.Equal(t, testprovider.SSOURL, ar.Destination)
		assert.Equal(t, "https://sp.example.org/saml", ar.Issuer.Value)
		assert.Equal(t, "https://sp.example.org/saml/acs", ar.AssertionConsumerServiceURL)
		assert.Equal(t, core.ServiceBindingHTTPPost, ar.ProtocolBinding)
		assert.False(t, ar.ForceAuthn)
		require.NotNil(t, ar.NameIDPolicy)
		assert.Equal(t, core.NameIDFormatEmail, ar.NameIDPolicy.Format)
	})

	t.Run("options", func(t *testing.T) {
		ar, err := sp.CreateAuthnRequest("_test-id",
			ForceAuthn(),
			AllowCreate(),
			WithNameIDFormat(core.NameIDFormatPersistent),
			WithProviderName("example app"),
		)
		require.NoError(t, err)

		assert.True(t, ar.ForceAuthn)
		assert.True(t, ar.NameIDPolicy.AllowCreate)
		assert.Equal(t, core.NameIDFormatPersistent, ar.NameIDPolicy.Format)
		assert.Equal(t, "example app", ar.ProviderName)
	})

	t.Run("missing-id", func(t *testing.T) {
		_, err := sp.CreateAuthnRequest("")
		require.ErrorIs(t, err, ErrInvalidParameter)
	})
}

func TestServiceProvider_AuthnRequestRedirect(t *testing.T) {
	sp := testServiceProvider(t)
	clock := clockwork.NewFakeClockAt(time.Now().Truncate(time.Second))

	redirect, ar, err := sp.AuthnRequestRedirect("state-123", WithClock(clock))
	require.NoError(t, err)

	assert.Equal(t, "testidp.example.org", redirect.Host)
	assert.Equal(t, "state-123", redirect.Query().Get("RelayState"))

	// The SAMLRequest parameter must round-trip through
	// base64/DEFLATE back to the request we were handed.
	encoded := redirect.Query().Get("SAMLRequest")
	require.NotEmpty(t, encoded)

	compressed, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)

	payload, err := io.ReadAll(flate.NewReader(bytes.NewReader(compressed)))
	require.NoError(t, err)

	var decoded core.AuthnRequest
	require.NoError(t, xml.Unmarshal(payload, &decoded))
	assert.Equal(t, ar.ID, decoded.ID)
	assert.Equal(t, testprovider.SSOURL, decoded.Destination)

	// The request ID must be registered as pending so the response can be
	// correlated.
	assert.True(t, sp.ReplayCache().Peek(ar.ID, clock.Now()))
	assert.False(t, sp.ReplayCache().Peek(ar.ID, clock.Now().Add(DefaultAuthnRequestTTL+time.Second)),
		"pending requests must expire")
}

func TestDeflate(t *testing.T) {
	encoded, err := Deflate([]byte("<AuthnRequest/>"))
	require.NoError(t, err)

	compressed, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)

	payload, err := io.ReadAll(flate.NewReader(bytes.NewReader(compressed)))
	require.NoError(t, err)
	assert.Equal(t, "<AuthnRequest/>", string(payload))
}
