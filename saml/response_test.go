package saml

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ciathena/sso/saml/models/core"
	testprovider "github.com/ciathena/sso/saml/test"
)

const (
	testSPEntityID = "https://sp.example.org/saml"
	testSPACSURL   = "https://sp.example.org/saml/acs"
	testNameID     = "alice@example.org"
)

type responseFixture struct {
	idp   *testprovider.TestIdP
	sp    *ServiceProvider
	clock clockwork.Clock
	now   time.Time
}

func newResponseFixture(t *testing.T, mutate ...func(*Config)) *responseFixture {
	t.Helper()

	idp, err := testprovider.NewTestIdP()
	require.NoError(t, err)

	cfg, err := NewConfig(testSPEntityID, testSPACSURL, testprovider.EntityID, testprovider.SSOURL, idp.CertificatePEM())
	require.NoError(t, err)
	for _, m := range mutate {
		m(cfg)
	}

	sp, err := NewServiceProvider(cfg)
	require.NoError(t, err)

	// The signing certificate is only valid around the real present, so
	// the pinned test clock has to live there too.
	now := time.Now().Truncate(time.Second)

	return &responseFixture{
		idp:   idp,
		sp:    sp,
		clock: clockwork.NewFakeClockAt(now),
		now:   now,
	}
}

// pendingRequest registers a fresh request ID so a response referencing it
// correlates.
func (f *responseFixture) pendingRequest(t *testing.T) string {
	t.Helper()

	id, err := GenerateAuthRequestID()
	require.NoError(t, err)
	f.sp.ReplayCache().Put(id, f.now.Add(DefaultAuthnRequestTTL))

	return id
}

func (f *responseFixture) validOptions(requestID string) testprovider.ResponseOptions {
	return testprovider.ResponseOptions{
		Audience:     testSPEntityID,
		Recipient:    testSPACSURL,
		NameID:       testNameID,
		InResponseTo: requestID,
		SessionIndex: "_session-1",
		Attributes: map[string][]string{
			"groups": {"admins", "users"},
		},
	}
}

func TestServiceProvider_ParseResponse(t *testing.T) {
	t.Run("valid-assertion-signed", func(t *testing.T) {
		f := newResponseFixture(t)
		reqID := f.pendingRequest(t)

		encoded, err := f.idp.SignedResponse(f.now, f.validOptions(reqID))
		require.NoError(t, err)

		identity, err := f.sp.ParseResponse(encoded, WithClock(f.clock))
		require.NoError(t, err)

		assert.Equal(t, testNameID, identity.NameID)
		assert.Equal(t, core.NameIDFormatEmail, identity.NameIDFormat)
		assert.Equal(t, testprovider.EntityID, identity.Issuer)
		assert.Equal(t, "_session-1", identity.SessionIndex)
		assert.True(t, identity.AuthnInstant.Equal(f.now), "authn instant must round-trip")
		assert.Equal(t, []string{"admins", "users"}, identity.Attributes["groups"])
	})

	t.Run("valid-both-signed", func(t *testing.T) {
		f := newResponseFixture(t)
		reqID := f.pendingRequest(t)

		o := f.validOptions(reqID)
		o.SignAssertion = true
		o.SignResponse = true
		encoded, err := f.idp.SignedResponse(f.now, o)
		require.NoError(t, err)

		identity, err := f.sp.ParseResponse(encoded, WithClock(f.clock))
		require.NoError(t, err)
		assert.Equal(t, testNameID, identity.NameID)
	})

	t.Run("response-signed-only-accepted-when-policy-relaxed", func(t *testing.T) {
		f := newResponseFixture(t, func(c *Config) { c.WantAssertionsSigned = false })
		reqID := f.pendingRequest(t)

		o := f.validOptions(reqID)
		o.SignResponse = true
		encoded, err := f.idp.SignedResponse(f.now, o)
		require.NoError(t, err)

		identity, err := f.sp.ParseResponse(encoded, WithClock(f.clock))
		require.NoError(t, err)
		assert.Equal(t, testNameID, identity.NameID)
	})

	t.Run("response-signed-only-rejected-by-default", func(t *testing.T) {
		f := newResponseFixture(t)
		reqID := f.pendingRequest(t)

		o := f.validOptions(reqID)
		o.SignResponse = true
		encoded, err := f.idp.SignedResponse(f.now, o)
		require.NoError(t, err)

		_, err = f.sp.ParseResponse(encoded, WithClock(f.clock))
		require.ErrorIs(t, err, ErrUnsignedAssertion)
	})

	t.Run("completely-unsigned", func(t *testing.T) {
		f := newResponseFixture(t)
		reqID := f.pendingRequest(t)

		o := f.validOptions(reqID)
		o.OmitAllSignatures = true
		encoded, err := f.idp.SignedResponse(f.now, o)
		require.NoError(t, err)

		_, err = f.sp.ParseResponse(encoded, WithClock(f.clock))
		require.ErrorIs(t, err, ErrUnsignedAssertion)
	})

	t.Run("tampered-assertion", func(t *testing.T) {
		f := newResponseFixture(t)
		reqID := f.pendingRequest(t)

		encoded, err := f.idp.SignedResponse(f.now, f.validOptions(reqID))
		require.NoError(t, err)

		// Change the asserted subject after signing.
		raw, err := base64.StdEncoding.DecodeString(encoded)
		require.NoError(t, err)
		tampered := strings.Replace(string(raw), testNameID, "mallory@example.org", 1)
		require.NotEqual(t, string(raw), tampered)

		_, err = f.sp.ParseResponse(base64.StdEncoding.EncodeToString([]byte(tampered)), WithClock(f.clock))
		require.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("signed-by-unknown-key", func(t *testing.T) {
		f := newResponseFixture(t)
		reqID := f.pendingRequest(t)

		rogue, err := testprovider.NewTestIdP()
		require.NoError(t, err)

		encoded, err := rogue.SignedResponse(f.now, f.validOptions(reqID))
		require.NoError(t, err)

		_, err = f.sp.ParseResponse(encoded, WithClock(f.clock))
		require.ErrorIs(t, err, ErrUntrustedIssuer)
	})

	t.Run("replayed-response", func(t *testing.T) {
		f := newResponseFixture(t)
		reqID := f.pendingRequest(t)

		encoded, err := f.idp.SignedResponse(f.now, f.validOptions(reqID))
		require.NoError(t, err)

		_, err = f.sp.ParseResponse(encoded, WithClock(f.clock))
		require.NoError(t, err)

		_, err = f.sp.ParseResponse(encoded, WithClock(f.clock))
		require.ErrorIs(t, err, ErrReplayDetected)
	})

	t.Run("unknown-in-response-to", func(t *testing.T) {
		f := newResponseFixture(t)

		encoded, err := f.idp.SignedResponse(f.now, f.validOptions("_never-issued"))
		require.NoError(t, err)

		_, err = f.sp.ParseResponse(encoded, WithClock(f.clock))
		require.ErrorIs(t, err, ErrReplayDetected)
	})

	t.Run("expired-assertion", func(t *testing.T) {
		f := newResponseFixture(t)
		reqID := f.pendingRequest(t)

		o := f.validOptions(reqID)
		o.NotBefore = f.now.Add(-20 * time.Minute)
		o.NotOnOrAfter = f.now.Add(-10 * time.Minute)
		encoded, err := f.idp.SignedResponse(f.now, o)
		require.NoError(t, err)

		_, err = f.sp.ParseResponse(encoded, WithClock(f.clock))
		require.ErrorIs(t, err, ErrAssertionExpired)
	})

	t.Run("assertion-not-yet-valid", func(t *testing.T) {
		f := newResponseFixture(t)
		reqID := f.pendingRequest(t)

		o := f.validOptions(reqID)
		o.NotBefore = f.now.Add(10 * time.Minute)
		o.NotOnOrAfter = f.now.Add(20 * time.Minute)
		encoded, err := f.idp.SignedResponse(f.now, o)
		require.NoError(t, err)

		_, err = f.sp.ParseResponse(encoded, WithClock(f.clock))
		require.ErrorIs(t, err, ErrAssertionNotYetValid)
	})

	t.Run("within-clock-skew", func(t *testing.T) {
		f := newResponseFixture(t)
		reqID := f.pendingRequest(t)

		// Expired thirty seconds ago, but the default skew is one minute.
		o := f.validOptions(reqID)
		o.NotBefore = f.now.Add(-10 * time.Minute)
		o.NotOnOrAfter = f.now.Add(-30 * time.Second)
		encoded, err := f.idp.SignedResponse(f.now, o)
		require.NoError(t, err)

		_, err = f.sp.ParseResponse(encoded, WithClock(f.clock))
		require.NoError(t, err)
	})

	t.Run("audience-mismatch", func(t *testing.T) {
		f := newResponseFixture(t)
		reqID := f.pendingRequest(t)

		o := f.validOptions(reqID)
		o.Audience = "https://sp2.example.org/saml"
		encoded, err := f.idp.SignedResponse(f.now, o)
		require.NoError(t, err)

		_, err = f.sp.ParseResponse(encoded, WithClock(f.clock))
		require.ErrorIs(t, err, ErrAudienceMismatch)
	})

	t.Run("recipient-mismatch", func(t *testing.T) {
		f := newResponseFixture(t)
		reqID := f.pendingRequest(t)

		o := f.validOptions(reqID)
		o.Recipient = "https://sp2.example.org/saml/acs"
		encoded, err := f.idp.SignedResponse(f.now, o)
		require.NoError(t, err)

		_, err = f.sp.ParseResponse(encoded, WithClock(f.clock))
		require.ErrorIs(t, err, ErrAudienceMismatch)
	})

	t.Run("issuer-mismatch", func(t *testing.T) {
		f := newResponseFixture(t)
		reqID := f.pendingRequest(t)

		o := f.validOptions(reqID)
		o.Issuer = "https://rogue.example.org/saml"
		encoded, err := f.idp.SignedResponse(f.now, o)
		require.NoError(t, err)

		_, err = f.sp.ParseResponse(encoded, WithClock(f.clock))
		require.ErrorIs(t, err, ErrIssuerMismatch)
	})

	t.Run("idp-reported-failure", func(t *testing.T) {
		f := newResponseFixture(t)
		reqID := f.pendingRequest(t)

		o := f.validOptions(reqID)
		o.StatusCode = core.StatusCodeAuthnFailed
		encoded, err := f.idp.SignedResponse(f.now, o)
		require.NoError(t, err)

		_, err = f.sp.ParseResponse(encoded, WithClock(f.clock))
		require.ErrorIs(t, err, ErrIdPReportedFailure)
	})

	t.Run("missing-name-id", func(t *testing.T) {
		f := newResponseFixture(t)
		reqID := f.pendingRequest(t)

		o := f.validOptions(reqID)
		o.OmitNameID = true
		encoded, err := f.idp.SignedResponse(f.now, o)
		require.NoError(t, err)

		_, err = f.sp.ParseResponse(encoded, WithClock(f.clock))
		require.ErrorIs(t, err, ErrMissingSubjectIdentifier)
	})

	t.Run("missing-conditions", func(t *testing.T) {
		f := newResponseFixture(t)
		reqID := f.pendingRequest(t)

		o := f.validOptions(reqID)
		o.OmitConditions = true
		encoded, err := f.idp.SignedResponse(f.now, o)
		require.NoError(t, err)

		_, err = f.sp.ParseResponse(encoded, WithClock(f.clock))
		require.ErrorIs(t, err, ErrMalformedXML)
	})

	t.Run("failed-validation-leaves-request-pending", func(t *testing.T) {
		f := newResponseFixture(t)
		reqID := f.pendingRequest(t)

		o := f.validOptions(reqID)
		o.Audience = "https://sp2.example.org/saml"
		encoded, err := f.idp.SignedResponse(f.now, o)
		require.NoError(t, err)

		_, err = f.sp.ParseResponse(encoded, WithClock(f.clock))
		require.ErrorIs(t, err, ErrAudienceMismatch)

		// The request must survive the failure so a corrected response
		// can still complete the login.
		assert.True(t, f.sp.ReplayCache().Peek(reqID, f.now))
	})

	t.Run("not-base64", func(t *testing.T) {
		f := newResponseFixture(t)
		_, err := f.sp.ParseResponse("%%%not-base64%%%", WithClock(f.clock))
		require.ErrorIs(t, err, ErrMalformedXML)
	})

	t.Run("not-xml", func(t *testing.T) {
		f := newResponseFixture(t)
		encoded := base64.StdEncoding.EncodeToString([]byte("this is not xml"))
		_, err := f.sp.ParseResponse(encoded, WithClock(f.clock))
		require.ErrorIs(t, err, ErrMalformedXML)
	})

	t.Run("empty", func(t *testing.T) {
		f := newResponseFixture(t)
		_, err := f.sp.ParseResponse("", WithClock(f.clock))
		require.ErrorIs(t, err, ErrInvalidParameter)
	})
}

func TestServiceProvider_ParseResponse_Concurrent(t *testing.T) {
	f := newResponseFixture(t)
	reqID := f.pendingRequest(t)

	encoded, err := f.idp.SignedResponse(f.now, f.validOptions(reqID))
	require.NoError(t, err)

	const workers = 8
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			_, err := f.sp.ParseResponse(encoded, WithClock(f.clock))
			results <- err
		}()
	}

	accepted := 0
	for i := 0; i < workers; i++ {
		if err := <-results; err == nil {
			accepted++
		} else {
			require.ErrorIs(t, err, ErrReplayDetected)
		}
	}
	assert.Equal(t, 1, accepted, "exactly one concurrent submission may win")
}
