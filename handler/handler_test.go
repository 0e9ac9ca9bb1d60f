package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ciathena/sso/saml"
	testprovider "github.com/ciathena/sso/saml/test"
	"github.com/ciathena/sso/token"
)

const (
	spEntityID = "https://sp.example.org/saml"
	spACSURL   = "https://sp.example.org/saml/acs"
	userEmail  = "alice@example.org"
)

type fixture struct {
	idp    *testprovider.TestIdP
	sp     *saml.ServiceProvider
	issuer *token.Issuer
	logger hclog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	idp, err := testprovider.NewTestIdP()
	require.NoError(t, err)

	cfg, err := saml.NewConfig(spEntityID, spACSURL, testprovider.EntityID, testprovider.SSOURL, idp.CertificatePEM())
	require.NoError(t, err)

	sp, err := saml.NewServiceProvider(cfg)
	require.NoError(t, err)

	directory := token.NewStaticDirectory(&token.Principal{ID: "user-1", Email: userEmail})
	issuer, err := token.NewIssuer(
		[]byte("0123456789abcdef0123456789abcdef"),
		"sso-server", "sso-clients", directory,
	)
	require.NoError(t, err)

	return &fixture{
		idp:    idp,
		sp:     sp,
		issuer: issuer,
		logger: hclog.NewNullLogger(),
	}
}

// signedResponse registers a pending request and returns a matching signed
// response, as if a login had just round-tripped through the IdP.
func (f *fixture) signedResponse(t *testing.T, mutate ...func(*testprovider.ResponseOptions)) string {
	t.Helper()

	now := time.Now().Truncate(time.Second)
	reqID, err := saml.GenerateAuthRequestID()
	require.NoError(t, err)
	f.sp.ReplayCache().Put(reqID, now.Add(saml.DefaultAuthnRequestTTL))

	o := testprovider.ResponseOptions{
		Audience:     spEntityID,
		Recipient:    spACSURL,
		NameID:       userEmail,
		InResponseTo: reqID,
	}
	for _, m := range mutate {
		m(&o)
	}

	encoded, err := f.idp.SignedResponse(now, o)
	require.NoError(t, err)

	return encoded
}

func postForm(t *testing.T, h http.HandlerFunc, target string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h(w, req)

	return w
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	h := Login(f.logger, f.sp)

	req := httptest.NewRequest(http.MethodGet, "/login?relay_state=after-login", nil)
	w := httptest.NewRecorder()
	h(w, req)

	require.Equal(t, http.StatusFound, w.Code)

	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "testidp.example.org", location.Host)
	assert.NotEmpty(t, location.Query().Get("SAMLRequest"))
	assert.Equal(t, "after-login", location.Query().Get("RelayState"))
}

func TestACS(t *testing.T) {
	t.Run("valid-login", func(t *testing.T) {
		f := newFixture(t)
		h := ACS(f.logger, f.sp, f.issuer)

		w := postForm(t, h, "/acs", url.Values{"SAMLResponse": {f.signedResponse(t)}})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var pair token.Pair
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pair))
		assert.Equal(t, token.TokenTypeBearer, pair.TokenType)

		claims, err := f.issuer.Verify(pair.AccessToken, token.UseAccess)
		require.NoError(t, err)
		assert.Equal(t, userEmail, claims.Email)
	})

	t.Run("missing-response", func(t *testing.T) {
		f := newFixture(t)
		h := ACS(f.logger, f.sp, f.issuer)

		w := postForm(t, h, "/acs", url.Values{})
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("garbage-response", func(t *testing.T) {
		f := newFixture(t)
		h := ACS(f.logger, f.sp, f.issuer)

		w := postForm(t, h, "/acs", url.Values{"SAMLResponse": {"!!!"}})
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("validation-failure", func(t *testing.T) {
		f := newFixture(t)
		h := ACS(f.logger, f.sp, f.issuer)

		encoded := f.signedResponse(t, func(o *testprovider.ResponseOptions) {
			o.Audience = "https://sp2.example.org/saml"
		})

		w := postForm(t, h, "/acs", url.Values{"SAMLResponse": {encoded}})
		require.Equal(t, http.StatusUnauthorized, w.Code)
		assert.NotContains(t, w.Body.String(), "audience",
			"failure details must not leak to the client")
	})

	t.Run("replayed-response", func(t *testing.T) {
		f := newFixture(t)
		h := ACS(f.logger, f.sp, f.issuer)

		encoded := f.signedResponse(t)
		form := url.Values{"SAMLResponse": {encoded}}

		require.Equal(t, http.StatusOK, postForm(t, h, "/acs", form).Code)
		require.Equal(t, http.StatusUnauthorized, postForm(t, h, "/acs", form).Code)
	})

	t.Run("unknown-principal", func(t *testing.T) {
		f := newFixture(t)
		h := ACS(f.logger, f.sp, f.issuer)

		encoded := f.signedResponse(t, func(o *testprovider.ResponseOptions) {
			o.NameID = "stranger@example.org"
		})

		w := postForm(t, h, "/acs", url.Values{"SAMLResponse": {encoded}})
		require.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestRefresh(t *testing.T) {
	f := newFixture(t)
	acs := ACS(f.logger, f.sp, f.issuer)
	refresh := Refresh(f.logger, f.issuer)

	w := postForm(t, acs, "/acs", url.Values{"SAMLResponse": {f.signedResponse(t)}})
	require.Equal(t, http.StatusOK, w.Code)

	var pair token.Pair
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pair))

	t.Run("valid", func(t *testing.T) {
		w := postForm(t, refresh, "/refresh", url.Values{"refresh_token": {pair.RefreshToken}})
		require.Equal(t, http.StatusOK, w.Code)

		var fresh token.Pair
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fresh))
		assert.NotEmpty(t, fresh.AccessToken)
	})

	t.Run("missing-token", func(t *testing.T) {
		w := postForm(t, refresh, "/refresh", url.Values{})
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("access-token-rejected", func(t *testing.T) {
		w := postForm(t, refresh, "/refresh", url.Values{"refresh_token": {pair.AccessToken}})
		require.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestMetadata(t *testing.T) {
	f := newFixture(t)
	h := Metadata(f.logger, f.sp)

	req := httptest.NewRequest(http.MethodGet, "/metadata", nil)
	w := httptest.NewRecorder()
	h(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/samlmetadata+xml", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), `entityID="`+spEntityID+`"`)
	assert.Contains(t, w.Body.String(), "AssertionConsumerService")
}
