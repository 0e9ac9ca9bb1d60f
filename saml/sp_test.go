package saml

import (
	"encoding/xml"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ciathena/sso/saml/models/core"
)

func TestNewServiceProvider(t *testing.T) {
	t.Run("nil-config", func(t *testing.T) {
		_, err := NewServiceProvider(nil)
		require.ErrorIs(t, err, ErrInvalidParameter)
	})

	t.Run("invalid-config", func(t *testing.T) {
		_, err := NewServiceProvider(&Config{})
		require.ErrorIs(t, err, ErrInvalidParameter)
	})

	t.Run("valid", func(t *testing.T) {
		sp := testServiceProvider(t)
		require.NotNil(t, sp.Config())
		require.NotNil(t, sp.ReplayCache())
	})
}

func TestServiceProvider_CreateMetadata(t *testing.T) {
	sp := testServiceProvider(t)

	meta := sp.CreateMetadata()
	require.NotNil(t, meta)

	assert.Equal(t, "https://sp.example.org/saml", meta.EntityID)
	require.Len(t, meta.SPSSODescriptor, 1)

	desc := meta.SPSSODescriptor[0]
	assert.True(t, desc.WantAssertionsSigned)
	assert.False(t, desc.AuthnRequestsSigned)
	assert.Equal(t, []core.NameIDFormat{core.NameIDFormatEmail}, desc.NameIDFormat)

	require.Len(t, desc.AssertionConsumerService, 1)
	acs := desc.AssertionConsumerService[0]
	assert.Equal(t, core.ServiceBindingHTTPPost, acs.Binding)
	assert.Equal(t, "https://sp.example.org/saml/acs", acs.Location)
	assert.True(t, acs.IsDefault)

	// The document must serialize cleanly.
	out, err := xml.MarshalIndent(meta, "", "  ")
	require.NoError(t, err)
	assert.Contains(t, string(out), `entityID="https://sp.example.org/saml"`)
	assert.Contains(t, string(out), "SPSSODescriptor")
}
