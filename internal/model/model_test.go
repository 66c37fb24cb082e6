package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_AllowedFromIsForwardOnly(t *testing.T) {
	assert.Equal(t, []TransactionStatus{StatusPending}, StatusProcessing.AllowedFrom())
	assert.Equal(t, []TransactionStatus{StatusPending}, StatusCancelled.AllowedFrom())
	assert.Equal(t, []TransactionStatus{StatusProcessing}, StatusCompleted.AllowedFrom())
	assert.Equal(t, []TransactionStatus{StatusProcessing}, StatusFailed.AllowedFrom())
	assert.True(t, StatusFailed.Outcome())
	assert.False(t, StatusCancelled.Outcome())
	assert.Empty(t, StatusPending.AllowedFrom())

	for _, s := range []TransactionStatus{StatusCompleted, StatusFailed, StatusCancelled} {
		assert.True(t, s.Terminal(), s)
	}
	assert.False(t, StatusProcessing.Terminal())
}

func TestMetadata_RoundTrip(t *testing.T) {
	m := Metadata{MetaCrossPlatform: true, MetaProtocol: "rapyd"}
	v, err := m.Value()
	require.NoError(t, err)

	var back Metadata
	require.NoError(t, back.Scan([]byte(v.(string))))
	assert.Equal(t, true, back[MetaCrossPlatform])
	assert.Equal(t, "rapyd", back.String(MetaProtocol))
	assert.Equal(t, "", back.String("missing"))

	var empty Metadata
	require.NoError(t, empty.Scan(nil))
	assert.NotNil(t, empty)
	assert.Error(t, empty.Scan(42))
}

func TestParseProvider(t *testing.T) {
	p, ok := ParseProvider(" paypal ")
	assert.True(t, ok)
	assert.Equal(t, ProviderPayPal, p)

	p, ok = ParseProvider("braintree")
	assert.True(t, ok)
	assert.Equal(t, ProviderVenmo, p)

	_, ok = ParseProvider("zelle")
	assert.False(t, ok)
}

func TestWallet_Capabilities(t *testing.T) {
	w := Wallet{Capabilities: "send,receive"}
	assert.True(t, w.Can(CapabilitySend))
	assert.False(t, w.Can(CapabilityMultiCurrency))
	assert.Nil(t, (&Wallet{}).CapabilityList())
}
