package secret

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripEncodeDecode(t *testing.T) {
	_, priv, pub, err := GenerateEd25519Seed()
	require.NoError(t, err)

	kr := NewKeyring()
	kr.byPublic[pub] = priv

	envelope, err := Encode(pub, []byte("s3cr3t-value"))
	require.NoError(t, err)
	assert.Contains(t, envelope, envelopePrefix)

	plaintext, err := Decode(kr, envelope)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t-value", string(plaintext))
}

func TestDecodeAllRoundTrip(t *testing.T) {
	_, priv, pub, err := GenerateEd25519Seed()
	require.NoError(t, err)

	kr := NewKeyring()
	kr.byPublic[pub] = priv

	dbPass, err := Encode(pub, []byte("hunter2"))
	require.NoError(t, err)
	apiKey, err := Encode(pub, []byte("abc123"))
	require.NoError(t, err)

	out, err := DecodeAll(kr, []string{"DB_PASSWORD=" + dbPass, "API_KEY=" + apiKey})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"DB_PASSWORD=hunter2", "API_KEY=abc123"}, out)
}

func TestDecodeRejectsUnknownRecipient(t *testing.T) {
	_, _, pub, err := GenerateEd25519Seed()
	require.NoError(t, err)

	envelope, err := Encode(pub, []byte("value"))
	require.NoError(t, err)

	_, err = Decode(NewKeyring(), envelope)
	assert.ErrorContains(t, err, "no key for recipient")
}

func TestDecodeRejectsTamperedCiphertext(t *testing.T) {
	_, priv, pub, err := GenerateEd25519Seed()
	require.NoError(t, err)

	kr := NewKeyring()
	kr.byPublic[pub] = priv

	envelope, err := Encode(pub, []byte("value"))
	require.NoError(t, err)

	tampered := envelope[:len(envelope)-4] + "AAAA"
	_, err = Decode(kr, tampered)
	assert.Error(t, err)
}

func TestDecodeRejectsMalformedPrefix(t *testing.T) {
	_, err := Decode(NewKeyring(), "v1:whatever")
	assert.ErrorContains(t, err, "not a v2 envelope")
}

func TestDecodeAllRejectsMalformedEntry(t *testing.T) {
	_, err := DecodeAll(NewKeyring(), []string{"NO_EQUALS_SIGN"})
	assert.Error(t, err)
}
