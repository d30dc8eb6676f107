package secret

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/secretbox"
)

// Encode seals plaintext for recipientPub, generating a fresh
// ephemeral keypair, the way a secret-provisioning tool (outside
// Lithos's scope) would produce the "v2:<base64>" strings a sandbox's
// containers declare. Used by tests to exercise the encode/decode
// round-trip property.
func Encode(recipientPub [pubKeyLen]byte, plaintext []byte) (string, error) {
	var ephemeralPriv [keyLen]byte
	if _, err := rand.Read(ephemeralPriv[:]); err != nil {
		return "", fmt.Errorf("generate ephemeral key: %w", err)
	}
	ephemeralPriv[0] &= 248
	ephemeralPriv[31] &= 127
	ephemeralPriv[31] |= 64

	ephemeralPubSlice, err := curve25519.X25519(ephemeralPriv[:], curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("derive ephemeral public key: %w", err)
	}
	var ephemeralPub [pubKeyLen]byte
	copy(ephemeralPub[:], ephemeralPubSlice)

	sharedRaw, err := curve25519.X25519(ephemeralPriv[:], recipientPub[:])
	if err != nil {
		return "", fmt.Errorf("x25519: %w", err)
	}
	var sharedKey [keyLen]byte
	copy(sharedKey[:], sharedRaw)

	nonce := deriveNonce(ephemeralPub, recipientPub)

	sealed := secretbox.Seal(nil, plaintext, &nonce, &sharedKey)

	raw := make([]byte, 0, headerSize+len(sealed))
	raw = append(raw, recipientPub[:]...)
	raw = append(raw, ephemeralPub[:]...)
	raw = append(raw, sealed...)

	return envelopePrefix + base64.StdEncoding.EncodeToString(raw), nil
}

// GenerateEd25519Seed is a test helper: derives a curve25519 keypair
// directly from a random 32-byte ed25519 seed, mirroring
// deriveCurve25519 without requiring an OpenSSH-formatted key on disk.
func GenerateEd25519Seed() ([]byte, [keyLen]byte, [pubKeyLen]byte, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, [keyLen]byte{}, [pubKeyLen]byte{}, err
	}
	priv, pub := deriveCurve25519(seed)
	return seed, priv, pub, nil
}
