// Package secret decodes the "v2:<base64>" sealed-box envelopes a
// container's declared secrets arrive as. Sandbox private
// keys are OpenSSH ed25519 keys; each is converted to its curve25519
// counterpart once and indexed by the 32-byte curve25519 public key
// so an envelope's recipient_pub can be looked up directly.
package secret

import (
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/ssh"

	"github.com/lithos-run/lithos/pkg/lerr"
)

const envelopePrefix = "v2:"

const (
	pubKeyLen  = 32
	nonceLen   = 24
	keyLen     = 32
	headerSize = 2 * pubKeyLen
)

// Keyring indexes curve25519 private keys by their public half so an
// envelope's recipient_pub can resolve directly to a decryption key.
type Keyring struct {
	byPublic map[[pubKeyLen]byte][keyLen]byte
}

// NewKeyring builds an empty Keyring.
func NewKeyring() *Keyring {
	return &Keyring{byPublic: make(map[[pubKeyLen]byte][keyLen]byte)}
}

// AddOpenSSHEd25519 parses an unencrypted OpenSSH ed25519 private key
// (PEM text), derives its curve25519 keypair, and indexes it.
func (kr *Keyring) AddOpenSSHEd25519(pemBytes []byte) error {
	raw, err := ssh.ParseRawPrivateKey(pemBytes)
	if err != nil {
		return lerr.NewConfigError("sandbox private key", err)
	}

	edKey, ok := raw.(*ed25519.PrivateKey)
	if !ok {
		return lerr.NewConfigError("sandbox private key", fmt.Errorf("not an ed25519 key"))
	}

	priv, pub := deriveCurve25519(edKey.Seed())
	kr.byPublic[pub] = priv
	return nil
}

// lookup resolves recipientPub to its curve25519 private key,
// failing with "no key for recipient" if absent.
func (kr *Keyring) lookup(recipientPub [pubKeyLen]byte) ([keyLen]byte, error) {
	priv, ok := kr.byPublic[recipientPub]
	if !ok {
		return [keyLen]byte{}, fmt.Errorf("no key for recipient")
	}
	return priv, nil
}

// Decode unseals a single "v2:<base64>" envelope against kr, returning
// the plaintext.
func Decode(kr *Keyring, envelope string) ([]byte, error) {
	if !strings.HasPrefix(envelope, envelopePrefix) {
		return nil, fmt.Errorf("not a v2 envelope")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(envelope, envelopePrefix))
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	if len(raw) < headerSize+secretbox.Overhead {
		return nil, fmt.Errorf("envelope too short")
	}

	var recipientPub, ephemeralPub [pubKeyLen]byte
	copy(recipientPub[:], raw[0:pubKeyLen])
	copy(ephemeralPub[:], raw[pubKeyLen:headerSize])
	ciphertext := raw[headerSize:]

	recipientPriv, err := kr.lookup(recipientPub)
	if err != nil {
		return nil, err
	}

	sharedRaw, err := curve25519.X25519(recipientPriv[:], ephemeralPub[:])
	if err != nil {
		return nil, fmt.Errorf("x25519: %w", err)
	}
	var sharedKey [keyLen]byte
	copy(sharedKey[:], sharedRaw)

	nonce := deriveNonce(ephemeralPub, recipientPub)

	plaintext, ok := secretbox.Open(nil, ciphertext, &nonce, &sharedKey)
	if !ok {
		return nil, fmt.Errorf("authentication failed")
	}
	return plaintext, nil
}

func deriveNonce(ephemeralPub, recipientPub [pubKeyLen]byte) [nonceLen]byte {
	h, _ := blake2b.New256(nil)
	h.Write(ephemeralPub[:])
	h.Write(recipientPub[:])
	sum := h.Sum(nil)

	var nonce [nonceLen]byte
	copy(nonce[:], sum[:nonceLen])
	return nonce
}

// deriveCurve25519 derives an X25519 keypair from an ed25519 seed the
// same way age/ssh-to-age does: the X25519 private scalar is the
// clamped first half of SHA-512(seed), not a birational conversion of
// the Edwards public point.
func deriveCurve25519(seed []byte) (priv [keyLen]byte, pub [pubKeyLen]byte) {
	h := sha512.Sum512(seed)
	copy(priv[:], h[:keyLen])
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pubSlice, _ := curve25519.X25519(priv[:], curve25519.Basepoint)
	copy(pub[:], pubSlice)
	return priv, pub
}

// DecodeAll decodes every "KEY=v2:<blob>" entry in entries against kr,
// returning them as a KEY=value environment slice.
func DecodeAll(kr *Keyring, entries []string) ([]string, error) {
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		key, blob, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("malformed secret_environ entry %q", entry)
		}
		plaintext, err := Decode(kr, blob)
		if err != nil {
			return nil, fmt.Errorf("decode secret %s: %w", key, err)
		}
		out = append(out, key+"="+string(plaintext))
	}
	return out, nil
}
