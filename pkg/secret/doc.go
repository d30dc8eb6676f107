/*
Package secret decodes the "v2:<base64>" sealed-box envelopes a
container's secret_environ and secret_environ_file entries carry.
Each sandbox's private keys are OpenSSH ed25519
keys converted once to curve25519 and held in a Keyring; Decode and
DecodeAll resolve an envelope's embedded recipient public key against
that Keyring and open the NaCl secretbox sealed under a key and nonce
derived per the envelope format.
*/
package secret
