package core

import "crypto/ed25519"

// Signer verifies and produces the signatures carried by transactions and
// votes.
type Signer interface {
	Sign(priv, msg []byte) []byte
	Verify(pub, msg, sig []byte) bool
}

// Ed25519Signer is the default Signer. Keys travel through the rest of the
// package as plain []byte (as stored on-chain in RegistrationTx.PublicKey)
// rather than the ed25519.PrivateKey/PublicKey named types, so callers never
// need to convert.
type Ed25519Signer struct{}

// Sign returns msg's Ed25519 signature under priv.
func (Ed25519Signer) Sign(priv, msg []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(priv), msg)
}

// Verify reports whether sig is msg's valid Ed25519 signature under pub.
// It tolerates a malformed or wrong-length pub by returning false rather
// than panicking, since callers pass keys recovered from untrusted wire
// data.
func (Ed25519Signer) Verify(pub, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}
