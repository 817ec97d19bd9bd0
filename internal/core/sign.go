package core

import (
	"crypto/ed25519"
	"fmt"
)

// Signer produces the signature bytes ChronoShare appends to an action
// or segment body before publishing it as a signed data object (§3, §9).
//
// No third-party signing library in the example corpus fits this
// concern (filippo.io/age is asymmetric encryption, not signing) — see
// DESIGN.md for the justification of this standard-library choice.
type Signer struct {
	private ed25519.PrivateKey
}

// NewSigner wraps an ed25519 private key.
func NewSigner(private ed25519.PrivateKey) *Signer {
	return &Signer{private: private}
}

// Sign signs body and returns the signature.
func (s *Signer) Sign(body []byte) []byte {
	return ed25519.Sign(s.private, body)
}

// Verifier checks signatures produced by a Signer holding the matching
// private key.
type Verifier struct {
	public ed25519.PublicKey
}

// NewVerifier wraps an ed25519 public key.
func NewVerifier(public ed25519.PublicKey) *Verifier {
	return &Verifier{public: public}
}

// Verify reports whether sig is a valid signature over body.
func (v *Verifier) Verify(body, sig []byte) bool {
	return ed25519.Verify(v.public, body, sig)
}

// GenerateKeyPair creates a fresh ed25519 identity for a device.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("generating device key pair: %w", err)
	}
	return pub, priv, nil
}

// SignedObject is the wire envelope for a signed data object: the
// wire-formatted body plus its signature and signer public key,
// analogous to an NDN Data packet's content, signature, and key
// locator (§3's "action_blob" / §4.2's segment blob).
type SignedObject struct {
	Name      string
	Body      []byte
	Signature []byte
	PublicKey ed25519.PublicKey
}

// Wrap signs body under name and returns the envelope; callers encode
// it to bytes themselves.
func Wrap(signer *Signer, name string, body []byte, pub ed25519.PublicKey) *SignedObject {
	return &SignedObject{
		Name:      name,
		Body:      body,
		Signature: signer.Sign(body),
		PublicKey: pub,
	}
}

// Verify checks the envelope's signature against its embedded public key.
func (o *SignedObject) Verify() bool {
	if len(o.PublicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(o.PublicKey, o.Body, o.Signature)
}
