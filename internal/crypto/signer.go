package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
)

var (
	ErrNilSigningKey      = errors.New("crypto: signing key is nil")
	ErrSignatureMalformed = errors.New("crypto: signature bytes are malformed")
	ErrSignatureInvalid   = errors.New("crypto: signature does not verify")
)

// Signer produces a signature over an arbitrary message digest. It is
// implemented by ECDSASigner; a real key is required everywhere a
// component needs one -- there is no stand-in verifier anywhere in
// this module.
type Signer interface {
	Sign(message []byte) ([]byte, error)
	PublicKeyBytes() ([]byte, error)
}

// Verifier checks a signature against a claimed public key. The
// simulator and YAC both depend on this to authenticate, respectively,
// transaction signatures and vote signatures.
type Verifier interface {
	Verify(message, pubKeyBytes, signature []byte) error
}

// ECDSASigner signs with a live ECDSA private key using ASN.1 DER
// signatures over the SHA-256 digest of the message, the standard
// combination the Go standard library's ecdsa package expects.
type ECDSASigner struct {
	priv *ecdsa.PrivateKey
}

func NewECDSASigner(priv *ecdsa.PrivateKey) (*ECDSASigner, error) {
	if priv == nil {
		return nil, ErrNilSigningKey
	}
	return &ECDSASigner{priv: priv}, nil
}

func (s *ECDSASigner) Sign(message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	sig, err := ecdsa.SignASN1(rand.Reader, s.priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: signing failed: %w", err)
	}
	return sig, nil
}

func (s *ECDSASigner) PublicKeyBytes() ([]byte, error) {
	return SerializePublicKey(&s.priv.PublicKey)
}

// ECDSAVerifier checks ASN.1 DER ECDSA signatures produced by
// ECDSASigner (or any compatible peer implementation).
type ECDSAVerifier struct{}

func NewECDSAVerifier() *ECDSAVerifier {
	return &ECDSAVerifier{}
}

func (v *ECDSAVerifier) Verify(message, pubKeyBytes, signature []byte) error {
	pub, err := DeserializePublicKey(pubKeyBytes)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(message)
	if !ecdsa.VerifyASN1(pub, digest[:], signature) {
		return ErrSignatureInvalid
	}
	return nil
}
