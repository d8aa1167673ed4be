// Package crypto provides the ECDSA key material and signing
// primitives every other component treats as opaque: key generation,
// PEM persistence, address derivation, and a Signer/Verifier pair used
// to produce and check the signatures carried on transactions and
// votes.
package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

var (
	ErrKeyGeneration      = errors.New("crypto: key generation failed")
	ErrKeySerialization   = errors.New("crypto: key serialization failed")
	ErrKeyDeserialization = errors.New("crypto: key deserialization failed")
	ErrInvalidKeyFormat   = errors.New("crypto: invalid key format")
	ErrUnsupportedCurve   = errors.New("crypto: unsupported elliptic curve")
	ErrPEMDecoding        = errors.New("crypto: pem decoding error")
	ErrUnsupportedPEMType = errors.New("crypto: unsupported pem block type")
)

// P256UncompressedPubKeyLength is the byte length of an uncompressed
// P-256 point: a 0x04 prefix plus 32-byte X and Y coordinates.
const P256UncompressedPubKeyLength = 65

// GenerateKeyPair creates a new ECDSA private/public key pair on the
// P-256 curve. Every peer and client identity in the consensus core is
// one of these keypairs.
func GenerateKeyPair() (*ecdsa.PrivateKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	return priv, nil
}

// SerializePublicKey marshals a public key to its uncompressed,
// 65-byte point representation -- the form carried on the wire in
// VoteMessage.PublicKey and CreatorSignature.PublicKey.
func SerializePublicKey(pub *ecdsa.PublicKey) ([]byte, error) {
	if pub == nil {
		return nil, fmt.Errorf("%w: public key is nil", ErrKeySerialization)
	}
	if pub.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: got %s", ErrUnsupportedCurve, pub.Curve.Params().Name)
	}
	return elliptic.Marshal(elliptic.P256(), pub.X, pub.Y), nil
}

// DeserializePublicKey parses an uncompressed P-256 point back into an
// *ecdsa.PublicKey.
func DeserializePublicKey(data []byte) (*ecdsa.PublicKey, error) {
	if len(data) != P256UncompressedPubKeyLength {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKeyFormat, P256UncompressedPubKeyLength, len(data))
	}
	if data[0] != 0x04 {
		return nil, fmt.Errorf("%w: expected uncompressed point prefix 0x04", ErrInvalidKeyFormat)
	}
	x, y := elliptic.Unmarshal(elliptic.P256(), data)
	if x == nil || y == nil {
		return nil, fmt.Errorf("%w: not a valid curve point", ErrKeyDeserialization)
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}

// SerializePrivateKeyToPEM encodes a private key as an unencrypted
// PKCS#8 PEM block.
func SerializePrivateKeyToPEM(priv *ecdsa.PrivateKey) ([]byte, error) {
	if priv == nil {
		return nil, fmt.Errorf("%w: private key is nil", ErrKeySerialization)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeySerialization, err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// DeserializePrivateKeyFromPEM parses an unencrypted PKCS#8 or SEC1 PEM
// block back into a private key.
func DeserializePrivateKeyFromPEM(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrPEMDecoding)
	}

	var parsed interface{}
	var err error
	switch block.Type {
	case "EC PRIVATE KEY":
		parsed, err = x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		parsed, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPEMType, block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyDeserialization, err)
	}

	priv, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an ECDSA private key", ErrKeyDeserialization)
	}
	return priv, nil
}

// LoadPrivateKeyPEM reads and parses a PEM-encoded private key file --
// the form a node's identity is provisioned from at startup.
func LoadPrivateKeyPEM(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crypto: reading key file %q: %w", path, err)
	}
	return DeserializePrivateKeyFromPEM(data)
}

// SavePrivateKeyPEM writes a private key to disk, owner-readable only.
func SavePrivateKeyPEM(priv *ecdsa.PrivateKey, path string) error {
	pemBytes, err := SerializePrivateKeyToPEM(priv)
	if err != nil {
		return err
	}
	return os.WriteFile(path, pemBytes, 0o600)
}
