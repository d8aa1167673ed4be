package crypto

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/ripemd160"
)

var ErrPublicKeyHash = errors.New("crypto: public key hashing failed")

// PublicKeyHashLength is the length, in bytes, of a derived peer
// identifier: RIPEMD160(SHA256(pubkey)).
const PublicKeyHashLength = 20

// DerivePeerID hashes a serialized public key down to the short,
// fixed-length identifier used as a PeerInfo.PeerID and as the
// VoteMessage.PeerID a peer signs its votes under.
func DerivePeerID(pubKeyBytes []byte) (string, error) {
	if len(pubKeyBytes) == 0 {
		return "", fmt.Errorf("%w: empty public key", ErrPublicKeyHash)
	}
	sum := sha256.Sum256(pubKeyBytes)
	ripemd := ripemd160.New()
	if _, err := ripemd.Write(sum[:]); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPublicKeyHash, err)
	}
	hash := ripemd.Sum(nil)
	if len(hash) != PublicKeyHashLength {
		return "", fmt.Errorf("%w: expected %d bytes, got %d", ErrPublicKeyHash, PublicKeyHashLength, len(hash))
	}
	return hex.EncodeToString(hash), nil
}

// PeerIDFromPublicKey is a convenience wrapper combining serialization
// and hashing for a live *ecdsa.PublicKey.
func PeerIDFromPublicKey(pub *ecdsa.PublicKey) (string, error) {
	raw, err := SerializePublicKey(pub)
	if err != nil {
		return "", err
	}
	return DerivePeerID(raw)
}
