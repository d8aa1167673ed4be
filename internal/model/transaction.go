// Package model defines the wire-level data model shared by every
// component of the consensus core: transactions, proposals, blocks,
// the YAC vote types, and the peer set they are validated against.
package model

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"errors"
	"fmt"
)

// Sentinel errors for malformed wire data. Invalid input is logged and
// dropped by callers, never promoted to a crash.
var (
	ErrNilTransaction = errors.New("model: nil transaction")
	ErrEmptyCreator   = errors.New("model: transaction missing creator")
	ErrNoSignatures   = errors.New("model: transaction has no signatures")
	ErrDecodeFailed   = errors.New("model: failed to decode canonical bytes")
	ErrEncodeFailed   = errors.New("model: failed to encode canonical bytes")
)

// CreatorSignature is one signature over a transaction's canonical
// payload, produced by one of the transaction creator's keys.
type CreatorSignature struct {
	PublicKey []byte
	Signature []byte
}

// Command is an opaque, ordered instruction within a transaction.
// The content language of commands (account/asset semantics) is out
// of scope for this module; Command carries just enough structure for
// the simulator to apply a state mutation and for ordering to dedup
// and validate preconditions.
type Command struct {
	Kind    string
	Payload []byte
}

// Transaction is a client-submitted, creator-signed unit of intent.
// It is uniquely identified by the hash of its canonical encoding.
type Transaction struct {
	Creator        string
	CreatorCounter uint64
	CreatedAt      int64
	Commands       []Command
	Signatures     []CreatorSignature
}

// transactionPayload is the portion of a Transaction that is signed
// and hashed; Signatures are excluded since they are what is being
// produced, not part of what is signed.
type transactionPayload struct {
	Creator        string
	CreatorCounter uint64
	CreatedAt      int64
	Commands       []Command
}

func (tx *Transaction) payload() transactionPayload {
	return transactionPayload{
		Creator:        tx.Creator,
		CreatorCounter: tx.CreatorCounter,
		CreatedAt:      tx.CreatedAt,
		Commands:       tx.Commands,
	}
}

// SigningBytes returns the canonical bytes each creator signature is
// computed over.
func (tx *Transaction) SigningBytes() ([]byte, error) {
	return encodeCanonical(tx.payload())
}

// Hash returns the transaction's content hash: SHA-256 over the
// canonical encoding of the full transaction, signatures included, so
// that two transactions differing only in signature set are distinct
// entries. The ordering service's dedup window relies on this.
func (tx *Transaction) Hash() ([]byte, error) {
	if tx == nil {
		return nil, ErrNilTransaction
	}
	enc, err := encodeCanonical(tx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}
	sum := sha256.Sum256(enc)
	return sum[:], nil
}

// Validate performs the stateless checks ordering is responsible for:
// well-formedness only, no signature cryptography, no counter check
// against chain state (that is the simulator's job).
func (tx *Transaction) Validate() error {
	if tx == nil {
		return ErrNilTransaction
	}
	if tx.Creator == "" {
		return ErrEmptyCreator
	}
	if len(tx.Signatures) == 0 {
		return ErrNoSignatures
	}
	return nil
}

func encodeCanonical(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeCanonical(data []byte, v interface{}) error {
	dec := gob.NewDecoder(bytes.NewReader(data))
	return dec.Decode(v)
}

// EncodeTransaction/DecodeTransaction round-trip a Transaction through
// its canonical wire form.
func EncodeTransaction(tx *Transaction) ([]byte, error) {
	b, err := encodeCanonical(tx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}
	return b, nil
}

func DecodeTransaction(data []byte) (*Transaction, error) {
	var tx Transaction
	if err := decodeCanonical(data, &tx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return &tx, nil
}
