package model

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
)

var ErrVoteSignatureMissing = errors.New("model: vote missing signature")

// YacHash pairs the consensus round's input (the proposal) with the
// candidate outcome (the simulated block) it commits to. Two votes
// with equal YacHash refer to the same proposed outcome.
type YacHash struct {
	ProposalHash []byte
	BlockHash    []byte
}

// Key returns a comparable, hashable string form of a YacHash for use
// as a map key in the vote tally.
func (h YacHash) Key() string {
	return hex.EncodeToString(h.ProposalHash) + ":" + hex.EncodeToString(h.BlockHash)
}

func (h YacHash) Equal(other YacHash) bool {
	return bytes.Equal(h.ProposalHash, other.ProposalHash) && bytes.Equal(h.BlockHash, other.BlockHash)
}

// VoteMessage is one peer's signed commitment to a YacHash for a
// given height.
type VoteMessage struct {
	Height    int64
	Hash      YacHash
	PeerID    string
	PublicKey []byte
	Signature []byte
}

// SigningBytes returns the canonical bytes a vote's signature is
// computed over: the height and YacHash, but not the signer's own
// identity, which is attached alongside the signature rather than
// signed over (the public key authenticates the signature itself).
func (v *VoteMessage) SigningBytes() ([]byte, error) {
	type votePayload struct {
		Height int64
		Hash   YacHash
	}
	enc, err := encodeCanonical(votePayload{Height: v.Height, Hash: v.Hash})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}
	return enc, nil
}

// CommitMessage is a bag of VoteMessages proving a supermajority
// agreed on one YacHash for a height.
type CommitMessage struct {
	Height int64
	Hash   YacHash
	Votes  []VoteMessage
}

// RejectMessage is a bag of VoteMessages proving no YacHash can reach
// supermajority for the current round.
type RejectMessage struct {
	Height int64
	Votes  []VoteMessage
}

// EncodeVote/DecodeVote, EncodeCommit/DecodeCommit, and
// EncodeReject/DecodeReject round-trip YAC traffic through canonical
// wire form for transport.
func EncodeVote(v *VoteMessage) ([]byte, error) {
	enc, err := encodeCanonical(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}
	return enc, nil
}

func DecodeVote(data []byte) (*VoteMessage, error) {
	var v VoteMessage
	if err := decodeCanonical(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return &v, nil
}

func EncodeCommit(c *CommitMessage) ([]byte, error) {
	enc, err := encodeCanonical(c)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}
	return enc, nil
}

func DecodeCommit(data []byte) (*CommitMessage, error) {
	var c CommitMessage
	if err := decodeCanonical(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return &c, nil
}

func EncodeReject(r *RejectMessage) ([]byte, error) {
	enc, err := encodeCanonical(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}
	return enc, nil
}

func DecodeReject(data []byte) (*RejectMessage, error) {
	var r RejectMessage
	if err := decodeCanonical(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return &r, nil
}
