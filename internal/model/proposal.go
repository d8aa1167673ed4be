package model

import (
	"crypto/sha256"
	"fmt"
)

// DefaultMaxProposalSize is the default bound on transactions per
// proposal.
const DefaultMaxProposalSize = 10

// Proposal is an ordered batch of transactions proposed for one
// height. Proposals carry no signatures: they are an input to
// consensus, not an artifact of it.
type Proposal struct {
	Height       int64
	CreatedAt    int64
	Transactions []*Transaction
}

// Hash returns the proposal's content hash, used as the proposal_hash
// half of a YacHash. It re-encodes p canonically, so two honest peers
// that decode the same broadcast proposal compute the same hash; the
// peer communication service hashes every decoded proposal this way.
func (p *Proposal) Hash() ([]byte, error) {
	enc, err := EncodeProposal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}
	sum := sha256.Sum256(enc)
	return sum[:], nil
}

// EncodeProposal/DecodeProposal round-trip a Proposal through its
// canonical wire form.
func EncodeProposal(p *Proposal) ([]byte, error) {
	b, err := encodeCanonical(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}
	return b, nil
}

func DecodeProposal(data []byte) (*Proposal, error) {
	var p Proposal
	if err := decodeCanonical(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return &p, nil
}
