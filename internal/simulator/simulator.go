// Package simulator applies a proposal against an isolated copy of the
// world-state and produces the candidate block the peer will vote on.
// It never mutates the committed ledger state directly: a failed or
// rejected round must leave the real WorldState untouched.
package simulator

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/empower1/yacnode/internal/crypto"
	"github.com/empower1/yacnode/internal/model"
)

var (
	ErrNilProposal  = errors.New("simulator: proposal is nil")
	ErrNilPrevState = errors.New("simulator: prior world-state is nil")
)

// Result is the outcome of simulating one proposal: the candidate
// block plus the per-creator counters it would leave behind if
// committed, and the transactions dropped along the way.
type Result struct {
	Block       *model.Block
	NextState   *model.WorldState
	Dropped     []*model.Transaction
	DropReasons []error
}

// Simulator replays a proposal's transactions against a snapshot of
// the world-state, dropping any that fail signature or monotonicity
// checks, and computes the resulting candidate block hash.
type Simulator struct {
	verifier crypto.Verifier
	logger   *log.Logger
}

// New builds a Simulator backed by a real signature verifier. Wiring a
// mock verifier here instead would let an unsigned or forged
// transaction reach a candidate block, so callers must supply one that
// actually checks ECDSA signatures.
func New(verifier crypto.Verifier) *Simulator {
	if verifier == nil {
		verifier = crypto.NewECDSAVerifier()
	}
	return &Simulator{
		verifier: verifier,
		logger:   log.New(os.Stdout, "SIMULATOR: ", log.LstdFlags),
	}
}

// Simulate applies proposal against prevState (which is never
// mutated: a Clone is taken internally) on top of a chain whose last
// block hash is prevHash, producing a candidate Block.
func (s *Simulator) Simulate(proposal *model.Proposal, prevState *model.WorldState, prevHash []byte) (*Result, error) {
	if proposal == nil {
		return nil, ErrNilProposal
	}
	if prevState == nil {
		return nil, ErrNilPrevState
	}

	working := prevState.Clone()
	accepted := make([]*model.Transaction, 0, len(proposal.Transactions))
	var dropped []*model.Transaction
	var reasons []error

	for _, tx := range proposal.Transactions {
		if err := s.checkTransaction(tx, working); err != nil {
			dropped = append(dropped, tx)
			reasons = append(reasons, err)
			s.logger.Printf("dropping transaction from %s at height %d: %v", tx.Creator, proposal.Height, err)
			continue
		}
		working.Advance(tx.Creator, tx.CreatorCounter)
		accepted = append(accepted, tx)
	}

	delta, err := extractPeerSetDelta(accepted)
	if err != nil {
		return nil, err
	}

	block := &model.Block{
		Height:       proposal.Height,
		PrevHash:     prevHash,
		Transactions: accepted,
		CreatedAt:    proposal.CreatedAt,
		PeerDelta:    delta,
	}
	hash, err := block.ComputeHash()
	if err != nil {
		return nil, err
	}
	block.Hash = hash

	return &Result{
		Block:       block,
		NextState:   working,
		Dropped:     dropped,
		DropReasons: reasons,
	}, nil
}

// extractPeerSetDelta folds every peer_set_delta command carried by
// the accepted transactions into a single delta for the block, in
// transaction order. The content language of ordinary commands is
// otherwise opaque to the simulator; peer-set mutation is the one
// structural exception it recognizes directly, since its effect
// (taking hold at height+1) has to be visible to the next round's
// leader selection.
func extractPeerSetDelta(accepted []*model.Transaction) (*model.PeerSetDelta, error) {
	var merged model.PeerSetDelta
	found := false
	for _, tx := range accepted {
		for _, cmd := range tx.Commands {
			if cmd.Kind != model.PeerSetDeltaCommandKind {
				continue
			}
			d, err := model.DecodePeerSetDelta(cmd.Payload)
			if err != nil {
				return nil, fmt.Errorf("simulator: decoding peer set delta: %w", err)
			}
			merged.Add = append(merged.Add, d.Add...)
			merged.Remove = append(merged.Remove, d.Remove...)
			found = true
		}
	}
	if !found {
		return nil, nil
	}
	return &merged, nil
}

// checkTransaction runs the stateful pre-apply checks the simulator is
// responsible for: every signature must verify against its declared
// public key, and the creator's counter must be the next expected
// value. The content of commands themselves is never interpreted here.
func (s *Simulator) checkTransaction(tx *model.Transaction, state *model.WorldState) error {
	if err := tx.Validate(); err != nil {
		return err
	}
	if !state.IsMonotonic(tx) {
		return errors.New("simulator: creator counter is not the next expected value")
	}
	signingBytes, err := tx.SigningBytes()
	if err != nil {
		return err
	}
	for _, sig := range tx.Signatures {
		if err := s.verifier.Verify(signingBytes, sig.PublicKey, sig.Signature); err != nil {
			return errors.New("simulator: signature verification failed: " + err.Error())
		}
	}
	return nil
}
