// Package sync (imported as "synchronizer") turns YAC's commit/reject
// events into persisted chain state: append the locally known
// candidate when its hash matches, fetch and replay from a
// certificate peer otherwise, and return a rejected round's
// transactions to ordering for a fresh attempt at the same height.
package sync

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/empower1/yacnode/internal/crypto"
	"github.com/empower1/yacnode/internal/model"
	"github.com/empower1/yacnode/internal/transport"
)

var (
	ErrFetchedBlockMismatch  = errors.New("sync: fetched block hash does not match its recomputed content hash")
	ErrFetchedBlockRejected  = errors.New("sync: fetched block failed stateful replay")
	ErrCatchUpExhausted      = errors.New("sync: every certificate peer was tried and the node is still behind")
	ErrNoBlockResponder      = errors.New("sync: transport does not support answering block requests")
)

// Store is the persisted chain the synchronizer appends finalized
// blocks to. Satisfied by *blockstore.Store.
type Store interface {
	CurrentHeight() int64
	Append(block *model.Block, votes []model.VoteMessage, threshold int) error
	Get(height int64) (*model.Block, error)
	GetCertificate(height int64) ([]model.VoteMessage, error)
}

// Requeuer is the ordering service's side of the feedback loop: a
// rejected round's transactions flow back onto the queue, and a
// finalized block's transactions are dropped from it and the dedup
// window, whether or not this peer simulated the block itself.
// Satisfied by *ordering.Service.
type Requeuer interface {
	Requeue(txs []*model.Transaction)
	MarkCommitted(txs []*model.Transaction)
}

// Config controls catch-up fetch behavior.
type Config struct {
	FetchTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{FetchTimeout: 10 * time.Second}
}

// Synchronizer is the collaborator between YAC and the block store: the
// peer communication service's onCommit/onReject callbacks for yac.New
// call HandleCommit/HandleReject on a fresh goroutine.
type Synchronizer struct {
	cfg       Config
	selfID    string
	peers     atomic.Pointer[model.PeerSet]
	transport transport.Transport
	store     Store
	verifier  crypto.Verifier
	requeue   Requeuer

	mu      sync.Mutex
	state   *model.WorldState
	pending map[int64][]*model.Transaction // height -> transactions of the round currently in flight

	onPeerSetChange func(*model.PeerSet)

	logger *log.Logger
}

// New builds a Synchronizer. genesisState is the WorldState resulting
// from every block already in store (NewWorldState() replayed forward
// by the caller at startup, or a fresh NewWorldState() for an empty
// store).
func New(cfg Config, selfID string, peers *model.PeerSet, tr transport.Transport, store Store, verifier crypto.Verifier, requeue Requeuer, genesisState *model.WorldState) *Synchronizer {
	sy := &Synchronizer{
		cfg:       cfg,
		selfID:    selfID,
		transport: tr,
		store:     store,
		verifier:  verifier,
		requeue:   requeue,
		state:     genesisState,
		pending:   make(map[int64][]*model.Transaction),
		logger:    log.New(os.Stdout, "SYNC: ", log.LstdFlags),
	}
	sy.peers.Store(peers)
	return sy
}

// OnPeerSetChange registers fn to be called, synchronously, whenever
// a block applied by this synchronizer carries a non-empty peer-set
// delta; fn receives the peer set active starting at the block's
// height+1. The peer communication service uses this to propagate the
// same hot-swap to ordering and YAC.
func (sy *Synchronizer) OnPeerSetChange(fn func(*model.PeerSet)) {
	sy.mu.Lock()
	defer sy.mu.Unlock()
	sy.onPeerSetChange = fn
}

// State returns the WorldState resulting from every block appended so
// far, for the next simulation round to build on.
func (sy *Synchronizer) State() *model.WorldState {
	sy.mu.Lock()
	defer sy.mu.Unlock()
	return sy.state
}

// TrackProposal records the transactions a height's active round is
// voting on, so HandleReject can return them to ordering if the round
// fails to commit. Called by the peer communication service whenever
// it hands a proposal to YAC, whether this node proposed it or merely
// received it from the leader.
func (sy *Synchronizer) TrackProposal(p *model.Proposal) {
	sy.mu.Lock()
	defer sy.mu.Unlock()
	sy.pending[p.Height] = p.Transactions
}

// HandleCommit matches yac.CommitHandler. local is this peer's own
// simulated candidate for commit.Hash.BlockHash if it has one, nil
// otherwise.
func (sy *Synchronizer) HandleCommit(commit *model.CommitMessage, local *model.Block) {
	sy.mu.Lock()
	defer sy.mu.Unlock()

	delete(sy.pending, commit.Height)

	current := sy.store.CurrentHeight()
	if commit.Height <= current {
		return
	}

	if commit.Height == current+1 && local != nil && bytes.Equal(local.Hash, commit.Hash.BlockHash) {
		err := sy.applyAndStore(local, commit.Votes)
		if err == nil {
			return
		}
		sy.logger.Printf("local candidate at height %d failed to apply, falling back to peer fetch: %v", commit.Height, err)
	}

	sy.catchUpTo(commit.Height, commit.Votes)
}

// HandleReject matches yac.RejectHandler. The height is abandoned
// rather than stored with a placeholder: a fresh round will be
// proposed at the same height, so the block store's height sequence
// never grows a hole.
func (sy *Synchronizer) HandleReject(reject *model.RejectMessage) {
	sy.mu.Lock()
	txs := sy.pending[reject.Height]
	delete(sy.pending, reject.Height)
	sy.mu.Unlock()

	sy.logger.Printf("round at height %d rejected, requeuing %d transactions for retry", reject.Height, len(txs))
	if sy.requeue != nil && len(txs) > 0 {
		sy.requeue.Requeue(txs)
	}
}

// catchUpTo fetches and replays every block from the store's current
// height onward, trying each peer named in votes in turn, until the
// store reaches target or every peer has been exhausted.
func (sy *Synchronizer) catchUpTo(target int64, votes []model.VoteMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), sy.cfg.FetchTimeout)
	defer cancel()

	for _, peerID := range certificatePeers(votes, sy.selfID) {
		from := sy.store.CurrentHeight() + 1
		if from > target {
			return
		}
		if err := sy.fetchFrom(ctx, peerID, from); err != nil {
			sy.logger.Printf("catch-up fetch from %s starting at height %d failed: %v", peerID, from, err)
			continue
		}
		if sy.store.CurrentHeight() >= target {
			return
		}
	}
	sy.logger.Printf("%v: stuck at height %d, target %d", ErrCatchUpExhausted, sy.store.CurrentHeight(), target)
}

// fetchFrom streams BlockBundles from peerID starting at fromHeight,
// replaying and appending each as it arrives.
func (sy *Synchronizer) fetchFrom(ctx context.Context, peerID string, fromHeight int64) error {
	stream, err := sy.transport.RequestBlocks(ctx, peerID, fromHeight)
	if err != nil {
		return err
	}
	for {
		var env transport.Envelope
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok = <-stream:
		}
		if !ok {
			return nil
		}
		if len(env.Payload) == 0 {
			continue
		}
		bundle, err := model.DecodeBlockBundle(env.Payload)
		if err != nil {
			return fmt.Errorf("decoding fetched block: %w", err)
		}
		if err := sy.applyAndStore(bundle.Block, bundle.Votes); err != nil {
			return fmt.Errorf("%w: height %d: %v", ErrFetchedBlockRejected, bundle.Block.Height, err)
		}
	}
}

// applyAndStore replays block's transactions against the currently
// committed state, verifies the result still matches block's declared
// hash, and appends it to the store. Called under sy.mu.
func (sy *Synchronizer) applyAndStore(block *model.Block, votes []model.VoteMessage) error {
	next, err := sy.replay(sy.state, block)
	if err != nil {
		return err
	}
	peers := sy.peers.Load()
	threshold := peers.SupermajorityThreshold()
	if err := sy.store.Append(block, votes, threshold); err != nil {
		return err
	}
	sy.state = next
	if sy.requeue != nil {
		sy.requeue.MarkCommitted(block.Transactions)
	}
	if !block.PeerDelta.IsEmpty() {
		next, err := peers.Apply(block.PeerDelta)
		if err != nil {
			sy.logger.Printf("applying peer set delta at height %d: %v", block.Height, err)
		} else {
			sy.peers.Store(next)
			if sy.onPeerSetChange != nil {
				sy.onPeerSetChange(next)
			}
		}
	}
	return nil
}

// replay applies block's transactions on top of prev, the same
// monotonicity and signature checks the simulator runs, and confirms
// the result reproduces block's declared hash -- a fetched block is
// trusted no further than a locally simulated one would be.
func (sy *Synchronizer) replay(prev *model.WorldState, block *model.Block) (*model.WorldState, error) {
	working := prev.Clone()
	for _, tx := range block.Transactions {
		if err := tx.Validate(); err != nil {
			return nil, err
		}
		if !working.IsMonotonic(tx) {
			return nil, fmt.Errorf("creator %s counter %d is not the next expected value", tx.Creator, tx.CreatorCounter)
		}
		signingBytes, err := tx.SigningBytes()
		if err != nil {
			return nil, err
		}
		for _, sig := range tx.Signatures {
			if err := sy.verifier.Verify(signingBytes, sig.PublicKey, sig.Signature); err != nil {
				return nil, fmt.Errorf("signature verification failed: %w", err)
			}
		}
		working.Advance(tx.Creator, tx.CreatorCounter)
	}
	recomputed, err := block.ComputeHash()
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(recomputed, block.Hash) {
		return nil, ErrFetchedBlockMismatch
	}
	return working, nil
}

// ServeBlockRequest answers an inbound KindBlockRequest envelope by
// streaming every block from the requested height through the
// store's current height back to the requester, each frame a
// BlockBundle, the last one Final.
func (sy *Synchronizer) ServeBlockRequest(env transport.Envelope) {
	responder, ok := sy.transport.(transport.BlockResponder)
	if !ok {
		sy.logger.Printf("%v: cannot answer block request from %s", ErrNoBlockResponder, env.From)
		return
	}

	fromHeight := decodeHeight(env.Payload)
	current := sy.store.CurrentHeight()

	if fromHeight > current {
		_ = responder.RespondBlocks(env.From, env.CorrelationID, transport.Envelope{Final: true})
		return
	}

	for h := fromHeight; h <= current; h++ {
		block, err := sy.store.Get(h)
		if err != nil {
			sy.logger.Printf("serving block request from %s: reading height %d: %v", env.From, h, err)
			break
		}
		votes, err := sy.store.GetCertificate(h)
		if err != nil {
			sy.logger.Printf("serving block request from %s: reading certificate %d: %v", env.From, h, err)
			break
		}
		payload, err := model.EncodeBlockBundle(&model.BlockBundle{Block: block, Votes: votes})
		if err != nil {
			sy.logger.Printf("serving block request from %s: encoding height %d: %v", env.From, h, err)
			break
		}
		if err := responder.RespondBlocks(env.From, env.CorrelationID, transport.Envelope{
			Payload: payload,
			Final:   h == current,
		}); err != nil {
			sy.logger.Printf("serving block request from %s: sending height %d: %v", env.From, h, err)
			return
		}
	}
}

// certificatePeers returns the distinct peer ids that voted in votes,
// excluding self, in vote order -- the candidates to try when
// catching up on a commit this node does not have locally.
func certificatePeers(votes []model.VoteMessage, selfID string) []string {
	seen := make(map[string]bool, len(votes))
	var out []string
	for _, v := range votes {
		if v.PeerID == selfID || seen[v.PeerID] {
			continue
		}
		seen[v.PeerID] = true
		out = append(out, v.PeerID)
	}
	return out
}

func decodeHeight(payload []byte) int64 {
	if len(payload) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(payload))
}
