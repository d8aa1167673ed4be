// Package yac implements the consensus core: a per-height voting
// state machine that collects signed votes on a candidate block's
// YacHash and decides commit or reject once a supermajority forms,
// with exponential-backoff view-change on leader timeout.
package yac

import (
	"context"
	"encoding/hex"
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

// RoundStatus is the per-height state a round progresses through:
// Idle -> Voting -> {Committed, Rejected}, terminal once decided.
type RoundStatus int

const (
	StatusIdle RoundStatus = iota
	StatusVoting
	StatusCommitted
	StatusRejected
)

func (s RoundStatus) String() string {
	switch s {
	case StatusIdle:
		return "IDLE"
	case StatusVoting:
		return "VOTING"
	case StatusCommitted:
		return "COMMITTED"
	case StatusRejected:
		return "REJECTED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

var (
	ErrEquivocation         = errors.New("yac: peer equivocated, second vote ignored")
	ErrVoteFromNonPeer      = errors.New("yac: vote from a peer id not in the current peer set")
	ErrVoteKeyMismatch      = errors.New("yac: vote public key does not match peer set record")
	ErrVoteSignatureInvalid = errors.New("yac: vote signature does not verify")
	ErrStaleHeight          = errors.New("yac: message height precedes the active round")
	ErrCertificateShort     = errors.New("yac: certificate has fewer than the supermajority threshold of votes")
	ErrEngineAlreadyRunning = errors.New("yac: engine already running")
	ErrEngineNotRunning     = errors.New("yac: engine not running")
)

// Config controls the view-change timeout schedule: monotone
// exponential backoff per view, capped at RoundTimeoutMax. Exposed as
// a config knob rather than fixed constants.
type Config struct {
	RoundTimeoutBase time.Duration
	RoundTimeoutMax  time.Duration
}

func DefaultConfig() Config {
	return Config{
		RoundTimeoutBase: 2 * time.Second,
		RoundTimeoutMax:  32 * time.Second,
	}
}

func (c Config) timeoutFor(view int) time.Duration {
	d := c.RoundTimeoutBase
	for i := 0; i < view; i++ {
		d *= 2
		if d >= c.RoundTimeoutMax {
			return c.RoundTimeoutMax
		}
	}
	if d > c.RoundTimeoutMax {
		return c.RoundTimeoutMax
	}
	return d
}

// CommitHandler fires once per height when this engine assembles or
// accepts a commit certificate. block is this peer's own simulated
// candidate when it knows one for the committed hash, nil when it
// does not (the synchronizer must then fetch it from a certificate
// peer).
type CommitHandler func(commit *model.CommitMessage, block *model.Block)

// RejectHandler fires once per height when no YacHash can still reach
// supermajority. The synchronizer responds by abandoning the round
// and requeuing its transactions for a fresh proposal at the same
// height.
type RejectHandler func(reject *model.RejectMessage)

// Engine is the YAC state machine for one peer. All state mutation
// for the active height serializes through its single mutex: heights
// never overlap by construction, so one active round is all the
// engine ever needs to track.
type Engine struct {
	cfg       Config
	selfID    string
	peers     atomic.Pointer[model.PeerSet]
	signer    crypto.Signer
	verifier  crypto.Verifier
	transport transport.Transport

	onCommit CommitHandler
	onReject RejectHandler

	mu      sync.Mutex
	current *round

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *log.Logger
	isRunning atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds an Engine. onCommit and onReject are invoked synchronously
// from within the engine's lock-protected path that decided them, so
// handlers must not block or re-enter the engine; callers that need to
// do more work should hand off to their own goroutine.
func New(cfg Config, selfID string, peers *model.PeerSet, signer crypto.Signer, verifier crypto.Verifier, tr transport.Transport, onCommit CommitHandler, onReject RejectHandler) *Engine {
	if verifier == nil {
		verifier = crypto.NewECDSAVerifier()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:       cfg,
		selfID:    selfID,
		signer:    signer,
		verifier:  verifier,
		transport: tr,
		onCommit:  onCommit,
		onReject:  onReject,
		ctx:       ctx,
		cancel:    cancel,
		logger:    log.New(os.Stdout, "YAC: ", log.LstdFlags),
	}
	e.peers.Store(peers)
	return e
}

// SetPeers installs a new peer set, effective for the next round this
// engine evaluates: a committed peer_set_delta takes hold starting at
// height+1, never retroactively for the round already in progress.
func (e *Engine) SetPeers(peers *model.PeerSet) {
	e.peers.Store(peers)
}

// Start marks the engine operational. Idempotent.
func (e *Engine) Start() error {
	var err error
	e.startOnce.Do(func() {
		if e.isRunning.Load() {
			err = ErrEngineAlreadyRunning
			return
		}
		e.isRunning.Store(true)
		e.logger.Println("started")
	})
	return err
}

// Stop cancels any in-flight view-change timer and marks the engine
// stopped. Idempotent: a second call is a no-op, satisfying the
// shutdown double-call property every component in this module
// upholds.
func (e *Engine) Stop() error {
	var err error
	e.stopOnce.Do(func() {
		if !e.isRunning.Load() {
			err = ErrEngineNotRunning
			return
		}
		e.cancel()
		e.mu.Lock()
		if e.current != nil && e.current.timer != nil {
			e.current.timer.Stop()
		}
		e.mu.Unlock()
		e.wg.Wait()
		e.isRunning.Store(false)
		e.logger.Println("stopped")
	})
	return err
}

// StartRound begins voting for height, casting and broadcasting this
// peer's own vote over YacHash(proposalHash, block.Hash). block is
// retained so that if this round commits on this peer's own hash, the
// synchronizer can append it without a network fetch.
func (e *Engine) StartRound(height int64, proposalHash []byte, block *model.Block) error {
	hash := model.YacHash{ProposalHash: proposalHash, BlockHash: block.Hash}
	vote, err := e.signVote(height, hash)
	if err != nil {
		return err
	}

	e.mu.Lock()
	r := newRound(height)
	r.proposalHash = proposalHash
	r.blocks[hex.EncodeToString(block.Hash)] = block
	e.current = r
	if err := r.record(*vote); err != nil {
		e.mu.Unlock()
		return err
	}
	r.ownVote = vote
	e.scheduleTimeoutLocked(r)
	e.mu.Unlock()

	e.broadcastVote(*vote)
	e.logger.Printf("height %d: entered VOTING, cast own vote for %s", height, hash.Key())
	return nil
}

func (e *Engine) signVote(height int64, hash model.YacHash) (*model.VoteMessage, error) {
	pub, err := e.signer.PublicKeyBytes()
	if err != nil {
		return nil, err
	}
	vote := &model.VoteMessage{Height: height, Hash: hash, PeerID: e.selfID, PublicKey: pub}
	signingBytes, err := vote.SigningBytes()
	if err != nil {
		return nil, err
	}
	sig, err := e.signer.Sign(signingBytes)
	if err != nil {
		return nil, err
	}
	vote.Signature = sig
	return vote, nil
}

// HandleVote authenticates and tallies an inbound vote, transitioning
// the round to Committed or Rejected when the tally resolves.
func (e *Engine) HandleVote(vote model.VoteMessage) error {
	if err := e.authenticateVote(vote); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	r := e.current
	if r == nil || vote.Height < r.height {
		return fmt.Errorf("%w: vote height %d", ErrStaleHeight, vote.Height)
	}
	if vote.Height > r.height {
		// A peer ahead of us; the synchronizer's catch-up path is
		// responsible for advancing this node, not vote processing.
		return nil
	}
	if r.status != StatusVoting {
		return nil // already decided; late vote is harmless
	}

	if err := r.record(vote); err != nil {
		if errors.Is(err, ErrEquivocation) {
			e.logger.Printf("height %d: equivocation detected from peer %s (ignored)", r.height, vote.PeerID)
		}
		return err
	}

	e.evaluateLocked(r)
	return nil
}

func (e *Engine) authenticateVote(vote model.VoteMessage) error {
	peers := e.peers.Load()
	if !peers.Contains(vote.PeerID) {
		return fmt.Errorf("%w: %s", ErrVoteFromNonPeer, vote.PeerID)
	}
	if !peers.HasKey(vote.PeerID, vote.PublicKey) {
		return fmt.Errorf("%w: %s", ErrVoteKeyMismatch, vote.PeerID)
	}
	signingBytes, err := vote.SigningBytes()
	if err != nil {
		return err
	}
	if err := e.verifier.Verify(signingBytes, vote.PublicKey, vote.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrVoteSignatureInvalid, err)
	}
	return nil
}

// evaluateLocked checks the commit and reject conditions against the
// current tally. Caller holds e.mu.
func (e *Engine) evaluateLocked(r *round) {
	n := e.peers.Load().Size()
	T := e.peers.Load().SupermajorityThreshold()

	leadKey, leadCount := r.leadingHash()
	if leadCount >= T {
		e.commitLocked(r, leadKey)
		return
	}

	total := r.totalVotes()
	if total >= T && (T-leadCount) > (n-total) {
		e.rejectLocked(r)
	}
}

func (e *Engine) commitLocked(r *round, hashKey string) {
	r.status = StatusCommitted
	e.stopTimerLocked(r)

	votes := r.votes[hashKey]
	bag := make([]model.VoteMessage, 0, len(votes))
	var hash model.YacHash
	for _, v := range votes {
		bag = append(bag, v)
		hash = v.Hash
	}
	commit := &model.CommitMessage{Height: r.height, Hash: hash, Votes: bag}
	e.broadcastCommit(commit)

	block := r.blocks[hex.EncodeToString(hash.BlockHash)]
	e.logger.Printf("height %d: COMMITTED on %s with %d votes", r.height, hashKey, len(bag))
	if e.onCommit != nil {
		e.onCommit(commit, block)
	}
}

func (e *Engine) rejectLocked(r *round) {
	r.status = StatusRejected
	e.stopTimerLocked(r)

	reject := &model.RejectMessage{Height: r.height, Votes: r.allVotes()}
	e.broadcastReject(reject)
	e.logger.Printf("height %d: REJECTED, no hash can reach supermajority", r.height)
	if e.onReject != nil {
		e.onReject(reject)
	}
}

// HandleCommit accepts an externally assembled commit certificate,
// which lets a lagging or differently-voting peer converge to the
// majority outcome regardless of its own vote.
func (e *Engine) HandleCommit(commit *model.CommitMessage) error {
	T := e.peers.Load().SupermajorityThreshold()
	if err := e.verifyCertificate(commit.Height, commit.Votes, commit.Hash); err != nil {
		return err
	}
	if len(commit.Votes) < T {
		return fmt.Errorf("%w: got %d, need %d", ErrCertificateShort, len(commit.Votes), T)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	r := e.current
	if r == nil || commit.Height < r.height {
		return nil // already past this height
	}
	if r.height == commit.Height && r.status == StatusCommitted {
		return nil // idempotent: already committed locally
	}
	if r.height != commit.Height {
		// We have no active round for this height (we are behind);
		// still report the commit so the synchronizer can catch up.
		r = newRound(commit.Height)
		e.current = r
	}
	r.status = StatusCommitted
	e.stopTimerLocked(r)

	block := r.blocks[hex.EncodeToString(commit.Hash.BlockHash)]
	e.logger.Printf("height %d: accepted external COMMITTED certificate", commit.Height)
	if e.onCommit != nil {
		e.onCommit(commit, block)
	}
	return nil
}

// HandleReject accepts an externally assembled reject certificate.
func (e *Engine) HandleReject(reject *model.RejectMessage) error {
	if err := e.verifyVoteBag(reject.Height, reject.Votes); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	r := e.current
	if r == nil || r.height != reject.Height || r.status != StatusVoting {
		return nil
	}
	r.status = StatusRejected
	e.stopTimerLocked(r)
	e.logger.Printf("height %d: accepted external REJECTED certificate", reject.Height)
	if e.onReject != nil {
		e.onReject(reject)
	}
	return nil
}

func (e *Engine) verifyCertificate(height int64, votes []model.VoteMessage, hash model.YacHash) error {
	if err := e.verifyVoteBag(height, votes); err != nil {
		return err
	}
	for _, v := range votes {
		if !v.Hash.Equal(hash) {
			return fmt.Errorf("yac: certificate vote does not match claimed hash")
		}
	}
	return nil
}

func (e *Engine) verifyVoteBag(height int64, votes []model.VoteMessage) error {
	seen := make(map[string]bool, len(votes))
	for _, v := range votes {
		if v.Height != height {
			return fmt.Errorf("yac: certificate vote height %d does not match %d", v.Height, height)
		}
		if seen[v.PeerID] {
			continue
		}
		seen[v.PeerID] = true
		if err := e.authenticateVote(v); err != nil {
			return err
		}
	}
	return nil
}

// scheduleTimeoutLocked arms the view-change timer for r.view. Caller
// holds e.mu.
func (e *Engine) scheduleTimeoutLocked(r *round) {
	height, view := r.height, r.view
	d := e.cfg.timeoutFor(view)
	r.timer = time.AfterFunc(d, func() { e.onTimeout(height, view) })
}

func (e *Engine) stopTimerLocked(r *round) {
	if r.timer != nil {
		r.timer.Stop()
	}
}

// onTimeout fires after round_timeout has elapsed with no decision: it
// advances the view, recomputes the leader by round-robin rotation,
// and re-broadcasts this peer's existing vote under the new view.
func (e *Engine) onTimeout(height int64, view int) {
	e.mu.Lock()
	r := e.current
	if r == nil || r.height != height || r.view != view || r.status != StatusVoting {
		e.mu.Unlock()
		return
	}
	r.view++
	newView := r.view
	newLeader := e.peers.Load().LeaderForRound(height, newView)
	ownVote := r.ownVote
	e.scheduleTimeoutLocked(r)
	e.mu.Unlock()

	e.logger.Printf("height %d: round_timeout elapsed, view -> %d, new leader %s", height, newView, newLeader.PeerID)
	if ownVote != nil {
		e.broadcastVote(*ownVote)
	}
}

func (e *Engine) broadcastVote(vote model.VoteMessage) {
	payload, err := model.EncodeVote(&vote)
	if err != nil {
		e.logger.Printf("failed to encode vote for height %d: %v", vote.Height, err)
		return
	}
	e.broadcast(transport.KindVote, payload, vote.Height)
}

func (e *Engine) broadcastCommit(commit *model.CommitMessage) {
	payload, err := model.EncodeCommit(commit)
	if err != nil {
		e.logger.Printf("failed to encode commit for height %d: %v", commit.Height, err)
		return
	}
	e.broadcast(transport.KindCommit, payload, commit.Height)
}

func (e *Engine) broadcastReject(reject *model.RejectMessage) {
	payload, err := model.EncodeReject(reject)
	if err != nil {
		e.logger.Printf("failed to encode reject for height %d: %v", reject.Height, err)
		return
	}
	e.broadcast(transport.KindReject, payload, reject.Height)
}

func (e *Engine) broadcast(kind transport.Kind, payload []byte, height int64) {
	env := transport.Envelope{Kind: kind, From: e.selfID, Payload: payload}
	for _, peer := range e.peers.Load().Peers() {
		go func(peerID string) {
			if err := e.transport.Send(e.ctx, peerID, env); err != nil {
				e.logger.Printf("failed to send %s for height %d to %s: %v", kind, height, peerID, err)
			}
		}(peer.PeerID)
	}
}

// Status returns the active round's status, or StatusIdle if no round
// has started yet.
func (e *Engine) Status() RoundStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return StatusIdle
	}
	return e.current.status
}

// Height returns the height of the active round, or 0 if none.
func (e *Engine) Height() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return 0
	}
	return e.current.height
}

// View returns the active round's current view counter, or 0 if no
// round has started yet.
func (e *Engine) View() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return 0
	}
	return e.current.view
}
