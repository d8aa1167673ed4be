// Package ordering batches validated transactions into proposals: a
// bounded FIFO that is flushed when it fills up or a timer elapses,
// broadcast by whichever peer is the leader for the next height.
package ordering

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/empower1/yacnode/internal/model"
	"github.com/empower1/yacnode/internal/transport"
)

var (
	ErrServiceAlreadyRunning = errors.New("ordering: service already running")
	ErrServiceNotRunning     = errors.New("ordering: service not running")
	ErrDuplicateTransaction  = errors.New("ordering: transaction already queued or recently committed")
	ErrQueueFull             = errors.New("ordering: bounded FIFO is full")
)

// HeightSource supplies the height to propose next: one past the last
// appended block. Implemented by the block store / synchronizer.
type HeightSource interface {
	CurrentHeight() int64
}

// Config configures the bounded FIFO, emission triggers, and the
// backup-proposer timeout.
type Config struct {
	MaxProposalSize int
	ProposalDelay   time.Duration
	DedupWindow     int // number of recently committed tx hashes retained for dedup (one entry per transaction, not per block)
	QueueCapacity   int

	// RoundTimeoutBase and RoundTimeoutMax shape the same exponential
	// backoff schedule as yac.Config: how long this service waits,
	// view by view, for any proposal to appear for a height before it
	// steps up as backup proposer itself.
	RoundTimeoutBase time.Duration
	RoundTimeoutMax  time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxProposalSize:  model.DefaultMaxProposalSize,
		ProposalDelay:    5000 * time.Millisecond,
		DedupWindow:      50,
		QueueCapacity:    10000,
		RoundTimeoutBase: 2 * time.Second,
		RoundTimeoutMax:  32 * time.Second,
	}
}

// timeoutFor mirrors yac.Config.timeoutFor: monotone exponential
// backoff per view, capped at RoundTimeoutMax.
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

// Service is the ordering component for one peer.
type Service struct {
	cfg       Config
	selfID    string
	peers     atomic.Pointer[model.PeerSet]
	transport transport.Transport
	heights   HeightSource

	mu       sync.Mutex
	queue    []*model.Transaction
	queuedBy map[string]bool
	recent   *dedupWindow

	// watchHeight/view/watching/timer track the backup-proposer
	// timeout: the height this service is currently waiting to see a
	// proposal for, the view it has backed off to, and whether a
	// timer is armed at all (stood down once a proposal is observed).
	watchHeight int64
	view        int
	watching    bool
	timer       *time.Timer

	onProposal func(*model.Proposal)

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *log.Logger
	isRunning atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewService builds an ordering service. onProposal is invoked once
// per emitted proposal, which the leader then broadcasts to all peers
// (including itself) via transport.
func NewService(cfg Config, selfID string, peers *model.PeerSet, tr transport.Transport, heights HeightSource, onProposal func(*model.Proposal)) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:        cfg,
		selfID:     selfID,
		transport:  tr,
		heights:    heights,
		queuedBy:   make(map[string]bool),
		recent:     newDedupWindow(cfg.DedupWindow),
		onProposal: onProposal,
		ctx:        ctx,
		cancel:     cancel,
		logger:     log.New(os.Stdout, "ORDERING: ", log.LstdFlags),
	}
	s.peers.Store(peers)
	return s
}

// SetPeers installs a new peer set, effective for the next proposal
// this service emits: a committed peer_set_delta takes hold starting
// at height+1, never retroactively for the round that carried it.
func (s *Service) SetPeers(peers *model.PeerSet) {
	s.peers.Store(peers)
}

// Start launches the emission timer loop. Idempotent.
func (s *Service) Start() error {
	var err error
	s.startOnce.Do(func() {
		if s.isRunning.Load() {
			err = ErrServiceAlreadyRunning
			return
		}
		s.isRunning.Store(true)
		s.mu.Lock()
		s.armWatchLocked()
		s.mu.Unlock()
		s.wg.Add(1)
		go s.emissionLoop()
		s.logger.Println("started")
	})
	return err
}

// Stop halts the emission loop and the backup-proposer timer.
// Idempotent.
func (s *Service) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		if !s.isRunning.Load() {
			err = ErrServiceNotRunning
			return
		}
		s.cancel()
		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
		}
		s.watching = false
		s.mu.Unlock()
		s.wg.Wait()
		s.isRunning.Store(false)
		s.logger.Println("stopped")
	})
	return err
}

// Submit stateless-validates and enqueues a client transaction,
// rejecting one already queued or within the dedup window.
func (s *Service) Submit(tx *model.Transaction) error {
	if err := tx.Validate(); err != nil {
		return err
	}
	hash, err := tx.Hash()
	if err != nil {
		return err
	}
	key := string(hash)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queuedBy[key] || s.recent.Contains(key) {
		return ErrDuplicateTransaction
	}
	if len(s.queue) >= s.cfg.QueueCapacity {
		return ErrQueueFull
	}

	s.queue = append(s.queue, tx)
	s.queuedBy[key] = true

	if len(s.queue) >= s.cfg.MaxProposalSize {
		s.emitLocked()
	}
	return nil
}

// MarkCommitted records transaction hashes from a newly committed
// block in the dedup window and removes them from the local queue, so
// a transaction a slower peer already queued does not get proposed
// again at a later height.
func (s *Service) MarkCommitted(txs []*model.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range txs {
		hash, err := tx.Hash()
		if err != nil {
			continue
		}
		key := string(hash)
		s.recent.Add(key)
		delete(s.queuedBy, key)
	}
	s.queue = filterQueue(s.queue, s.queuedBy)
	s.armWatchLocked()
}

// ObserveProposal tells the service that a proposal for height has
// actually been broadcast, by this peer or any other: its own
// backup-proposer timer for that height stands down, since from here
// YAC's own round-level view-change timeout is what drives any
// further leader rotation.
func (s *Service) ObserveProposal(height int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.watching || height != s.watchHeight {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.watching = false
}

// armWatchLocked (re)arms the backup-proposer timer for the height
// this service should next see a proposal for. Caller holds s.mu. A
// height change resets the view to 0; this is the only place the
// watched height is allowed to move forward.
func (s *Service) armWatchLocked() {
	height := s.heights.CurrentHeight() + 1
	if height != s.watchHeight {
		s.watchHeight = height
		s.view = 0
	}
	s.scheduleWatchLocked()
}

func (s *Service) scheduleWatchLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	height, view := s.watchHeight, s.view
	s.watching = true
	s.timer = time.AfterFunc(s.cfg.timeoutFor(view), func() { s.onRoundTimeout(height, view) })
}

// onRoundTimeout fires when round_timeout elapses with no proposal
// observed for height: it advances the local view and, if this peer
// is now the backup proposer for the new view, emits a proposal
// itself from whatever is currently queued so the round can start.
func (s *Service) onRoundTimeout(height int64, view int) {
	s.mu.Lock()
	if !s.watching || height != s.watchHeight || view != s.view {
		s.mu.Unlock()
		return
	}
	s.view++
	newView := s.view
	leader := s.peers.Load().LeaderForRound(height, newView)
	s.scheduleWatchLocked()
	isLeader := leader.PeerID == s.selfID
	if isLeader {
		s.emitLocked()
	}
	s.mu.Unlock()

	s.logger.Printf("height %d: no proposal observed within round_timeout, view -> %d, leader %s", height, newView, leader.PeerID)
}

// Requeue puts the transactions from a rejected round's proposal back
// at the front of the queue so they are reconsidered for the next
// attempt at the same height rather than dropped: emitLocked already
// popped them out of s.queue before broadcast, but queuedBy still
// marks them as owned, so Submit would otherwise never let them back
// in and nothing would re-propose them.
func (s *Service) Requeue(txs []*model.Transaction) {
	if len(txs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(append([]*model.Transaction{}, txs...), s.queue...)
}

func filterQueue(queue []*model.Transaction, stillQueued map[string]bool) []*model.Transaction {
	filtered := queue[:0]
	for _, tx := range queue {
		hash, err := tx.Hash()
		if err != nil {
			continue
		}
		if stillQueued[string(hash)] {
			filtered = append(filtered, tx)
		}
	}
	return filtered
}

func (s *Service) emissionLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ProposalDelay)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if len(s.queue) > 0 {
				s.emitLocked()
			}
			s.mu.Unlock()
		}
	}
}

// emitLocked performs the leader check and, if this peer leads,
// assembles + broadcasts a proposal, at whatever view this service has
// currently backed off to for the height it is watching. Every trigger
// (Submit's size trigger, the emission ticker, the backup timer) goes
// through it, so a non-leader peer returns here without emitting.
func (s *Service) emitLocked() {
	height := s.heights.CurrentHeight() + 1
	view := 0
	if s.watching && s.watchHeight == height {
		view = s.view
	}
	leader := s.peers.Load().LeaderForRound(height, view)
	if leader.PeerID != s.selfID {
		return
	}

	n := s.cfg.MaxProposalSize
	if n > len(s.queue) {
		n = len(s.queue)
	}
	batch := make([]*model.Transaction, n)
	copy(batch, s.queue[:n])
	s.queue = s.queue[n:]

	proposal := &model.Proposal{
		Height:       height,
		CreatedAt:    time.Now().UnixMilli(),
		Transactions: batch,
	}

	if s.onProposal != nil {
		s.onProposal(proposal)
	}
	s.broadcast(proposal)
}

func (s *Service) broadcast(p *model.Proposal) {
	payload, err := model.EncodeProposal(p)
	if err != nil {
		s.logger.Printf("failed to encode proposal for height %d: %v", p.Height, err)
		return
	}
	env := transport.Envelope{Kind: transport.KindProposal, From: s.selfID, Payload: payload}
	for _, peer := range s.peers.Load().Peers() {
		go func(peerID string) {
			if err := s.transport.Send(s.ctx, peerID, env); err != nil {
				s.logger.Printf("failed to send proposal height %d to %s: %v", p.Height, peerID, err)
			}
		}(peer.PeerID)
	}
}

// dedupWindow is a bounded FIFO set of recently committed tx hash
// keys, used to reject resubmission after a transaction has already
// landed in a block.
type dedupWindow struct {
	capacity int
	order    []string
	present  map[string]bool
}

func newDedupWindow(capacity int) *dedupWindow {
	if capacity <= 0 {
		capacity = 1
	}
	return &dedupWindow{capacity: capacity, present: make(map[string]bool)}
}

func (w *dedupWindow) Add(key string) {
	if w.present[key] {
		return
	}
	w.order = append(w.order, key)
	w.present[key] = true
	for len(w.order) > w.capacity {
		oldest := w.order[0]
		w.order = w.order[1:]
		delete(w.present, oldest)
	}
}

func (w *dedupWindow) Contains(key string) bool {
	return w.present[key]
}
