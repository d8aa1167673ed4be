// Package peerservice is the peer communication service: the thin
// façade that wires transport, ordering, the simulator, YAC, and the
// synchronizer into one running node, and exposes the client-facing
// surface (SubmitTransaction, GetTxStatus) plus the proposal/commit
// event streams other local components can subscribe to.
package peerservice

import (
	"errors"
	"log"
	"os"

	"github.com/empower1/yacnode/internal/crypto"
	"github.com/empower1/yacnode/internal/eventbus"
	"github.com/empower1/yacnode/internal/model"
	"github.com/empower1/yacnode/internal/ordering"
	"github.com/empower1/yacnode/internal/simulator"
	synchronizer "github.com/empower1/yacnode/internal/sync"
	"github.com/empower1/yacnode/internal/transport"
	"github.com/empower1/yacnode/internal/yac"
)

// Store is everything the façade needs from the persisted chain: the
// synchronizer's view of it (internal/sync.Store) plus Head, which
// the simulator needs to chain-link a freshly simulated candidate.
// Satisfied by *blockstore.Store.
type Store interface {
	CurrentHeight() int64
	Head() []byte
	Append(block *model.Block, votes []model.VoteMessage, threshold int) error
	Get(height int64) (*model.Block, error)
	GetCertificate(height int64) ([]model.VoteMessage, error)
}

// Config bundles the sub-component configs plus the event bus buffer
// depths. Zero value is unusable; use DefaultConfig.
type Config struct {
	Ordering ordering.Config
	Yac      yac.Config
	Sync     synchronizer.Config

	ProposalBufferSize int
	CommitBufferSize   int
}

func DefaultConfig() Config {
	return Config{
		Ordering:           ordering.DefaultConfig(),
		Yac:                yac.DefaultConfig(),
		Sync:               synchronizer.DefaultConfig(),
		ProposalBufferSize: 16,
		CommitBufferSize:   16,
	}
}

// Service is the running node: one instance per peer process.
type Service struct {
	selfID string
	store  Store

	ordering *ordering.Service
	sim      *simulator.Simulator
	engine   *yac.Engine
	sync     *synchronizer.Synchronizer

	status *statusIndex

	proposalBus *eventbus.Bus[*model.Proposal]
	commitBus   *eventbus.Bus[*model.CommitMessage]

	logger *log.Logger
}

// New wires every component together and registers the façade's
// dispatch as the transport's sole inbound handler. genesisState must
// be the WorldState resulting from replaying every block already in
// store, or model.NewWorldState() for an empty store.
func New(cfg Config, selfID string, peers *model.PeerSet, signer crypto.Signer, verifier crypto.Verifier, tr transport.Transport, store Store, genesisState *model.WorldState) (*Service, error) {
	s := &Service{
		selfID: selfID,
		store:  store,
		status: newStatusIndex(),
		logger: log.New(os.Stdout, "PEERSERVICE: ", log.LstdFlags),

		proposalBus: eventbus.New[*model.Proposal](eventbus.DropOldest, cfg.ProposalBufferSize),
		commitBus:   eventbus.New[*model.CommitMessage](eventbus.Block, cfg.CommitBufferSize),
	}

	s.ordering = ordering.NewService(cfg.Ordering, selfID, peers, tr, store, s.onOwnProposal)
	s.sim = simulator.New(verifier)

	feedback := &orderingFeedback{ordering: s.ordering, status: s.status}
	s.sync = synchronizer.New(cfg.Sync, selfID, peers, tr, store, verifier, feedback, genesisState)
	s.sync.OnPeerSetChange(s.onPeerSetChange)

	s.engine = yac.New(cfg.Yac, selfID, peers, signer, verifier, tr, s.onCommit, s.onReject)

	if err := tr.Listen(s.dispatch); err != nil {
		return nil, err
	}
	return s, nil
}

// Subscribe registers a new reader of this node's proposal and commit
// streams. Must be called before Start.
func (s *Service) Subscribe() (<-chan *model.Proposal, <-chan *model.CommitMessage, error) {
	proposals, err := s.proposalBus.Subscribe()
	if err != nil {
		return nil, nil, err
	}
	commits, err := s.commitBus.Subscribe()
	if err != nil {
		return nil, nil, err
	}
	return proposals, commits, nil
}

// Start launches the ordering emission loop and marks YAC and the
// event buses operational. Idempotent: each wrapped component enforces
// its own idempotence.
func (s *Service) Start() error {
	s.proposalBus.Start()
	s.commitBus.Start()
	if err := s.engine.Start(); err != nil {
		return err
	}
	return s.ordering.Start()
}

// Stop tears down the ordering loop and YAC's view-change timer.
func (s *Service) Stop() error {
	var errs []error
	if err := s.ordering.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := s.engine.Stop(); err != nil {
		errs = append(errs, err)
	}
	s.proposalBus.Close()
	s.commitBus.Close()
	return errors.Join(errs...)
}

// SubmitTransaction stateless-validates and enqueues a client
// transaction with the local ordering service, marking it Queued in
// the status index.
func (s *Service) SubmitTransaction(tx *model.Transaction) error {
	if err := s.ordering.Submit(tx); err != nil {
		return err
	}
	s.status.mark(tx, StatusQueued)
	return nil
}

// GetTxStatus reports the last observed lifecycle stage of the
// transaction identified by txHash, and whether anything is known
// about it at all.
func (s *Service) GetTxStatus(txHash []byte) (TxStatus, bool) {
	return s.status.get(txHash)
}

// dispatch is the transport's single inbound handler: it routes each
// envelope kind to the component responsible for it.
func (s *Service) dispatch(env transport.Envelope) {
	switch env.Kind {
	case transport.KindProposal:
		s.handleProposal(env)
	case transport.KindVote:
		s.handleVote(env)
	case transport.KindCommit:
		s.handleExternalCommit(env)
	case transport.KindReject:
		s.handleExternalReject(env)
	case transport.KindBlockRequest:
		s.sync.ServeBlockRequest(env)
	case transport.KindSubmitTransaction:
		s.handleSubmitEnvelope(env)
	case transport.KindBlockResponse, transport.KindSubmitResult:
		// BlockResponse is consumed by the transport's own
		// RequestBlocks plumbing before it reaches this handler;
		// SubmitResult is reserved and never sent. Nothing to do here.
	default:
		s.logger.Printf("dropping envelope of unrecognized kind %s from %s", env.Kind, env.From)
	}
}

// handleProposal simulates a leader's proposal (including this peer's
// own, looped back through transport like any other broadcast
// recipient) and casts this peer's vote by starting a YAC round for
// it.
func (s *Service) handleProposal(env transport.Envelope) {
	p, err := model.DecodeProposal(env.Payload)
	if err != nil {
		s.logger.Printf("decoding proposal from %s: %v", env.From, err)
		return
	}

	s.ordering.ObserveProposal(p.Height)
	s.status.markMany(p.Transactions, StatusProposed)
	s.proposalBus.Publish(p)
	s.sync.TrackProposal(p)

	proposalHash, err := p.Hash()
	if err != nil {
		s.logger.Printf("hashing proposal height %d: %v", p.Height, err)
		return
	}

	result, err := s.sim.Simulate(p, s.sync.State(), s.store.Head())
	if err != nil {
		s.logger.Printf("simulating proposal height %d: %v", p.Height, err)
		return
	}

	if err := s.engine.StartRound(p.Height, proposalHash, result.Block); err != nil {
		s.logger.Printf("starting round height %d: %v", p.Height, err)
	}
}

func (s *Service) handleVote(env transport.Envelope) {
	vote, err := model.DecodeVote(env.Payload)
	if err != nil {
		s.logger.Printf("decoding vote from %s: %v", env.From, err)
		return
	}
	if err := s.engine.HandleVote(*vote); err != nil {
		s.logger.Printf("height %d: vote from %s rejected: %v", vote.Height, vote.PeerID, err)
	}
}

func (s *Service) handleExternalCommit(env transport.Envelope) {
	commit, err := model.DecodeCommit(env.Payload)
	if err != nil {
		s.logger.Printf("decoding commit from %s: %v", env.From, err)
		return
	}
	if err := s.engine.HandleCommit(commit); err != nil {
		s.logger.Printf("height %d: external commit from %s rejected: %v", commit.Height, env.From, err)
	}
}

func (s *Service) handleExternalReject(env transport.Envelope) {
	reject, err := model.DecodeReject(env.Payload)
	if err != nil {
		s.logger.Printf("decoding reject from %s: %v", env.From, err)
		return
	}
	if err := s.engine.HandleReject(reject); err != nil {
		s.logger.Printf("height %d: external reject from %s rejected: %v", reject.Height, env.From, err)
	}
}

// handleSubmitEnvelope lets a client attach to any peer's transport
// connection and submit a transaction remotely, exactly as if it had
// called SubmitTransaction on this process directly; there is no
// acknowledgement frame sent back (KindSubmitResult is reserved for a
// future client SDK surface, out of this module's scope).
func (s *Service) handleSubmitEnvelope(env transport.Envelope) {
	tx, err := model.DecodeTransaction(env.Payload)
	if err != nil {
		s.logger.Printf("decoding submitted transaction from %s: %v", env.From, err)
		return
	}
	if err := s.SubmitTransaction(tx); err != nil {
		s.logger.Printf("submitting transaction relayed from %s: %v", env.From, err)
	}
}

// onOwnProposal is ordering's emission callback, invoked synchronously
// while ordering's own lock is held: it must stay non-blocking. The
// proposal itself is processed identically to any other peer's
// broadcast once it loops back through transport to handleProposal, so
// this only needs to update the status index.
func (s *Service) onOwnProposal(p *model.Proposal) {
	s.status.markMany(p.Transactions, StatusProposed)
}

// onCommit is YAC's CommitHandler, invoked synchronously from inside
// the engine's lock-protected decision path. It hands off to a
// goroutine immediately: catch-up fetches in the synchronizer can take
// seconds, and must never hold up the engine's vote processing for
// every other height-unrelated round.
func (s *Service) onCommit(commit *model.CommitMessage, block *model.Block) {
	go func() {
		s.sync.HandleCommit(commit, block)
		s.commitBus.Publish(commit)
	}()
}

// onReject is YAC's RejectHandler, subject to the same synchronous-
// callback constraint as onCommit.
func (s *Service) onReject(reject *model.RejectMessage) {
	go s.sync.HandleReject(reject)
}

// onPeerSetChange is the synchronizer's notification that a just-
// applied block carried a peer-set delta: the new set must reach
// ordering's leader computation and YAC's vote tally at the same
// height+1 boundary the synchronizer itself just adopted it at.
func (s *Service) onPeerSetChange(next *model.PeerSet) {
	s.ordering.SetPeers(next)
	s.engine.SetPeers(next)
}

// orderingFeedback adapts *ordering.Service to synchronizer.Requeuer,
// additionally updating the status index so a committed or requeued
// transaction's GetTxStatus reflects reality without the synchronizer
// needing to know the status index exists.
type orderingFeedback struct {
	ordering *ordering.Service
	status   *statusIndex
}

func (f *orderingFeedback) Requeue(txs []*model.Transaction) {
	f.status.markMany(txs, StatusQueued)
	f.ordering.Requeue(txs)
}

func (f *orderingFeedback) MarkCommitted(txs []*model.Transaction) {
	f.status.markMany(txs, StatusCommitted)
	f.ordering.MarkCommitted(txs)
}
