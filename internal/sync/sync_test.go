package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/empower1/yacnode/internal/crypto"
	"github.com/empower1/yacnode/internal/model"
	"github.com/empower1/yacnode/internal/transport"
)

type signedParty struct {
	name   string
	signer *crypto.ECDSASigner
	pubKey []byte
}

func newSignedParty(t *testing.T, name string) signedParty {
	t.Helper()
	priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	signer, err := crypto.NewECDSASigner(priv)
	require.NoError(t, err)
	pub, err := signer.PublicKeyBytes()
	require.NoError(t, err)
	return signedParty{name: name, signer: signer, pubKey: pub}
}

func signTx(t *testing.T, party signedParty, counter uint64) *model.Transaction {
	t.Helper()
	tx := &model.Transaction{
		Creator:        party.name,
		CreatorCounter: counter,
		CreatedAt:      1,
		Commands:       []model.Command{{Kind: "noop"}},
	}
	signingBytes, err := tx.SigningBytes()
	require.NoError(t, err)
	sig, err := party.signer.Sign(signingBytes)
	require.NoError(t, err)
	tx.Signatures = []model.CreatorSignature{{PublicKey: party.pubKey, Signature: sig}}
	return tx
}

func testPeerSet(t *testing.T, n int) *model.PeerSet {
	t.Helper()
	peers := make([]model.PeerInfo, n)
	for i := 0; i < n; i++ {
		peers[i] = model.PeerInfo{PeerID: string(rune('A' + i)), Address: string(rune('A' + i)), PublicKey: []byte{byte(i)}}
	}
	ps, err := model.NewPeerSet(peers)
	require.NoError(t, err)
	return ps
}

// memStore is a minimal in-memory Store double for tests that don't
// need on-disk recovery semantics.
type memStore struct {
	height int64
	blocks map[int64]*model.Block
	votes  map[int64][]model.VoteMessage
}

func newMemStore() *memStore {
	return &memStore{blocks: make(map[int64]*model.Block), votes: make(map[int64][]model.VoteMessage)}
}

func (m *memStore) CurrentHeight() int64 { return m.height }

func (m *memStore) Append(block *model.Block, votes []model.VoteMessage, threshold int) error {
	if len(votes) < threshold {
		return assertErr("short certificate")
	}
	if block.Height != m.height+1 {
		return assertErr("height gap")
	}
	m.blocks[block.Height] = block
	m.votes[block.Height] = votes
	m.height = block.Height
	return nil
}

func (m *memStore) Get(height int64) (*model.Block, error) {
	b, ok := m.blocks[height]
	if !ok {
		return nil, assertErr("not found")
	}
	return b, nil
}

func (m *memStore) GetCertificate(height int64) ([]model.VoteMessage, error) {
	v, ok := m.votes[height]
	if !ok {
		return nil, assertErr("not found")
	}
	return v, nil
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }
func assertErr(msg string) error  { return simpleErr(msg) }

type recordingRequeuer struct {
	got       []*model.Transaction
	committed []*model.Transaction
}

func (r *recordingRequeuer) Requeue(txs []*model.Transaction) {
	r.got = append(r.got, txs...)
}

func (r *recordingRequeuer) MarkCommitted(txs []*model.Transaction) {
	r.committed = append(r.committed, txs...)
}

func buildBlock(t *testing.T, height int64, prevHash []byte, txs []*model.Transaction) *model.Block {
	t.Helper()
	b := &model.Block{Height: height, PrevHash: prevHash, Transactions: txs, CreatedAt: 1}
	hash, err := b.ComputeHash()
	require.NoError(t, err)
	b.Hash = hash
	return b
}

func commitFor(height int64, block *model.Block, n int) *model.CommitMessage {
	votes := make([]model.VoteMessage, n)
	hash := model.YacHash{ProposalHash: []byte("p"), BlockHash: block.Hash}
	for i := 0; i < n; i++ {
		votes[i] = model.VoteMessage{Height: height, Hash: hash, PeerID: string(rune('A' + i))}
	}
	return &model.CommitMessage{Height: height, Hash: hash, Votes: votes}
}

func TestHandleCommitAppendsLocalCandidate(t *testing.T) {
	alice := newSignedParty(t, "alice")
	ps := testPeerSet(t, 4)
	store := newMemStore()
	net := transport.NewMemoryNetwork()
	tr := net.NewTransport("A")

	sy := New(DefaultConfig(), "A", ps, tr, store, crypto.NewECDSAVerifier(), nil, model.NewWorldState())

	tx := signTx(t, alice, 0)
	block := buildBlock(t, 1, nil, []*model.Transaction{tx})
	commit := commitFor(1, block, 3)

	sy.HandleCommit(commit, block)

	assert.Equal(t, int64(1), store.CurrentHeight())
	assert.Equal(t, uint64(1), sy.State().NextCounter("alice"))
}

func TestHandleCommitIgnoresStaleHeight(t *testing.T) {
	ps := testPeerSet(t, 4)
	store := newMemStore()
	net := transport.NewMemoryNetwork()
	tr := net.NewTransport("A")
	sy := New(DefaultConfig(), "A", ps, tr, store, crypto.NewECDSAVerifier(), nil, model.NewWorldState())

	block := buildBlock(t, 1, nil, nil)
	require.NoError(t, store.Append(block, commitFor(1, block, 3).Votes, 3))

	commit := commitFor(1, block, 3)
	sy.HandleCommit(commit, block) // already at height 1, must be a no-op
	assert.Equal(t, int64(1), store.CurrentHeight())
}

func TestHandleRejectRequeuesTrackedTransactions(t *testing.T) {
	alice := newSignedParty(t, "alice")
	ps := testPeerSet(t, 4)
	store := newMemStore()
	net := transport.NewMemoryNetwork()
	tr := net.NewTransport("A")
	requeuer := &recordingRequeuer{}
	sy := New(DefaultConfig(), "A", ps, tr, store, crypto.NewECDSAVerifier(), requeuer, model.NewWorldState())

	tx := signTx(t, alice, 0)
	sy.TrackProposal(&model.Proposal{Height: 1, Transactions: []*model.Transaction{tx}})

	sy.HandleReject(&model.RejectMessage{Height: 1})

	require.Len(t, requeuer.got, 1)
	assert.Equal(t, "alice", requeuer.got[0].Creator)
}

func TestHandleCommitFetchesFromPeerWhenNoLocalCandidate(t *testing.T) {
	alice := newSignedParty(t, "alice")
	ps := testPeerSet(t, 4)

	net := transport.NewMemoryNetwork()

	serverStore := newMemStore()
	serverTr := net.NewTransport("B")
	serverSync := New(DefaultConfig(), "B", ps, serverTr, serverStore, crypto.NewECDSAVerifier(), nil, model.NewWorldState())
	require.NoError(t, serverTr.Listen(func(env transport.Envelope) {
		if env.Kind == transport.KindBlockRequest {
			serverSync.ServeBlockRequest(env)
		}
	}))

	tx := signTx(t, alice, 0)
	block := buildBlock(t, 1, nil, []*model.Transaction{tx})
	commit := commitFor(1, block, 3)
	serverSync.HandleCommit(commit, block)
	require.Equal(t, int64(1), serverStore.CurrentHeight())

	clientStore := newMemStore()
	clientTr := net.NewTransport("A")
	clientSync := New(DefaultConfig(), "A", ps, clientTr, clientStore, crypto.NewECDSAVerifier(), nil, model.NewWorldState())
	require.NoError(t, clientTr.Listen(func(transport.Envelope) {}))

	// commit.Votes names B (among others); the client has no local
	// candidate (passing nil), so it must fetch height 1 from B.
	clientCommit := commitFor(1, block, 3)
	clientCommit.Votes[0].PeerID = "B"
	clientSync.HandleCommit(clientCommit, nil)

	assert.Equal(t, int64(1), clientStore.CurrentHeight())
	got, err := clientStore.Get(1)
	require.NoError(t, err)
	assert.Equal(t, block.Hash, got.Hash)
}

func TestServeBlockRequestSignalsFinalWhenNothingToSend(t *testing.T) {
	ps := testPeerSet(t, 4)
	store := newMemStore()
	net := transport.NewMemoryNetwork()
	serverTr := net.NewTransport("B")
	sy := New(DefaultConfig(), "B", ps, serverTr, store, crypto.NewECDSAVerifier(), nil, model.NewWorldState())
	require.NoError(t, serverTr.Listen(func(env transport.Envelope) {
		if env.Kind == transport.KindBlockRequest {
			sy.ServeBlockRequest(env)
		}
	}))

	clientTr := net.NewTransport("A")
	stream, err := clientTr.RequestBlocks(context.Background(), "B", 1)
	require.NoError(t, err)

	select {
	case env, ok := <-stream:
		require.True(t, ok)
		assert.True(t, env.Final)
		assert.Empty(t, env.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for final envelope")
	}
}
