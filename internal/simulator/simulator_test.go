package simulator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/empower1/yacnode/internal/crypto"
	"github.com/empower1/yacnode/internal/model"
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

func TestSimulateAcceptsValidTransactions(t *testing.T) {
	alice := newSignedParty(t, "alice")
	sim := New(crypto.NewECDSAVerifier())

	tx := signTx(t, alice, 0)
	proposal := &model.Proposal{Height: 1, CreatedAt: 1, Transactions: []*model.Transaction{tx}}

	result, err := sim.Simulate(proposal, model.NewWorldState(), nil)
	require.NoError(t, err)
	assert.Len(t, result.Block.Transactions, 1)
	assert.Empty(t, result.Dropped)
	assert.NotEmpty(t, result.Block.Hash)
	assert.Equal(t, uint64(1), result.NextState.NextCounter("alice"))
}

func TestSimulateDropsBadSignature(t *testing.T) {
	alice := newSignedParty(t, "alice")
	mallory := newSignedParty(t, "mallory")
	sim := New(crypto.NewECDSAVerifier())

	tx := signTx(t, alice, 0)
	tx.Signatures[0].PublicKey = mallory.pubKey // signed by alice's key, but declares mallory's public key

	proposal := &model.Proposal{Height: 1, CreatedAt: 1, Transactions: []*model.Transaction{tx}}
	result, err := sim.Simulate(proposal, model.NewWorldState(), nil)
	require.NoError(t, err)
	assert.Empty(t, result.Block.Transactions)
	require.Len(t, result.Dropped, 1)
}

func TestSimulateDropsNonMonotonicCounter(t *testing.T) {
	alice := newSignedParty(t, "alice")
	sim := New(crypto.NewECDSAVerifier())

	tx := signTx(t, alice, 5) // expected next counter is 0, not 5
	proposal := &model.Proposal{Height: 1, CreatedAt: 1, Transactions: []*model.Transaction{tx}}

	result, err := sim.Simulate(proposal, model.NewWorldState(), nil)
	require.NoError(t, err)
	assert.Empty(t, result.Block.Transactions)
	require.Len(t, result.Dropped, 1)
}

func TestSimulateEmptyProposalProducesFixedZeroRoot(t *testing.T) {
	sim := New(crypto.NewECDSAVerifier())
	proposal := &model.Proposal{Height: 1, CreatedAt: 1}

	result, err := sim.Simulate(proposal, model.NewWorldState(), []byte("prev"))
	require.NoError(t, err)
	assert.Empty(t, result.Block.Transactions)
	root, err := model.MerkleRoot(nil)
	require.NoError(t, err)
	expectedHash, err := result.Block.ComputeHash()
	require.NoError(t, err)
	assert.Equal(t, expectedHash, result.Block.Hash)
	assert.Equal(t, make([]byte, 32), root)
}

func TestSimulateExtractsPeerSetDelta(t *testing.T) {
	alice := newSignedParty(t, "alice")
	sim := New(crypto.NewECDSAVerifier())

	delta := &model.PeerSetDelta{
		Add:    []model.PeerInfo{{PeerID: "p4", Address: "p4:0", PublicKey: []byte("pub-p4")}},
		Remove: []string{"p1"},
	}
	payload, err := model.EncodePeerSetDelta(delta)
	require.NoError(t, err)

	tx := signTx(t, alice, 0)
	tx.Commands = append(tx.Commands, model.Command{Kind: model.PeerSetDeltaCommandKind, Payload: payload})
	// re-sign now that the command list changed
	signingBytes, err := tx.SigningBytes()
	require.NoError(t, err)
	sig, err := alice.signer.Sign(signingBytes)
	require.NoError(t, err)
	tx.Signatures = []model.CreatorSignature{{PublicKey: alice.pubKey, Signature: sig}}

	proposal := &model.Proposal{Height: 1, CreatedAt: 1, Transactions: []*model.Transaction{tx}}
	result, err := sim.Simulate(proposal, model.NewWorldState(), nil)
	require.NoError(t, err)
	require.Len(t, result.Block.Transactions, 1)
	require.NotNil(t, result.Block.PeerDelta)
	assert.Equal(t, []string{"p1"}, result.Block.PeerDelta.Remove)
	require.Len(t, result.Block.PeerDelta.Add, 1)
	assert.Equal(t, "p4", result.Block.PeerDelta.Add[0].PeerID)
}

func TestSimulateDoesNotMutateInputState(t *testing.T) {
	alice := newSignedParty(t, "alice")
	sim := New(crypto.NewECDSAVerifier())

	tx := signTx(t, alice, 0)
	proposal := &model.Proposal{Height: 1, CreatedAt: 1, Transactions: []*model.Transaction{tx}}

	prevState := model.NewWorldState()
	_, err := sim.Simulate(proposal, prevState, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), prevState.NextCounter("alice"), "input state must remain untouched")
}
