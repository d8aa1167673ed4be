package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTransportSendDeliversToHandler(t *testing.T) {
	net := NewMemoryNetwork()
	a := net.NewTransport("peerA")
	b := net.NewTransport("peerB")

	received := make(chan Envelope, 1)
	require.NoError(t, b.Listen(func(env Envelope) {
		received <- env
	}))

	err := a.Send(context.Background(), "peerB", Envelope{Kind: KindProposal, Payload: []byte("hello")})
	require.NoError(t, err)

	select {
	case env := <-received:
		assert.Equal(t, KindProposal, env.Kind)
		assert.Equal(t, "peerA", env.From)
		assert.Equal(t, []byte("hello"), env.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
	}
}

func TestMemoryTransportSendToUnknownPeer(t *testing.T) {
	net := NewMemoryNetwork()
	a := net.NewTransport("peerA")
	err := a.Send(context.Background(), "ghost", Envelope{Kind: KindVote})
	require.ErrorIs(t, err, ErrUnknownPeer)
}

func TestMemoryTransportDoubleListenRejected(t *testing.T) {
	net := NewMemoryNetwork()
	a := net.NewTransport("peerA")
	require.NoError(t, a.Listen(func(Envelope) {}))
	err := a.Listen(func(Envelope) {})
	require.ErrorIs(t, err, ErrHandlerRegistered)
}

func TestMemoryTransportRequestBlocksStream(t *testing.T) {
	net := NewMemoryNetwork()
	requester := net.NewTransport("requester")
	responder := net.NewTransport("responder")

	require.NoError(t, responder.Listen(func(env Envelope) {
		if env.Kind != KindBlockRequest {
			return
		}
		go func() {
			_ = responder.RespondBlocks(env.From, env.CorrelationID, Envelope{
				Kind: KindBlockResponse, Payload: []byte("block-1"),
			})
			_ = responder.RespondBlocks(env.From, env.CorrelationID, Envelope{
				Kind: KindBlockResponse, Payload: []byte("block-2"), Final: true,
			})
		}()
	}))

	stream, err := requester.RequestBlocks(context.Background(), "responder", 1)
	require.NoError(t, err)

	var got [][]byte
	for env := range stream {
		got = append(got, env.Payload)
	}
	require.Len(t, got, 2)
	assert.Equal(t, []byte("block-1"), got[0])
	assert.Equal(t, []byte("block-2"), got[1])
}

func TestEnvelopeEncodeDecodeRoundTrip(t *testing.T) {
	env := Envelope{
		Kind:          KindCommit,
		From:          "peer-1",
		CorrelationID: "abc",
		Payload:       []byte("payload-bytes"),
		Final:         true,
	}
	enc, err := encodeEnvelope(env)
	require.NoError(t, err)

	decoded, err := decodeEnvelope(enc)
	require.NoError(t, err)
	assert.Equal(t, env, decoded)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "PROPOSAL", KindProposal.String())
	assert.Equal(t, "SUBMIT_RESULT", KindSubmitResult.String())
}
