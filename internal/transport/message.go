// Package transport implements the peer transport: a connection-
// oriented, reliable, ordered message channel between peers, carrying
// the four kinds of traffic the rest of the consensus core needs --
// proposal broadcast, YAC voting traffic, synchronizer catch-up
// requests, and client transaction submission.
package transport

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
)

var (
	ErrEncodeFailed = errors.New("transport: failed to encode envelope")
	ErrDecodeFailed = errors.New("transport: failed to decode envelope")
)

// Kind identifies the payload carried by an Envelope.
type Kind byte

const (
	KindProposal Kind = iota
	KindVote
	KindCommit
	KindReject
	KindBlockRequest
	KindBlockResponse
	KindSubmitTransaction
	KindSubmitResult
)

func (k Kind) String() string {
	switch k {
	case KindProposal:
		return "PROPOSAL"
	case KindVote:
		return "VOTE"
	case KindCommit:
		return "COMMIT"
	case KindReject:
		return "REJECT"
	case KindBlockRequest:
		return "BLOCK_REQUEST"
	case KindBlockResponse:
		return "BLOCK_RESPONSE"
	case KindSubmitTransaction:
		return "SUBMIT_TRANSACTION"
	case KindSubmitResult:
		return "SUBMIT_RESULT"
	default:
		return fmt.Sprintf("UNKNOWN_KIND(%d)", byte(k))
	}
}

// Envelope is the one frame type carried over a peer connection.
// Payload holds the already canonically-encoded model bytes (e.g. the
// output of model.EncodeProposal); transport never interprets it.
// CorrelationID pairs a BlockRequest with its BlockResponse stream.
type Envelope struct {
	Kind          Kind
	From          string
	CorrelationID string
	Payload       []byte
	Final         bool // set on the last Envelope of a RequestBlocks stream
}

// Handler processes one inbound Envelope from a peer.
type Handler func(env Envelope)

func encodeEnvelope(env Envelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}
	return buf.Bytes(), nil
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return env, nil
}
