package transport

import "context"

// Transport is the typed message channel peers exchange consensus
// traffic over. Implementations report send failures to the caller
// and never retry silently; authenticating the sender is the
// consumer's job (message signatures), not the transport's.
type Transport interface {
	// Send delivers a fire-and-forget envelope to one peer: proposal
	// broadcast and YAC voting traffic.
	Send(ctx context.Context, peerID string, env Envelope) error

	// RequestBlocks asks peerID for every block from fromHeight
	// onward and returns a channel of BlockResponse envelopes, closed
	// once the peer's Final frame has been delivered. Cancelling ctx
	// does not close the channel; callers watch ctx themselves.
	RequestBlocks(ctx context.Context, peerID string, fromHeight int64) (<-chan Envelope, error)

	// Listen registers the handler invoked for every inbound
	// Envelope that is not itself a RequestBlocks response being
	// routed back to its caller.
	Listen(handler Handler) error

	// Close shuts down all connections and releases resources.
	Close() error
}

// BlockResponder is implemented by Transports that can answer a
// RequestBlocks stream: the synchronizer type-asserts for this rather
// than widening the Transport interface itself, since ordinary
// fire-and-forget callers never need it.
type BlockResponder interface {
	// RespondBlocks sends one frame of a RequestBlocks stream back to
	// requesterID, matched to the original request by correlationID.
	// Set env.Final on the last frame to signal end of stream.
	RespondBlocks(requesterID, correlationID string, env Envelope) error
}
