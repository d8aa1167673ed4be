package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTransportClosed   = errors.New("transport: already closed")
	ErrUnknownPeer       = errors.New("transport: unknown peer address")
	ErrHandlerRegistered = errors.New("transport: handler already registered")
	ErrDialTimeout       = errors.New("transport: dial timed out")
)

const dialTimeout = 5 * time.Second

// TCPTransport implements Transport over persistent, length-prefixed
// TCP connections: a 4-byte big-endian length followed by a
// gob-encoded Envelope. One outbound connection is dialed lazily per
// peer address and reused for every subsequent Send.
type TCPTransport struct {
	selfID   string
	selfAddr string
	dialAddr map[string]string // peerID -> dial address

	mu      sync.Mutex
	conns   map[string]net.Conn // peerID -> live outbound connection
	pending map[string]chan Envelope

	listener net.Listener
	handler  Handler

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
	logger    *log.Logger
}

// NewTCPTransport builds a transport identified as selfID, listening
// on selfAddr and dialing peers by the addresses in dialAddr (peerID
// -> "host:port").
func NewTCPTransport(selfID, selfAddr string, dialAddr map[string]string) *TCPTransport {
	return &TCPTransport{
		selfID:   selfID,
		selfAddr: selfAddr,
		dialAddr: dialAddr,
		conns:    make(map[string]net.Conn),
		pending:  make(map[string]chan Envelope),
		closed:   make(chan struct{}),
		logger:   log.New(os.Stdout, "TRANSPORT: ", log.LstdFlags),
	}
}

// Listen starts accepting inbound connections and routes every
// decoded Envelope to handler, except BlockResponse envelopes that
// match a CorrelationID registered by RequestBlocks, which are routed
// back to the waiting caller instead.
func (t *TCPTransport) Listen(handler Handler) error {
	t.mu.Lock()
	if t.handler != nil {
		t.mu.Unlock()
		return ErrHandlerRegistered
	}
	t.handler = handler
	t.mu.Unlock()

	ln, err := net.Listen("tcp", t.selfAddr)
	if err != nil {
		return fmt.Errorf("transport: listen on %s: %w", t.selfAddr, err)
	}
	t.listener = ln

	t.wg.Add(1)
	go t.acceptLoop()
	t.logger.Printf("listening on %s", t.selfAddr)
	return nil
}

func (t *TCPTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
				t.logger.Printf("accept error: %v", err)
				continue
			}
		}
		t.wg.Add(1)
		go t.readLoop(conn)
	}
}

func (t *TCPTransport) readLoop(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		data, err := readFrame(reader)
		if err != nil {
			if err != io.EOF {
				t.logger.Printf("read error from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		env, err := decodeEnvelope(data)
		if err != nil {
			t.logger.Printf("dropping malformed envelope from %s: %v", conn.RemoteAddr(), err)
			continue
		}
		t.dispatch(env)
	}
}

func (t *TCPTransport) dispatch(env Envelope) {
	if env.Kind == KindBlockResponse && env.CorrelationID != "" {
		t.mu.Lock()
		ch, ok := t.pending[env.CorrelationID]
		t.mu.Unlock()
		if ok {
			select {
			case ch <- env:
			case <-t.closed:
			}
			if env.Final {
				t.mu.Lock()
				delete(t.pending, env.CorrelationID)
				t.mu.Unlock()
				close(ch)
			}
			return
		}
	}
	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()
	if handler != nil {
		handler(env)
	}
}

// connFor returns the persistent outbound connection to peerID,
// dialing one if none exists yet.
func (t *TCPTransport) connFor(peerID string) (net.Conn, error) {
	t.mu.Lock()
	if conn, ok := t.conns[peerID]; ok {
		t.mu.Unlock()
		return conn, nil
	}
	addr, ok := t.dialAddr[peerID]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", ErrDialTimeout, addr, err)
	}

	t.mu.Lock()
	t.conns[peerID] = conn
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop(conn)
	return conn, nil
}

// Send writes env to peerID's connection. On any failure the
// connection is dropped so the next Send redials; the error is
// returned to the caller rather than retried here.
func (t *TCPTransport) Send(ctx context.Context, peerID string, env Envelope) error {
	conn, err := t.connFor(peerID)
	if err != nil {
		return err
	}
	env.From = t.selfID
	if err := writeFrame(conn, env); err != nil {
		t.mu.Lock()
		delete(t.conns, peerID)
		t.mu.Unlock()
		return fmt.Errorf("transport: send to %s: %w", peerID, err)
	}
	return nil
}

// RequestBlocks sends a BlockRequest envelope carrying fromHeight and
// returns a channel fed by the peer's BlockResponse stream.
func (t *TCPTransport) RequestBlocks(ctx context.Context, peerID string, fromHeight int64) (<-chan Envelope, error) {
	correlationID := uuid.NewString()
	ch := make(chan Envelope, 8)

	t.mu.Lock()
	t.pending[correlationID] = ch
	t.mu.Unlock()

	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, uint64(fromHeight))
	req := Envelope{
		Kind:          KindBlockRequest,
		CorrelationID: correlationID,
		Payload:       payload,
	}
	if err := t.Send(ctx, peerID, req); err != nil {
		t.mu.Lock()
		delete(t.pending, correlationID)
		t.mu.Unlock()
		return nil, err
	}
	return ch, nil
}

// RespondBlocks answers a RequestBlocks stream: it is a plain Send of
// a BlockResponse envelope, since dispatch on the requester's side
// already routes by CorrelationID. Satisfies BlockResponder.
func (t *TCPTransport) RespondBlocks(requesterID, correlationID string, env Envelope) error {
	env.Kind = KindBlockResponse
	env.CorrelationID = correlationID
	return t.Send(context.Background(), requesterID, env)
}

func (t *TCPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.listener != nil {
			err = t.listener.Close()
		}
		t.mu.Lock()
		for _, c := range t.conns {
			c.Close()
		}
		t.mu.Unlock()
		t.wg.Wait()
	})
	return err
}

func writeFrame(w io.Writer, env Envelope) error {
	data, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(data)))
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(lenPrefix[:]); err != nil {
		return err
	}
	if _, err := bw.Write(data); err != nil {
		return err
	}
	return bw.Flush()
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(lenPrefix[:])
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
