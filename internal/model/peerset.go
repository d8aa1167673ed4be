package model

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	ErrEmptyPeerSet     = errors.New("model: peer set is empty")
	ErrInvalidPeerID    = errors.New("model: peer id cannot be empty")
	ErrInvalidPublicKey = errors.New("model: peer public key cannot be empty")
	ErrDuplicatePeer    = errors.New("model: duplicate peer id in peer set")
	ErrPeerNotFound     = errors.New("model: peer id not present in peer set")
)

// PeerInfo is one member of the fixed, pre-configured peer set this
// node runs consensus against: its network address and the public
// key its votes and proposals are verified against.
type PeerInfo struct {
	PeerID    string
	Address   string
	PublicKey []byte
}

// PeerSet is the ordered, immutable list of peers participating in
// one instance of consensus. Order matters: it determines the
// round-robin proposer rotation, so every peer must agree on it,
// which is why it is built once (from genesis/config) and never
// mutated in place.
type PeerSet struct {
	peers []PeerInfo
	index map[string]int
}

// NewPeerSet validates and freezes a list of peers into a PeerSet.
// The input order is preserved as the rotation order.
func NewPeerSet(peers []PeerInfo) (*PeerSet, error) {
	if len(peers) == 0 {
		return nil, ErrEmptyPeerSet
	}
	index := make(map[string]int, len(peers))
	frozen := make([]PeerInfo, len(peers))
	for i, p := range peers {
		if p.PeerID == "" {
			return nil, ErrInvalidPeerID
		}
		if len(p.PublicKey) == 0 {
			return nil, ErrInvalidPublicKey
		}
		if _, exists := index[p.PeerID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePeer, p.PeerID)
		}
		index[p.PeerID] = i
		frozen[i] = p
	}
	return &PeerSet{peers: frozen, index: index}, nil
}

// Size returns n, the total number of peers.
func (ps *PeerSet) Size() int {
	return len(ps.peers)
}

// MaxFaulty returns f, the maximum number of Byzantine peers this set
// can tolerate under the n = 3f+1 assumption.
func (ps *PeerSet) MaxFaulty() int {
	return (len(ps.peers) - 1) / 3
}

// SupermajorityThreshold returns T = 2f+1, the number of matching
// votes required to commit.
func (ps *PeerSet) SupermajorityThreshold() int {
	return 2*ps.MaxFaulty() + 1
}

// Peers returns a defensive copy of the ordered peer list.
func (ps *PeerSet) Peers() []PeerInfo {
	out := make([]PeerInfo, len(ps.peers))
	copy(out, ps.peers)
	return out
}

// Get returns the PeerInfo for a given peer id.
func (ps *PeerSet) Get(peerID string) (PeerInfo, error) {
	i, ok := ps.index[peerID]
	if !ok {
		return PeerInfo{}, fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}
	return ps.peers[i], nil
}

// Contains reports whether peerID is a member of the set.
func (ps *PeerSet) Contains(peerID string) bool {
	_, ok := ps.index[peerID]
	return ok
}

// HasKey reports whether pubKey matches the registered public key for
// peerID, used to verify that a signature claiming to be from peerID
// was produced by the key this set has on file for it.
func (ps *PeerSet) HasKey(peerID string, pubKey []byte) bool {
	i, ok := ps.index[peerID]
	if !ok {
		return false
	}
	return bytes.Equal(ps.peers[i].PublicKey, pubKey)
}

// LeaderForRound deterministically selects the ordering-service leader
// for a given (height, view) pair via round-robin rotation: the view
// advances on every view-change timeout within a height, and the
// leader for view v is peer (height+v) mod n. Folding height into the
// rotation avoids a fixed leader that would otherwise gate every
// height behind the same peer's availability.
func (ps *PeerSet) LeaderForRound(height int64, view int) PeerInfo {
	n := int64(len(ps.peers))
	idx := ((height + int64(view)) % n)
	if idx < 0 {
		idx += n
	}
	return ps.peers[idx]
}
