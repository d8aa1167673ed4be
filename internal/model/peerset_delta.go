package model

import "fmt"

// PeerSetDeltaCommandKind is the Command.Kind recognized by the
// simulator as a peer-set mutation: adding or removing a validator
// from the fixed peer set. A committed change of this shape takes
// effect at the *following* height, never the one it commits in.
const PeerSetDeltaCommandKind = "peer_set_delta"

// PeerSetDelta is the payload of a PeerSetDeltaCommandKind command: an
// ordered batch of additions and removals to apply to the peer set
// active at the block's height, producing the set active starting at
// height+1.
type PeerSetDelta struct {
	Add    []PeerInfo
	Remove []string
}

// IsEmpty reports whether the delta has nothing to apply.
func (d *PeerSetDelta) IsEmpty() bool {
	return d == nil || (len(d.Add) == 0 && len(d.Remove) == 0)
}

// EncodePeerSetDelta/DecodePeerSetDelta round-trip a PeerSetDelta
// through canonical wire form, used as a Command's Payload.
func EncodePeerSetDelta(d *PeerSetDelta) ([]byte, error) {
	enc, err := encodeCanonical(d)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}
	return enc, nil
}

func DecodePeerSetDelta(data []byte) (*PeerSetDelta, error) {
	var d PeerSetDelta
	if err := decodeCanonical(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return &d, nil
}

// Apply returns a new PeerSet with d's removals and additions applied
// to ps, preserving ps's existing order for untouched peers and
// appending new peers after them. ps itself is never mutated: the
// rotation order every peer must agree on is replaced wholesale, not
// edited in place.
func (ps *PeerSet) Apply(d *PeerSetDelta) (*PeerSet, error) {
	if d.IsEmpty() {
		return ps, nil
	}
	removed := make(map[string]bool, len(d.Remove))
	for _, id := range d.Remove {
		removed[id] = true
	}

	next := make([]PeerInfo, 0, len(ps.peers)+len(d.Add))
	for _, p := range ps.peers {
		if !removed[p.PeerID] {
			next = append(next, p)
		}
	}
	next = append(next, d.Add...)
	return NewPeerSet(next)
}
