package yac

import (
	"time"

	"github.com/empower1/yacnode/internal/model"
)

// voteBucket groups the votes received for one YacHash by peer, so a
// peer's second, equivocating vote can be detected independently of
// tally counting.
type voteBucket map[string]model.VoteMessage // peerID -> vote

// round is the per-height vote-tally state the engine advances as
// votes arrive.
type round struct {
	height       int64
	status       RoundStatus
	view         int
	proposalHash []byte
	votes        map[string]voteBucket // hash key -> bucket
	peerVote     map[string]string     // peerID -> hash key already cast
	blocks       map[string]*model.Block // hex(blockHash) -> locally known candidate
	ownVote      *model.VoteMessage
	timer        *time.Timer
}

func newRound(height int64) *round {
	return &round{
		height:   height,
		status:   StatusVoting,
		votes:    make(map[string]voteBucket),
		peerVote: make(map[string]string),
		blocks:   make(map[string]*model.Block),
	}
}

// record adds vote to the tally, applying first-vote-wins equivocation
// handling: a peer's second vote for a different hash at the same
// height is rejected outright rather than overwriting the first.
func (r *round) record(vote model.VoteMessage) error {
	key := vote.Hash.Key()
	if existing, voted := r.peerVote[vote.PeerID]; voted {
		if existing != key {
			return ErrEquivocation
		}
		return nil // duplicate of the same vote, harmless
	}
	r.peerVote[vote.PeerID] = key
	bucket, ok := r.votes[key]
	if !ok {
		bucket = make(voteBucket)
		r.votes[key] = bucket
	}
	bucket[vote.PeerID] = vote
	return nil
}

// leadingHash returns the hash key with the largest vote count and
// that count, used to decide whether a supermajority has formed.
func (r *round) leadingHash() (string, int) {
	var bestKey string
	var bestCount int
	for key, bucket := range r.votes {
		if len(bucket) > bestCount {
			bestKey = key
			bestCount = len(bucket)
		}
	}
	return bestKey, bestCount
}

func (r *round) totalVotes() int {
	return len(r.peerVote)
}

func (r *round) allVotes() []model.VoteMessage {
	all := make([]model.VoteMessage, 0, r.totalVotes())
	for _, bucket := range r.votes {
		for _, v := range bucket {
			all = append(all, v)
		}
	}
	return all
}
