package peerservice

import (
	"sync"

	"github.com/empower1/yacnode/internal/model"
)

// TxStatus is the coarse lifecycle stage a submitted transaction is
// tracked through, as it moves ordering -> simulator -> yac -> sync.
type TxStatus int

const (
	StatusUnknown TxStatus = iota
	StatusQueued
	StatusProposed
	StatusCommitted
)

func (s TxStatus) String() string {
	switch s {
	case StatusQueued:
		return "QUEUED"
	case StatusProposed:
		return "PROPOSED"
	case StatusCommitted:
		return "COMMITTED"
	default:
		return "UNKNOWN"
	}
}

// statusIndex is a small in-memory map from transaction hash to its
// last observed lifecycle stage, queried by GetTxStatus. It never
// forgets a committed transaction's status within this process's
// lifetime -- there is no eviction. Entries are added for transactions
// submitted through this node and also for every transaction seen in a
// proposal or a committed block, so the index grows with the chain.
type statusIndex struct {
	mu sync.Mutex
	m  map[string]TxStatus
}

func newStatusIndex() *statusIndex {
	return &statusIndex{m: make(map[string]TxStatus)}
}

func (idx *statusIndex) mark(tx *model.Transaction, status TxStatus) {
	hash, err := tx.Hash()
	if err != nil {
		return
	}
	idx.mu.Lock()
	idx.m[string(hash)] = status
	idx.mu.Unlock()
}

func (idx *statusIndex) markMany(txs []*model.Transaction, status TxStatus) {
	for _, tx := range txs {
		idx.mark(tx, status)
	}
}

func (idx *statusIndex) get(txHash []byte) (TxStatus, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	status, ok := idx.m[string(txHash)]
	return status, ok
}
