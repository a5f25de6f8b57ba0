package state

import (
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/chain"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/mempool"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/nullifier"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/proof"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/roots"
	"github.com/ethereum/go-ethereum/common"
)

// QueryHead returns the latest canonical head seen.
func (s *State) QueryHead() chain.Head {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.head
}

// QueryCapacity returns the priority blockspace settings.
func (s *State) QueryCapacity() CapacityConfig {
	return s.capacity
}

// QueryMempoolLength returns the current length of each partition.
func (s *State) QueryMempoolLength() (verified int, regular int) {
	return s.mempool.Count()
}

// QueryMempool returns both partitions in selection order for the latest
// head's base fee.
func (s *State) QueryMempool() mempool.Snapshot {
	return s.mempool.Snapshot(s.QueryHead().BaseFee)
}

// QueryTransaction returns the pool transaction for the specified hash.
func (s *State) QueryTransaction(hash common.Hash) (mempool.Tx, bool) {
	return s.mempool.Get(hash)
}

// QueryUsage returns the usage of the bucket for the nullifier hash under
// the specified external nullifier.
func (s *State) QueryUsage(key nullifier.Key) nullifier.Usage {
	return s.registry.Usage(key)
}

// QueryRegistry returns a summary of the nullifier registry.
func (s *State) QueryRegistry() nullifier.Stats {
	return s.registry.Stats()
}

// QueryWindow returns the current nullifier window.
func (s *State) QueryWindow() proof.Window {
	return s.registry.Window()
}

// QueryRoots returns the recognized roots, newest first.
func (s *State) QueryRoots() []roots.Entry {
	return s.roots.Copy()
}
