package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/chain"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/nullifier"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/payload"
	"github.com/ethereum/go-ethereum/common"
)

// ledgerDepth is the number of blocks an inclusion is remembered for so a
// reorg can return its tickets.
const ledgerDepth = 64

// inclusion records the tickets committed for a transaction in a canonical
// block. A reverted inclusion has returned its tickets and keeps their keys
// until the transaction is included again.
type inclusion struct {
	number   uint64
	tickets  []nullifier.Ticket
	reverted bool
}

// ProcessCanonical reconciles the builder with a canonical chain
// notification. The job whose payload became the new head commits its
// tickets, every other job is aborted, included transactions leave the pool
// with their tickets committed and transactions from abandoned blocks have
// their tickets returned. A transaction both abandoned and included keeps
// its tickets.
func (s *State) ProcessCanonical(ctx context.Context, ev chain.Event) error {
	s.evHandler("state: ProcessCanonical: started: block[%d] hash[%s] included[%d] reverted[%d]", ev.Head.Number, ev.Head.Hash, len(ev.Included), len(ev.Reverted))
	defer s.evHandler("state: ProcessCanonical: completed: block[%d]", ev.Head.Number)

	// Observe the block time first so commits land in the right window.
	if ev.Head.Time > 0 {
		s.rollover(time.Unix(int64(ev.Head.Time), 0))
	}

	s.mempool.SetGasLimit(ev.Head.GasLimit)

	jobID := s.commitMatching(ev.Head)

	if n := s.AbortStale(ev.Head); n > 0 {
		s.evHandler("state: ProcessCanonical: aborted[%d] stale jobs", n)
	}

	included := make(map[common.Hash]bool, len(ev.Included))
	for _, hash := range ev.Included {
		included[hash] = true
	}

	s.uncommit(ev.Reverted, included)
	s.include(ev.Head, ev.Included, jobID)

	s.mu.Lock()
	s.head = ev.Head
	for hash, inc := range s.ledger {
		if inc.number+ledgerDepth < ev.Head.Number {
			delete(s.ledger, hash)
		}
	}
	s.mu.Unlock()

	if n := s.mempool.Expire(s.clock()); n > 0 {
		s.evHandler("state: ProcessCanonical: expired[%d] transactions", n)
	}
	s.reportPool()

	err := s.RefreshRoots(ctx)

	if s.Worker != nil {
		s.Worker.SignalBuild(ev.Head)
	}

	return err
}

// RefreshRoots reads the latest root from the chain. When the root can't be
// read every proof is rejected until it can.
func (s *State) RefreshRoots(ctx context.Context) error {
	now := s.clock()

	added, err := s.roots.Refresh(ctx, s.provider, now)
	if err != nil {
		return fmt.Errorf("refresh roots: %w", err)
	}

	pruned := s.roots.Prune(now)

	if added || pruned > 0 {
		latest, _ := s.roots.Latest()
		s.evHandler("state: RefreshRoots: latest[%s] added[%t] pruned[%d]", latest.Hex(), added, pruned)
	}

	return nil
}

// =============================================================================

// rollover advances the registry window and flushes the pool of proofs
// that can no longer be included.
func (s *State) rollover(now time.Time) {
	if !s.registry.Rollover(now) {
		return
	}

	window := s.registry.Window()
	n := s.mempool.ClearNullifiers(window)

	s.evHandler("state: rollover: window[%s] cleared[%d] transactions", window, n)
}

// commitMatching commits the job whose payload is the specified head. It
// returns the job's id or an empty string.
func (s *State) commitMatching(head chain.Head) string {
	var match *payload.Job

	s.mu.Lock()
	for id, job := range s.jobs {
		if job.Parent().Hash != head.ParentHash {
			continue
		}

		p, ok := job.Payload()
		if !ok || p.TxHash() != head.TxHash {
			continue
		}

		match = job
		delete(s.jobs, id)
		break
	}
	s.mu.Unlock()

	if match == nil {
		return ""
	}

	n, err := match.Commit()
	if err != nil {
		s.evHandler("state: ProcessCanonical: commit job[%s]: ERROR: %s", match.ID(), err)
		return ""
	}

	s.evHandler("state: ProcessCanonical: job[%s] payload is canonical: committed[%d]", match.ID(), n)

	return match.ID()
}

// include removes the included transactions from the pool and commits their
// tickets. Transactions the builder didn't select are committed on behalf of
// the block.
func (s *State) include(head chain.Head, hashes []common.Hash, jobID string) {
	matched := jobID != ""
	if !matched {
		jobID = "block:" + head.Hash.Hex()
	}

	var committed int
	for _, hash := range hashes {
		tx, exists := s.mempool.Delete(hash)
		if !exists {
			committed += s.reinclude(head, hash, jobID)
			continue
		}
		if !tx.Verified() {
			continue
		}

		for _, t := range tx.Tickets {
			err := s.registry.Commit(t, jobID)
			switch {
			case err == nil:
				if !matched {
					committed++
				}
			case errors.Is(err, nullifier.ErrCommitConflict):
				s.evHandler("state: ProcessCanonical: tx[%s]: WARNING: %s", hash, err)
			default:
				s.evHandler("state: ProcessCanonical: tx[%s]: ERROR: %s", hash, err)
			}
		}

		s.mu.Lock()
		s.ledger[hash] = inclusion{number: head.Number, tickets: tx.Tickets}
		s.mu.Unlock()
	}

	s.metrics.Ticket("commit", committed)
}

// reinclude handles an included transaction that already left the pool. A
// transaction whose earlier inclusion was reverted takes its quota again.
// It returns the number of tickets committed.
func (s *State) reinclude(head chain.Head, hash common.Hash, jobID string) int {
	s.mu.Lock()
	inc, exists := s.ledger[hash]
	if exists && !inc.reverted {
		inc.number = head.Number
		s.ledger[hash] = inc
	}
	s.mu.Unlock()

	if !exists || !inc.reverted {
		return 0
	}

	tickets := make([]nullifier.Ticket, 0, len(inc.tickets))
	for _, old := range inc.tickets {
		t, err := s.registry.Reserve(old.Key)
		if err != nil {
			s.evHandler("state: ProcessCanonical: reinclude tx[%s]: ERROR: %s", hash, err)
			continue
		}

		if err := s.registry.Commit(t, jobID); err != nil {
			s.registry.Release(t)
			s.evHandler("state: ProcessCanonical: reinclude tx[%s]: ERROR: %s", hash, err)
			continue
		}

		tickets = append(tickets, t)
	}

	s.mu.Lock()
	s.ledger[hash] = inclusion{number: head.Number, tickets: tickets}
	s.mu.Unlock()

	return len(tickets)
}

// uncommit returns the tickets of transactions whose block left the
// canonical chain. Transactions included again by the same notification are
// left committed.
func (s *State) uncommit(hashes []common.Hash, included map[common.Hash]bool) {
	var returned int
	for _, hash := range hashes {
		if included[hash] {
			continue
		}

		s.mu.Lock()
		inc, exists := s.ledger[hash]
		active := exists && !inc.reverted
		if active {
			inc.reverted = true
			s.ledger[hash] = inc
		}
		s.mu.Unlock()

		if !active {
			continue
		}

		for _, t := range inc.tickets {
			if err := s.registry.Uncommit(t); err != nil {
				s.evHandler("state: ProcessCanonical: uncommit tx[%s]: ERROR: %s", hash, err)
				continue
			}
			returned++
		}
	}

	s.metrics.Ticket("uncommit", returned)
}
