package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/aggregator"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/identity"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/mempool"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/nullifier"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/proof"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/roots"
	"github.com/ethereum/go-ethereum/core/types"
)

// SubmitTransaction accepts a transaction for inclusion. A transaction that
// calls the entry point's aggregated handler is treated as a bundle, any
// other transaction is verified against the payloads attached to it.
func (s *State) SubmitTransaction(ctx context.Context, tx *types.Transaction, payloads []proof.Payload) (mempool.Tx, error) {
	if s.bundles != nil && tx != nil && aggregator.IsBundle(tx, s.bundles.EntryPoint()) {
		if len(payloads) > 0 {
			return mempool.Tx{}, fmt.Errorf("%w: bundle with transaction payloads", mempool.ErrInvalidTx)
		}

		b, err := aggregator.Decode(tx)
		if err != nil {
			s.metrics.Admission("bundle", Reason(err))
			return mempool.Tx{}, err
		}

		return s.SubmitBundle(ctx, tx, b)
	}

	kind := "regular"
	if len(payloads) > 0 {
		kind = "verified"
	}

	ptx, err := s.mempool.Submit(ctx, tx, payloads)
	s.metrics.Admission(kind, Reason(err))
	if err != nil {
		return mempool.Tx{}, err
	}

	s.metrics.Ticket("reserve", len(ptx.Tickets))
	s.reportPool()

	return ptx, nil
}

// SubmitBundle accepts a bundle transaction for inclusion.
func (s *State) SubmitBundle(ctx context.Context, tx *types.Transaction, b aggregator.Bundle) (mempool.Tx, error) {
	ptx, err := s.mempool.SubmitBundle(ctx, tx, b)
	s.metrics.Admission("bundle", Reason(err))
	if err != nil {
		return mempool.Tx{}, err
	}

	s.metrics.Ticket("reserve", len(ptx.Tickets))
	s.reportPool()

	return ptx, nil
}

// EvictTransaction removes a transaction from the pool and releases its
// reservations.
func (s *State) EvictTransaction(tx *types.Transaction) bool {
	ptx, exists := s.mempool.Get(tx.Hash())
	if !exists || !s.mempool.Evict(tx.Hash()) {
		return false
	}

	s.metrics.Ticket("release", len(ptx.Tickets))
	s.reportPool()

	return true
}

// =============================================================================

// Reason classifies an admission error into a short label.
func Reason(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, roots.ErrUnknownRoot):
		return "unknown_root"
	case errors.Is(err, roots.ErrStaleRoot):
		return "stale_root"
	case errors.Is(err, identity.ErrInvalidProof):
		return "invalid_proof"
	case errors.Is(err, nullifier.ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, nullifier.ErrWindowFrozen), errors.Is(err, nullifier.ErrWindowNotOpen):
		return "invalid_window"
	case errors.Is(err, aggregator.ErrAggregationMismatch):
		return "aggregation_mismatch"
	case errors.Is(err, mempool.ErrPoolFull):
		return "pool_full"
	case errors.Is(err, mempool.ErrAlreadyKnown):
		return "already_known"
	case errors.Is(err, mempool.ErrUnderpriced):
		return "underpriced"
	case errors.Is(err, mempool.ErrInvalidTx), errors.Is(err, proof.ErrMalformed):
		return "invalid_tx"
	case errors.Is(err, mempool.ErrNoBundleConfig):
		return "bundles_disabled"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "error"
}
