// Package aggregator validates ERC-4337 bundles whose operations share one
// aggregated human verification signature.
package aggregator

import (
	"errors"
	"fmt"

	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/proof"
	"github.com/ethereum/go-ethereum/common"
)

// ErrAggregationMismatch is returned when a bundle's structure doesn't match
// the configured aggregation scheme.
var ErrAggregationMismatch = errors.New("aggregation mismatch")

// Config represents the settings for the validator.
type Config struct {
	EntryPoint common.Address
	Aggregator common.Address
}

// Validator checks bundles against the configured entry point and
// signature aggregator. It holds no mutable state.
type Validator struct {
	entryPoint common.Address
	aggregator common.Address
}

// New constructs a bundle validator.
func New(cfg Config) (*Validator, error) {
	if cfg.EntryPoint == (common.Address{}) {
		return nil, errors.New("entry point address is required")
	}
	if cfg.Aggregator == (common.Address{}) {
		return nil, errors.New("aggregator address is required")
	}

	v := Validator{
		entryPoint: cfg.EntryPoint,
		aggregator: cfg.Aggregator,
	}

	return &v, nil
}

// EntryPoint returns the configured entry point.
func (v *Validator) EntryPoint() common.Address {
	return v.entryPoint
}

// Validate checks the bundle has exactly one group signed by the configured
// aggregator and that the aggregated signature carries one proof per
// operation in order. It returns the proofs bound to each operation's
// signal.
func (v *Validator) Validate(b Bundle) ([]proof.Proof, error) {
	if b.EntryPoint != v.entryPoint {
		return nil, fmt.Errorf("%w: entry point %s, want %s", ErrAggregationMismatch, b.EntryPoint, v.entryPoint)
	}

	if len(b.Groups) != 1 {
		return nil, fmt.Errorf("%w: %d aggregated groups, want 1", ErrAggregationMismatch, len(b.Groups))
	}
	g := b.Groups[0]

	if g.Aggregator != v.aggregator {
		return nil, fmt.Errorf("%w: aggregator %s, want %s", ErrAggregationMismatch, g.Aggregator, v.aggregator)
	}

	if len(g.UserOps) == 0 {
		return nil, fmt.Errorf("%w: no operations", ErrAggregationMismatch)
	}

	payloads, err := proof.DecodePayloads(g.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %s", ErrAggregationMismatch, err)
	}

	if len(payloads) != len(g.UserOps) {
		return nil, fmt.Errorf("%w: %d proofs for %d operations", ErrAggregationMismatch, len(payloads), len(g.UserOps))
	}

	proofs := make([]proof.Proof, len(payloads))
	for i, op := range g.UserOps {
		p, err := payloads[i].ToProof(op.Signal())
		if err != nil {
			return nil, fmt.Errorf("%w: operation %d: %s", ErrAggregationMismatch, i, err)
		}
		proofs[i] = p
	}

	return proofs, nil
}
