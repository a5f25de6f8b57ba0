// Package payload assembles block payloads. A share of every block is
// reserved for verified transactions and whatever that share leaves unused
// is refilled with regular transactions.
package payload

import (
	"errors"
	"fmt"
	"math/big"
	"math/bits"
	"time"

	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/chain"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/mempool"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/metrics"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/nullifier"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/google/uuid"
)

// Set of error variables for payload assembly.
var (
	ErrInsufficientGas = errors.New("insufficient gas for transaction")
	ErrJobState        = errors.New("invalid job state")
)

// DefaultCapacity is the percent of the block gas limit reserved for
// verified transactions when no capacity is configured.
const DefaultCapacity = 70

// EventHandler defines a function that is called when events occur in the
// processing of a job.
type EventHandler func(v string, args ...any)

// Pool represents the behavior required to read the pending transactions.
type Pool interface {
	Snapshot(baseFee *big.Int) mempool.Snapshot
}

// Registry represents the behavior required to claim and commit tickets.
type Registry interface {
	Hold(t nullifier.Ticket, jobID string) error
	Unhold(t nullifier.Ticket, jobID string)
	Commit(t nullifier.Ticket, jobID string) error
}

// Payload is the output of a build job. Dropped lists the transactions
// removed while executing and Invalid the subset that can't execute on any
// parent.
type Payload struct {
	ID              string
	Parent          chain.Head
	GasLimit        uint64
	Transactions    []mempool.Tx
	VerifiedGasUsed uint64
	RegularGasUsed  uint64
	Dropped         []common.Hash
	Invalid         []common.Hash
}

// GasUsed returns the gas used by both partitions.
func (p Payload) GasUsed() uint64 {
	return p.VerifiedGasUsed + p.RegularGasUsed
}

// TxHash returns the transaction root of the payload, the value a canonical
// block built from it carries in its header.
func (p Payload) TxHash() common.Hash {
	txs := make(types.Transactions, len(p.Transactions))
	for i, tx := range p.Transactions {
		txs[i] = tx.Transaction
	}

	return types.DeriveSha(txs, trie.NewStackTrie(nil))
}

// Tickets returns every ticket carried by the payload's transactions.
func (p Payload) Tickets() []nullifier.Ticket {
	var tickets []nullifier.Ticket
	for _, tx := range p.Transactions {
		tickets = append(tickets, tx.Tickets...)
	}
	return tickets
}

// Config represents the settings for the assembler.
type Config struct {
	CapacityPercent uint8
	Pool            Pool
	Registry        Registry
	Executor        chain.Executor
	Metrics         *metrics.Metrics
	Clock           func() time.Time
	EvHandler       EventHandler
}

// Assembler constructs build jobs over a shared pool and registry.
type Assembler struct {
	capacity  uint64
	pool      Pool
	registry  Registry
	executor  chain.Executor
	metrics   *metrics.Metrics
	clock     func() time.Time
	evHandler EventHandler
}

// New constructs an assembler. A zero capacity builds blocks with no
// verified transactions.
func New(cfg Config) (*Assembler, error) {
	if cfg.CapacityPercent > 100 {
		return nil, fmt.Errorf("capacity percent %d is above 100", cfg.CapacityPercent)
	}
	if cfg.Pool == nil || cfg.Registry == nil || cfg.Executor == nil {
		return nil, errors.New("pool, registry and executor are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	a := Assembler{
		capacity:  uint64(cfg.CapacityPercent),
		pool:      cfg.Pool,
		registry:  cfg.Registry,
		executor:  cfg.Executor,
		metrics:   cfg.Metrics,
		clock:     cfg.Clock,
		evHandler: ev,
	}

	return &a, nil
}

// Capacity returns the percent of gas reserved for verified transactions.
func (a *Assembler) Capacity() uint8 {
	return uint8(a.capacity)
}

// NewJob constructs an idle job building on the specified parent.
func (a *Assembler) NewJob(parent chain.Head, gasLimit uint64) *Job {
	j := Job{
		id:       uuid.NewString(),
		parent:   parent,
		gasLimit: gasLimit,
		asm:      a,
		held:     make(map[uuid.UUID]nullifier.Ticket),
	}

	return &j
}

// VerifiedTarget returns the gas budget for verified transactions in a block
// with the specified gas limit.
func (a *Assembler) VerifiedTarget(gasLimit uint64) uint64 {

	// The capacity is at most 100 so the high word is below the divisor.
	hi, lo := bits.Mul64(a.capacity, gasLimit)
	target, _ := bits.Div64(hi, lo, 100)

	return target
}
