// Package chain defines the collaborators the builder consumes from the
// execution client: transaction execution and canonical chain state.
package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// Set of error variables an executor reports for failures caused by the
// transaction itself. Any other executor error is a transport failure.
var (
	ErrReverted  = errors.New("execution reverted")
	ErrInvalidTx = errors.New("transaction can't be executed")
)

// IsTxFailure reports whether the executor error was caused by the
// transaction rather than by the executor.
func IsTxFailure(err error) bool {
	return errors.Is(err, ErrReverted) || errors.Is(err, ErrInvalidTx)
}

// Head describes a block the builder can build on.
type Head struct {
	Hash       common.Hash
	ParentHash common.Hash
	Number     uint64
	Time       uint64
	GasLimit   uint64
	BaseFee    *big.Int
	TxHash     common.Hash
}

// NewHead constructs a head from a block header.
func NewHead(h *types.Header) Head {
	head := Head{
		Hash:       h.Hash(),
		ParentHash: h.ParentHash,
		Number:     h.Number.Uint64(),
		Time:       h.Time,
		GasLimit:   h.GasLimit,
		TxHash:     h.TxHash,
	}

	if h.BaseFee != nil {
		head.BaseFee = new(big.Int).Set(h.BaseFee)
	}

	return head
}

// Event is a canonical chain notification. Included lists the transactions
// of the new canonical blocks, Reverted the transactions of blocks that left
// the canonical chain in a reorg.
type Event struct {
	Head     Head
	Included []common.Hash
	Reverted []common.Hash
}

// Result is the outcome of executing one transaction.
type Result struct {
	GasUsed uint64
}

// Executor represents the behavior required to run a transaction on top of
// a parent block.
type Executor interface {
	Execute(ctx context.Context, parent Head, tx *types.Transaction) (Result, error)
}

// StateProvider represents the behavior required to follow the canonical
// chain and read the WorldID root.
type StateProvider interface {
	LatestRoot(ctx context.Context) (uint256.Int, error)
	Subscribe(ctx context.Context, events chan<- Event) error
}
