package mempool

import (
	"math/big"
	"time"

	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/nullifier"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/proof"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Tx is a transaction held by the pool. Verified transactions carry the
// proofs they were admitted with and the tickets reserved for them.
type Tx struct {
	*types.Transaction
	From    common.Address
	Proofs  []proof.Proof
	Tickets []nullifier.Ticket
	Seq     uint64
	Arrived time.Time
}

// Verified reports whether the transaction claims priority blockspace.
func (tx Tx) Verified() bool {
	return len(tx.Proofs) > 0
}

// Sequence returns the arrival order of the transaction in the pool.
func (tx Tx) Sequence() uint64 {
	return tx.Seq
}

// EffectiveTip returns the tip paid to the builder under the specified base
// fee. A transaction that can't pay the base fee has a negative tip.
func (tx Tx) EffectiveTip(baseFee *big.Int) *big.Int {
	if baseFee == nil {
		return tx.GasTipCap()
	}

	tip, _ := tx.EffectiveGasTip(baseFee)
	return tip
}

// Snapshot is a point in time copy of both partitions in selection order.
type Snapshot struct {
	BaseFee  *big.Int
	Verified []Tx
	Regular  []Tx
}
