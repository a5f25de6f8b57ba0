// Package selector provides different transaction selecting algorithms.
package selector

import (
	"fmt"
	"math/big"
	"sort"
)

// List of different select strategies.
const (
	StrategyTip     = "tip"
	StrategyArrival = "arrival"
)

// Item represents the behavior a pool transaction must provide to be
// ordered by a strategy.
type Item interface {
	Nonce() uint64
	Sequence() uint64
	EffectiveTip(baseFee *big.Int) *big.Int
}

// Func defines a function that takes a pool of transactions grouped by
// sender and returns all of them in an order based on the function's
// strategy. All selector functions MUST respect nonce ordering and MUST be
// deterministic for the same input.
type Func[T Item] func(transactions map[string][]T, baseFee *big.Int) []T

// Retrieve returns the specified select strategy function.
func Retrieve[T Item](strategy string) (Func[T], error) {
	switch strategy {
	case StrategyTip:
		return tipSelect[T], nil
	case StrategyArrival:
		return arrivalSelect[T], nil
	}

	return nil, fmt.Errorf("strategy %q does not exist", strategy)
}

// =============================================================================

// sortByNonce orders each sender's transactions by nonce. Two transactions
// with the same nonce keep their arrival order.
func sortByNonce[T Item](m map[string][]T) {
	for key := range m {
		txs := m[key]
		if len(txs) > 1 {
			sort.Slice(txs, func(i, j int) bool {
				if txs[i].Nonce() != txs[j].Nonce() {
					return txs[i].Nonce() < txs[j].Nonce()
				}
				return txs[i].Sequence() < txs[j].Sequence()
			})
		}
	}
}
