package selector

import (
	"container/heap"
	"math/big"
)

// tipSelect returns transactions with the best tip while respecting the nonce
// for each sender. The next transaction of every sender competes on its
// effective tip and ties go to the earliest arrival.
func tipSelect[T Item](m map[string][]T, baseFee *big.Int) []T {
	return merge(m, func(a, b *head[T]) bool {
		if c := a.tip.Cmp(b.tip); c != 0 {
			return c > 0
		}
		return a.txs[0].Sequence() < b.txs[0].Sequence()
	}, baseFee)
}

// arrivalSelect returns transactions in arrival order while respecting the
// nonce for each sender.
func arrivalSelect[T Item](m map[string][]T, baseFee *big.Int) []T {
	return merge(m, func(a, b *head[T]) bool {
		return a.txs[0].Sequence() < b.txs[0].Sequence()
	}, baseFee)
}

// =============================================================================

// head is the remaining transactions of one sender.
type head[T Item] struct {
	txs []T
	tip *big.Int
}

// heads is a heap of sender heads ordered by the strategy.
type heads[T Item] struct {
	list []*head[T]
	less func(a, b *head[T]) bool
}

func (h *heads[T]) Len() int           { return len(h.list) }
func (h *heads[T]) Less(i, j int) bool { return h.less(h.list[i], h.list[j]) }
func (h *heads[T]) Swap(i, j int)      { h.list[i], h.list[j] = h.list[j], h.list[i] }
func (h *heads[T]) Push(x any)         { h.list = append(h.list, x.(*head[T])) }

func (h *heads[T]) Pop() any {
	old := h.list
	n := len(old)
	x := old[n-1]
	h.list = old[:n-1]
	return x
}

// merge repeatedly takes the best sender head until every transaction has
// been selected.
func merge[T Item](m map[string][]T, less func(a, b *head[T]) bool, baseFee *big.Int) []T {
	sortByNonce(m)

	var total int
	h := heads[T]{less: less}
	for _, txs := range m {
		if len(txs) == 0 {
			continue
		}
		total += len(txs)
		h.list = append(h.list, &head[T]{txs: txs, tip: txs[0].EffectiveTip(baseFee)})
	}
	heap.Init(&h)

	final := make([]T, 0, total)
	for h.Len() > 0 {
		best := h.list[0]
		final = append(final, best.txs[0])

		best.txs = best.txs[1:]
		if len(best.txs) == 0 {
			heap.Pop(&h)
			continue
		}

		best.tip = best.txs[0].EffectiveTip(baseFee)
		heap.Fix(&h, 0)
	}

	return final
}
