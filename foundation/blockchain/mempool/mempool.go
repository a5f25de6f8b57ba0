// Package mempool maintains the pool of transactions waiting for a block.
// Transactions carrying a valid human verification proof are kept in the
// verified partition, everything else in the regular partition.
package mempool

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/aggregator"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/identity"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/mempool/selector"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/nullifier"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/proof"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/roots"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/signal"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
)

// Set of error variables for pool admission.
var (
	ErrPoolFull       = errors.New("pool is full")
	ErrAlreadyKnown   = errors.New("transaction already known")
	ErrUnderpriced    = errors.New("replacement transaction underpriced")
	ErrInvalidTx      = errors.New("invalid transaction")
	ErrNoBundleConfig = errors.New("bundles are not accepted")
)

// Default settings used for zero values in the config.
const (
	DefaultMaxTxs    = 10_000
	DefaultLifetime  = 3 * time.Hour
	DefaultPriceBump = 10
)

// EventHandler defines a function that is called when events occur in the
// processing of the pool.
type EventHandler func(v string, args ...any)

// Verifier represents the behavior required to validate a proof.
type Verifier interface {
	Verify(p proof.Proof, rs *roots.Set) error
}

// BundleValidator represents the behavior required to validate a bundle's
// aggregated signature.
type BundleValidator interface {
	Validate(b aggregator.Bundle) ([]proof.Proof, error)
}

// Reserver represents the behavior required to take and return quota
// reservations.
type Reserver interface {
	Reserve(key nullifier.Key) (nullifier.Ticket, error)
	Release(t nullifier.Ticket)
}

// Config represents the settings for the pool.
type Config struct {
	ChainID   *big.Int
	MaxTxs    int
	Lifetime  time.Duration
	PriceBump int
	Strategy  string
	Verifier  Verifier
	Roots     *roots.Set
	Bundles   BundleValidator
	Registry  Reserver
	Clock     func() time.Time
	EvHandler EventHandler
}

// Mempool represents a cache of transactions organized by hash with a second
// key on sender:nonce.
type Mempool struct {
	mu       sync.RWMutex
	signer   types.Signer
	verified map[common.Hash]Tx
	regular  map[common.Hash]Tx
	byNonce  map[string]common.Hash
	seq      uint64
	selectFn selector.Func[Tx]
	gasLimit atomic.Uint64

	maxTxs    int
	lifetime  time.Duration
	priceBump int64
	verifier  Verifier
	roots     *roots.Set
	bundles   BundleValidator
	registry  Reserver
	clock     func() time.Time
	evHandler EventHandler
}

// New constructs a new pool.
func New(cfg Config) (*Mempool, error) {
	if cfg.ChainID == nil {
		return nil, errors.New("chain id is required")
	}
	if cfg.Verifier == nil || cfg.Roots == nil || cfg.Registry == nil {
		return nil, errors.New("verifier, roots and registry are required")
	}
	if cfg.MaxTxs <= 0 {
		cfg.MaxTxs = DefaultMaxTxs
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	if cfg.PriceBump <= 0 {
		cfg.PriceBump = DefaultPriceBump
	}
	if cfg.Strategy == "" {
		cfg.Strategy = selector.StrategyTip
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	selectFn, err := selector.Retrieve[Tx](cfg.Strategy)
	if err != nil {
		return nil, err
	}

	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	mp := Mempool{
		signer:    types.LatestSignerForChainID(cfg.ChainID),
		verified:  make(map[common.Hash]Tx),
		regular:   make(map[common.Hash]Tx),
		byNonce:   make(map[string]common.Hash),
		selectFn:  selectFn,
		maxTxs:    cfg.MaxTxs,
		lifetime:  cfg.Lifetime,
		priceBump: int64(cfg.PriceBump),
		verifier:  cfg.Verifier,
		roots:     cfg.Roots,
		bundles:   cfg.Bundles,
		registry:  cfg.Registry,
		clock:     cfg.Clock,
		evHandler: ev,
	}

	return &mp, nil
}

// SetGasLimit records the gas limit of the canonical head. A transaction
// asking for more gas can never be included and is rejected. Zero disables
// the check.
func (mp *Mempool) SetGasLimit(limit uint64) {
	mp.gasLimit.Store(limit)
}

// Signer returns the signer used to recover senders.
func (mp *Mempool) Signer() types.Signer {
	return mp.signer
}

// Count returns the current number of transactions in each partition.
func (mp *Mempool) Count() (verified int, regular int) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	return len(mp.verified), len(mp.regular)
}

// Submit admits a transaction. A transaction with payloads is verified, its
// proofs are bound to the transaction's signal and a reservation is taken
// for each one before it lands in the verified partition.
func (mp *Mempool) Submit(ctx context.Context, tx *types.Transaction, payloads []proof.Payload) (Tx, error) {
	from, err := mp.check(tx)
	if err != nil {
		return Tx{}, err
	}

	if len(payloads) == 0 {
		return mp.admit(ctx, tx, from, nil)
	}

	sig := signal.OfNonce(from, tx.Nonce(), tx.Data())

	proofs := make([]proof.Proof, len(payloads))
	for i, pl := range payloads {
		p, err := pl.ToProof(sig)
		if err != nil {
			return Tx{}, fmt.Errorf("%w: payload %d: %s", identity.ErrInvalidProof, i, err)
		}

		if err := mp.verifier.Verify(p, mp.roots); err != nil {
			return Tx{}, fmt.Errorf("payload %d: %w", i, err)
		}

		proofs[i] = p
	}

	return mp.admit(ctx, tx, from, proofs)
}

// SubmitBundle admits a transaction carrying an aggregated bundle. Every
// operation's proof is verified and reserved before the transaction lands
// in the verified partition.
func (mp *Mempool) SubmitBundle(ctx context.Context, tx *types.Transaction, b aggregator.Bundle) (Tx, error) {
	if mp.bundles == nil {
		return Tx{}, ErrNoBundleConfig
	}

	from, err := mp.check(tx)
	if err != nil {
		return Tx{}, err
	}

	proofs, err := mp.bundles.Validate(b)
	if err != nil {
		return Tx{}, err
	}

	for i, p := range proofs {
		if err := mp.verifier.Verify(p, mp.roots); err != nil {
			return Tx{}, fmt.Errorf("operation %d: %w", i, err)
		}
	}

	return mp.admit(ctx, tx, from, proofs)
}

// Get returns the transaction for the specified hash.
func (mp *Mempool) Get(hash common.Hash) (Tx, bool) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	if tx, exists := mp.verified[hash]; exists {
		return tx, true
	}
	tx, exists := mp.regular[hash]
	return tx, exists
}

// Delete removes a transaction without touching its tickets. It's used once
// the transaction's tickets were committed by an included block.
func (mp *Mempool) Delete(hash common.Hash) (Tx, bool) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	return mp.remove(hash)
}

// Evict removes a transaction and releases its tickets.
func (mp *Mempool) Evict(hash common.Hash) bool {
	mp.mu.Lock()
	tx, exists := mp.remove(hash)
	mp.mu.Unlock()

	if !exists {
		return false
	}

	mp.release(tx.Tickets)
	mp.evHandler("mempool: Evict: tx[%s] verified[%t]", hash, tx.Verified())

	return true
}

// Expire evicts every transaction older than the pool lifetime.
func (mp *Mempool) Expire(now time.Time) int {
	return mp.evictWhere("expire", func(tx Tx) bool {
		return now.Sub(tx.Arrived) > mp.lifetime
	})
}

// ClearNullifiers evicts every verified transaction holding a ticket scoped
// to a window before the specified one. Those proofs can never be included.
func (mp *Mempool) ClearNullifiers(window proof.Window) int {
	return mp.evictWhere("clear nullifiers", func(tx Tx) bool {
		for _, t := range tx.Tickets {
			if t.Key.Window() < window {
				return true
			}
		}
		return false
	})
}

// Truncate clears all the transactions from the pool and releases every
// ticket.
func (mp *Mempool) Truncate() {
	mp.evictWhere("truncate", func(tx Tx) bool { return true })
}

// Snapshot returns a consistent copy of both partitions, each in the order
// of the configured strategy.
func (mp *Mempool) Snapshot(baseFee *big.Int) Snapshot {
	verified := make(map[string][]Tx)
	regular := make(map[string][]Tx)

	mp.mu.RLock()
	{
		for _, tx := range mp.verified {
			key := tx.From.Hex()
			verified[key] = append(verified[key], tx)
		}
		for _, tx := range mp.regular {
			key := tx.From.Hex()
			regular[key] = append(regular[key], tx)
		}
	}
	mp.mu.RUnlock()

	var bf *big.Int
	if baseFee != nil {
		bf = new(big.Int).Set(baseFee)
	}

	s := Snapshot{
		BaseFee:  bf,
		Verified: mp.selectFn(verified, bf),
		Regular:  mp.selectFn(regular, bf),
	}

	return s
}

// =============================================================================

// check performs the stateless validation shared by every submission.
func (mp *Mempool) check(tx *types.Transaction) (common.Address, error) {
	if tx == nil {
		return common.Address{}, fmt.Errorf("%w: missing transaction", ErrInvalidTx)
	}

	if tx.Gas() < params.TxGas {
		return common.Address{}, fmt.Errorf("%w: gas %d below intrinsic %d", ErrInvalidTx, tx.Gas(), params.TxGas)
	}

	if limit := mp.gasLimit.Load(); limit > 0 && tx.Gas() > limit {
		return common.Address{}, fmt.Errorf("%w: gas %d above block gas limit %d", ErrInvalidTx, tx.Gas(), limit)
	}

	if tx.GasFeeCap().Cmp(tx.GasTipCap()) < 0 {
		return common.Address{}, fmt.Errorf("%w: tip cap above fee cap", ErrInvalidTx)
	}

	from, err := types.Sender(mp.signer, tx)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: sender: %s", ErrInvalidTx, err)
	}

	if _, exists := mp.Get(tx.Hash()); exists {
		return common.Address{}, fmt.Errorf("%w: %s", ErrAlreadyKnown, tx.Hash())
	}

	return from, nil
}

// admit reserves a ticket for every proof and inserts the transaction. Any
// failure returns every ticket taken.
func (mp *Mempool) admit(ctx context.Context, tx *types.Transaction, from common.Address, proofs []proof.Proof) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return Tx{}, err
	}

	tickets := make([]nullifier.Ticket, 0, len(proofs))
	for _, p := range proofs {
		t, err := mp.registry.Reserve(nullifier.KeyOf(p))
		if err != nil {
			mp.release(tickets)
			return Tx{}, err
		}
		tickets = append(tickets, t)
	}

	ptx := Tx{
		Transaction: tx,
		From:        from,
		Proofs:      proofs,
		Tickets:     tickets,
		Arrived:     mp.clock(),
	}

	replaced, err := mp.insert(&ptx)
	if err != nil {
		mp.release(tickets)
		return Tx{}, err
	}

	if replaced != nil {
		mp.release(replaced.Tickets)
		mp.evHandler("mempool: Submit: replaced tx[%s] with tx[%s]", replaced.Hash(), ptx.Hash())
	}

	mp.evHandler("mempool: Submit: tx[%s] from[%s] nonce[%d] verified[%t] proofs[%d]", ptx.Hash(), from, ptx.Nonce(), ptx.Verified(), len(proofs))

	return ptx, nil
}

// insert places the transaction in its partition under the write lock. It
// returns the transaction it replaced, if any.
func (mp *Mempool) insert(ptx *Tx) (*Tx, error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	hash := ptx.Hash()
	if _, exists := mp.verified[hash]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyKnown, hash)
	}
	if _, exists := mp.regular[hash]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyKnown, hash)
	}

	var replaced *Tx
	key := nonceKey(ptx.From, ptx.Nonce())
	if oldHash, exists := mp.byNonce[key]; exists {
		old, _ := mp.lookup(oldHash)
		if !mp.outbids(ptx, old) {
			return nil, fmt.Errorf("%w: need a %d%% bump over %s", ErrUnderpriced, mp.priceBump, oldHash)
		}
		mp.remove(oldHash)
		replaced = &old
	}

	if replaced == nil && len(mp.verified)+len(mp.regular) >= mp.maxTxs {
		return nil, fmt.Errorf("%w: %d transactions", ErrPoolFull, mp.maxTxs)
	}

	mp.seq++
	ptx.Seq = mp.seq

	if ptx.Verified() {
		mp.verified[hash] = *ptx
	} else {
		mp.regular[hash] = *ptx
	}
	mp.byNonce[key] = hash

	return replaced, nil
}

// outbids reports whether the new transaction raises both fee caps of the
// old one by the configured price bump.
func (mp *Mempool) outbids(tx *Tx, old Tx) bool {
	bump := func(v *big.Int) *big.Int {
		b := new(big.Int).Mul(v, big.NewInt(100+mp.priceBump))
		return b.Div(b, big.NewInt(100))
	}

	return tx.GasTipCap().Cmp(bump(old.GasTipCap())) >= 0 &&
		tx.GasFeeCap().Cmp(bump(old.GasFeeCap())) >= 0
}

// lookup finds a transaction in either partition. The caller must hold the
// lock.
func (mp *Mempool) lookup(hash common.Hash) (Tx, bool) {
	if tx, exists := mp.verified[hash]; exists {
		return tx, true
	}
	tx, exists := mp.regular[hash]
	return tx, exists
}

// remove deletes a transaction from its partition. The caller must hold the
// write lock.
func (mp *Mempool) remove(hash common.Hash) (Tx, bool) {
	tx, exists := mp.lookup(hash)
	if !exists {
		return Tx{}, false
	}

	delete(mp.verified, hash)
	delete(mp.regular, hash)

	key := nonceKey(tx.From, tx.Nonce())
	if mp.byNonce[key] == hash {
		delete(mp.byNonce, key)
	}

	return tx, true
}

// evictWhere removes every transaction matching the filter and releases
// their tickets.
func (mp *Mempool) evictWhere(reason string, filter func(tx Tx) bool) int {
	var evicted []Tx

	mp.mu.Lock()
	{
		for _, partition := range []map[common.Hash]Tx{mp.verified, mp.regular} {
			for hash, tx := range partition {
				if filter(tx) {
					evicted = append(evicted, tx)
					mp.remove(hash)
				}
			}
		}
	}
	mp.mu.Unlock()

	for _, tx := range evicted {
		mp.release(tx.Tickets)
	}

	if len(evicted) > 0 {
		mp.evHandler("mempool: %s: evicted[%d]", reason, len(evicted))
	}

	return len(evicted)
}

// release returns tickets to the registry.
func (mp *Mempool) release(tickets []nullifier.Ticket) {
	for _, t := range tickets {
		mp.registry.Release(t)
	}
}

// nonceKey is used to generate the sender:nonce map key.
func nonceKey(from common.Address, nonce uint64) string {
	return fmt.Sprintf("%s:%d", from, nonce)
}
