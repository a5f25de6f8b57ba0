// Package state is the core API for the builder and implements all the
// business rules and processing.
package state

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/aggregator"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/chain"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/identity"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/mempool"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/metrics"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/nullifier"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/payload"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/roots"
	"github.com/ethereum/go-ethereum/common"
)

// DefaultWorldID is the WorldID router used when none is configured.
var DefaultWorldID = common.HexToAddress("0x047eE5313F98E26Cc8177fA38877cB36292D2364")

// maxQuota is the largest quota per window that can be configured.
const maxQuota = 255

// EventHandler defines a function that is called when events
// occur in the processing of transactions and payloads.
type EventHandler func(v string, args ...any)

// Worker interface represents the behavior required to be implemented by any
// package providing support for scheduling build jobs.
type Worker interface {
	Shutdown()
	SignalBuild(parent chain.Head)
}

// =============================================================================

// CapacityConfig represents the priority blockspace settings.
type CapacityConfig struct {
	CapacityPercent uint8
	Quota           uint16
	EntryPoint      common.Address
	WorldID         common.Address
	Aggregator      common.Address
	ClearNullifiers bool
}

// Validate checks the settings are usable. A zero entry point disables
// bundle submission.
func (c CapacityConfig) Validate() error {
	if c.CapacityPercent > 100 {
		return fmt.Errorf("capacity percent %d must be between 0 and 100", c.CapacityPercent)
	}

	if c.Quota == 0 || c.Quota > maxQuota {
		return fmt.Errorf("quota %d must be between 1 and %d", c.Quota, maxQuota)
	}

	if c.WorldID == (common.Address{}) {
		return errors.New("world id address is required")
	}

	if c.EntryPoint != (common.Address{}) && c.Aggregator == (common.Address{}) {
		return errors.New("aggregator address is required with an entry point")
	}

	return nil
}

// Config represents the configuration required to start the builder. A root
// that isn't the latest is stale in the last StaleMargin of RootWindow and is
// rejected unless AllowStale is set.
type Config struct {
	ChainID     *big.Int
	Capacity    CapacityConfig
	AppIDs      []uint16
	Strategy    string
	MaxTxs      int
	Lifetime    time.Duration
	RootWindow  time.Duration
	StaleMargin time.Duration
	AllowStale  bool
	Backend     identity.ProofVerifier
	Storage     nullifier.Storage
	Executor    chain.Executor
	Provider    chain.StateProvider
	Metrics     *metrics.Metrics
	Clock       func() time.Time
	EvHandler   EventHandler
}

// State manages the pool, the nullifier registry and the build jobs.
type State struct {
	capacity  CapacityConfig
	clock     func() time.Time
	evHandler EventHandler
	metrics   *metrics.Metrics

	provider  chain.StateProvider
	roots     *roots.Set
	verifier  *identity.Verifier
	registry  *nullifier.Registry
	bundles   *aggregator.Validator
	mempool   *mempool.Mempool
	assembler *payload.Assembler
	storage   nullifier.Storage

	mu     sync.Mutex
	head   chain.Head
	jobs   map[string]*payload.Job
	ledger map[common.Hash]inclusion

	Worker Worker
}

// New constructs the builder state.
func New(cfg Config) (*State, error) {

	// Build a safe event handler function for use.
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	if err := cfg.Capacity.Validate(); err != nil {
		return nil, fmt.Errorf("capacity: %w", err)
	}
	if cfg.Executor == nil || cfg.Provider == nil {
		return nil, errors.New("executor and state provider are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	verifier, err := identity.New(identity.Config{
		Backend: cfg.Backend,
		AppIDs:  cfg.AppIDs,
		Clock:   cfg.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}

	rs := roots.New(roots.Config{
		Window:      cfg.RootWindow,
		StaleMargin: cfg.StaleMargin,
		AllowStale:  cfg.AllowStale,
	})

	// Load the committed usage. The store is wiped first when the
	// configuration asks to clear the nullifiers.
	registry, err := nullifier.New(nullifier.Config{
		Quota:     cfg.Capacity.Quota,
		Storage:   cfg.Storage,
		Clear:     cfg.Capacity.ClearNullifiers,
		Clock:     cfg.Clock,
		EvHandler: nullifier.EventHandler(ev),
	})
	if err != nil {
		return nil, fmt.Errorf("nullifier: %w", err)
	}

	var bundles *aggregator.Validator
	var bundleValidator mempool.BundleValidator
	if cfg.Capacity.EntryPoint != (common.Address{}) {
		bundles, err = aggregator.New(aggregator.Config{
			EntryPoint: cfg.Capacity.EntryPoint,
			Aggregator: cfg.Capacity.Aggregator,
		})
		if err != nil {
			return nil, fmt.Errorf("aggregator: %w", err)
		}
		bundleValidator = bundles
	}

	pool, err := mempool.New(mempool.Config{
		ChainID:   cfg.ChainID,
		MaxTxs:    cfg.MaxTxs,
		Lifetime:  cfg.Lifetime,
		Strategy:  cfg.Strategy,
		Verifier:  verifier,
		Roots:     rs,
		Bundles:   bundleValidator,
		Registry:  registry,
		Clock:     cfg.Clock,
		EvHandler: mempool.EventHandler(ev),
	})
	if err != nil {
		return nil, fmt.Errorf("mempool: %w", err)
	}

	assembler, err := payload.New(payload.Config{
		CapacityPercent: cfg.Capacity.CapacityPercent,
		Pool:            pool,
		Registry:        registry,
		Executor:        cfg.Executor,
		Metrics:         cfg.Metrics,
		Clock:           cfg.Clock,
		EvHandler:       payload.EventHandler(ev),
	})
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}

	state := State{
		capacity:  cfg.Capacity,
		clock:     cfg.Clock,
		evHandler: ev,
		metrics:   cfg.Metrics,

		provider:  cfg.Provider,
		roots:     rs,
		verifier:  verifier,
		registry:  registry,
		bundles:   bundles,
		mempool:   pool,
		assembler: assembler,
		storage:   cfg.Storage,

		jobs:   make(map[string]*payload.Job),
		ledger: make(map[common.Hash]inclusion),
	}

	// The Worker is not set here. The call to worker.Run will assign itself
	// and start everything up and running for the builder.

	return &state, nil
}

// Shutdown cleanly brings the builder down.
func (s *State) Shutdown() error {
	s.evHandler("state: shutdown: started")
	defer s.evHandler("state: shutdown: completed")

	// Stop all build activity.
	if s.Worker != nil {
		s.Worker.Shutdown()
	}

	s.mu.Lock()
	for id, job := range s.jobs {
		job.Abort()
		delete(s.jobs, id)
	}
	s.mu.Unlock()

	// Make sure the nullifier store is properly closed.
	if s.storage != nil {
		return s.storage.Close()
	}

	return nil
}

// Truncate clears the pool and returns every reservation it held.
func (s *State) Truncate() {
	s.mempool.Truncate()
	s.reportPool()
}

// =============================================================================

func (s *State) reportPool() {
	verified, regular := s.mempool.Count()
	s.metrics.Pool(verified, regular)
}
