// Package worker implements build scheduling, chain following and root
// maintenance for the builder.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/chain"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/state"
	"github.com/ethereum/go-ethereum/common"
)

// Default settings used for zero values in the config.
const (
	DefaultInterval = time.Second
	DefaultDeadline = 12 * time.Second
	DefaultMaxJobs  = 3
)

// rootsInterval represents the interval of reading the latest WorldID root
// between canonical blocks.
const rootsInterval = time.Minute

// maxPendingEvents is the number of canonical notifications buffered
// between the subscription and the processing goroutine.
const maxPendingEvents = 16

// =============================================================================

// Config represents the settings for the worker.
type Config struct {
	Interval  time.Duration
	Deadline  time.Duration
	MaxJobs   int
	GasLimit  uint64
	Provider  chain.StateProvider
	EvHandler state.EventHandler
}

// build tracks a job in flight.
type build struct {
	parent common.Hash
	cancel context.CancelFunc
}

// Worker manages the build workflows for the builder.
type Worker struct {
	state     *state.State
	provider  chain.StateProvider
	interval  time.Duration
	deadline  time.Duration
	maxJobs   int
	gasLimit  uint64
	evHandler state.EventHandler

	wg         sync.WaitGroup
	builds     sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	shut       chan struct{}
	startBuild chan chain.Head
	events     chan chain.Event

	mu      sync.Mutex
	parent  chain.Head
	running map[uint64]build
	seq     uint64
	best    map[common.Hash]string
}

// Run creates a worker, registers the worker with the state package, and
// starts up all the background processes.
func Run(st *state.State, cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = DefaultMaxJobs
	}

	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := Worker{
		state:      st,
		provider:   cfg.Provider,
		interval:   cfg.Interval,
		deadline:   cfg.Deadline,
		maxJobs:    cfg.MaxJobs,
		gasLimit:   cfg.GasLimit,
		evHandler:  ev,
		ctx:        ctx,
		cancel:     cancel,
		shut:       make(chan struct{}),
		startBuild: make(chan chain.Head, 1),
		events:     make(chan chain.Event, maxPendingEvents),
		running:    make(map[uint64]build),
		best:       make(map[common.Hash]string),
	}

	// Register this worker with the state package.
	st.Worker = &w

	// Update the builder before starting any support G's.
	w.Sync()

	// Load the set of operations we need to run.
	operations := []func(){
		w.subscribeOperations,
		w.canonicalOperations,
		w.buildOperations,
		w.rootsOperations,
	}

	// Set waitgroup to match the number of G's we need for the set
	// of operations we have.
	g := len(operations)
	w.wg.Add(g)

	// We don't want to return until we know all the G's are up and running.
	hasStarted := make(chan bool)

	// Start all the operational G's.
	for _, op := range operations {
		go func(op func()) {
			defer w.wg.Done()
			hasStarted <- true
			op()
		}(op)
	}

	// Wait for the G's to report they are running.
	for i := 0; i < g; i++ {
		<-hasStarted
	}

	return &w
}

// Sync reads the latest root before any proof is accepted.
func (w *Worker) Sync() {
	w.evHandler("worker: sync: started")
	defer w.evHandler("worker: sync: completed")

	ctx, cancel := context.WithTimeout(w.ctx, w.deadline)
	defer cancel()

	if err := w.state.RefreshRoots(ctx); err != nil {
		w.evHandler("worker: sync: ERROR: %s", err)
	}
}

// =============================================================================
// These methods implement the state.Worker interface.

// Shutdown terminates the goroutines performing work.
func (w *Worker) Shutdown() {
	w.evHandler("worker: shutdown: started")
	defer w.evHandler("worker: shutdown: completed")

	w.evHandler("worker: shutdown: cancel builds")
	w.cancelBuilds(func(b build) bool { return true })

	w.evHandler("worker: shutdown: terminate goroutines")
	w.cancel()
	close(w.shut)
	w.wg.Wait()
	w.builds.Wait()
}

// SignalBuild starts build jobs on the specified parent. If a signal is
// already pending it is replaced, only the newest parent is built on.
func (w *Worker) SignalBuild(parent chain.Head) {
	for {
		select {
		case w.startBuild <- parent:
			w.evHandler("worker: SignalBuild: parent[%d] signaled", parent.Number)
			return
		default:
		}

		select {
		case <-w.startBuild:
		default:
		}
	}
}

// =============================================================================

// isShutdown is used to test if a shutdown has been signaled.
func (w *Worker) isShutdown() bool {
	select {
	case <-w.shut:
		return true
	default:
		return false
	}
}
