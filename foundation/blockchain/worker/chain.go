package worker

import (
	"time"

	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/chain"
)

// resubscribeDelay is the wait before a failed subscription is retried.
const resubscribeDelay = time.Second

// subscribeOperations follows the canonical chain for as long as the worker
// runs, resubscribing when the subscription fails.
func (w *Worker) subscribeOperations() {
	w.evHandler("worker: subscribeOperations: G started")
	defer w.evHandler("worker: subscribeOperations: G completed")

	for {
		err := w.provider.Subscribe(w.ctx, w.events)
		if w.isShutdown() {
			return
		}
		if err != nil {
			w.evHandler("worker: subscribeOperations: ERROR: %s", err)
		}

		select {
		case <-time.After(resubscribeDelay):
		case <-w.shut:
			w.evHandler("worker: subscribeOperations: received shut signal")
			return
		}
	}
}

// canonicalOperations handles canonical chain notifications.
func (w *Worker) canonicalOperations() {
	w.evHandler("worker: canonicalOperations: G started")
	defer w.evHandler("worker: canonicalOperations: G completed")

	for {
		select {
		case ev := <-w.events:
			if !w.isShutdown() {
				w.runCanonicalOperation(ev)
			}
		case <-w.shut:
			w.evHandler("worker: canonicalOperations: received shut signal")
			return
		}
	}
}

// rootsOperations keeps the root set fresh between canonical blocks.
func (w *Worker) rootsOperations() {
	w.evHandler("worker: rootsOperations: G started")
	defer w.evHandler("worker: rootsOperations: G completed")

	ticker := time.NewTicker(rootsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !w.isShutdown() {
				w.Sync()
			}
		case <-w.shut:
			w.evHandler("worker: rootsOperations: received shut signal")
			return
		}
	}
}

// =============================================================================

// runCanonicalOperation cancels the builds superseded by the new head and
// reconciles the state with it. The state signals the next build.
func (w *Worker) runCanonicalOperation(ev chain.Event) {
	w.evHandler("worker: runCanonicalOperation: started: block[%d]", ev.Head.Number)
	defer w.evHandler("worker: runCanonicalOperation: completed: block[%d]", ev.Head.Number)

	n := w.cancelBuilds(func(b build) bool { return b.parent != ev.Head.Hash })
	if n > 0 {
		w.evHandler("worker: runCanonicalOperation: cancelled[%d] superseded builds", n)
	}

	if err := w.state.ProcessCanonical(w.ctx, ev); err != nil {
		w.evHandler("worker: runCanonicalOperation: ERROR: %s", err)
	}
}
