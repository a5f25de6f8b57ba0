package worker

import (
	"context"
	"errors"
	"time"

	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/chain"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/payload"
	"github.com/ethereum/go-ethereum/common"
)

// buildOperations starts build jobs on every new parent and rebuilds on the
// current parent every interval so newly admitted transactions are picked
// up.
func (w *Worker) buildOperations() {
	w.evHandler("worker: buildOperations: G started")
	defer w.evHandler("worker: buildOperations: G completed")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case parent := <-w.startBuild:
			if !w.isShutdown() {
				w.mu.Lock()
				w.parent = parent
				w.mu.Unlock()

				w.runBuildOperation(parent)
			}
		case <-ticker.C:
			if !w.isShutdown() {
				w.mu.Lock()
				parent := w.parent
				w.mu.Unlock()

				if parent.Hash != (common.Hash{}) {
					w.runBuildOperation(parent)
				}
			}
		case <-w.shut:
			w.evHandler("worker: buildOperations: received shut signal")
			return
		}
	}
}

// runBuildOperation starts a build job on its own G unless the maximum
// number of jobs is already running.
func (w *Worker) runBuildOperation(parent chain.Head) {
	w.mu.Lock()
	if len(w.running) >= w.maxJobs {
		w.mu.Unlock()
		w.evHandler("worker: runBuildOperation: WARNING: max jobs[%d] running", w.maxJobs)
		return
	}

	w.seq++
	id := w.seq
	ctx, cancel := context.WithTimeout(w.ctx, w.deadline)
	w.running[id] = build{parent: parent.Hash, cancel: cancel}
	w.mu.Unlock()

	w.builds.Add(1)

	go func() {
		defer func() {
			cancel()

			w.mu.Lock()
			delete(w.running, id)
			w.mu.Unlock()

			w.builds.Done()
		}()

		t := time.Now()
		p, err := w.state.BuildPayload(ctx, parent, w.gasLimit)
		duration := time.Since(t)

		if err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				w.evHandler("worker: runBuildOperation: BUILD: WARNING: deadline[%v] exceeded", w.deadline)
			case ctx.Err() != nil:
				w.evHandler("worker: runBuildOperation: BUILD: CANCEL: complete")
			default:
				w.evHandler("worker: runBuildOperation: BUILD: ERROR: %s", err)
			}
			return
		}

		w.evHandler("worker: runBuildOperation: BUILD: job[%s] parent[%d] txs[%d] gas[%d] duration[%v]", p.ID, parent.Number, len(p.Transactions), p.GasUsed(), duration)

		w.supersede(parent.Hash, p)
	}()
}

// supersede makes the payload the best one for its parent and aborts the
// payload it replaces.
func (w *Worker) supersede(parent common.Hash, p payload.Payload) {
	w.mu.Lock()
	prev := w.best[parent]
	w.best[parent] = p.ID

	for hash := range w.best {
		if hash != parent && hash != w.parent.Hash {
			delete(w.best, hash)
		}
	}
	w.mu.Unlock()

	if prev == "" {
		return
	}

	if err := w.state.AbortPayload(prev); err == nil {
		w.evHandler("worker: supersede: job[%s] replaced by job[%s]", prev, p.ID)
	}
}

// Best returns the id of the latest payload built on the specified parent.
func (w *Worker) Best(parent common.Hash) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	id, exists := w.best[parent]
	return id, exists
}

// cancelBuilds cancels every running build matching the filter.
func (w *Worker) cancelBuilds(filter func(b build) bool) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	var n int
	for _, b := range w.running {
		if filter(b) {
			b.cancel()
			n++
		}
	}

	return n
}
