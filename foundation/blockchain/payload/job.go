package payload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/chain"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/mempool"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/nullifier"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/google/uuid"
)

// Status is the state of a build job.
type Status int32

// Set of job states.
const (
	StatusIdle Status = iota
	StatusCollecting
	StatusFinalizing
	StatusCommitted
	StatusAborted
)

// String implements the fmt.Stringer interface.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusCollecting:
		return "collecting"
	case StatusFinalizing:
		return "finalizing"
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// Job builds one payload. Build runs on a single goroutine and is
// deterministic for the same pool snapshot and executor results. The lock
// is never held across an executor call.
type Job struct {
	id       string
	parent   chain.Head
	gasLimit uint64
	asm      *Assembler

	mu      sync.Mutex
	status  atomic.Int32
	held    map[uuid.UUID]nullifier.Ticket
	payload Payload
	built   bool
	started time.Time
}

// ID returns the job's identifier.
func (j *Job) ID() string {
	return j.id
}

// Parent returns the block the job builds on.
func (j *Job) Parent() chain.Head {
	return j.parent
}

// Status returns the job's current state.
func (j *Job) Status() Status {
	return Status(j.status.Load())
}

// Payload returns the built payload once the job finished executing it.
func (j *Job) Payload() (Payload, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.built {
		return Payload{}, false
	}

	switch j.Status() {
	case StatusFinalizing, StatusCommitted:
		return j.payload, true
	}
	return Payload{}, false
}

// Build collects and executes the payload. Cancelling the context aborts the
// job and returns every hold it took. An executor failure that isn't caused
// by a transaction aborts the job.
func (j *Job) Build(ctx context.Context) (Payload, error) {
	if err := j.start(); err != nil {
		return Payload{}, err
	}

	selected, err := j.collect(ctx)
	if err != nil {
		j.Abort()
		return Payload{}, err
	}

	if err := j.transition(StatusCollecting, StatusFinalizing); err != nil {
		return Payload{}, err
	}

	p, err := j.finalize(ctx, selected)
	if err != nil {
		j.Abort()
		return Payload{}, err
	}

	j.mu.Lock()
	if s := j.Status(); s != StatusFinalizing {
		j.mu.Unlock()
		return Payload{}, fmt.Errorf("%w: finished build in %s", ErrJobState, s)
	}
	j.payload = p
	j.built = true
	j.mu.Unlock()

	j.asm.metrics.Gas(p.VerifiedGasUsed, p.RegularGasUsed)
	j.asm.evHandler("payload: Build: job[%s] parent[%d] txs[%d] verified[%d] regular[%d] dropped[%d]", j.id, j.parent.Number, len(p.Transactions), p.VerifiedGasUsed, p.RegularGasUsed, len(p.Dropped))

	return p, nil
}

// Commit commits every ticket in the payload on behalf of the job. A ticket
// another job committed first is logged and skipped. It returns the number
// of tickets this job committed.
func (j *Job) Commit() (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch s := j.Status(); s {
	case StatusCommitted:
		return 0, nil
	case StatusFinalizing:
		if !j.built {
			return 0, fmt.Errorf("%w: commit before the payload is built", ErrJobState)
		}
	default:
		return 0, fmt.Errorf("%w: commit from %s", ErrJobState, s)
	}

	var committed int
	for _, t := range j.payload.Tickets() {
		err := j.asm.registry.Commit(t, j.id)
		switch {
		case err == nil:
			committed++
		case errors.Is(err, nullifier.ErrCommitConflict):
			j.asm.evHandler("payload: Commit: job[%s]: WARNING: %s", j.id, err)
		default:
			j.asm.evHandler("payload: Commit: job[%s]: ERROR: ticket[%s]: %s", j.id, t, err)
		}
		delete(j.held, t.ID)
	}

	j.unholdAll()
	j.setStatus(StatusCommitted)
	j.asm.metrics.Ticket("commit", committed)
	j.asm.metrics.Job(StatusCommitted.String(), j.asm.clock().Sub(j.started))

	j.asm.evHandler("payload: Commit: job[%s] tickets[%d]", j.id, committed)

	return committed, nil
}

// Abort drops every hold the job took. Aborting a finished job is a no-op.
func (j *Job) Abort() {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.abort()
}

// =============================================================================

func (j *Job) setStatus(s Status) {
	j.status.Store(int32(s))
}

func (j *Job) start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if s := j.Status(); s != StatusIdle {
		return fmt.Errorf("%w: build from %s", ErrJobState, s)
	}

	j.started = j.asm.clock()
	j.setStatus(StatusCollecting)

	return nil
}

func (j *Job) transition(from Status, to Status) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if s := j.Status(); s != from {
		return fmt.Errorf("%w: %s to %s", ErrJobState, s, to)
	}

	j.setStatus(to)

	return nil
}

// abort must be called with the lock held.
func (j *Job) abort() {
	switch j.Status() {
	case StatusCommitted, StatusAborted:
		return
	}

	held := len(j.held)
	j.unholdAll()
	j.setStatus(StatusAborted)
	j.asm.metrics.Job(StatusAborted.String(), j.asm.clock().Sub(j.started))

	j.asm.evHandler("payload: Abort: job[%s] released[%d]", j.id, held)
}

func (j *Job) unholdAll() {
	for id, t := range j.held {
		j.asm.registry.Unhold(t, j.id)
		delete(j.held, id)
	}
}

// collect selects verified transactions up to the verified target, then
// fills the rest of the block with regular transactions.
func (j *Job) collect(ctx context.Context) ([]mempool.Tx, error) {
	snap := j.asm.pool.Snapshot(j.parent.BaseFee)

	var selected []mempool.Tx
	var verifiedGas uint64

	take := func(txs []mempool.Tx, budget uint64, used *uint64, verified bool) error {
		skip := make(map[common.Address]bool)

		for _, tx := range txs {
			if err := ctx.Err(); err != nil {
				return err
			}

			if budget-*used < params.TxGas {
				return nil
			}

			if skip[tx.From] {
				continue
			}

			if snap.BaseFee != nil && tx.EffectiveTip(snap.BaseFee).Sign() < 0 {
				skip[tx.From] = true
				continue
			}

			if tx.Gas() > budget-*used {
				j.asm.evHandler("payload: Build: job[%s]: skip tx[%s]: %s: gas[%d] remaining[%d]", j.id, tx.Hash(), ErrInsufficientGas, tx.Gas(), budget-*used)
				skip[tx.From] = true
				continue
			}

			if verified {
				if err := j.hold(tx); err != nil {
					if errors.Is(err, ErrJobState) {
						return err
					}
					j.asm.evHandler("payload: Build: job[%s]: skip tx[%s]: %s", j.id, tx.Hash(), err)
					skip[tx.From] = true
					continue
				}
			}

			*used += tx.Gas()
			selected = append(selected, tx)
		}

		return nil
	}

	if err := take(snap.Verified, j.asm.VerifiedTarget(j.gasLimit), &verifiedGas, true); err != nil {
		return nil, err
	}

	var regularGas uint64
	if err := take(snap.Regular, j.gasLimit-verifiedGas, &regularGas, false); err != nil {
		return nil, err
	}

	return selected, nil
}

// hold claims every ticket of the transaction. On failure the claims already
// taken for the transaction are dropped.
func (j *Job) hold(tx mempool.Tx) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if s := j.Status(); s != StatusCollecting {
		return fmt.Errorf("%w: hold from %s", ErrJobState, s)
	}

	for i, t := range tx.Tickets {
		if err := j.asm.registry.Hold(t, j.id); err != nil {
			for _, taken := range tx.Tickets[:i] {
				j.asm.registry.Unhold(taken, j.id)
				delete(j.held, taken.ID)
			}
			return err
		}
		j.held[t.ID] = t
	}
	return nil
}

// finalize executes the selected transactions on top of the parent. Failed
// transactions are dropped along with their sender's later transactions.
func (j *Job) finalize(ctx context.Context, selected []mempool.Tx) (Payload, error) {
	p := Payload{
		ID:       j.id,
		Parent:   j.parent,
		GasLimit: j.gasLimit,
	}

	failed := make(map[common.Address]bool)

	for _, tx := range selected {
		if err := ctx.Err(); err != nil {
			return Payload{}, err
		}

		if failed[tx.From] {
			j.drop(&p, tx, errors.New("earlier nonce dropped"))
			continue
		}

		res, err := j.asm.executor.Execute(ctx, j.parent, tx.Transaction)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Payload{}, ctxErr
			}
			if !chain.IsTxFailure(err) {
				return Payload{}, fmt.Errorf("execute tx[%s]: %w", tx.Hash(), err)
			}

			failed[tx.From] = true
			j.drop(&p, tx, err)
			if errors.Is(err, chain.ErrInvalidTx) {
				p.Invalid = append(p.Invalid, tx.Hash())
			}
			continue
		}

		switch {
		case tx.Verified():
			p.VerifiedGasUsed += res.GasUsed
		default:
			p.RegularGasUsed += res.GasUsed
		}
		p.Transactions = append(p.Transactions, tx)
	}

	return p, nil
}

// drop removes a selected transaction from the payload and returns its
// holds.
func (j *Job) drop(p *Payload, tx mempool.Tx, err error) {
	j.mu.Lock()
	for _, t := range tx.Tickets {
		if _, exists := j.held[t.ID]; exists {
			j.asm.registry.Unhold(t, j.id)
			delete(j.held, t.ID)
		}
	}
	j.mu.Unlock()

	p.Dropped = append(p.Dropped, tx.Hash())
	j.asm.evHandler("payload: Build: job[%s]: drop tx[%s]: %s", j.id, tx.Hash(), err)
}
