package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/chain"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/payload"
)

// ErrUnknownJob is returned when a build job can't be found.
var ErrUnknownJob = errors.New("unknown build job")

// BuildPayload runs a build job on top of the specified parent. The job is
// kept until it is committed, aborted or superseded by a canonical block.
func (s *State) BuildPayload(ctx context.Context, parent chain.Head, gasLimit uint64) (payload.Payload, error) {
	if gasLimit == 0 {
		gasLimit = parent.GasLimit
	}

	job := s.assembler.NewJob(parent, gasLimit)

	s.mu.Lock()
	s.jobs[job.ID()] = job
	s.mu.Unlock()

	p, err := job.Build(ctx)
	if err != nil {
		s.mu.Lock()
		delete(s.jobs, job.ID())
		s.mu.Unlock()

		return payload.Payload{}, fmt.Errorf("build on %s: %w", parent.Hash, err)
	}

	// Reverted transactions stay in the pool for the next parent. Only the
	// ones that can't execute anywhere are removed.
	for _, hash := range p.Invalid {
		if ptx, exists := s.mempool.Get(hash); exists && s.mempool.Evict(hash) {
			s.metrics.Ticket("release", len(ptx.Tickets))
		}
	}
	if len(p.Invalid) > 0 {
		s.reportPool()
	}

	return p, nil
}

// CommitPayload commits the tickets of the specified job's payload. It
// returns the number of tickets the job won.
func (s *State) CommitPayload(id string) (int, error) {
	s.mu.Lock()
	job, exists := s.jobs[id]
	delete(s.jobs, id)
	s.mu.Unlock()

	if !exists {
		return 0, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}

	return job.Commit()
}

// AbortPayload aborts the specified job and returns its holds.
func (s *State) AbortPayload(id string) error {
	s.mu.Lock()
	job, exists := s.jobs[id]
	delete(s.jobs, id)
	s.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}

	job.Abort()

	return nil
}

// AbortStale aborts every job that doesn't build on the specified parent.
func (s *State) AbortStale(parent chain.Head) int {
	var stale []*payload.Job

	s.mu.Lock()
	for id, job := range s.jobs {
		if job.Parent().Hash != parent.Hash {
			stale = append(stale, job)
			delete(s.jobs, id)
		}
	}
	s.mu.Unlock()

	for _, job := range stale {
		job.Abort()
	}

	return len(stale)
}

// QueryJob returns the state of the specified job and its payload once
// built.
func (s *State) QueryJob(id string) (payload.Status, payload.Payload, error) {
	s.mu.Lock()
	job, exists := s.jobs[id]
	s.mu.Unlock()

	if !exists {
		return 0, payload.Payload{}, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}

	p, _ := job.Payload()

	return job.Status(), p, nil
}

// QueryJobCount returns the number of jobs being tracked.
func (s *State) QueryJobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.jobs)
}
