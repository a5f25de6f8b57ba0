// Package nullifier maintains the per identity usage of human verification
// proofs so each identity can only claim its monthly allowance of priority
// blockspace.
package nullifier

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/proof"
	"github.com/google/uuid"
)

// Set of error variables for registry operations.
var (
	ErrQuotaExceeded   = errors.New("nullifier quota exceeded")
	ErrCommitConflict  = errors.New("ticket committed by another job")
	ErrUnknownTicket   = errors.New("unknown ticket")
	ErrWindowFrozen    = errors.New("nullifier window is frozen")
	ErrWindowNotOpen   = errors.New("nullifier window is not open")
	ErrTicketCommitted = errors.New("ticket already committed")
)

// numStripes is the number of independently locked partitions of the
// registry.
const numStripes = 64

// DefaultQuota is the number of priority transactions an identity may land
// per window when no quota is configured.
const DefaultQuota = 30

// EventHandler defines a function that is called when events occur in the
// processing of reservations.
type EventHandler func(v string, args ...any)

// Config represents the settings for the registry.
type Config struct {
	Quota     uint16
	Retention uint32
	Storage   Storage
	Clear     bool
	Clock     func() time.Time
	EvHandler EventHandler
}

// Registry tracks committed and reserved usage per bucket. Buckets are spread
// across lock stripes so unrelated identities never contend.
type Registry struct {
	quota     uint16
	retention proof.Window
	storage   Storage
	clock     func() time.Time
	evHandler EventHandler
	window    atomic.Uint32
	stripes   [numStripes]stripe
}

// New constructs a registry and loads the committed usage from storage. When
// Clear is set the storage is wiped first.
func New(cfg Config) (*Registry, error) {
	if cfg.Quota == 0 {
		cfg.Quota = DefaultQuota
	}
	if cfg.Retention == 0 {
		cfg.Retention = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	r := Registry{
		quota:     cfg.Quota,
		retention: proof.Window(cfg.Retention),
		storage:   cfg.Storage,
		clock:     cfg.Clock,
		evHandler: ev,
	}
	for i := range r.stripes {
		r.stripes[i].init()
	}

	current := proof.WindowOf(r.clock())
	r.window.Store(uint32(current))

	if r.storage != nil {
		if cfg.Clear {
			ev("nullifier: New: clearing persisted usage")
			if err := r.storage.Reset(); err != nil {
				return nil, fmt.Errorf("reset storage: %w", err)
			}
		}

		if err := r.load(current); err != nil {
			return nil, err
		}
	}

	return &r, nil
}

// Quota returns the configured quota per bucket.
func (r *Registry) Quota() uint16 {
	return r.quota
}

// Window returns the current window.
func (r *Registry) Window() proof.Window {
	return proof.Window(r.window.Load())
}

// Reserve takes a speculative reservation against the bucket's quota.
func (r *Registry) Reserve(key Key) (Ticket, error) {
	r.Rollover(r.clock())

	if err := r.checkWindow(key); err != nil {
		return Ticket{}, err
	}

	s := &r.stripes[key.stripe()]
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.bucket(key)
	if int(b.committed)+len(b.reserved) >= int(r.quota) {
		return Ticket{}, fmt.Errorf("%w: %s: committed[%d] reserved[%d] quota[%d]", ErrQuotaExceeded, key, b.committed, len(b.reserved), r.quota)
	}

	t := Ticket{ID: uuid.New(), Key: key}
	tk := ticket{key: key, holds: make(map[string]struct{})}
	b.reserved[t.ID] = struct{}{}
	s.tickets[t.ID] = &tk

	return t, nil
}

// Hold records a build job's claim on a reserved ticket. Any number of jobs
// can hold the same ticket, only one of them can commit it.
func (r *Registry) Hold(t Ticket, jobID string) error {
	if err := r.checkWindow(t.Key); err != nil {
		return err
	}

	s := &r.stripes[t.Key.stripe()]
	s.mu.Lock()
	defer s.mu.Unlock()

	tk, exists := s.tickets[t.ID]
	if !exists || tk.orphan {
		return fmt.Errorf("%w: %s", ErrUnknownTicket, t)
	}

	if tk.committed {
		if tk.jobID == jobID {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrTicketCommitted, t)
	}

	tk.holds[jobID] = struct{}{}

	return nil
}

// Unhold drops a build job's claim on a ticket. A ticket released by its
// owner while held is freed once the last hold is dropped.
func (r *Registry) Unhold(t Ticket, jobID string) {
	s := &r.stripes[t.Key.stripe()]
	s.mu.Lock()
	defer s.mu.Unlock()

	tk, exists := s.tickets[t.ID]
	if !exists || tk.committed {
		return
	}

	delete(tk.holds, jobID)

	if tk.orphan && len(tk.holds) == 0 {
		s.free(t.ID, tk)
	}
}

// Commit moves a ticket from reserved to committed on behalf of a job. A
// repeated commit by the same job is a no-op, a commit by any other job
// returns ErrCommitConflict.
func (r *Registry) Commit(t Ticket, jobID string) error {
	if err := r.checkWindow(t.Key); err != nil {
		return err
	}

	s := &r.stripes[t.Key.stripe()]
	s.mu.Lock()
	defer s.mu.Unlock()

	tk, exists := s.tickets[t.ID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownTicket, t)
	}

	if tk.committed {
		if tk.jobID == jobID {
			return nil
		}
		return fmt.Errorf("%w: %s: committed by %s", ErrCommitConflict, t, tk.jobID)
	}

	b := s.bucket(t.Key)
	if r.storage != nil {
		if err := r.storage.Write(Record{Key: t.Key, Committed: b.committed + 1}); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}

	delete(b.reserved, t.ID)
	b.committed++
	tk.committed = true
	tk.jobID = jobID
	tk.holds = nil

	return nil
}

// Release cancels a speculative ticket. Releasing a committed or unknown
// ticket is a no-op.
func (r *Registry) Release(t Ticket) {
	s := &r.stripes[t.Key.stripe()]
	s.mu.Lock()
	defer s.mu.Unlock()

	tk, exists := s.tickets[t.ID]
	if !exists || tk.committed {
		return
	}

	if len(tk.holds) > 0 {
		tk.orphan = true
		return
	}

	s.free(t.ID, tk)
}

// Uncommit returns a committed ticket's usage to the bucket when the block
// that included it is no longer canonical.
func (r *Registry) Uncommit(t Ticket) error {
	s := &r.stripes[t.Key.stripe()]
	s.mu.Lock()
	defer s.mu.Unlock()

	tk, exists := s.tickets[t.ID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownTicket, t)
	}
	if !tk.committed {
		return nil
	}

	b := s.bucket(t.Key)
	if r.storage != nil {
		if err := r.storage.Write(Record{Key: t.Key, Committed: b.committed - 1}); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}

	b.committed--
	delete(s.tickets, t.ID)
	s.dropIfEmpty(t.Key, b)

	r.evHandler("nullifier: Uncommit: ticket[%s] job[%s]", t, tk.jobID)

	return nil
}

// Rollover observes the specified time. When it falls in a new window every
// earlier window is frozen and windows past the retention horizon are
// pruned. It returns true if the window advanced.
func (r *Registry) Rollover(now time.Time) bool {
	next := proof.WindowOf(now)

	for {
		current := r.window.Load()
		if uint32(next) <= current {
			return false
		}
		if r.window.CompareAndSwap(current, uint32(next)) {
			break
		}
	}

	r.evHandler("nullifier: Rollover: window[%s]", next)

	if next < r.retention {
		return true
	}
	horizon := next - r.retention

	var pruned int
	for i := range r.stripes {
		pruned += r.stripes[i].prune(horizon)
	}

	if r.storage != nil {
		if err := r.storage.Prune(horizon); err != nil {
			r.evHandler("nullifier: Rollover: ERROR: prune storage: %s", err)
		}
	}

	r.evHandler("nullifier: Rollover: pruned[%d] before[%s]", pruned, horizon)

	return true
}

// Usage returns the current state of the bucket.
func (r *Registry) Usage(key Key) Usage {
	s := &r.stripes[key.stripe()]
	s.mu.Lock()
	defer s.mu.Unlock()

	u := Usage{
		Window: key.Window(),
		Quota:  r.quota,
	}

	if b, exists := s.buckets[key]; exists {
		u.Committed = b.committed
		u.Reserved = len(b.reserved)
	}

	return u
}

// Stats walks every stripe and summarizes the registry.
func (r *Registry) Stats() Stats {
	st := Stats{Window: r.Window()}

	for i := range r.stripes {
		s := &r.stripes[i]
		s.mu.Lock()
		{
			st.Buckets += len(s.buckets)
			for _, tk := range s.tickets {
				switch {
				case tk.committed:
					st.Committed++
				default:
					st.Reserved++
					if len(tk.holds) > 0 {
						st.Held++
					}
				}
			}
		}
		s.mu.Unlock()
	}

	return st
}

// =============================================================================

// checkWindow rejects keys that are not scoped to the current window.
func (r *Registry) checkWindow(key Key) error {
	current := r.Window()

	switch w := key.Window(); {
	case w < current:
		return fmt.Errorf("%w: %s", ErrWindowFrozen, w)
	case w > current:
		return fmt.Errorf("%w: %s", ErrWindowNotOpen, w)
	}

	return nil
}

// load rebuilds committed usage from storage.
func (r *Registry) load(current proof.Window) error {
	var horizon proof.Window
	if current >= r.retention {
		horizon = current - r.retention
	}

	var loaded int
	iter := r.storage.ForEach()
	for rec, err := iter.Next(); !iter.Done(); rec, err = iter.Next() {
		if err != nil {
			return fmt.Errorf("load records: %w", err)
		}

		if rec.Key.Window() < horizon || rec.Committed == 0 {
			continue
		}

		s := &r.stripes[rec.Key.stripe()]
		s.bucket(rec.Key).committed = rec.Committed
		loaded++
	}

	r.evHandler("nullifier: New: loaded[%d] buckets", loaded)

	return nil
}
