package nullifier

import (
	"sync"

	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/proof"
	"github.com/google/uuid"
)

// ticket is the registry's view of a reservation.
type ticket struct {
	key       Key
	committed bool
	jobID     string
	holds     map[string]struct{}
	orphan    bool
}

// bucket counts usage for one key.
type bucket struct {
	committed uint16
	reserved  map[uuid.UUID]struct{}
}

// stripe is one locked partition of the registry.
type stripe struct {
	mu      sync.Mutex
	buckets map[Key]*bucket
	tickets map[uuid.UUID]*ticket
}

// init prepares the maps of a zero value stripe.
func (s *stripe) init() {
	s.buckets = make(map[Key]*bucket)
	s.tickets = make(map[uuid.UUID]*ticket)
}

// bucket returns the bucket for the key, creating it if needed. The caller
// must hold the lock.
func (s *stripe) bucket(key Key) *bucket {
	b, exists := s.buckets[key]
	if !exists {
		b = &bucket{reserved: make(map[uuid.UUID]struct{})}
		s.buckets[key] = b
	}

	return b
}

// free removes a reserved ticket. The caller must hold the lock.
func (s *stripe) free(id uuid.UUID, tk *ticket) {
	delete(s.tickets, id)

	if b, exists := s.buckets[tk.key]; exists {
		delete(b.reserved, id)
		s.dropIfEmpty(tk.key, b)
	}
}

// dropIfEmpty removes a bucket with no usage. The caller must hold the lock.
func (s *stripe) dropIfEmpty(key Key, b *bucket) {
	if b.committed == 0 && len(b.reserved) == 0 {
		delete(s.buckets, key)
	}
}

// prune removes every bucket and ticket scoped to a window before the
// horizon and returns the number of buckets removed.
func (s *stripe) prune(horizon proof.Window) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for key := range s.buckets {
		if key.Window() < horizon {
			delete(s.buckets, key)
			n++
		}
	}

	for id, tk := range s.tickets {
		if tk.key.Window() < horizon {
			delete(s.tickets, id)
		}
	}

	return n
}
