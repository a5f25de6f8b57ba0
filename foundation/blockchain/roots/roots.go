// Package roots maintains the set of WorldID merkle roots a proof may be
// generated against.
package roots

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"
)

// Set of error variables for root checks.
var (
	ErrUnknownRoot = errors.New("unknown root")
	ErrStaleRoot   = errors.New("stale root")
)

// Fetcher represents the behavior required to read the latest root from
// the WorldID contract.
type Fetcher interface {
	LatestRoot(ctx context.Context) (uint256.Int, error)
}

// Config represents the settings for a root set.
type Config struct {
	Window      time.Duration
	StaleMargin time.Duration
	AllowStale  bool
	MaxRoots    int
}

// Default settings used for zero values in the config.
const (
	DefaultWindow   = 7 * 24 * time.Hour
	DefaultMaxRoots = 1024
)

// Entry is a recognized root and the time it was first observed.
type Entry struct {
	Root   uint256.Int
	SeenAt time.Time
	Latest bool
}

// Set is a bounded history of recognized roots. The latest root never
// expires, older roots stay valid for the configured window after they were
// first observed.
type Set struct {
	cfg       Config
	mu        sync.RWMutex
	roots     map[uint256.Int]time.Time
	latest    uint256.Int
	hasLatest bool
	available bool
	lastErr   error
}

// New constructs a root set that is unavailable until the first root is
// added.
func New(cfg Config) *Set {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxRoots <= 0 {
		cfg.MaxRoots = DefaultMaxRoots
	}

	return &Set{
		cfg:   cfg,
		roots: make(map[uint256.Int]time.Time),
	}
}

// Add records a root observed at the specified time and makes it the latest
// root. It returns true if the root was not known before.
func (s *Set) Add(root uint256.Int, seen time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.available = true
	s.lastErr = nil

	_, exists := s.roots[root]
	if !exists {
		s.roots[root] = seen
	}
	s.latest = root
	s.hasLatest = true

	s.trim()

	return !exists
}

// MarkUnavailable records that the root registry can't be read. Until a
// root is added again every check fails closed.
func (s *Set) MarkUnavailable(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.available = false
	s.lastErr = err
}

// Refresh reads the latest root from the fetcher and adds it to the set. A
// failed read marks the set unavailable.
func (s *Set) Refresh(ctx context.Context, f Fetcher, now time.Time) (bool, error) {
	root, err := f.LatestRoot(ctx)
	if err != nil {
		s.MarkUnavailable(err)
		return false, fmt.Errorf("latest root: %w", err)
	}

	return s.Add(root, now), nil
}

// Check validates the root is recognized at the specified time.
func (s *Set) Check(root uint256.Int, now time.Time) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.available {
		if s.lastErr != nil {
			return fmt.Errorf("%w: root registry unavailable: %s", ErrUnknownRoot, s.lastErr)
		}
		return fmt.Errorf("%w: root registry unavailable", ErrUnknownRoot)
	}

	if s.hasLatest && root == s.latest {
		return nil
	}

	seen, exists := s.roots[root]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownRoot, root.Hex())
	}

	age := now.Sub(seen)
	switch {
	case age > s.cfg.Window:
		return fmt.Errorf("%w: %s expired", ErrUnknownRoot, root.Hex())
	case !s.cfg.AllowStale && age > s.cfg.Window-s.cfg.StaleMargin:
		return fmt.Errorf("%w: %s", ErrStaleRoot, root.Hex())
	}

	return nil
}

// Prune removes every expired root and returns the number removed.
func (s *Set) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int
	for root, seen := range s.roots {
		if s.hasLatest && root == s.latest {
			continue
		}
		if now.Sub(seen) > s.cfg.Window {
			delete(s.roots, root)
			removed++
		}
	}

	return removed
}

// Latest returns the most recently added root.
func (s *Set) Latest() (uint256.Int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.latest, s.hasLatest && s.available
}

// Copy returns the known roots ordered from newest to oldest.
func (s *Set) Copy() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]Entry, 0, len(s.roots))
	for root, seen := range s.roots {
		entries = append(entries, Entry{
			Root:   root,
			SeenAt: seen,
			Latest: s.hasLatest && root == s.latest,
		})
	}

	sortEntries(entries)

	return entries
}

// =============================================================================

// trim drops the oldest roots once the set grows past its bound. The caller
// must hold the write lock.
func (s *Set) trim() {
	if len(s.roots) <= s.cfg.MaxRoots {
		return
	}

	entries := make([]Entry, 0, len(s.roots))
	for root, seen := range s.roots {
		entries = append(entries, Entry{Root: root, SeenAt: seen, Latest: root == s.latest})
	}
	sortEntries(entries)

	for _, e := range entries[s.cfg.MaxRoots:] {
		if !e.Latest {
			delete(s.roots, e.Root)
		}
	}
}

// sortEntries orders entries newest first with the latest root on top.
func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Latest != entries[j].Latest {
			return entries[i].Latest
		}
		if !entries[i].SeenAt.Equal(entries[j].SeenAt) {
			return entries[i].SeenAt.After(entries[j].SeenAt)
		}
		return entries[i].Root.Lt(&entries[j].Root)
	})
}
