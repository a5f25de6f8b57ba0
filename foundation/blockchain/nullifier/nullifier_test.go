package nullifier_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/nullifier"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/proof"
	"github.com/holiman/uint256"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var start = time.Date(2025, time.January, 20, 12, 0, 0, 0, time.UTC)

func newKey(t time.Time, hash uint64) nullifier.Key {
	return nullifier.Key{
		ExternalNullifier: proof.NewExternalNullifier(0, t),
		NullifierHash:     *uint256.NewInt(hash),
	}
}

func newRegistry(t *testing.T, c *clock, quota uint16) *nullifier.Registry {
	r, err := nullifier.New(nullifier.Config{Quota: quota, Clock: c.Now})
	if err != nil {
		t.Fatalf("Should be able to construct a registry: %v", err)
	}
	return r
}

// =============================================================================

func TestQuota(t *testing.T) {
	c := clock{now: start}
	r := newRegistry(t, &c, 30)

	t.Log("Given the need to bound the usage of one identity per window.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen reserving the full quota and one more.", testID)
		{
			key := newKey(start, 1)

			for i := 0; i < 30; i++ {
				tk, err := r.Reserve(key)
				if err != nil {
					t.Fatalf("\t%s\tTest %d:\tShould be able to reserve ticket %d: %v", failed, testID, i+1, err)
				}
				if err := r.Commit(tk, "job"); err != nil {
					t.Fatalf("\t%s\tTest %d:\tShould be able to commit ticket %d: %v", failed, testID, i+1, err)
				}
			}
			t.Logf("\t%s\tTest %d:\tShould be able to land 30 transactions.", success, testID)

			if _, err := r.Reserve(key); !errors.Is(err, nullifier.ErrQuotaExceeded) {
				t.Fatalf("\t%s\tTest %d:\tShould reject the 31st transaction: got %v", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould reject the 31st transaction.", success, testID)

			if u := r.Usage(key); u.Committed != 30 || u.Reserved != 0 || u.Available() != 0 {
				t.Fatalf("\t%s\tTest %d:\tShould see a full bucket: %+v", failed, testID, u)
			}
			t.Logf("\t%s\tTest %d:\tShould see a full bucket.", success, testID)

			if _, err := r.Reserve(newKey(start, 2)); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould not affect other identities: %v", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould not affect other identities.", success, testID)
		}

		testID++
		t.Logf("\tTest %d:\tWhen the next window opens.", testID)
		{
			next := start.AddDate(0, 1, 0)
			c.Set(next)

			if _, err := r.Reserve(newKey(next, 1)); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould accept the identity again: %v", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould accept the identity again.", success, testID)

			if _, err := r.Reserve(newKey(start, 3)); !errors.Is(err, nullifier.ErrWindowFrozen) {
				t.Fatalf("\t%s\tTest %d:\tShould freeze the previous window: got %v", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould freeze the previous window.", success, testID)

			if _, err := r.Reserve(newKey(next.AddDate(0, 1, 0), 3)); !errors.Is(err, nullifier.ErrWindowNotOpen) {
				t.Fatalf("\t%s\tTest %d:\tShould reject a future window: got %v", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould reject a future window.", success, testID)
		}
	}
}

func TestReleaseRestores(t *testing.T) {
	c := clock{now: start}
	r := newRegistry(t, &c, 3)
	key := newKey(start, 7)

	t.Log("Given the need to return released reservations to the bucket.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen releasing a reservation and reserving again.", testID)
		{
			before := r.Usage(key)

			tk, err := r.Reserve(key)
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to reserve: %v", failed, testID, err)
			}

			r.Release(tk)
			if after := r.Usage(key); after != before {
				t.Fatalf("\t%s\tTest %d:\tShould restore the usage: before %+v after %+v", failed, testID, before, after)
			}
			t.Logf("\t%s\tTest %d:\tShould restore the usage.", success, testID)

			for i := 0; i < 3; i++ {
				if _, err := r.Reserve(key); err != nil {
					t.Fatalf("\t%s\tTest %d:\tShould be able to use the full quota: %v", failed, testID, err)
				}
			}
			t.Logf("\t%s\tTest %d:\tShould be able to use the full quota.", success, testID)

			if err := r.Commit(tk, "job"); !errors.Is(err, nullifier.ErrUnknownTicket) {
				t.Fatalf("\t%s\tTest %d:\tShould not commit a released ticket: got %v", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould not commit a released ticket.", success, testID)
		}
	}
}

func TestSingleCommit(t *testing.T) {
	c := clock{now: start}
	r := newRegistry(t, &c, 30)

	tk, err := r.Reserve(newKey(start, 9))
	if err != nil {
		t.Fatalf("Should be able to reserve: %v", err)
	}

	const jobs = 16

	t.Log("Given the need to commit a ticket at most once.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen %d jobs commit the same ticket concurrently.", testID, jobs)
		{
			for i := 0; i < jobs; i++ {
				if err := r.Hold(tk, jobName(i)); err != nil {
					t.Fatalf("\t%s\tTest %d:\tShould be able to hold from every job: %v", failed, testID, err)
				}
			}

			var wg sync.WaitGroup
			results := make([]error, jobs)

			wg.Add(jobs)
			for i := 0; i < jobs; i++ {
				go func(i int) {
					defer wg.Done()
					results[i] = r.Commit(tk, jobName(i))
				}(i)
			}
			wg.Wait()

			var winners, conflicts int
			for _, err := range results {
				switch {
				case err == nil:
					winners++
				case errors.Is(err, nullifier.ErrCommitConflict):
					conflicts++
				default:
					t.Fatalf("\t%s\tTest %d:\tShould only see conflicts: got %v", failed, testID, err)
				}
			}

			if winners != 1 || conflicts != jobs-1 {
				t.Fatalf("\t%s\tTest %d:\tShould have exactly one winner: winners[%d] conflicts[%d]", failed, testID, winners, conflicts)
			}
			t.Logf("\t%s\tTest %d:\tShould have exactly one winner.", success, testID)

			if u := r.Usage(tk.Key); u.Committed != 1 || u.Reserved != 0 {
				t.Fatalf("\t%s\tTest %d:\tShould count one usage: %+v", failed, testID, u)
			}
			t.Logf("\t%s\tTest %d:\tShould count one usage.", success, testID)
		}
	}
}

func TestCommitIdempotent(t *testing.T) {
	c := clock{now: start}
	r := newRegistry(t, &c, 30)

	tk, err := r.Reserve(newKey(start, 11))
	if err != nil {
		t.Fatalf("Should be able to reserve: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := r.Commit(tk, "job-a"); err != nil {
			t.Fatalf("Should be able to repeat a commit from the same job: %v", err)
		}
	}

	if u := r.Usage(tk.Key); u.Committed != 1 {
		t.Fatalf("Should count the usage once: %+v", u)
	}

	r.Release(tk)
	if u := r.Usage(tk.Key); u.Committed != 1 {
		t.Fatalf("Should ignore a release of a committed ticket: %+v", u)
	}

	if err := r.Hold(tk, "job-b"); !errors.Is(err, nullifier.ErrTicketCommitted) {
		t.Fatalf("Should not let another job hold a committed ticket: got %v", err)
	}
}

func TestHoldAbort(t *testing.T) {
	c := clock{now: start}
	r := newRegistry(t, &c, 30)

	t.Log("Given the need to leave no trace of an aborted build job.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen a job holding 5 tickets is aborted.", testID)
		{
			var tickets []nullifier.Ticket
			for i := 0; i < 5; i++ {
				tk, err := r.Reserve(newKey(start, uint64(100+i)))
				if err != nil {
					t.Fatalf("\t%s\tTest %d:\tShould be able to reserve: %v", failed, testID, err)
				}
				tickets = append(tickets, tk)
			}

			before := r.Stats()

			for _, tk := range tickets {
				if err := r.Hold(tk, "job"); err != nil {
					t.Fatalf("\t%s\tTest %d:\tShould be able to hold: %v", failed, testID, err)
				}
			}

			if st := r.Stats(); st.Held != 5 {
				t.Fatalf("\t%s\tTest %d:\tShould see 5 held tickets: %+v", failed, testID, st)
			}
			t.Logf("\t%s\tTest %d:\tShould see 5 held tickets.", success, testID)

			for _, tk := range tickets {
				r.Unhold(tk, "job")
			}

			if after := r.Stats(); after != before {
				t.Fatalf("\t%s\tTest %d:\tShould restore the reservation state: before %+v after %+v", failed, testID, before, after)
			}
			t.Logf("\t%s\tTest %d:\tShould restore the reservation state.", success, testID)
		}

		testID++
		t.Logf("\tTest %d:\tWhen the pool releases a ticket a job still holds.", testID)
		{
			key := newKey(start, 200)
			tk, err := r.Reserve(key)
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to reserve: %v", failed, testID, err)
			}

			if err := r.Hold(tk, "job"); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to hold: %v", failed, testID, err)
			}

			r.Release(tk)
			if u := r.Usage(key); u.Reserved != 1 {
				t.Fatalf("\t%s\tTest %d:\tShould keep the reservation while held: %+v", failed, testID, u)
			}
			t.Logf("\t%s\tTest %d:\tShould keep the reservation while held.", success, testID)

			if err := r.Hold(tk, "other"); !errors.Is(err, nullifier.ErrUnknownTicket) {
				t.Fatalf("\t%s\tTest %d:\tShould not accept new holds: got %v", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould not accept new holds.", success, testID)

			r.Unhold(tk, "job")
			if u := r.Usage(key); u.Reserved != 0 {
				t.Fatalf("\t%s\tTest %d:\tShould free the reservation with the last hold: %+v", failed, testID, u)
			}
			t.Logf("\t%s\tTest %d:\tShould free the reservation with the last hold.", success, testID)
		}
	}
}

func TestUncommit(t *testing.T) {
	c := clock{now: start}
	r := newRegistry(t, &c, 1)
	key := newKey(start, 300)

	tk, err := r.Reserve(key)
	if err != nil {
		t.Fatalf("Should be able to reserve: %v", err)
	}
	if err := r.Commit(tk, "job"); err != nil {
		t.Fatalf("Should be able to commit: %v", err)
	}

	if _, err := r.Reserve(key); !errors.Is(err, nullifier.ErrQuotaExceeded) {
		t.Fatalf("Should have used the quota: got %v", err)
	}

	if err := r.Uncommit(tk); err != nil {
		t.Fatalf("Should be able to uncommit: %v", err)
	}

	if u := r.Usage(key); u.Committed != 0 || u.Reserved != 0 {
		t.Fatalf("Should return the usage: %+v", u)
	}

	if _, err := r.Reserve(key); err != nil {
		t.Fatalf("Should be able to reserve again: %v", err)
	}
}

func TestRolloverPrunes(t *testing.T) {
	c := clock{now: start}
	r := newRegistry(t, &c, 30)

	old := newKey(start, 400)
	tk, err := r.Reserve(old)
	if err != nil {
		t.Fatalf("Should be able to reserve: %v", err)
	}
	if err := r.Commit(tk, "job"); err != nil {
		t.Fatalf("Should be able to commit: %v", err)
	}

	if r.Rollover(start) {
		t.Fatal("Should not advance inside the same window.")
	}

	if !r.Rollover(start.AddDate(0, 1, 0)) {
		t.Fatal("Should advance into the next window.")
	}

	if u := r.Usage(old); u.Committed != 1 {
		t.Fatalf("Should keep the frozen window inside the retention: %+v", u)
	}

	if err := r.Commit(tk, "job"); !errors.Is(err, nullifier.ErrWindowFrozen) {
		t.Fatalf("Should reject commits into a frozen window: got %v", err)
	}

	if !r.Rollover(start.AddDate(0, 2, 0)) {
		t.Fatal("Should advance again.")
	}

	if u := r.Usage(old); u.Committed != 0 {
		t.Fatalf("Should prune windows past the retention: %+v", u)
	}
}

func jobName(i int) string {
	return "job-" + string(rune('a'+i))
}
