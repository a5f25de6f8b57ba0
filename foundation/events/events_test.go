package events_test

import (
	"testing"
	"time"

	"github.com/ardanlabs/pbhbuilder/foundation/events"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

func TestEvents(t *testing.T) {
	now := time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC)

	t.Log("Given the need to broadcast builder events.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen subscribers filter by source.", testID)
		{
			evts := events.New()
			all := evts.Acquire("all")
			jobs := evts.Acquire("jobs", "payload")

			evts.Send(events.Parse("payload: Build: job[1] txs[2]", now))
			evts.Send(events.Parse("mempool: Submit: tx[0x01]", now))

			if len(all) != 2 {
				t.Fatalf("\t%s\tTest %d:\tShould deliver every event: got %d", failed, testID, len(all))
			}
			t.Logf("\t%s\tTest %d:\tShould deliver every event.", success, testID)

			if len(jobs) != 1 {
				t.Fatalf("\t%s\tTest %d:\tShould deliver only payload events: got %d", failed, testID, len(jobs))
			}
			t.Logf("\t%s\tTest %d:\tShould deliver only payload events.", success, testID)

			if e := <-jobs; e.Source != "payload" || !e.Time.Equal(now) {
				t.Fatalf("\t%s\tTest %d:\tShould parse the source: %+v", failed, testID, e)
			}
			t.Logf("\t%s\tTest %d:\tShould parse the source.", success, testID)

			if err := evts.Release("jobs"); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould release the subscriber: %v", failed, testID, err)
			}
			if err := evts.Release("jobs"); err == nil {
				t.Fatalf("\t%s\tTest %d:\tShould not release twice.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould release the subscriber once.", success, testID)

			evts.Shutdown()
			if evts.Count() != 0 {
				t.Fatalf("\t%s\tTest %d:\tShould drop every subscriber.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould drop every subscriber.", success, testID)
		}

		testID++
		t.Logf("\tTest %d:\tWhen a message has no source.", testID)
		{
			if e := events.Parse("worker shut down: ok", now); e.Source != "builder" {
				t.Fatalf("\t%s\tTest %d:\tShould use the default source: %s", failed, testID, e.Source)
			}
			t.Logf("\t%s\tTest %d:\tShould use the default source.", success, testID)
		}
	}
}
