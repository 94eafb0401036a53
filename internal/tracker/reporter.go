package tracker

import "fmt"

// Name implements the reporter.Reporter interface.
func (t *Tracker) Name() string {
	return "Tracker"
}

// Report implements the reporter.Reporter interface.
func (t *Tracker) Report(resetCounters bool) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	errs := 0
	for _, v := range t.errors {
		errs += v
	}
	report := fmt.Sprintf("live=%d reserved=%d bound=%d taken=%d dropped=%d reaped=%d errs=%d",
		len(t.tickets), t.reserved, t.bound, t.taken, t.dropped, t.reaped, errs)

	if resetCounters {
		t.trackerStats = trackerStats{}
	}

	return report
}
