package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/racedata/liverc-ingest/internal/liverc"
)

// activityTracker records the timestamp of the most recent unit of work
// IngestEvent performed, the signal the supervisor watches for an
// activity-based timeout: a slow but still-progressing ingest must not
// be killed just because it is slow, only one that has genuinely
// stalled.
type activityTracker struct {
	mu      sync.Mutex
	last    time.Time
	started time.Time
}

func newActivityTracker() *activityTracker {
	now := time.Now()

	return &activityTracker{last: now, started: now}
}

func (a *activityTracker) record() {
	a.mu.Lock()
	a.last = time.Now()
	a.mu.Unlock()
}

func (a *activityTracker) sinceLast() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()

	return time.Since(a.last)
}

func (a *activityTracker) sinceStart() time.Duration {
	return time.Since(a.started)
}

// runSupervisor implements the timeout supervisor: it ticks every
// SupervisorTick and reports a timeout error on done if the event has
// gone InactivityTimeout without a recorded unit of work, or
// MaxTotalDuration since the run started, whichever comes first. It
// exits cleanly (done <- nil) when ctx is cancelled, which IngestEvent
// does as soon as its own work finishes.
func (p *Pipeline) runSupervisor(ctx context.Context, eventID int64, activity *activityTracker, done chan<- error) {
	ticker := time.NewTicker(p.settings.SupervisorTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			done <- nil

			return
		case <-ticker.C:
			if activity.sinceStart() > p.settings.MaxTotalDuration {
				done <- liverc.NewIngestionTimeoutError(fmt.Sprintf("%d", eventID), "max_total_duration")

				return
			}

			if activity.sinceLast() > p.settings.InactivityTimeout {
				done <- liverc.NewIngestionTimeoutError(fmt.Sprintf("%d", eventID), "inactivity_timeout")

				return
			}
		}
	}
}
