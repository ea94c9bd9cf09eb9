package monitoring

import (
	"context"
	"fmt"
	"log"
	"time"

	"run-reporter/core/runs"
)

// RunMonitor fails runs that stopped reporting
type RunMonitor struct {
	svc          *runs.Service
	stallTimeout time.Duration
	interval     time.Duration
	now          func() time.Time
}

// NewRunMonitor creates a new run monitor. A zero stallTimeout disables stall detection.
func NewRunMonitor(svc *runs.Service, stallTimeout, interval time.Duration) *RunMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &RunMonitor{
		svc:          svc,
		stallTimeout: stallTimeout,
		interval:     interval,
		now:          time.Now,
	}
}

// Start starts the monitoring loop
func (m *RunMonitor) Start(ctx context.Context) {
	if m.stallTimeout <= 0 {
		log.Println("Run monitor disabled (no stall timeout)")
		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkStalledRuns(ctx)
		}
	}
}

// checkStalledRuns finalizes every live run idle for longer than the stall timeout
// and returns the IDs it failed. Idleness is re-checked under the run's lock, so
// a run that reported after the activity scan is left alone.
func (m *RunMonitor) checkStalledRuns(ctx context.Context) []string {
	activity, err := m.svc.LastActivity(ctx)
	if err != nil {
		log.Printf("Failed to fetch run activity: %v", err)
		return nil
	}

	now := m.now()
	notice := func(idle time.Duration) (string, string) {
		idle = idle.Round(time.Second)
		return fmt.Sprintf("[%s] ⚠ No activity for %s, run marked failed", now.Format("15:04:05"), idle),
			fmt.Sprintf("stalled after %s without activity", idle)
	}

	var failed []string
	for runID, last := range activity {
		if now.Sub(last) < m.stallTimeout {
			continue
		}

		ok, err := m.svc.FailIfIdle(ctx, runID, m.stallTimeout, now, notice)
		if err != nil {
			log.Printf("Failed to finalize stalled run %s: %v", runID, err)
			continue
		}
		if !ok {
			continue
		}

		log.Printf("WARNING: Run %s was idle for %s, marked failed", runID, now.Sub(last).Round(time.Second))
		failed = append(failed, runID)
	}

	return failed
}
