// Package sched runs named periodic jobs with panic isolation.
package sched

import (
	"sync"
	"time"

	"github.com/khunter/autotrader/internal/observ"
)

// Scheduler runs registered jobs on fixed intervals until stopped.
type Scheduler struct {
	mu      sync.Mutex
	stops   []chan struct{}
	wg      sync.WaitGroup
	stopped bool
}

func New() *Scheduler {
	return &Scheduler{}
}

// Every schedules fn to run each interval. The first run happens after one
// full interval, not immediately.
func (s *Scheduler) Every(name string, interval time.Duration, fn func()) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.stops = append(s.stops, stop)
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				run(name, fn)
			case <-stop:
				return
			}
		}
	}()
}

func run(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			observ.IncCounter("sched_job_panics_total", map[string]string{"job": name})
			observ.Log("sched_job_panic", map[string]any{"job": name, "panic": r})
		}
	}()
	start := time.Now()
	fn()
	observ.RecordDuration("sched_job_duration", time.Since(start), map[string]string{"job": name})
}

// Stop cancels every job and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for _, stop := range s.stops {
		close(stop)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
