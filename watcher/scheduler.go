package watcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// JobState is the per-job lifecycle: Idle -> Running -> (Idle | Failed).
// Failed is not terminal, the trigger re-arms the job for its next firing.
type JobState int32

const (
	JobIdle JobState = iota
	JobRunning
	JobFailed
)

func (s JobState) String() string {
	switch s {
	case JobIdle:
		return "idle"
	case JobRunning:
		return "running"
	case JobFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type job struct {
	name    string
	trigger Trigger
	run     func(ctx context.Context) error

	state    int32 // JobState, atomic
	inflight int32 // 1 while a run is active; firings overlapping it are skipped
	runs     int64 // completed runs, atomic, for tests and introspection
}

func (j *job) State() JobState { return JobState(atomic.LoadInt32(&j.state)) }
func (j *job) Runs() int64     { return atomic.LoadInt64(&j.runs) }

// scheduler arms jobs on their triggers: one timer goroutine per job, job
// runs detached on their own goroutines. At most one run per job is in
// flight; an overlapping firing is coalesced, never queued.
type scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newScheduler() *scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &scheduler{ctx: ctx, cancel: cancel}
}

func (s *scheduler) schedule(j *job) {
	log.WithFields(log.Fields{"job": j.name, "trigger": j.trigger.String()}).Info("job armed")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(time.Until(j.trigger.Next(time.Now())))
		defer timer.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case firedAt := <-timer.C:
				s.fire(j, firedAt)
				timer.Reset(time.Until(j.trigger.Next(time.Now())))
			}
		}
	}()
}

func (s *scheduler) fire(j *job, firedAt time.Time) {
	if !atomic.CompareAndSwapInt32(&j.inflight, 0, 1) {
		log.WithFields(log.Fields{"job": j.name, "fired": firedAt.Format(time.RFC3339)}).
			Warn("previous run still active, firing skipped")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer atomic.StoreInt32(&j.inflight, 0)
		defer atomic.AddInt64(&j.runs, 1)

		entry := log.WithFields(log.Fields{
			"job":   j.name,
			"run":   uuid.New().String()[:8],
			"fired": firedAt.Format(time.RFC3339),
		})
		atomic.StoreInt32(&j.state, int32(JobRunning))
		entry.Debug("job run started")
		if err := j.run(s.ctx); err != nil {
			atomic.StoreInt32(&j.state, int32(JobFailed))
			entry.WithError(err).Error("job run failed")
			return
		}
		atomic.StoreInt32(&j.state, int32(JobIdle))
		entry.Debug("job run finished")
	}()
}

// stop cancels future firings and waits for in-flight runs, bounded by
// the drain timeout. It reports whether the drain completed.
func (s *scheduler) stop(drain time.Duration) bool {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(drain):
		return false
	}
}
