package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"clashwatcher/backend"
	"clashwatcher/health"
	"clashwatcher/node"
	"clashwatcher/subscription"
)

// JobOptions configure one of the three recurring jobs.
type JobOptions struct {
	Enabled bool
	Trigger Trigger
}

// Options wire a Watcher to its collaborators.
type Options struct {
	Fetcher   *subscription.Fetcher
	Backend   *backend.Client
	Evaluator health.Evaluator

	// DaemonConfigPath, when set, is where refreshed pools are rendered
	// for the daemon; the backend is asked to reload after each install.
	DaemonConfigPath string
	Render           subscription.RenderOptions

	ProbeTimeout time.Duration
	DrainTimeout time.Duration

	Updater JobOptions
	Changer JobOptions
	Checker JobOptions
}

// Watcher owns the three recurring jobs (updater, changer, checker) and
// the shared state they act on: the pool snapshot and the backend's
// selection. Jobs run concurrently with each other; the pool is swapped
// atomically and switch decisions are serialized.
type Watcher struct {
	opts  Options
	sched *scheduler
	jobs  []*job

	pool atomic.Value // *node.Pool

	// switchMu serializes decide-then-apply against the backend so the
	// changer and checker never race two switch requests. It is the only
	// lock held across control calls, matching the backend's own
	// single-active-node invariant.
	switchMu sync.Mutex

	stopOnce sync.Once
	stopped  chan struct{}
}

// New validates the job set and builds the watcher. A configuration that
// enables no jobs is rejected up front: there would be nothing to run.
func New(opts Options) (*Watcher, error) {
	if opts.Fetcher == nil || opts.Backend == nil {
		return nil, errors.New("watcher needs a fetcher and a backend client")
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 15 * time.Second
	}
	w := &Watcher{
		opts:    opts,
		sched:   newScheduler(),
		stopped: make(chan struct{}),
	}
	if opts.Updater.Enabled {
		w.jobs = append(w.jobs, &job{name: "updater", trigger: opts.Updater.Trigger, run: w.runUpdater})
	}
	if opts.Changer.Enabled {
		w.jobs = append(w.jobs, &job{name: "changer", trigger: opts.Changer.Trigger, run: w.runChanger})
	}
	if opts.Checker.Enabled {
		w.jobs = append(w.jobs, &job{name: "checker", trigger: opts.Checker.Trigger, run: w.runChecker})
	}
	if len(w.jobs) == 0 {
		return nil, errors.New("watcher configuration enables no jobs")
	}
	return w, nil
}

// Pool returns the current snapshot; nil before the first successful
// refresh. Readers always observe a fully-formed pool.
func (w *Watcher) Pool() *node.Pool {
	p, _ := w.pool.Load().(*node.Pool)
	return p
}

// JobStates reports each armed job's current state.
func (w *Watcher) JobStates() map[string]JobState {
	states := make(map[string]JobState, len(w.jobs))
	for _, j := range w.jobs {
		states[j.name] = j.State()
	}
	return states
}

// Startup arms every enabled job on its trigger. In blocking mode it does
// not return until Shutdown is called from another goroutine; otherwise
// it returns immediately while jobs keep firing in the background.
func (w *Watcher) Startup(blocking bool) {
	for _, j := range w.jobs {
		w.sched.schedule(j)
	}
	log.WithField("jobs", len(w.jobs)).Info("watcher started")
	if blocking {
		<-w.stopped
	}
}

// Shutdown cancels pending firings and waits for in-flight runs up to the
// drain timeout, after which they are abandoned and reported. Safe to
// call more than once.
func (w *Watcher) Shutdown() {
	w.stopOnce.Do(func() {
		if !w.sched.stop(w.opts.DrainTimeout) {
			log.WithField("drain", w.opts.DrainTimeout).
				Warn("drain timeout exceeded, in-flight job runs abandoned")
		}
		close(w.stopped)
		log.Info("watcher stopped")
	})
}

// Done is closed once Shutdown completes.
func (w *Watcher) Done() <-chan struct{} { return w.stopped }

// RefreshNow runs one updater pass synchronously, for the initial refresh
// before the schedule takes over.
func (w *Watcher) RefreshNow(ctx context.Context) error {
	return w.runUpdater(ctx)
}

// runUpdater fetches the subscription and installs the new pool. The swap
// is all-or-nothing: any failure before the Store leaves the previous
// snapshot fully intact.
func (w *Watcher) runUpdater(ctx context.Context) error {
	pool, err := w.opts.Fetcher.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("refresh aborted, previous pool retained: %w", err)
	}
	if w.opts.DaemonConfigPath != "" {
		data, err := subscription.RenderConfig(pool, w.opts.Render)
		if err != nil {
			return fmt.Errorf("refresh aborted, previous pool retained: %w", err)
		}
		if err := subscription.WriteConfig(w.opts.DaemonConfigPath, data); err != nil {
			return fmt.Errorf("refresh aborted, previous pool retained: %w", err)
		}
	}
	w.pool.Store(pool)
	log.WithField("nodes", pool.Len()).Info("node pool refreshed")

	if w.opts.DaemonConfigPath != "" {
		if err := w.opts.Backend.ReloadConfig(ctx); err != nil {
			// Pool already swapped; the changer reconciles once the
			// backend comes back.
			return fmt.Errorf("pool refreshed but backend reload failed: %w", err)
		}
	}
	return nil
}

// runChanger reconciles the filter policy against the backend: when the
// backend's active node is gone from the filtered pool (filtered out,
// renamed by the provider, or switched out-of-band to something stale),
// the evaluator's best pick is applied.
func (w *Watcher) runChanger(ctx context.Context) error {
	pool := w.Pool()
	if pool.Len() == 0 {
		return errors.New("no pool snapshot yet, nothing to reconcile")
	}

	w.switchMu.Lock()
	defer w.switchMu.Unlock()

	known, err := w.opts.Backend.ListProxies(ctx)
	if err != nil {
		return err
	}
	knownSet := make(map[string]bool, len(known))
	for _, name := range known {
		knownSet[name] = true
	}
	missing := 0
	for _, n := range pool.Nodes {
		if !knownSet[n.Name] {
			missing++
		}
	}
	if missing > 0 {
		log.WithFields(log.Fields{"missing": missing, "pool": pool.Len()}).
			Warn("pool nodes not yet known to backend, reload pending")
	}

	active, err := w.opts.Backend.GetActive(ctx)
	if err != nil {
		return err
	}
	if _, ok := pool.Lookup(active); ok {
		log.WithField("active", active).Debug("active node still within the filtered pool")
		return nil
	}

	best, err := w.opts.Evaluator.Best(pool, time.Now())
	if err != nil {
		return fmt.Errorf("active %q left the pool but no replacement qualifies: %w", active, err)
	}
	if !knownSet[best.Name] {
		return fmt.Errorf("%w: best pick %q not yet known to backend", backend.ErrUnknownNode, best.Name)
	}
	if err := w.opts.Backend.SetActive(ctx, best.Name); err != nil {
		return err
	}
	log.WithFields(log.Fields{"from": active, "to": best.Name}).Info("active node reconciled")
	return nil
}

// runChecker probes every pool node through the backend, records health,
// and applies the evaluator's decision. Probe results land on the shared
// nodes so a concurrent changer firing sees them too.
func (w *Watcher) runChecker(ctx context.Context) error {
	pool := w.Pool()
	if pool.Len() == 0 {
		return errors.New("no pool snapshot yet, nothing to check")
	}

	for _, n := range pool.Nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		delay, err := w.opts.Backend.ProbeDelay(ctx, n.Name, w.opts.ProbeTimeout)
		now := time.Now()
		if err != nil {
			if errors.Is(err, backend.ErrBackendUnavailable) {
				return err
			}
			n.RecordProbe(0, false, now)
			log.WithField("node", n.Name).WithError(err).Debug("probe negative")
			continue
		}
		n.RecordProbe(delay, true, now)
		log.WithFields(log.Fields{"node": n.Name, "delay_ms": delay}).Debug("probe ok")
	}

	w.switchMu.Lock()
	defer w.switchMu.Unlock()

	active, err := w.opts.Backend.GetActive(ctx)
	if err != nil {
		return err
	}
	target, err := w.opts.Evaluator.Decide(pool, active, time.Now())
	if err != nil {
		// NoHealthyNode: selection stays untouched, next cycle retries.
		return err
	}
	if target == "" {
		return nil
	}
	if err := w.opts.Backend.SetActive(ctx, target); err != nil {
		return err
	}
	log.WithFields(log.Fields{"from": active, "to": target}).Info("switched active node")

	if ip, err := w.opts.Backend.EgressIP(ctx); err == nil {
		log.WithField("egress", ip).Info("current egress address")
	}
	return nil
}
