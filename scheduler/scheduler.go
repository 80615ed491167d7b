// Package scheduler runs refresh jobs on cron schedules, one at a time, and
// catches up runs missed while the process was down.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"golang.org/x/xerrors"
)

// Job is a unit of scheduled work.
type Job struct {
	ID string
	// Spec is a standard five-field cron expression.
	Spec string
	// Grace is how late a queued run may start before it is skipped.
	Grace time.Duration
	// Subsumes lists jobs whose work is included in this one.
	Subsumes []string
	Run      func(ctx context.Context) error
}

// Execution describes one finished or skipped run.
type Execution struct {
	JobID     string
	Scheduled time.Time
	Started   time.Time
	Skipped   bool
	Err       error
}

type entry struct {
	Job
	schedule cron.Schedule
}

type run struct {
	e         *entry
	scheduled time.Time
}

type options struct {
	location *time.Location
	clock    func() time.Time
	logger   logrus.FieldLogger
	listener func(Execution)
}

type option func(*options)

// WithLocation sets the zone cron expressions are evaluated in.
func WithLocation(loc *time.Location) option {
	return func(opts *options) { opts.location = loc }
}

func WithClock(clock func() time.Time) option {
	return func(opts *options) { opts.clock = clock }
}

func WithLogger(logger logrus.FieldLogger) option {
	return func(opts *options) { opts.logger = logger }
}

// WithListener is called after every periodic execution or skipped run.
func WithListener(fn func(Execution)) option {
	return func(opts *options) { opts.listener = fn }
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseSpec validates a cron expression.
func ParseSpec(spec string) (cron.Schedule, error) {
	s, err := parser.Parse(spec)
	if err != nil {
		return nil, xerrors.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return s, nil
}

// Scheduler owns the job table, the worker lane and the persisted state.
type Scheduler struct {
	*options
	store *StateStore

	mu      sync.Mutex
	jobs    []*entry
	pending map[string]bool
	queue   chan run
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(store *StateStore, opts ...option) *Scheduler {
	o := &options{
		location: time.UTC,
		clock:    time.Now,
		logger:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return &Scheduler{
		options: o,
		store:   store,
		pending: map[string]bool{},
	}
}

// Add registers a job. Jobs must be added before Start.
func (s *Scheduler) Add(job Job) error {
	if job.ID == "" || job.Run == nil {
		return xerrors.New("job needs an id and a run function")
	}
	sched, err := ParseSpec(job.Spec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return xerrors.New("scheduler already started")
	}
	if lo.ContainsBy(s.jobs, func(e *entry) bool { return e.ID == job.ID }) {
		return xerrors.Errorf("duplicate job %q", job.ID)
	}
	s.jobs = append(s.jobs, &entry{Job: job, schedule: sched})
	return nil
}

func (s *Scheduler) now() time.Time {
	return s.clock().In(s.location)
}

// Start runs missed jobs synchronously, then arms the triggers and the worker.
// It returns once the periodic schedule is running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return xerrors.New("scheduler already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.queue = make(chan run, len(s.jobs))
	s.mu.Unlock()

	if err := s.catchUp(ctx); err != nil {
		cancel()
		return err
	}

	s.wg.Add(1)
	go s.work(ctx)
	for _, e := range s.jobs {
		s.wg.Add(1)
		go s.arm(ctx, e)
	}
	return nil
}

// Stop disarms the triggers and waits for the running job, if any.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

// catchUp runs every job whose persisted next run time has passed. Subsuming
// jobs go first so their runs can cover the jobs they subsume.
func (s *Scheduler) catchUp(ctx context.Context) error {
	state, err := s.store.Load()
	if err != nil {
		s.logger.WithError(err).Warn("Unable to load scheduler state, starting fresh")
		state = map[string]time.Time{}
	}

	ordered := slices.Clone(s.jobs)
	slices.SortStableFunc(ordered, func(a, b *entry) int {
		return len(b.Subsumes) - len(a.Subsumes)
	})

	now := s.now()
	next := map[string]time.Time{}
	covered := map[string]bool{}
	for _, e := range ordered {
		log := s.logger.WithField("job", e.ID)
		t, ok := state[e.ID]
		switch {
		case !ok:
			next[e.ID] = e.schedule.Next(now)
			continue
		case !t.Before(now):
			continue
		case covered[e.ID] || s.inSubsumingHour(e.ID, now):
			log.Info("Missed run is covered by a subsuming job")
			next[e.ID] = e.schedule.Next(now)
			continue
		}

		log.WithField("missed", t).Info("Running missed job")
		if err = e.Run(ctx); err != nil {
			log.WithError(err).Error("Catch-up run failed")
		}
		if err = ctx.Err(); err != nil {
			return err
		}

		now = s.now()
		next[e.ID] = e.schedule.Next(now)
		for _, id := range e.Subsumes {
			if sub, ok := s.entry(id); ok {
				covered[id] = true
				next[id] = sub.schedule.Next(now)
			}
		}
	}

	if len(next) == 0 {
		return nil
	}
	if err = s.store.SetAll(next); err != nil {
		return xerrors.Errorf("failed to persist next run times: %w", err)
	}
	return nil
}

// inSubsumingHour reports whether a job subsuming id is scheduled within the
// hour of now.
func (s *Scheduler) inSubsumingHour(id string, now time.Time) bool {
	hour := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, now.Location())
	for _, e := range s.jobs {
		if !slices.Contains(e.Subsumes, id) {
			continue
		}
		if e.schedule.Next(hour.Add(-time.Nanosecond)).Before(hour.Add(time.Hour)) {
			return true
		}
	}
	return false
}

func (s *Scheduler) entry(id string) (*entry, bool) {
	return lo.Find(s.jobs, func(e *entry) bool { return e.ID == id })
}

// arm fires the job at every occurrence of its schedule until ctx is done.
func (s *Scheduler) arm(ctx context.Context, e *entry) {
	defer s.wg.Done()
	for {
		next := e.schedule.Next(s.now())
		timer := time.NewTimer(next.Sub(s.clock()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.trigger(e, next)
		}
	}
}

// trigger queues a run of e unless one is already pending or running.
func (s *Scheduler) trigger(e *entry, scheduled time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[e.ID] {
		s.logger.WithField("job", e.ID).Info("Job is already queued or running, coalescing")
		return false
	}
	s.pending[e.ID] = true
	s.queue <- run{e: e, scheduled: scheduled}
	return true
}

// work is the single lane jobs run on.
func (s *Scheduler) work(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-s.queue:
			if ctx.Err() != nil {
				return
			}
			s.execute(ctx, r)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, r run) {
	log := s.logger.WithFields(logrus.Fields{"job": r.e.ID, "scheduled": r.scheduled})
	exec := Execution{JobID: r.e.ID, Scheduled: r.scheduled, Started: s.now()}

	if r.e.Grace > 0 && exec.Started.After(r.scheduled.Add(r.e.Grace)) {
		log.Warn("Run missed its grace period, skipping")
		exec.Skipped = true
	} else {
		log.Info("Running job")
		if exec.Err = r.e.Run(ctx); exec.Err != nil {
			log.WithError(exec.Err).Error("Job failed")
		}
	}

	if err := s.store.Set(r.e.ID, r.e.schedule.Next(s.now())); err != nil {
		log.WithError(err).Error("Unable to persist the next run time")
	}

	s.mu.Lock()
	s.pending[r.e.ID] = false
	s.mu.Unlock()

	if s.listener != nil {
		s.listener(exec)
	}
}
