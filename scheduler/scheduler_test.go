package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	statePath       = "/data/last_update.json"
	fullSpec        = "0 2 * * *"
	incrementalSpec = "0 0,4,6,8,10,12,14,16,18,20,22 * * *"
)

var utc7 = time.FixedZone("UTC+07:00", 7*60*60)

func at(hour, minute int) time.Time {
	return time.Date(2024, 3, 10, hour, minute, 0, 0, utc7)
}

type counters struct {
	full        int32
	incremental int32
}

func newTestScheduler(t *testing.T, fs afero.Fs, now time.Time, c *counters, opts ...option) *Scheduler {
	t.Helper()
	opts = append([]option{WithLocation(utc7), WithClock(func() time.Time { return now })}, opts...)
	s := New(NewStateStore(fs, statePath, utc7), opts...)
	require.NoError(t, s.Add(Job{
		ID:    "incremental",
		Spec:  incrementalSpec,
		Grace: 2*time.Hour - time.Second,
		Run: func(context.Context) error {
			atomic.AddInt32(&c.incremental, 1)
			return nil
		},
	}))
	require.NoError(t, s.Add(Job{
		ID:       "full",
		Spec:     fullSpec,
		Grace:    24*time.Hour - time.Minute,
		Subsumes: []string{"incremental"},
		Run: func(context.Context) error {
			atomic.AddInt32(&c.full, 1)
			return nil
		},
	}))
	return s
}

func TestScheduler_CatchUp(t *testing.T) {
	tests := []struct {
		name            string
		now             time.Time
		state           string
		wantFull        int32
		wantIncremental int32
		wantState       string
	}{
		{
			name:      "missed full refresh runs once",
			now:       at(9, 30),
			state:     `{"full": "2024-03-09T02:00:00+07:00", "incremental": "2024-03-10T10:00:00+07:00"}`,
			wantFull:  1,
			wantState: `{"full":"2024-03-11T02:00:00+07:00","incremental":"2024-03-10T10:00:00+07:00"}`,
		},
		{
			name:      "full refresh covers a missed incremental one",
			now:       at(9, 30),
			state:     `{"full": "2024-03-09T02:00:00+07:00", "incremental": "2024-03-10T08:00:00+07:00"}`,
			wantFull:  1,
			wantState: `{"full":"2024-03-11T02:00:00+07:00","incremental":"2024-03-10T10:00:00+07:00"}`,
		},
		{
			name:            "missed incremental refresh",
			now:             at(9, 30),
			state:           `{"full": "2024-03-11T02:00:00+07:00", "incremental": "2024-03-10T08:00:00+07:00"}`,
			wantIncremental: 1,
			wantState:       `{"full":"2024-03-11T02:00:00+07:00","incremental":"2024-03-10T10:00:00+07:00"}`,
		},
		{
			name:      "incremental catch-up is skipped in the full refresh hour",
			now:       at(2, 30),
			state:     `{"full": "2024-03-11T02:00:00+07:00", "incremental": "2024-03-10T00:00:00+07:00"}`,
			wantState: `{"full":"2024-03-11T02:00:00+07:00","incremental":"2024-03-10T04:00:00+07:00"}`,
		},
		{
			name:      "no state",
			now:       at(1, 0),
			wantState: `{"full":"2024-03-10T02:00:00+07:00","incremental":"2024-03-10T04:00:00+07:00"}`,
		},
		{
			name:      "nothing missed",
			now:       at(9, 30),
			state:     `{"full": "2024-03-11T02:00:00+07:00", "incremental": "2024-03-10T10:00:00+07:00"}`,
			wantState: `{"full": "2024-03-11T02:00:00+07:00", "incremental": "2024-03-10T10:00:00+07:00"}`,
		},
		{
			name:      "non RFC 3339 timestamp",
			now:       at(9, 30),
			state:     `{"full": "2024-03-09 02:00:00", "incremental": "2024-03-10T10:00:00+07:00"}`,
			wantFull:  1,
			wantState: `{"full":"2024-03-11T02:00:00+07:00","incremental":"2024-03-10T10:00:00+07:00"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			if tt.state != "" {
				require.NoError(t, afero.WriteFile(fs, statePath, []byte(tt.state), 0600))
			}
			var c counters
			s := newTestScheduler(t, fs, tt.now, &c)

			require.NoError(t, s.Start(context.Background()))
			// catch-up is synchronous
			assert.Equal(t, tt.wantFull, atomic.LoadInt32(&c.full))
			assert.Equal(t, tt.wantIncremental, atomic.LoadInt32(&c.incremental))
			s.Stop()

			b, err := afero.ReadFile(fs, statePath)
			require.NoError(t, err)
			assert.JSONEq(t, tt.wantState, string(b))
		})
	}
}

func TestScheduler_StartTwice(t *testing.T) {
	var c counters
	s := newTestScheduler(t, afero.NewMemMapFs(), at(1, 0), &c)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Error(t, s.Start(context.Background()))
	assert.Error(t, s.Add(Job{ID: "late", Spec: fullSpec, Run: func(context.Context) error { return nil }}))
}

func TestScheduler_Add(t *testing.T) {
	s := New(NewStateStore(afero.NewMemMapFs(), statePath, nil))
	noop := func(context.Context) error { return nil }

	assert.NoError(t, s.Add(Job{ID: "a", Spec: "*/5 * * * *", Run: noop}))
	assert.Error(t, s.Add(Job{ID: "a", Spec: "*/5 * * * *", Run: noop}), "duplicate")
	assert.Error(t, s.Add(Job{ID: "b", Spec: "every day", Run: noop}), "bad spec")
	assert.Error(t, s.Add(Job{ID: "c", Spec: "0 2 * * * *", Run: noop}), "seconds are not supported")
	assert.Error(t, s.Add(Job{Spec: fullSpec, Run: noop}), "missing id")
	assert.Error(t, s.Add(Job{ID: "d", Spec: fullSpec}), "missing run")
}

// startWorker runs only the lane, so tests can trigger runs by hand.
func startWorker(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.queue = make(chan run, len(s.jobs))
	s.wg.Add(1)
	go s.work(ctx)
	t.Cleanup(s.Stop)
}

func TestScheduler_Coalesce(t *testing.T) {
	fs := afero.NewMemMapFs()
	now := at(10, 0)
	executions := make(chan Execution, 10)
	started := make(chan string, 10)
	release := make(chan struct{})

	s := New(NewStateStore(fs, statePath, utc7),
		WithLocation(utc7),
		WithClock(func() time.Time { return now }),
		WithListener(func(e Execution) { executions <- e }),
	)
	for _, id := range []string{"a", "b"} {
		id := id
		require.NoError(t, s.Add(Job{ID: id, Spec: incrementalSpec, Run: func(context.Context) error {
			started <- id
			<-release
			return nil
		}}))
	}
	startWorker(t, s)
	a, b := s.jobs[0], s.jobs[1]

	require.True(t, s.trigger(a, now))
	assert.Equal(t, "a", <-started)
	assert.False(t, s.trigger(a, now), "a is running")
	assert.True(t, s.trigger(b, now))
	assert.False(t, s.trigger(b, now), "b is queued")

	close(release)
	assert.Equal(t, "a", (<-executions).JobID)
	assert.Equal(t, "b", <-started)
	assert.Equal(t, "b", (<-executions).JobID)

	assert.True(t, s.trigger(a, now), "a can run again")
	assert.Equal(t, "a", <-started)
	assert.Equal(t, "a", (<-executions).JobID)
}

func TestScheduler_Misfire(t *testing.T) {
	fs := afero.NewMemMapFs()
	now := at(12, 30)
	executions := make(chan Execution, 10)
	var runs int32

	s := New(NewStateStore(fs, statePath, utc7),
		WithLocation(utc7),
		WithClock(func() time.Time { return now }),
		WithListener(func(e Execution) { executions <- e }),
	)
	require.NoError(t, s.Add(Job{
		ID:    "incremental",
		Spec:  incrementalSpec,
		Grace: 2*time.Hour - time.Second,
		Run: func(context.Context) error {
			atomic.AddInt32(&runs, 1)
			return errors.New("feed unavailable")
		},
	}))
	startWorker(t, s)
	e := s.jobs[0]

	s.trigger(e, at(10, 0))
	exec := <-executions
	assert.True(t, exec.Skipped)
	assert.Zero(t, atomic.LoadInt32(&runs))

	s.trigger(e, at(12, 0))
	exec = <-executions
	assert.False(t, exec.Skipped)
	assert.EqualError(t, exec.Err, "feed unavailable")
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))

	state, err := s.store.Load()
	require.NoError(t, err)
	assert.True(t, at(14, 0).Equal(state["incremental"]), state["incremental"])
}

func TestScheduler_ArmedTrigger(t *testing.T) {
	fs := afero.NewMemMapFs()
	base := time.Date(2024, 3, 10, 10, 0, 59, 900*int(time.Millisecond), utc7)
	started := time.Now()
	clock := func() time.Time { return base.Add(time.Since(started)) }
	executions := make(chan Execution, 10)
	var runs int32

	s := New(NewStateStore(fs, statePath, utc7),
		WithLocation(utc7),
		WithClock(clock),
		WithListener(func(e Execution) { executions <- e }),
	)
	require.NoError(t, s.Add(Job{
		ID:   "minutely",
		Spec: "* * * * *",
		Run: func(context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		},
	}))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	assert.Zero(t, atomic.LoadInt32(&runs), "nothing to catch up")

	select {
	case exec := <-executions:
		assert.Equal(t, "minutely", exec.JobID)
		assert.True(t, at(10, 1).Equal(exec.Scheduled), exec.Scheduled)
		assert.False(t, exec.Skipped)
		assert.NoError(t, exec.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("the armed timer never fired")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))

	state, err := s.store.Load()
	require.NoError(t, err)
	assert.True(t, at(10, 2).Equal(state["minutely"]), state["minutely"])
}
