package refresh_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aquasecurity/nvd-match/cpe"
	"github.com/aquasecurity/nvd-match/feed"
	"github.com/aquasecurity/nvd-match/refresh"
)

type fakeFetcher struct {
	failed    map[string]error
	requested []string
}

func (f *fakeFetcher) Fetch(_ context.Context, targets []string) feed.Report {
	f.requested = targets
	r := feed.Report{Failed: map[string]error{}}
	for _, t := range targets {
		if err, ok := f.failed[t]; ok {
			r.Failed[t] = err
			continue
		}
		r.Succeeded = append(r.Succeeded, t)
	}
	return r
}

func (f *fakeFetcher) Path(target string) string {
	return "/feeds/" + target + ".json"
}

type fakeCVEIndexer struct {
	built []string
	err   error
}

func (i *fakeCVEIndexer) Build(_ context.Context, bucket, feedPath string) (int, error) {
	if i.err != nil {
		return 0, i.err
	}
	i.built = append(i.built, bucket+"="+feedPath)
	return 1, nil
}

type fakeCPEIndexer struct {
	built []string
}

func (i *fakeCPEIndexer) Build(_ context.Context, feedPath string) (cpe.Stats, error) {
	i.built = append(i.built, feedPath)
	return cpe.Stats{}, nil
}

type countingHook struct {
	calls int
}

func (h *countingHook) Reevaluate(context.Context) error {
	h.calls++
	return nil
}

func fixedClock() time.Time {
	return time.Date(2004, 5, 1, 2, 0, 0, 0, time.UTC)
}

func TestPipeline_Full(t *testing.T) {
	fetcher := &fakeFetcher{failed: map[string]error{"2003": feed.ErrChecksumMismatch}}
	cves := &fakeCVEIndexer{}
	cpes := &fakeCPEIndexer{}
	hook := &countingHook{}

	p := refresh.New(fetcher, cves, cpes, refresh.WithHook(hook), refresh.WithClock(fixedClock))
	require.NoError(t, p.Full(context.Background()))

	assert.Equal(t, []string{"2002", "2003", "2004", "modified", "recent", "cpe"}, fetcher.requested)
	assert.Equal(t, []string{
		"2002=/feeds/2002.json",
		"2004=/feeds/2004.json",
		"modified=/feeds/modified.json",
		"recent=/feeds/recent.json",
	}, cves.built)
	assert.Equal(t, []string{"/feeds/cpe.json"}, cpes.built)
	assert.Equal(t, 1, hook.calls)
}

func TestPipeline_Incremental(t *testing.T) {
	fetcher := &fakeFetcher{}
	cves := &fakeCVEIndexer{}
	cpes := &fakeCPEIndexer{}
	hook := &countingHook{}

	p := refresh.New(fetcher, cves, cpes, refresh.WithHook(hook))
	require.NoError(t, p.Incremental(context.Background()))

	assert.Equal(t, []string{"modified", "recent"}, fetcher.requested)
	assert.Equal(t, []string{"modified=/feeds/modified.json", "recent=/feeds/recent.json"}, cves.built)
	assert.Empty(t, cpes.built)
	assert.Equal(t, 1, hook.calls)
}

func TestPipeline_Failures(t *testing.T) {
	t.Run("nothing refreshed", func(t *testing.T) {
		fetcher := &fakeFetcher{failed: map[string]error{
			"modified": errors.New("status code: 503"),
			"recent":   errors.New("status code: 503"),
		}}
		cves := &fakeCVEIndexer{}
		hook := &countingHook{}

		p := refresh.New(fetcher, cves, &fakeCPEIndexer{}, refresh.WithHook(hook))
		err := p.Incremental(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no feed could be refreshed")
		assert.Empty(t, cves.built)
		assert.Zero(t, hook.calls)
	})

	t.Run("rebuild fails", func(t *testing.T) {
		hook := &countingHook{}
		p := refresh.New(&fakeFetcher{}, &fakeCVEIndexer{err: errors.New("disk full")}, &fakeCPEIndexer{}, refresh.WithHook(hook))
		err := p.Incremental(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disk full")
		assert.Zero(t, hook.calls)
	})

	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		hook := &countingHook{}
		p := refresh.New(&fakeFetcher{}, &fakeCVEIndexer{}, &fakeCPEIndexer{}, refresh.WithHook(hook))
		assert.ErrorIs(t, p.Incremental(ctx), context.Canceled)
		assert.Zero(t, hook.calls)
	})
}

func TestPipeline_Jobs(t *testing.T) {
	p := refresh.New(&fakeFetcher{}, &fakeCVEIndexer{}, &fakeCPEIndexer{})
	jobs := p.Jobs(
		refresh.Schedule{Spec: "0 2 * * *", Grace: time.Hour},
		refresh.Schedule{Spec: "0 */4 * * *", Grace: time.Minute},
	)
	require.Len(t, jobs, 2)
	assert.Equal(t, refresh.FullJob, jobs[0].ID)
	assert.Equal(t, []string{refresh.IncrementalJob}, jobs[0].Subsumes)
	assert.Equal(t, refresh.IncrementalJob, jobs[1].ID)
	assert.Equal(t, time.Minute, jobs[1].Grace)
}

func TestWebhookHook(t *testing.T) {
	var got map[string]interface{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	require.NoError(t, refresh.NewWebhookHook(ts.URL, time.Second).Reevaluate(context.Background()))
	assert.Equal(t, "reevaluate", got["event"])

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()

	err := refresh.NewWebhookHook(failing.URL, time.Second).Reevaluate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status code: 502")
}
