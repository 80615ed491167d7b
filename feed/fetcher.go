package feed

import (
	"bytes"
	"context"
	"io"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"

	"github.com/aquasecurity/nvd-match/utils"
)

type EventKind int

const (
	Started EventKind = iota
	Finished
	Failed
)

func (k EventKind) String() string {
	switch k {
	case Started:
		return "started"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Event reports the progress of one target. Index counts from 1 to Total.
type Event struct {
	Kind   EventKind
	Target string
	Index  int
	Total  int
	// Bytes is the decompressed size, set on Finished.
	Bytes int
	Err   error
}

// Report is the outcome of a Fetch call.
type Report struct {
	Succeeded []string
	Failed    map[string]error
}

// Err aggregates the per-target errors, or returns nil when every target succeeded.
func (r Report) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	targets := make([]string, 0, len(r.Failed))
	for t := range r.Failed {
		targets = append(targets, t)
	}
	sort.Strings(targets)

	var errs error
	for _, t := range targets {
		errs = multierror.Append(errs, xerrors.Errorf("%s: %w", t, r.Failed[t]))
	}
	return errs
}

type options struct {
	cveBaseURL string
	cpeBaseURL string
	retry      utils.RetryPolicy
	fs         afero.Fs
	events     chan<- Event
	logger     logrus.FieldLogger
}

type option func(*options)

func WithCVEBaseURL(url string) option {
	return func(opts *options) { opts.cveBaseURL = url }
}

func WithCPEBaseURL(url string) option {
	return func(opts *options) { opts.cpeBaseURL = url }
}

func WithRetryPolicy(p utils.RetryPolicy) option {
	return func(opts *options) { opts.retry = p }
}

func WithFs(fs afero.Fs) option {
	return func(opts *options) { opts.fs = fs }
}

// WithEvents publishes progress on ch. Sends block until received or the
// context of Fetch is done; the channel is never closed by the Fetcher.
func WithEvents(ch chan<- Event) option {
	return func(opts *options) { opts.events = ch }
}

func WithLogger(logger logrus.FieldLogger) option {
	return func(opts *options) { opts.logger = logger }
}

// Fetcher downloads NVD feeds into a data directory. It fetches one target at
// a time and is the only owner of the progress state.
type Fetcher struct {
	*options
	dataDir string
}

func NewFetcher(dataDir string, opts ...option) Fetcher {
	o := &options{
		cveBaseURL: DefaultCVEBaseURL,
		cpeBaseURL: DefaultCPEBaseURL,
		retry: utils.RetryPolicy{
			Retry:   5,
			Wait:    time.Second,
			MaxWait: time.Minute,
			Timeout: 10 * time.Minute,
		},
		fs:     afero.NewOsFs(),
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return Fetcher{options: o, dataDir: dataDir}
}

// URLs returns the gzip payload and manifest URLs of target.
func (f Fetcher) URLs(target string) (payload, meta string) {
	base := f.cveBaseURL
	if target == CPE {
		base = f.cpeBaseURL
	}
	prefix := base + "/" + feedName(target)
	return prefix + ".json.gz", prefix + ".meta"
}

// Path returns where target is materialized.
func (f Fetcher) Path(target string) string {
	return Path(f.dataDir, target)
}

// Fetch refreshes targets in order. A failing target does not stop the
// others; a canceled context does.
func (f Fetcher) Fetch(ctx context.Context, targets []string) Report {
	report := Report{Failed: map[string]error{}}
	for i, target := range targets {
		if err := ctx.Err(); err != nil {
			for _, t := range targets[i:] {
				report.Failed[t] = err
			}
			break
		}

		f.publish(ctx, Event{Kind: Started, Target: target, Index: i + 1, Total: len(targets)})
		n, err := f.FetchTarget(ctx, target)
		if err != nil {
			f.logger.WithField("target", target).WithError(err).Error("Feed refresh failed")
			report.Failed[target] = err
			f.publish(ctx, Event{Kind: Failed, Target: target, Index: i + 1, Total: len(targets), Err: err})
			continue
		}
		report.Succeeded = append(report.Succeeded, target)
		f.publish(ctx, Event{Kind: Finished, Target: target, Index: i + 1, Total: len(targets), Bytes: n})
	}
	return report
}

func (f Fetcher) publish(ctx context.Context, e Event) {
	if f.events == nil {
		return
	}
	select {
	case f.events <- e:
	case <-ctx.Done():
	}
}

// FetchTarget downloads, verifies and materializes one target. The file on
// disk is only replaced once the decompressed payload matches the manifest.
// It returns the size of the payload.
func (f Fetcher) FetchTarget(ctx context.Context, target string) (int, error) {
	log := f.logger.WithField("target", target)
	payloadURL, metaURL := f.URLs(target)

	meta, err := utils.FetchURL(ctx, metaURL, f.retry)
	if err != nil {
		return 0, xerrors.Errorf("failed to fetch the manifest: %w", err)
	}
	expected, err := ParseManifest(meta)
	if err != nil {
		log.Warn("Manifest has no sha256 line, skipping")
		return 0, err
	}

	compressed, err := utils.FetchURL(ctx, payloadURL, f.retry)
	if err != nil {
		return 0, xerrors.Errorf("failed to fetch the feed: %w", err)
	}
	payload, err := gunzip(compressed)
	if err != nil {
		return 0, xerrors.Errorf("failed to decompress %s: %w", payloadURL, err)
	}

	if actual := Digest(payload); actual != expected {
		log.WithFields(logrus.Fields{"expected": expected, "actual": actual}).Error("Checksum mismatch, keeping the existing feed")
		return 0, xerrors.Errorf("%s: %w", target, ErrChecksumMismatch)
	}

	path := f.Path(target)
	if err = utils.NewFs(f.fs).WriteFileAtomic(path, payload); err != nil {
		return 0, xerrors.Errorf("failed to save %s: %w", path, err)
	}
	log.WithField("bytes", len(payload)).Info("Feed updated")
	return len(payload), nil
}

func gunzip(b []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
