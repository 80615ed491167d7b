// Package refresh ties fetching, index rebuilds and the downstream hook into
// the full and incremental refresh cycles.
package refresh

import (
	"context"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/aquasecurity/nvd-match/cpe"
	"github.com/aquasecurity/nvd-match/feed"
	"github.com/aquasecurity/nvd-match/scheduler"
)

const (
	FullJob        = "complete_update"
	IncrementalJob = "modified_recent_update"
)

type Fetcher interface {
	Fetch(ctx context.Context, targets []string) feed.Report
	Path(target string) string
}

type CVEIndexer interface {
	Build(ctx context.Context, bucket, feedPath string) (int, error)
}

type CPEIndexer interface {
	Build(ctx context.Context, feedPath string) (cpe.Stats, error)
}

type options struct {
	hook   Hook
	clock  func() time.Time
	logger logrus.FieldLogger
}

type option func(*options)

func WithHook(hook Hook) option {
	return func(opts *options) { opts.hook = hook }
}

func WithClock(clock func() time.Time) option {
	return func(opts *options) { opts.clock = clock }
}

func WithLogger(logger logrus.FieldLogger) option {
	return func(opts *options) { opts.logger = logger }
}

type Pipeline struct {
	*options
	fetcher Fetcher
	cves    CVEIndexer
	cpes    CPEIndexer
}

func New(fetcher Fetcher, cves CVEIndexer, cpes CPEIndexer, opts ...option) *Pipeline {
	o := &options{
		hook:   NopHook{},
		clock:  time.Now,
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return &Pipeline{options: o, fetcher: fetcher, cves: cves, cpes: cpes}
}

// Full refreshes every yearly feed, the incremental feeds and the CPE feed.
func (p *Pipeline) Full(ctx context.Context) error {
	return p.Run(ctx, feed.FullTargets(p.clock()))
}

// Incremental refreshes the modified and recent feeds.
func (p *Pipeline) Incremental(ctx context.Context) error {
	return p.Run(ctx, feed.IncrementalTargets())
}

// Run fetches targets, rebuilds the indexes of those that were refreshed and
// calls the hook. Targets that fail to download are logged and left as they
// were; the cycle only fails when none succeeds or a rebuild fails, and then
// the hook is not called.
func (p *Pipeline) Run(ctx context.Context, targets []string) error {
	start := p.clock()
	report := p.fetcher.Fetch(ctx, targets)
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(report.Succeeded) == 0 {
		return xerrors.Errorf("no feed could be refreshed: %w", report.Err())
	}
	if err := report.Err(); err != nil {
		p.logger.WithError(err).Warnf("%d of %d feeds failed", len(report.Failed), len(targets))
	}

	if err := p.Index(ctx, report.Succeeded); err != nil {
		return err
	}
	if err := p.hook.Reevaluate(ctx); err != nil {
		return xerrors.Errorf("failed to re-evaluate targets: %w", err)
	}
	p.logger.WithFields(logrus.Fields{
		"targets":  len(report.Succeeded),
		"duration": p.clock().Sub(start).Round(time.Second),
	}).Info("Refresh finished")
	return nil
}

// Index rebuilds the indexes of targets from the feed files already on disk.
func (p *Pipeline) Index(ctx context.Context, targets []string) error {
	buckets := lo.Without(targets, feed.CPE)
	for _, bucket := range buckets {
		if _, err := p.cves.Build(ctx, bucket, p.fetcher.Path(bucket)); err != nil {
			return xerrors.Errorf("failed to rebuild the %s partition: %w", bucket, err)
		}
	}
	if lo.Contains(targets, feed.CPE) {
		if _, err := p.cpes.Build(ctx, p.fetcher.Path(feed.CPE)); err != nil {
			return xerrors.Errorf("failed to rebuild the CPE index: %w", err)
		}
	}
	return nil
}

// Schedule is when a refresh cycle runs and how late it may start.
type Schedule struct {
	Spec  string
	Grace time.Duration
}

// Jobs returns the scheduler jobs of both cycles. The full cycle subsumes the
// incremental one.
func (p *Pipeline) Jobs(full, incremental Schedule) []scheduler.Job {
	return []scheduler.Job{
		{
			ID:       FullJob,
			Spec:     full.Spec,
			Grace:    full.Grace,
			Subsumes: []string{IncrementalJob},
			Run:      p.Full,
		},
		{
			ID:    IncrementalJob,
			Spec:  incremental.Spec,
			Grace: incremental.Grace,
			Run:   p.Incremental,
		},
	}
}
