package main

import (
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/aquasecurity/nvd-match/config"
	"github.com/aquasecurity/nvd-match/cpe"
	"github.com/aquasecurity/nvd-match/cve"
	"github.com/aquasecurity/nvd-match/feed"
	"github.com/aquasecurity/nvd-match/logging"
	"github.com/aquasecurity/nvd-match/refresh"
)

// app carries what every subcommand needs once the configuration is loaded.
type app struct {
	configPath string

	cfg    config.Config
	logger *logrus.Logger
	closer io.Closer

	// fs and now are replaced in tests.
	fs  afero.Fs
	now func() time.Time
}

func main() {
	a := &app{fs: afero.NewOsFs(), now: time.Now}
	if err := a.rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func (a *app) rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nvd-match",
		Short: "Match software identifiers against the NVD vulnerability feeds",
		Long: `nvd-match keeps a local mirror of the NVD CVE and CPE match feeds,
indexes them and answers two questions: which CPE identifiers look like a
product name and version, and which CVEs affect a given identifier.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.ErrOrStderr())
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a.closer == nil {
				return nil
			}
			return a.closer.Close()
		},
	}
	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to a YAML config file")
	cmd.AddCommand(a.cpeCmd(), a.cveCmd(), a.fetchCmd(), a.serveCmd())
	return cmd
}

func (a *app) setup(stderr io.Writer) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if err = cfg.Validate(); err != nil {
		return xerrors.Errorf("invalid config: %w", err)
	}
	logger, closer, err := logging.New(cfg.Log, stderr)
	if err != nil {
		return err
	}
	a.cfg, a.logger, a.closer = cfg, logger, closer
	return nil
}

func (a *app) fetcher(events chan<- feed.Event) feed.Fetcher {
	return feed.NewFetcher(a.cfg.DataDir,
		feed.WithCVEBaseURL(a.cfg.Feeds.CVEBaseURL),
		feed.WithCPEBaseURL(a.cfg.Feeds.CPEBaseURL),
		feed.WithRetryPolicy(a.cfg.RetryPolicy()),
		feed.WithFs(a.fs),
		feed.WithEvents(events),
		feed.WithLogger(a.logger),
	)
}

func (a *app) cveIndexer() cve.Indexer {
	return cve.NewIndexer(a.cfg.CVEIndexRoot(), cve.WithLogger(a.logger))
}

func (a *app) cpeIndexer(progress func(n int)) cpe.Indexer {
	return cpe.NewIndexer(a.cfg.CPEIndexDir(), cpe.WithLogger(a.logger), cpe.WithProgress(progress))
}

func (a *app) pipeline(events chan<- feed.Event) *refresh.Pipeline {
	var hook refresh.Hook = refresh.NopHook{}
	if a.cfg.Hook.URL != "" {
		hook = refresh.NewWebhookHook(a.cfg.Hook.URL, a.cfg.Hook.Timeout)
	}
	return refresh.New(a.fetcher(events), a.cveIndexer(), a.cpeIndexer(nil),
		refresh.WithHook(hook),
		refresh.WithClock(a.now),
		refresh.WithLogger(a.logger),
	)
}
