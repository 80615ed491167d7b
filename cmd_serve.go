package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aquasecurity/nvd-match/refresh"
	"github.com/aquasecurity/nvd-match/scheduler"
)

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled refreshes until interrupted",
		Long: `Run scheduled refreshes until interrupted. Runs missed while the process
was down are caught up first; the next run times are kept in last_update.json
under the data directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := notifyContext(cmd.Context())
			defer stop()
			return a.serve(ctx)
		},
	}
}

func notifyContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// serve blocks until ctx is done, then waits for the running job.
func (a *app) serve(ctx context.Context) error {
	loc, err := a.cfg.Location()
	if err != nil {
		return err
	}

	store := scheduler.NewStateStore(a.fs, a.cfg.StatePath(), loc)
	s := scheduler.New(store,
		scheduler.WithLocation(loc),
		scheduler.WithClock(a.now),
		scheduler.WithLogger(a.logger),
		scheduler.WithListener(a.logExecution),
	)

	jobs := a.pipeline(nil).Jobs(
		refresh.Schedule{Spec: a.cfg.Schedule.Full, Grace: a.cfg.Schedule.FullGrace},
		refresh.Schedule{Spec: a.cfg.Schedule.Incremental, Grace: a.cfg.Schedule.IncrementalGrace},
	)
	for _, job := range jobs {
		if err = s.Add(job); err != nil {
			return err
		}
	}

	a.logger.WithField("zone", loc.String()).Info("Starting the refresh scheduler")
	if err = s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	a.logger.Info("Shutting down")
	s.Stop()
	return nil
}

func (a *app) logExecution(e scheduler.Execution) {
	log := a.logger.WithFields(logrus.Fields{
		"job":       e.JobID,
		"scheduled": e.Scheduled.Format("2006-01-02 15:04:05 -07:00"),
	})
	switch {
	case e.Skipped:
		log.Warn("Run skipped, misfire grace time exceeded")
	case e.Err != nil:
		log.WithError(e.Err).Error("Run failed")
	default:
		log.WithField("duration", a.now().Sub(e.Started).Round(time.Second)).Info("Run finished")
	}
}
