package main

import (
	"fmt"

	"github.com/cheggaaa/pb/v3"
	"github.com/spf13/cobra"

	"github.com/aquasecurity/nvd-match/feed"
)

func (a *app) fetchCmd() *cobra.Command {
	var rebuild bool
	cmd := &cobra.Command{
		Use:   "fetch [targets...]",
		Short: "Download and verify NVD feeds",
		Long: `Download and verify NVD feeds. Targets are years, "modified", "recent" and
"cpe"; without arguments every feed of a full refresh is downloaded. A feed
whose checksum does not match its manifest leaves the previous copy in place.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := a.parseTargets(args)
			if err != nil {
				return err
			}

			events := make(chan feed.Event, len(targets))
			done := make(chan struct{})
			go func() {
				defer close(done)
				showProgress(cmd, len(targets), events)
			}()
			defer func() {
				close(events)
				<-done
			}()

			if rebuild {
				return a.pipeline(events).Run(cmd.Context(), targets)
			}
			report := a.fetcher(events).Fetch(cmd.Context(), targets)
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d feeds refreshed\n", len(report.Succeeded), len(targets))
			return report.Err()
		},
	}
	cmd.Flags().BoolVar(&rebuild, "index", false, "rebuild the indexes of refreshed feeds and notify the hook")
	return cmd
}

func showProgress(cmd *cobra.Command, total int, events <-chan feed.Event) {
	bar := pb.New(total).SetWriter(cmd.ErrOrStderr()).Start()
	defer bar.Finish()
	for e := range events {
		switch e.Kind {
		case feed.Started:
			bar.Set("prefix", e.Target+" ")
		case feed.Finished, feed.Failed:
			bar.Increment()
		}
	}
}
