package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/cheggaaa/pb/v3"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/aquasecurity/nvd-match/cpe"
	"github.com/aquasecurity/nvd-match/cve"
	"github.com/aquasecurity/nvd-match/feed"
	"github.com/aquasecurity/nvd-match/index"
)

const descriptionWidth = 80

func (a *app) cveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cve",
		Short: "Build or query the CVE partitions",
	}
	cmd.AddCommand(a.cveIndexCmd(), a.cveSearchCmd())
	return cmd
}

func (a *app) cveIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "index [targets...]",
		Short: "Rebuild CVE partitions from the downloaded feeds",
		Long: `Rebuild CVE partitions from the downloaded feeds. Targets are years,
"modified" or "recent"; without arguments every downloaded feed is indexed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			buckets, err := a.parseTargets(args)
			if err != nil {
				return err
			}
			buckets = lo.Without(buckets, feed.CPE)
			if len(args) == 0 {
				buckets = lo.Filter(buckets, func(b string, _ int) bool {
					ok, _ := afero.Exists(a.fs, feed.Path(a.cfg.DataDir, b))
					return ok
				})
			}
			if len(buckets) == 0 {
				return xerrors.New("no CVE feed to index, run `nvd-match fetch` first")
			}

			indexer := a.cveIndexer()
			bar := pb.New(len(buckets)).SetWriter(cmd.ErrOrStderr()).Start()
			defer bar.Finish()
			var total int
			for _, bucket := range buckets {
				n, err := indexer.Build(cmd.Context(), bucket, feed.Path(a.cfg.DataDir, bucket))
				if err != nil {
					return err
				}
				total += n
				bar.Increment()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d records in %d partitions\n", total, len(buckets))
			return nil
		},
	}
}

func (a *app) cveSearchCmd() *cobra.Command {
	var identifier, version string
	cmd := &cobra.Command{
		Use:   "search",
		Short: "List the CVEs affecting a CPE identifier",
		Long: `List the CVEs affecting a CPE identifier. With --version the identifier is
treated as generalized and version ranges are evaluated; without it the
records listing the identifier itself are returned.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			searcher := cve.NewSearcher(a.cfg.CVEIndexRoot())

			var results []cve.Result
			var err error
			if version == "" {
				results, err = searcher.Search(cmd.Context(), identifier)
			} else {
				results, err = searcher.Vulnerabilities(cmd.Context(), cpe.WithVersion(identifier, "*"), version)
			}
			if errors.Is(err, index.ErrNotIndexed) {
				return xerrors.Errorf("run `nvd-match cve index` first: %w", err)
			} else if err != nil {
				return err
			}
			return printCVEs(cmd.OutOrStdout(), results)
		},
	}
	cmd.Flags().StringVar(&identifier, "cpe", "", "CPE 2.3 identifier")
	cmd.Flags().StringVar(&version, "version", "", "version of the product")
	_ = cmd.MarkFlagRequired("cpe")
	return cmd
}

func printCVEs(w io.Writer, results []cve.Result) error {
	if len(results) == 0 {
		_, err := fmt.Fprintln(w, "no vulnerability found")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CVE\tSEVERITY\tSCORE\tCWE\tSOURCE\tDESCRIPTION")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%.1f\t%s\t%s\t%s\n",
			r.ID, lo.Ternary(r.BaseSeverity == "", "-", r.BaseSeverity), r.BaseScore,
			lo.Ternary(r.CWE == "", "-", r.CWE), r.Bucket, truncate(r.Description, descriptionWidth))
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}

// parseTargets checks user supplied targets, defaulting to every target of a
// full refresh.
func (a *app) parseTargets(args []string) ([]string, error) {
	if len(args) == 0 {
		return feed.FullTargets(a.now()), nil
	}
	for _, t := range args {
		if !feed.Valid(t, a.now()) {
			return nil, xerrors.Errorf("unknown target %q", t)
		}
	}
	return lo.Uniq(args), nil
}
