package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/cheggaaa/pb/v3"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/aquasecurity/nvd-match/cpe"
	"github.com/aquasecurity/nvd-match/feed"
	"github.com/aquasecurity/nvd-match/index"
)

func (a *app) cpeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cpe",
		Short: "Build or query the CPE identifier index",
	}
	cmd.AddCommand(a.cpeIndexCmd(), a.cpeSearchCmd())
	return cmd
}

func (a *app) cpeIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Rebuild the CPE index from the downloaded match feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			bar := pb.New(0).SetWriter(cmd.ErrOrStderr()).Start()
			stats, err := a.cpeIndexer(func(n int) { bar.SetCurrent(int64(n)) }).
				Build(cmd.Context(), feed.Path(a.cfg.DataDir, feed.CPE))
			bar.Finish()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d of %d entries\n", stats.Indexed, stats.Entries)
			return nil
		},
	}
}

func (a *app) cpeSearchCmd() *cobra.Command {
	var product, version string
	var limit int
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Find CPE identifiers for a product name and version",
		Long: `Find CPE identifiers for a product name and version. The queries accept
OR, NOT, parentheses and trailing * prefixes. Without --product the command
asks for both values.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("product") {
				var err error
				if product, version, err = prompt(cmd.InOrStdin(), cmd.OutOrStdout()); err != nil {
					return err
				}
			}
			results, err := cpe.NewSearcher(a.cfg.CPEIndexDir()).
				Search(cmd.Context(), cpe.NormalizeInput(product), strings.TrimSpace(version), limit)
			if errors.Is(err, index.ErrNotIndexed) {
				return xerrors.Errorf("run `nvd-match cpe index` first: %w", err)
			} else if err != nil {
				return err
			}
			return printCPEs(cmd.OutOrStdout(), results)
		},
	}
	cmd.Flags().StringVarP(&product, "product", "p", "", "product name query")
	cmd.Flags().StringVarP(&version, "version", "v", "", "version query")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum number of results")
	return cmd
}

func prompt(r io.Reader, w io.Writer) (product, version string, err error) {
	scanner := bufio.NewScanner(r)
	ask := func(label string) string {
		fmt.Fprintf(w, "%s: ", label)
		if scanner.Scan() {
			return strings.TrimSpace(scanner.Text())
		}
		return ""
	}
	product = ask("Product")
	version = ask("Version")
	if err = scanner.Err(); err != nil {
		return "", "", xerrors.Errorf("failed to read input: %w", err)
	}
	return product, version, nil
}

func printCPEs(w io.Writer, results []cpe.Result) error {
	if len(results) == 0 {
		_, err := fmt.Fprintln(w, "no matching identifier")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCORE\tCPE")
	for _, r := range results {
		fmt.Fprintf(tw, "%.3f\t%s\n", r.Score, r.CPE)
	}
	return tw.Flush()
}
