package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/wesm/petphrase/internal/analyzer"
	"github.com/wesm/petphrase/internal/export"
)

var (
	showDimension string
	showMatches   bool
)

var showCmd = &cobra.Command{
	Use:   "show <report-file>",
	Short: "Print the summary of a written report",
	Long: `Read a report written by analyze (JSON or YAML, by extension) and print
its summary. Period buckets default to the configured time dimension.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := export.ReadReport(args[0])
		if err != nil {
			return err
		}

		dimName := cfg.Time.Dimension
		if showDimension != "" {
			dimName = showDimension
		}
		dim, err := analyzer.ParseDimension(dimName)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Written %s\n\n", humanize.Time(report.FinishedAt))
		pr := newPrinter(w)
		pr.Report(report, dim)
		if showMatches {
			pr.Matches(report)
		}
		return nil
	},
}

func init() {
	showCmd.Flags().StringVar(&showDimension, "by", "", "period bucket: day, week or month")
	showCmd.Flags().BoolVar(&showMatches, "matches", false, "also print every match with its context")
	rootCmd.AddCommand(showCmd)
}
