package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/wesm/petphrase/internal/analyzer"
	"github.com/wesm/petphrase/internal/config"
	"github.com/wesm/petphrase/internal/export"
)

var (
	analyzeTargets     []string
	analyzeMode        string
	analyzePhrases     []string
	analyzeFormat      string
	analyzeNoWrite     bool
	analyzeShowMatches bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run a full pet phrase analysis",
	Long: `Run a full analysis: resolve the target contacts, find every message that
contains a configured phrase in the selected time window, attach the
surrounding messages, and write the result to a report file.

Flags override the matching config.toml settings for this run only.

Examples:
  petphrase analyze
  petphrase analyze --mode target_to_self --target Alice --target Bob
  petphrase analyze --phrase 哈哈 --phrase 好的 --format yaml
  petphrase analyze --no-write --matches`,
	RunE: func(cmd *cobra.Command, args []string) error {
		applyAnalyzeFlags(cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}
		_, err := runAnalysis(cmd.Context(), cfg, logger, cmd.OutOrStdout(), analysisOutput{
			write:       !analyzeNoWrite,
			showMatches: analyzeShowMatches,
		})
		return err
	},
}

// applyAnalyzeFlags copies explicitly set flags over the loaded config.
func applyAnalyzeFlags(c *config.Config) {
	if len(analyzeTargets) > 0 {
		c.Mode.Targets = analyzeTargets
	}
	if analyzeMode != "" {
		c.Mode.Type = analyzeMode
	}
	if len(analyzePhrases) > 0 {
		c.Phrases.List = analyzePhrases
	}
	if analyzeFormat != "" {
		c.Output.Format = analyzeFormat
	}
}

type analysisOutput struct {
	write       bool
	showMatches bool
}

// runAnalysis opens the archive, runs one pipeline and prints its summary.
// It returns the path of the written report, or "" when nothing was written.
func runAnalysis(ctx context.Context, c *config.Config, logger *slog.Logger, w io.Writer, out analysisOutput) (string, error) {
	s, err := openSession(ctx, c, logger)
	if err != nil {
		return "", err
	}
	defer s.Close()

	p, err := s.pipeline(c, time.Now())
	if err != nil {
		return "", err
	}
	report, err := p.WithLogger(logger).Run(ctx)
	if err != nil {
		return "", fmt.Errorf("analysis failed: %w", err)
	}

	dim, err := analyzer.ParseDimension(c.Time.Dimension)
	if err != nil {
		return "", err
	}
	pr := newPrinter(w)
	pr.Report(report, dim)
	if out.showMatches {
		pr.Matches(report)
	}

	if !out.write {
		return "", nil
	}
	format, err := export.ParseFormat(c.Output.Format)
	if err != nil {
		return "", err
	}
	path, err := export.WriteReport(c.Output.Dir, report, format)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(w, "\nReport written to %s\n", path)
	logger.Debug("report written", "path", path, "run_id", report.RunID)
	return path, nil
}

func init() {
	analyzeCmd.Flags().StringArrayVarP(&analyzeTargets, "target", "t", nil, "target contact remark or nickname (repeatable)")
	analyzeCmd.Flags().StringVar(&analyzeMode, "mode", "", "analysis mode: self_all, self_to_target, target_to_self")
	analyzeCmd.Flags().StringArrayVarP(&analyzePhrases, "phrase", "p", nil, "phrase to look for (repeatable)")
	analyzeCmd.Flags().StringVar(&analyzeFormat, "format", "", "report format: json or yaml")
	analyzeCmd.Flags().BoolVar(&analyzeNoWrite, "no-write", false, "print the summary without writing a report file")
	analyzeCmd.Flags().BoolVar(&analyzeShowMatches, "matches", false, "also print every match with its context")
	rootCmd.AddCommand(analyzeCmd)
}
