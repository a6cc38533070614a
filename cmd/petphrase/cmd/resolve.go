package cmd

import (
	"time"

	"github.com/spf13/cobra"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Show which contacts and tables an analysis would cover",
	Long: `Resolve the configured targets to contacts, then check which of their
message tables exist in the archive. Nothing is searched or written.

Accepts the same --target and --mode overrides as analyze.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		applyAnalyzeFlags(cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx := cmd.Context()
		s, err := openSession(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer s.Close()

		p, err := s.pipeline(cfg, time.Now())
		if err != nil {
			return err
		}
		res, err := p.WithLogger(logger).Resolve(ctx)
		if err != nil {
			return err
		}
		newPrinter(cmd.OutOrStdout()).Resolution(res)
		return nil
	},
}

func init() {
	resolveCmd.Flags().StringArrayVarP(&analyzeTargets, "target", "t", nil, "target contact remark or nickname (repeatable)")
	resolveCmd.Flags().StringVar(&analyzeMode, "mode", "", "analysis mode: self_all, self_to_target, target_to_self")
	rootCmd.AddCommand(resolveCmd)
}
