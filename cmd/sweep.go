package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/product-search-gateway/internal/artifact"
	"github.com/JakeFAU/product-search-gateway/internal/logging"
)

func newSweepCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove stale result artifacts",
		Long: `Deletes output.json, results*.json and results*.json.tmp from the
artifact directory without starting the server. Run it only while no
gateway is serving from the same directory.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.Artifacts.Dir
			}
			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			removed := artifact.NewJanitor(cfg.Artifacts.Patterns, logger.Named("janitor")).Sweep(dir)
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d artifact(s) from %s\n", removed, dir)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "directory to sweep (defaults to artifacts.dir)")
	return cmd
}
