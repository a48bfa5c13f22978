package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/product-search-gateway/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the search gateway",
		Long: `Starts the HTTP server. POST /api/search spawns the configured worker,
waits for it (at most worker.timeout), and returns the JSON it wrote.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
}
