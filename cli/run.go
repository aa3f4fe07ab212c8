package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"driftsync.dev/common"
	"driftsync.dev/config"
	"driftsync.dev/destination"
	"driftsync.dev/orchestrator"
	"driftsync.dev/progress"
	"driftsync.dev/source"
	"driftsync.dev/transform"
)

var runCmd = &cobra.Command{
	Use:   "run <definition.yaml>",
	Short: "Execute one sync run",
	Long:  "Loads a sync definition, builds the run context (credentials, source, graph, destinations, embedder) and streams the source until exhaustion. SIGINT and SIGTERM cancel the run; in-flight entities finish and the job is published as CANCELLED.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		def, err := config.LoadDefinition(args[0])
		if err != nil {
			return err
		}

		builder, cleanup, err := buildBuilder(cfg)
		if err != nil {
			cleanup()
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rc, err := builder.Build(ctx, def)
		if err != nil {
			return fmt.Errorf("build run context: %w", err)
		}

		status, err := orchestrator.Run(ctx, rc)
		if status == progress.StatusCancelled {
			common.Logger.Warn("run cancelled by signal")
			return nil
		}
		return err
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <definition.yaml>",
	Short: "Check a sync definition and its source connection",
	Long:  "Validates the definition structure, builds the routing graph, connects the destinations and performs the source's liveness and authorization check without streaming any entities.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		def, err := config.LoadDefinition(args[0])
		if err != nil {
			return err
		}

		builder, cleanup, err := buildBuilder(cfg)
		if err != nil {
			cleanup()
			return err
		}
		defer cleanup()

		rc, err := builder.Build(cmd.Context(), def)
		if err != nil {
			return fmt.Errorf("build run context: %w", err)
		}
		if err := rc.Source.Validate(cmd.Context()); err != nil {
			return fmt.Errorf("source %s rejected the connection: %w", rc.Source.Name(), err)
		}

		common.Logger.WithField("sync_id", def.SyncID).Info("definition is valid, source connection verified")
		return nil
	},
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "List registered sources, destinations and transformers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "sources:")
		for _, name := range source.Names() {
			fmt.Fprintf(out, "  %s\n", name)
		}
		fmt.Fprintln(out, "destinations:")
		for _, name := range destination.Names() {
			fmt.Fprintf(out, "  %s\n", name)
		}
		fmt.Fprintln(out, "transformers:")
		for _, name := range transform.Catalog() {
			fmt.Fprintf(out, "  %s\n", name)
		}
		return nil
	},
}
