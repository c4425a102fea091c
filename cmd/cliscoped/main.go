// cliscoped is the cliscope analytics server: it ingests CLI telemetry,
// infers sessions and workflows, and serves reports, recommendations,
// and experiments over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/runger/cliscope/internal/config"
	"github.com/runger/cliscope/internal/log"
	"github.com/runger/cliscope/internal/server"
	"github.com/runger/cliscope/internal/storage"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "cliscoped: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "cliscoped",
		Short:        "Workflow and outcome analytics for CLI tools",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newIssueKeyCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the analytics server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := log.NewFromLevel(cfg.LogLevel)

	store, err := storage.NewSQLiteStore(cfg.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	server.Version = Version
	srv, err := server.NewServer(&server.ServerConfig{
		Store:  store,
		Config: cfg,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return srv.Run(ctx)
}

func newIssueKeyCmd() *cobra.Command {
	var name, toolName string

	cmd := &cobra.Command{
		Use:   "issue-key",
		Short: "Issue an API key bound to a tool name",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || toolName == "" {
				return fmt.Errorf("--name and --tool are required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := log.NewFromLevel(cfg.LogLevel)

			store, err := storage.NewSQLiteStore(cfg.DatabasePath, logger)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer store.Close()

			key, err := server.GenerateAPIKey()
			if err != nil {
				return err
			}
			record := &storage.APIKey{
				KeyHash:     server.HashAPIKey(key),
				Name:        name,
				ToolName:    toolName,
				CreatedAtMs: time.Now().UnixMilli(),
				IsActive:    true,
			}
			if err := store.CreateAPIKey(cmd.Context(), record); err != nil {
				return err
			}

			fmt.Printf("%s\n", key)
			fmt.Fprintln(os.Stderr, "Save this key - it won't be shown again")
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "human-readable key name")
	cmd.Flags().StringVar(&toolName, "tool", "", "tool name the key is bound to")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(Version)
		},
	}
}
