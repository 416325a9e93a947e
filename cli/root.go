// ABOUTME: Root command for the pmcrm CLI
// ABOUTME: Loads configuration once and builds the App shared by every subcommand
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/prokopsimek/pmcrm-sub000/config"
)

// Version is overridden at build time with -ldflags.
var Version = "0.2.0"

var (
	dbPath string
	app    *App
)

// Commands that never touch the database.
var standalone = map[string]bool{
	"help":       true,
	"completion": true,
	"version":    true,
}

var rootCmd = &cobra.Command{
	Use:   "pmcrm",
	Short: "Sync contacts from Google and Microsoft 365 into a local CRM",
	Long: `pmcrm imports contacts from external directories, merges them with
the contacts you already have, and keeps both sides in step.

Connect an integration, authorize it, then run an import. Later runs
of 'pmcrm sync' only fetch what changed.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if standalone[cmd.Name()] {
			return nil
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if dbPath != "" {
			cfg.Database.Path = dbPath
		}
		app, err = NewApp(cfg)
		return err
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if app == nil {
			return nil
		}
		err := app.Close()
		app = nil
		return err
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "pmcrm version %s\n", Version)
	},
}

// Execute runs the root command. Interrupts cancel the command context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		// PersistentPostRunE is skipped when RunE fails.
		if app != nil {
			_ = app.Close()
		}
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db-path", "", "database path (default: "+config.DefaultDatabasePath()+")")
	rootCmd.AddCommand(versionCmd)
}
