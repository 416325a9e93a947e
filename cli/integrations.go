// ABOUTME: Integration management commands
// ABOUTME: Adds, lists, and reconfigures provider connections and disconnects them
package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/prokopsimek/pmcrm-sub000/models"
)

var integrationCmd = &cobra.Command{
	Use:     "integration",
	Aliases: []string{"integrations"},
	Short:   "Manage connected directories",
}

var (
	addStrategy  string
	addWriteBack bool
)

var integrationAddCmd = &cobra.Command{
	Use:   "add <google|microsoft>",
	Short: "Connect a new directory",
	Long: `Register a Google or Microsoft 365 contacts directory for the configured user.

Run 'pmcrm auth <integration-id>' afterwards to authorize access.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{models.ProviderGoogle, models.ProviderMicrosoft},
	RunE: func(cmd *cobra.Command, args []string) error {
		provider := strings.ToLower(args[0])
		if provider != models.ProviderGoogle && provider != models.ProviderMicrosoft {
			return fmt.Errorf("unknown provider %q (want google or microsoft)", args[0])
		}
		strategy, err := parseStrategy(addStrategy)
		if err != nil {
			return err
		}

		integration := &models.Integration{
			UserID:    app.Config.User.ID,
			Provider:  provider,
			Strategy:  strategy,
			WriteBack: addWriteBack,
		}
		if err := app.Store.CreateIntegration(cmd.Context(), integration); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "✓ Added %s integration %s\n", provider, integration.ID)
		fmt.Fprintf(out, "\nNext: pmcrm auth %s\n", integration.ID)
		return nil
	},
}

var integrationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List connected directories",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		integrations, err := app.Store.ListIntegrations(cmd.Context(), app.Config.User.ID)
		if err != nil {
			return err
		}
		if len(integrations) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No integrations. Add one with 'pmcrm integration add google'.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPROVIDER\tSTRATEGY\tWRITE-BACK\tLINKS\tLAST SYNC")
		for _, in := range integrations {
			links, err := app.Store.CountLinks(cmd.Context(), in.ID)
			if err != nil {
				return err
			}
			lastSync := "never"
			if cursor, err := app.Store.GetCursor(cmd.Context(), in.ID); err == nil && cursor != nil {
				lastSync = cursor.LastSyncAt.Local().Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%s\n", in.ID, in.Provider, in.Strategy, in.WriteBack, links, lastSync)
		}
		return w.Flush()
	},
}

var setWriteBack bool

var integrationSetStrategyCmd = &cobra.Command{
	Use:   "set-strategy <integration-id> <strategy>",
	Short: "Change how conflicts are resolved",
	Long: `Set the conflict strategy for an integration. One of:

  LAST_WRITE_WINS    the side edited most recently wins
  CRM_PRIORITY       local values always win
  PROVIDER_PRIORITY  directory values always win
  MANUAL_REVIEW      conflicts wait for 'pmcrm conflicts resolve'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		strategy, err := parseStrategy(args[1])
		if err != nil {
			return err
		}
		if err := app.Store.SetIntegrationStrategy(cmd.Context(), args[0], strategy, setWriteBack); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s now uses %s (write-back %t)\n", args[0], strategy, setWriteBack)
		return nil
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect <integration-id>",
	Short: "Remove links and the sync cursor for an integration",
	Long: `Disconnect removes every link between local contacts and the directory
and forgets the sync cursor. Imported contacts stay in the CRM.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		removed, err := app.Engine.Disconnect(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Disconnected %s (%d links removed, contacts kept)\n", args[0], removed)
		return nil
	},
}

// parseStrategy accepts strategy names in any case, with dashes or underscores.
func parseStrategy(s string) (models.ConflictStrategy, error) {
	strategy := models.ConflictStrategy(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")))
	if !strategy.Valid() {
		return "", fmt.Errorf("unknown conflict strategy %q", s)
	}
	return strategy, nil
}

func init() {
	integrationAddCmd.Flags().StringVar(&addStrategy, "strategy", string(models.StrategyLastWriteWins), "conflict strategy")
	integrationAddCmd.Flags().BoolVar(&addWriteBack, "write-back", false, "push winning local values to the directory")
	integrationSetStrategyCmd.Flags().BoolVar(&setWriteBack, "write-back", false, "push winning local values to the directory")

	integrationCmd.AddCommand(integrationAddCmd, integrationListCmd, integrationSetStrategyCmd)
	rootCmd.AddCommand(integrationCmd, disconnectCmd)
}
