// ABOUTME: Conflict review and single-contact push commands
// ABOUTME: Lists pending field conflicts, applies a chosen winner, and pushes local edits
package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/prokopsimek/pmcrm-sub000/models"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Review conflicting edits",
}

var conflictsAll bool

var conflictsListCmd = &cobra.Command{
	Use:   "list <integration-id>",
	Short: "List conflicts waiting for review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status := models.ConflictPending
		if conflictsAll {
			status = ""
		}
		conflicts, err := app.Store.ListConflicts(cmd.Context(), args[0], status)
		if err != nil {
			return err
		}
		if len(conflicts) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No conflicts.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCONTACT\tFIELD\tLOCAL\tREMOTE\tSTATUS")
		for _, c := range conflicts {
			status := c.Status
			if c.Resolution != "" {
				status += " (" + c.Resolution + ")"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%q\t%q\t%s\n", c.ID, c.ContactID, c.Field, c.LocalValue, c.RemoteValue, status)
		}
		return w.Flush()
	},
}

var (
	resolveKeep     string
	resolveStrategy string
	resolveIDs      []string
)

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <integration-id>",
	Short: "Resolve pending conflicts",
	Long: `Resolve pending conflicts of an integration. Pick a side with --keep, or
let a strategy decide with --strategy. Limit to specific conflicts with --id.

Remote winners update the local contact. Local winners are written back to
the directory.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		strategy, err := resolveWith(resolveKeep, resolveStrategy)
		if err != nil {
			return err
		}

		pending, err := app.Store.ListConflicts(cmd.Context(), args[0], models.ConflictPending)
		if err != nil {
			return err
		}
		pending, err = selectConflicts(pending, resolveIDs)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No pending conflicts.")
			return nil
		}

		resolved, err := app.Engine.ResolveConflicts(cmd.Context(), pending, strategy)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, rc := range resolved {
			fmt.Fprintf(out, "✓ %s %s: kept %s value %q\n", rc.Conflict.ContactID, rc.Conflict.Field, rc.Winner, rc.Value)
		}
		return nil
	},
}

var pushCmd = &cobra.Command{
	Use:   "push <contact-id>",
	Short: "Sync one contact with every directory it is linked to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid contact id: %w", err)
		}
		result, err := app.Engine.PushContact(cmd.Context(), id)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "✓ Synced %s with %d integration(s)\n", id, result.Integrations)
		if len(result.PushedFields) > 0 {
			fmt.Fprintf(out, "  pushed: %v\n", result.PushedFields)
		}
		if len(result.PulledFields) > 0 {
			fmt.Fprintf(out, "  pulled: %v\n", result.PulledFields)
		}
		if result.Deferred > 0 {
			fmt.Fprintf(out, "  %d conflict(s) waiting for 'pmcrm conflicts resolve'\n", result.Deferred)
		}
		return nil
	},
}

// resolveWith turns --keep or --strategy into a strategy that decides every conflict.
func resolveWith(keep, strategy string) (models.ConflictStrategy, error) {
	switch {
	case keep != "" && strategy != "":
		return "", fmt.Errorf("use either --keep or --strategy")
	case keep == models.ResolutionLocal:
		return models.StrategyCRMPriority, nil
	case keep == models.ResolutionRemote:
		return models.StrategyProviderPriority, nil
	case keep != "":
		return "", fmt.Errorf("--keep must be local or remote, got %q", keep)
	case strategy == "":
		return "", fmt.Errorf("one of --keep or --strategy is required")
	}

	s, err := parseStrategy(strategy)
	if err != nil {
		return "", err
	}
	if s == models.StrategyManualReview {
		return "", fmt.Errorf("%s would leave every conflict pending", s)
	}
	return s, nil
}

// selectConflicts keeps the conflicts named by ids; no ids keeps all.
func selectConflicts(conflicts []models.Conflict, ids []string) ([]models.Conflict, error) {
	if len(ids) == 0 {
		return conflicts, nil
	}
	byID := make(map[uuid.UUID]models.Conflict, len(conflicts))
	for _, c := range conflicts {
		byID[c.ID] = c
	}

	out := make([]models.Conflict, 0, len(ids))
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid conflict id %q: %w", raw, err)
		}
		c, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("no pending conflict %s", id)
		}
		out = append(out, c)
	}
	return out, nil
}

func init() {
	conflictsListCmd.Flags().BoolVar(&conflictsAll, "all", false, "include resolved conflicts")
	conflictsResolveCmd.Flags().StringVar(&resolveKeep, "keep", "", "winning side: local or remote")
	conflictsResolveCmd.Flags().StringVar(&resolveStrategy, "strategy", "", "strategy deciding each conflict")
	conflictsResolveCmd.Flags().StringSliceVar(&resolveIDs, "id", nil, "resolve only these conflict ids")

	conflictsCmd.AddCommand(conflictsListCmd, conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd, pushCmd)
}
