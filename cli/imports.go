// ABOUTME: Import, preview, incremental sync, and job status commands
// ABOUTME: Follows running jobs with the terminal progress view or plain progress lines
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/prokopsimek/pmcrm-sub000/models"
	"github.com/prokopsimek/pmcrm-sub000/sync"
	"github.com/prokopsimek/pmcrm-sub000/tui"
)

type importFlags struct {
	skipDuplicates bool
	updateExisting bool
	selected       []string
	tagMapping     map[string]string
	excludeTags    []string
	preserveTags   bool
	folder         string
	plain          bool
	asJSON         bool
}

func (f *importFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.skipDuplicates, "skip-duplicates", true, "do not create contacts that match an existing one")
	cmd.Flags().BoolVar(&f.updateExisting, "update-existing", false, "merge imported fields into matched contacts")
	cmd.Flags().StringSliceVar(&f.selected, "select", nil, "import only these external ids")
	cmd.Flags().StringToStringVar(&f.tagMapping, "map-tag", nil, "rename provider tags, e.g. --map-tag Friends=personal")
	cmd.Flags().StringSliceVar(&f.excludeTags, "exclude-tag", nil, "drop these provider tags")
	cmd.Flags().BoolVar(&f.preserveTags, "preserve-tags", false, "keep original tags next to mapped ones")
	cmd.Flags().StringVar(&f.folder, "folder", "", "import only contacts in this folder or group")
}

func (f *importFlags) config(integrationID string) sync.ImportConfig {
	return sync.ImportConfig{
		UserID:               app.Config.User.ID,
		IntegrationID:        integrationID,
		SkipDuplicates:       f.skipDuplicates,
		UpdateExisting:       f.updateExisting,
		SelectedExternalIDs:  f.selected,
		TagMapping:           f.tagMapping,
		ExcludeTags:          f.excludeTags,
		PreserveOriginalTags: f.preserveTags,
		FolderFilter:         f.folder,
	}
}

var (
	importOpts  importFlags
	previewOpts importFlags
	syncJSON    bool
)

var importCmd = &cobra.Command{
	Use:   "import <integration-id>",
	Short: "Run a full import from a directory",
	Long: `Fetch every contact from the directory, merge duplicates with existing
contacts, and link the results. An unfiltered import also stores the sync
cursor that later 'pmcrm sync' runs start from.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		h, err := app.Engine.StartImportJob(ctx, importOpts.config(args[0]))
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if !importOpts.plain && isTerminal(out) {
			err = followWithProgressView(ctx, h, "Importing "+args[0])
		} else {
			err = followWithLines(ctx, out, h)
		}
		if err != nil {
			return err
		}

		job := h.Status()
		if importOpts.asJSON {
			return writeJSON(out, job)
		}
		printJobSummary(out, job)
		return h.Err()
	},
}

var previewCmd = &cobra.Command{
	Use:   "preview <integration-id>",
	Short: "Show what an import would do without writing anything",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		preview, err := app.Engine.PreviewImport(cmd.Context(), previewOpts.config(args[0]))
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if previewOpts.asJSON {
			return writeJSON(out, preview)
		}

		fmt.Fprintf(out, "%d records: %d new, %d exact duplicates, %d potential duplicates\n\n",
			preview.Summary.Total, preview.Summary.New, preview.Summary.Exact, preview.Summary.Potential)
		if len(preview.Matches) == 0 {
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "EXTERNAL ID\tIMPORTED\tEXISTING\tMATCH\tSCORE\tFIELDS")
		for _, m := range preview.Matches {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\t%s\n",
				m.ImportedRecord.ExternalID,
				m.ImportedRecord.FullName(),
				m.ExistingContact.FullName(),
				m.MatchType,
				m.Similarity,
				strings.Join(m.MatchedFields, ","))
		}
		return w.Flush()
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync <integration-id>",
	Short: "Apply directory changes since the last sync",
	Long: `Fetch only what changed since the stored cursor and apply it. Conflicting
edits are resolved with the integration's strategy; under MANUAL_REVIEW they
are kept for 'pmcrm conflicts'. Without a usable cursor a full import runs.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := app.Engine.StartIncrementalSync(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if syncJSON {
			return writeJSON(out, result)
		}
		if result.FullSync {
			fmt.Fprintln(out, "No usable sync cursor; ran a full import.")
		}
		fmt.Fprintf(out, "✓ Sync %s finished\n", result.JobID)
		fmt.Fprintf(out, "  %d added, %d updated, %d deleted, %d skipped, %d failed\n",
			result.Added, result.Updated, result.Deleted, result.Skipped, result.Failed)
		if result.Conflicts > 0 {
			fmt.Fprintf(out, "  %d conflicts: %d auto-resolved, %d waiting for review\n",
				result.Conflicts, result.AutoResolved, result.Deferred)
		}
		return nil
	},
}

var jobCmd = &cobra.Command{
	Use:   "job <job-id>",
	Short: "Show the status of an import or sync job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := app.Engine.GetJobStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), job)
	},
}

var jobsLimit int

var jobsCmd = &cobra.Command{
	Use:   "jobs <integration-id>",
	Short: "List recent jobs of an integration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := app.Store.ListJobs(cmd.Context(), args[0], jobsLimit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tTOTAL\tIMPORTED\tUPDATED\tSKIPPED\tFAILED\tCREATED")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
				j.ID, j.Status, j.TotalCount, j.ImportedCount, j.UpdatedCount, j.SkippedCount, j.FailedCount,
				j.CreatedAt.Local().Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

func followWithProgressView(ctx context.Context, h *sync.JobHandle, title string) error {
	model := tui.NewProgressModel(title, h.Status(), h.Progress(), h.Cancel)
	p := tea.NewProgram(model, tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		h.Cancel()
		<-h.Done()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("progress view failed: %w", err)
	}
	<-h.Done()
	return nil
}

func followWithLines(ctx context.Context, out io.Writer, h *sync.JobHandle) error {
	for {
		select {
		case job, ok := <-h.Progress():
			if !ok {
				<-h.Done()
				return nil
			}
			fmt.Fprintf(out, "  → %s %3d%% (%d/%d processed)\n", job.Status, job.Percent(), job.ProcessedCount, job.TotalCount)
		case <-ctx.Done():
			h.Cancel()
			<-h.Done()
			return ctx.Err()
		}
	}
}

func printJobSummary(out io.Writer, job models.ImportJob) {
	mark := "✓"
	if job.Status == models.JobFailed {
		mark = "✗"
	}
	fmt.Fprintf(out, "%s Job %s %s\n", mark, job.ID, job.Status)
	fmt.Fprintf(out, "  %d imported, %d updated, %d skipped, %d failed of %d\n",
		job.ImportedCount, job.UpdatedCount, job.SkippedCount, job.FailedCount, job.TotalCount)
	for _, e := range job.Errors {
		if e.ExternalID != "" {
			fmt.Fprintf(out, "  ! %s: %s\n", e.ExternalID, e.Message)
		} else {
			fmt.Fprintf(out, "  ! %s\n", e.Message)
		}
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	importOpts.register(importCmd)
	importCmd.Flags().BoolVar(&importOpts.plain, "plain", false, "print progress lines instead of the progress view")
	importCmd.Flags().BoolVar(&importOpts.asJSON, "json", false, "print the finished job as JSON")

	previewOpts.register(previewCmd)
	previewCmd.Flags().BoolVar(&previewOpts.asJSON, "json", false, "print the full preview as JSON")

	syncCmd.Flags().BoolVar(&syncJSON, "json", false, "print the result as JSON")
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 20, "maximum number of jobs")

	rootCmd.AddCommand(importCmd, previewCmd, syncCmd, jobCmd, jobsCmd)
}
