package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ngld/assetflow/pkg/state"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Shows recent task runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, err := cmd.Flags().GetInt("number")
		if err != nil {
			return err
		}

		task, err := cmd.Flags().GetString("task")
		if err != nil {
			return err
		}

		ctx := commandContext(cmd)
		p, err := loadProject(ctx, nil)
		if err != nil {
			return err
		}

		store, err := state.Open(p.statePath())
		if err != nil {
			return err
		}
		defer store.Close()

		runs, err := store.Recent(ctx, limit, task)
		if err != nil {
			return err
		}

		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded yet.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STARTED\tTASK\tSTATUS\tDURATION\tFILES\tERROR")
		for _, run := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", humanize.Time(run.Started), run.Task, run.Status,
				run.Duration.Round(time.Millisecond), run.Files, firstLine(run.Error))
		}
		return w.Flush()
	},
}

func init() {
	historyCmd.Flags().IntP("number", "n", 20, "number of runs to show (0 shows all)")
	historyCmd.Flags().StringP("task", "t", "", "only show runs of this task")
	rootCmd.AddCommand(historyCmd)
}

func firstLine(msg string) string {
	line, _, _ := strings.Cut(msg, "\n")
	return line
}
