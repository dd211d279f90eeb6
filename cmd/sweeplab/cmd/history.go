package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mlx-throughput-lab/mlx-throughput-lab/internal/results"
)

var (
	historyLimit int
	historyModel string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past sweep runs",
	Long: `List past sweep runs from the history database, newest first.
With --model, print only the best run recorded for that model.`,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVar(&historyLimit, "limit", 10, "Maximum number of runs to list")
	historyCmd.Flags().StringVar(&historyModel, "model", "", "Show the best run for this model only")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := results.OpenRunStore(cfg.Results.HistoryDB)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()

	var runs []*results.RunRecord
	if historyModel != "" {
		best, err := store.BestForModel(ctx, historyModel)
		if err != nil {
			return err
		}
		if best == nil {
			fmt.Printf("No runs recorded for model %s.\n", historyModel)
			return nil
		}
		runs = []*results.RunRecord{best}
	} else {
		runs, err = store.ListRecent(ctx, historyLimit)
		if err != nil {
			return err
		}
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(runs)
	}

	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tMODEL\tCELLS\tSKIPPED\tBEST TOK/S\tBEST CELL\tRESULTS")
	for _, run := range runs {
		bestCell := "-"
		if run.BestThroughputTPS > 0 {
			bestCell = fmt.Sprintf("i=%d d=%d p=%d c=%d",
				run.BestInstances, run.BestDecode, run.BestPrompt, run.BestConcurrency)
		}
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%d\t%.1f\t%s\t%s\n",
			run.StartedAt.Format("2006-01-02 15:04"),
			run.Model,
			run.CellsCompleted, run.CellsTotal,
			run.CellsSkipped,
			run.BestThroughputTPS,
			bestCell,
			run.ResultsPath)
	}
	return w.Flush()
}
