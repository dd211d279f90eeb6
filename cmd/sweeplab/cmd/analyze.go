package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mlx-throughput-lab/mlx-throughput-lab/internal/results"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [results.csv ...]",
	Short: "Summarize sweep result files",
	Long: `Read sweep result CSVs and print every cell, the best cell per file,
and the overall best configuration. Without arguments the most recent
result file under the configured results directory is used.`,
	RunE: runAnalyze,
}

func init() {
	rootCmd.AddCommand(analyzeCmd)
}

type fileSummary struct {
	Path    string                 `json:"path"`
	Records []results.MetricRecord `json:"records"`
	Best    *results.MetricRecord  `json:"best,omitempty"`
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	paths := args
	if len(paths) == 0 {
		latest, err := latestResultsFile(cfg.Results.Dir)
		if err != nil {
			return err
		}
		paths = []string{latest}
	}

	summaries := make([]fileSummary, 0, len(paths))
	var overall results.MetricRecord
	var hasOverall bool
	for _, path := range paths {
		records, err := results.ReadRecords(path)
		if err != nil {
			return err
		}
		summary := fileSummary{Path: path, Records: records}
		if best, ok := results.Best(records); ok {
			summary.Best = &best
			if !hasOverall || best.ThroughputTPS > overall.ThroughputTPS {
				overall = best
				hasOverall = true
			}
		}
		summaries = append(summaries, summary)
	}

	if outputFormat == "json" {
		out := struct {
			Files []fileSummary         `json:"files"`
			Best  *results.MetricRecord `json:"best,omitempty"`
		}{Files: summaries}
		if hasOverall {
			out.Best = &overall
		}
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(out)
	}

	for _, summary := range summaries {
		fmt.Printf("Results: %s\n\n", summary.Path)
		if len(summary.Records) == 0 {
			fmt.Println("No cells recorded.")
			fmt.Println()
			continue
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "INSTANCES\tDECODE\tPROMPT\tCONCURRENCY\tTOK/S\tTOKENS\tELAPSED\tERRORS")
		for _, r := range summary.Records {
			fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%.1f\t%d\t%.2fs\t%d\n",
				r.Instances, r.DecodeConcurrency, r.PromptConcurrency, r.Concurrency,
				r.ThroughputTPS, r.TotalTokens, r.ElapsedS, r.Errors)
		}
		w.Flush()

		if summary.Best != nil {
			fmt.Printf("\nBest: instances=%d decode=%d prompt=%d concurrency=%d -> %.1f tok/s\n",
				summary.Best.Instances, summary.Best.DecodeConcurrency,
				summary.Best.PromptConcurrency, summary.Best.Concurrency,
				summary.Best.ThroughputTPS)
		}
		fmt.Println()
	}

	if hasOverall && len(summaries) > 1 {
		fmt.Printf("Overall best: instances=%d decode=%d prompt=%d concurrency=%d -> %.1f tok/s\n",
			overall.Instances, overall.DecodeConcurrency,
			overall.PromptConcurrency, overall.Concurrency,
			overall.ThroughputTPS)
	}
	return nil
}

// latestResultsFile finds the most recently modified CSV under the results
// directory.
func latestResultsFile(dir string) (string, error) {
	var newest string
	var newestMod int64

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(path, ".csv") {
			return nil
		}
		if mod := info.ModTime().UnixNano(); newest == "" || mod > newestMod {
			newest = path
			newestMod = mod
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to scan results directory %s: %w", dir, err)
	}
	if newest == "" {
		return "", fmt.Errorf("no result files found under %s", dir)
	}
	return newest, nil
}
