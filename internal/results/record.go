// Package results persists sweep outcomes: a crash-safe per-run CSV, a
// sqlite run history, and post-hoc analysis over result files.
package results

// MetricRecord is the outcome of one completed grid cell. One record maps
// to one CSV row; partial cells never produce a record.
type MetricRecord struct {
	Instances         int     `json:"instances"`
	DecodeConcurrency int     `json:"decode_concurrency"`
	PromptConcurrency int     `json:"prompt_concurrency"`
	Concurrency       int     `json:"concurrency"`
	ThroughputTPS     float64 `json:"throughput_tps"`
	TotalTokens       int     `json:"total_tokens"`
	ElapsedS          float64 `json:"elapsed_s"`
	Errors            int     `json:"errors"`
}
