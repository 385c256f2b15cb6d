package benchmark

import (
	"sort"

	"github.com/accelbench/accelbench/pkg/models"
)

// Summary aggregates the stored runs of one workload
type Summary struct {
	Model              string  `json:"model" yaml:"model"`
	Runs               int     `json:"runs" yaml:"runs"`
	Failures           int     `json:"failures" yaml:"failures"`
	TotalTokens        int     `json:"total_tokens" yaml:"total_tokens"`
	MinTokensPerSecond float64 `json:"min_tokens_per_second" yaml:"min_tokens_per_second"`
	AvgTokensPerSecond float64 `json:"avg_tokens_per_second" yaml:"avg_tokens_per_second"`
	P50TokensPerSecond float64 `json:"p50_tokens_per_second" yaml:"p50_tokens_per_second"`
	MaxTokensPerSecond float64 `json:"max_tokens_per_second" yaml:"max_tokens_per_second"`
}

// FailureRate returns the fraction of failed runs
func (s Summary) FailureRate() float64 {
	if s.Runs == 0 {
		return 0
	}
	return float64(s.Failures) / float64(s.Runs)
}

// Summarize groups results by model. Rate statistics cover successful runs
// only. Output is ordered by average rate, fastest first.
func Summarize(results []models.Result) []Summary {
	byModel := make(map[string][]models.Result)
	var order []string
	for _, r := range results {
		if _, ok := byModel[r.Model]; !ok {
			order = append(order, r.Model)
		}
		byModel[r.Model] = append(byModel[r.Model], r)
	}

	summaries := make([]Summary, 0, len(order))
	for _, model := range order {
		summaries = append(summaries, summarize(model, byModel[model]))
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].AvgTokensPerSecond > summaries[j].AvgTokensPerSecond
	})
	return summaries
}

func summarize(model string, results []models.Result) Summary {
	s := Summary{Model: model, Runs: len(results)}

	var tpsValues []float64
	for _, r := range results {
		if !r.Success {
			s.Failures++
			continue
		}
		s.TotalTokens += r.TotalTokens
		if r.TokensPerSecond > 0 {
			tpsValues = append(tpsValues, r.TokensPerSecond)
		}
	}

	if len(tpsValues) > 0 {
		sort.Float64s(tpsValues)
		s.MinTokensPerSecond = tpsValues[0]
		s.MaxTokensPerSecond = tpsValues[len(tpsValues)-1]
		s.P50TokensPerSecond = percentile(tpsValues, 50)

		var sum float64
		for _, v := range tpsValues {
			sum += v
		}
		s.AvgTokensPerSecond = sum / float64(len(tpsValues))
	}
	return s
}

// percentile calculates the p-th percentile of a sorted slice.
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (len(sorted) - 1) * p / 100
	return sorted[idx]
}
