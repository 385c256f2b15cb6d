package benchmark

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/accelbench/accelbench/internal/adapter"
	"github.com/accelbench/accelbench/pkg/models"
)

// Failure messages for container output that ran but yielded no usable rate
const (
	ErrMsgNoThroughput   = "no throughput figure found in output"
	ErrMsgZeroThroughput = "zero throughput reported"
)

var (
	ratePattern      = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:t/s|tok/s|tokens/s|tokens per second)`)
	evalCountPattern = regexp.MustCompile(`eval time\s*=\s*[\d.]+\s*ms\s*/\s*(\d+)\s*(?:runs|tokens)`)
	generatedPattern = regexp.MustCompile(`(\d+)\s+tokens generated`)
	nPredictPattern  = regexp.MustCompile(`n_predict\s*=\s*(\d+)`)

	// Newer llama-cli prints "[ Prompt: 310.2 t/s | Generation: 42.5 t/s ]"
	promptSegment = regexp.MustCompile(`Prompt:\s*\d+(?:\.\d+)?\s*(?:t/s|tok/s)`)
)

// Rates on these lines describe prompt processing or sampling, not generation
var skippedLineMarkers = []string{"prompt eval", "sampling time"}

// GenerateResponse is the subset of the remote generate response we read
type GenerateResponse struct {
	Model     string `json:"model"`
	Response  string `json:"response"`
	EvalCount int    `json:"eval_count"`
	Error     string `json:"error"`
}

// Parse normalizes one run's raw output. Failed runs always carry a zero
// rate and zero tokens.
func Parse(raw adapter.RawOutput) models.ParsedMetrics {
	seconds := raw.Duration.Seconds()
	if raw.Err != nil {
		return models.FailedMetrics(seconds, raw.Err.Error())
	}

	switch raw.Source {
	case adapter.SourceRemote:
		return ParseRemote(raw.Output, seconds)
	case adapter.SourceContainer:
		return ParseContainer(raw.Output, seconds)
	default:
		return models.FailedMetrics(seconds, fmt.Sprintf("unknown output source %q", raw.Source))
	}
}

// ParseRemote reads the token count from a generate response and divides it
// by the measured wall-clock span.
func ParseRemote(output string, seconds float64) models.ParsedMetrics {
	var resp GenerateResponse
	if err := json.Unmarshal([]byte(output), &resp); err != nil {
		return models.FailedMetrics(seconds, fmt.Sprintf("invalid response from remote service: %v", err))
	}
	if resp.Error != "" {
		return models.FailedMetrics(seconds, resp.Error)
	}

	tokens := resp.EvalCount
	if tokens < 0 {
		tokens = 0
	}
	if seconds < 0 {
		seconds = 0
	}

	return models.ParsedMetrics{
		TokensPerSecond: models.Rate(tokens, seconds),
		TotalTokens:     tokens,
		DurationSeconds: seconds,
		Success:         true,
	}
}

// ParseContainer scans llama.cpp output for the generation rate (first match
// wins) and, separately, for a generated-token count.
func ParseContainer(output string, seconds float64) models.ParsedMetrics {
	if seconds < 0 {
		seconds = 0
	}

	tps, found := findRate(output)
	if !found {
		return models.FailedMetrics(seconds, ErrMsgNoThroughput)
	}
	if tps <= 0 {
		return models.FailedMetrics(seconds, ErrMsgZeroThroughput)
	}

	return models.ParsedMetrics{
		TokensPerSecond: tps,
		TotalTokens:     findTokenCount(output),
		DurationSeconds: seconds,
		Success:         true,
	}
}

func findRate(output string) (float64, bool) {
	for _, line := range strings.Split(output, "\n") {
		if isSkippedLine(line) {
			continue
		}
		line = promptSegment.ReplaceAllString(line, "")
		m := ratePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		return v, true
	}
	return 0, false
}

func findTokenCount(output string) int {
	lines := strings.Split(output, "\n")
	for _, pattern := range []*regexp.Regexp{evalCountPattern, generatedPattern, nPredictPattern} {
		for _, line := range lines {
			if isSkippedLine(line) {
				continue
			}
			if m := pattern.FindStringSubmatch(line); m != nil {
				if n, err := strconv.Atoi(m[1]); err == nil {
					return n
				}
			}
		}
	}
	return 0
}

func isSkippedLine(line string) bool {
	for _, marker := range skippedLineMarkers {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}
