// Package adapter turns (backend, workload) pairs into raw engine output.
package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/accelbench/accelbench/pkg/models"
)

// Source identifies which adapter produced a RawOutput
type Source string

const (
	SourceRemote    Source = "remote"
	SourceContainer Source = "container"
)

// DefaultPrompt is the fixed evaluation prompt used for every run
const DefaultPrompt = "Write a detailed explanation of how a CPU cache hierarchy works, covering L1, L2 and L3 caches, cache lines, associativity and write policies."

// RawOutput is what one execution produced. Duration is the measured
// wall-clock span of the run; Err is set when the run failed before any
// output could be trusted.
type RawOutput struct {
	Source   Source
	Output   string
	Duration time.Duration
	Err      error
}

// Adapter executes a single workload on a backend. It never returns an
// error directly; failures travel in RawOutput.Err.
type Adapter interface {
	Execute(ctx context.Context, backend models.Backend, workload models.Workload, opts models.RunOptions) RawOutput
}

// Set holds one adapter per execution mechanism
type Set struct {
	Remote    Adapter
	Container Adapter
}

// Select picks the adapter for a backend's family
func (s *Set) Select(b models.Backend) (Adapter, error) {
	switch b.Family {
	case models.FamilyRemote:
		if s.Remote == nil {
			return nil, fmt.Errorf("no remote adapter configured")
		}
		return s.Remote, nil
	case models.FamilyROCm, models.FamilyVulkan:
		if s.Container == nil {
			return nil, fmt.Errorf("no container adapter configured")
		}
		return s.Container, nil
	default:
		return nil, fmt.Errorf("unsupported backend family %q", b.Family)
	}
}
