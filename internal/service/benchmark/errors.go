package benchmark

import "errors"

var (
	// ErrBatchInProgress is returned when a batch is submitted while another holds the accelerator
	ErrBatchInProgress = errors.New("a benchmark batch is already running")

	// ErrNoWorkloads is returned for a batch without workloads
	ErrNoWorkloads = errors.New("at least one workload is required")

	// ErrInterrupted is returned when a batch is cancelled before every workload ran
	ErrInterrupted = errors.New("benchmark batch interrupted")

	// ErrRunnerClosed is returned for batches submitted after Shutdown
	ErrRunnerClosed = errors.New("benchmark runner is shutting down")

	// ErrRunNotFound is returned when a run id is not in the recent history
	ErrRunNotFound = errors.New("benchmark run not found")
)
