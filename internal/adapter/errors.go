package adapter

import "errors"

var (
	// ErrTransport covers connection failures, timeouts and non-2xx answers
	// from the remote inference service.
	ErrTransport = errors.New("remote service request failed")

	// ErrExecution covers a container run that could not be started, exited
	// non-zero, timed out, or overflowed its output buffer.
	ErrExecution = errors.New("engine execution failed")

	// ErrTimeout marks an execution killed at its deadline
	ErrTimeout = errors.New("execution timed out")

	// ErrOutputLimit marks an execution whose output exceeded the buffer bound
	ErrOutputLimit = errors.New("engine output exceeded limit")

	// ErrInvalidWorkload is returned for workloads the adapter cannot run
	ErrInvalidWorkload = errors.New("invalid workload")

	// ErrEnvironmentMissing is returned when a backend's environment was never created
	ErrEnvironmentMissing = errors.New("environment not created")

	// ErrEnvironmentExists is returned when provisioning finds the environment already created
	ErrEnvironmentExists = errors.New("environment already exists")

	// ErrNotProvisionable is returned when provisioning a backend without a container image
	ErrNotProvisionable = errors.New("backend has no provisionable environment")
)
