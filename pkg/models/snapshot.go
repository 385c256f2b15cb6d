package models

import "time"

// UndetectedGPU is the model name used when GPU inventory could not be read
const UndetectedGPU = "undetected"

// GPU is one entry of a snapshot's GPU inventory
type GPU struct {
	Model  string `json:"model" yaml:"model"`
	VRAMMB *int   `json:"vram_mb,omitempty" yaml:"vram_mb,omitempty"`
}

// AcceleratorInfo is the result of accelerator capability detection.
// When Detected is false none of the other fields are populated.
type AcceleratorInfo struct {
	Detected        bool   `json:"detected" yaml:"detected"`
	GPUModel        string `json:"gpu_model,omitempty" yaml:"gpu_model,omitempty"`
	DriverVersion   string `json:"driver_version,omitempty" yaml:"driver_version,omitempty"` // "installed" when only presence is known
	VulkanSupported *bool  `json:"vulkan_supported,omitempty" yaml:"vulkan_supported,omitempty"`
}

// Snapshot is an immutable point-in-time record of the host that produced
// a set of measurements. ID is assigned by the store.
type Snapshot struct {
	ID            int64            `json:"id" yaml:"id"`
	ServerName    string           `json:"server_name" yaml:"server_name"`
	CPUModel      string           `json:"cpu_model" yaml:"cpu_model"`
	CPUCores      int              `json:"cpu_cores" yaml:"cpu_cores"`
	CPUThreads    int              `json:"cpu_threads" yaml:"cpu_threads"`
	TotalMemoryGB float64          `json:"total_memory_gb" yaml:"total_memory_gb"`
	OSType        string           `json:"os_type" yaml:"os_type"`
	OSVersion     string           `json:"os_version" yaml:"os_version"`
	Motherboard   string           `json:"motherboard,omitempty" yaml:"motherboard,omitempty"`
	GPUs          []GPU            `json:"gpus" yaml:"gpus"`
	Accelerator   *AcceleratorInfo `json:"accelerator_info,omitempty" yaml:"accelerator_info,omitempty"`
	Timestamp     time.Time        `json:"timestamp" yaml:"timestamp"`
}
