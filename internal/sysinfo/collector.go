// Package sysinfo collects the host snapshot stored alongside every batch.
package sysinfo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"golang.org/x/sync/errgroup"

	"github.com/accelbench/accelbench/internal/detect"
	"github.com/accelbench/accelbench/internal/hostexec"
	"github.com/accelbench/accelbench/internal/metrics"
	"github.com/accelbench/accelbench/pkg/models"
)

const (
	// DefaultSysfsRoot is where board and DRM attributes are read from
	DefaultSysfsRoot = "/sys"

	bytesPerGB = 1 << 30
	bytesPerMB = 1 << 20
)

// AcceleratorDetector reports accelerator capabilities
type AcceleratorDetector interface {
	DetectAccelerator(ctx context.Context) models.AcceleratorInfo
}

// Collector builds host snapshots. Collect never fails: when a required
// probe errors, a reduced snapshot from runtime information is returned.
type Collector struct {
	runner    hostexec.Runner
	detector  AcceleratorDetector
	sysfsRoot string
	remote    bool
	now       func() time.Time

	hostInfo   func(ctx context.Context) (*host.InfoStat, error)
	cpuInfo    func(ctx context.Context) ([]cpu.InfoStat, error)
	cpuCounts  func(ctx context.Context, logical bool) (int, error)
	memory     func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	hostnameFn func(ctx context.Context) (string, error)
	readAttr   func(ctx context.Context, path string) string
}

// Option configures a Collector
type Option func(*Collector)

// WithSysfsRoot overrides the sysfs mount point
func WithSysfsRoot(root string) Option {
	return func(c *Collector) {
		c.sysfsRoot = root
	}
}

// WithClock sets the time source for snapshot timestamps
func WithClock(now func() time.Time) Option {
	return func(c *Collector) {
		c.now = now
	}
}

// WithRemoteHost reads host facts through the runner instead of from the
// local machine. Set it when the runner executes over SSH.
func WithRemoteHost(enabled bool) Option {
	return func(c *Collector) {
		c.remote = enabled
	}
}

// NewCollector creates a collector. runner executes lspci and, for remote
// hosts, every other probe; detector may be nil.
func NewCollector(runner hostexec.Runner, detector AcceleratorDetector, opts ...Option) *Collector {
	c := &Collector{
		runner:     runner,
		detector:   detector,
		sysfsRoot:  DefaultSysfsRoot,
		now:        time.Now,
		hostInfo:   host.InfoWithContext,
		cpuInfo:    cpu.InfoWithContext,
		cpuCounts:  cpu.CountsWithContext,
		memory:     mem.VirtualMemoryWithContext,
		hostnameFn: func(context.Context) (string, error) { return os.Hostname() },
		readAttr:   func(_ context.Context, path string) string { return readTrimmed(path) },
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.remote {
		c.useRunnerProbes()
	}
	return c
}

// Collect gathers a snapshot. Probes run concurrently and all are awaited.
func (c *Collector) Collect(ctx context.Context) *models.Snapshot {
	start := time.Now()
	defer func() {
		metrics.RecordSnapshotDuration(time.Since(start))
	}()

	var accel *models.AcceleratorInfo
	snap, err := c.collect(ctx, &accel)
	if err != nil {
		slog.Warn("snapshot probe failed, using reduced snapshot",
			slog.String("error", err.Error()))
		snap = c.fallback(ctx)
	}

	snap.Accelerator = accel
	snap.Timestamp = c.now().UTC()
	return snap
}

func (c *Collector) collect(ctx context.Context, accel **models.AcceleratorInfo) (*models.Snapshot, error) {
	snap := &models.Snapshot{}

	var (
		hostStat  *host.InfoStat
		cpuModel  string
		cores     int
		threads   int
		memTotal  uint64
		board     string
		gpus      []models.GPU
		accelInfo *models.AcceleratorInfo
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		info, err := c.hostInfo(gctx)
		if err != nil {
			metrics.RecordProbeFailure("host")
			return fmt.Errorf("failed to read host info: %w", err)
		}
		hostStat = info
		return nil
	})

	g.Go(func() error {
		infos, err := c.cpuInfo(gctx)
		if err != nil {
			metrics.RecordProbeFailure("cpu")
			return fmt.Errorf("failed to read cpu info: %w", err)
		}
		if len(infos) > 0 {
			cpuModel = strings.TrimSpace(infos[0].ModelName)
		}
		if cores, err = c.cpuCounts(gctx, false); err != nil {
			metrics.RecordProbeFailure("cpu")
			return fmt.Errorf("failed to count physical cores: %w", err)
		}
		if threads, err = c.cpuCounts(gctx, true); err != nil {
			metrics.RecordProbeFailure("cpu")
			return fmt.Errorf("failed to count logical cores: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		vm, err := c.memory(gctx)
		if err != nil {
			metrics.RecordProbeFailure("memory")
			return fmt.Errorf("failed to read memory info: %w", err)
		}
		memTotal = vm.Total
		return nil
	})

	// Board identity is optional; VMs and containers often hide DMI
	g.Go(func() error {
		board = c.readBoard(gctx)
		return nil
	})

	g.Go(func() error {
		list, err := c.readGPUs(gctx)
		if err != nil {
			metrics.RecordProbeFailure("gpu_inventory")
			return err
		}
		gpus = list
		return nil
	})

	if c.detector != nil {
		// Uses the parent context so a failing sibling does not cancel detection
		g.Go(func() error {
			info := c.detector.DetectAccelerator(ctx)
			accelInfo = &info
			return nil
		})
	}

	err := g.Wait()
	*accel = accelInfo
	if err != nil {
		return nil, err
	}

	snap.ServerName = hostStat.Hostname
	snap.OSType = hostStat.OS
	snap.OSVersion = osVersion(hostStat)
	snap.CPUModel = cpuModel
	snap.CPUCores = cores
	snap.CPUThreads = threads
	snap.TotalMemoryGB = toGB(memTotal)
	snap.Motherboard = board
	snap.GPUs = gpus
	return snap, nil
}

// fallback builds a snapshot from runtime information only
func (c *Collector) fallback(ctx context.Context) *models.Snapshot {
	name, err := c.hostnameFn(ctx)
	if err != nil || name == "" {
		name = "unknown"
	}

	// The local runtime says nothing about a remote host
	threads, osType := runtime.NumCPU(), runtime.GOOS
	if c.remote {
		threads, osType = 0, "unknown"
		if n, err := c.cpuCounts(ctx, true); err == nil {
			threads = n
		}
	}

	snap := &models.Snapshot{
		ServerName: name,
		CPUModel:   "unknown",
		CPUCores:   threads,
		CPUThreads: threads,
		OSType:     osType,
		OSVersion:  "unknown",
		GPUs:       []models.GPU{{Model: models.UndetectedGPU}},
	}

	if vm, err := c.memory(ctx); err == nil {
		snap.TotalMemoryGB = toGB(vm.Total)
	}
	return snap
}

func (c *Collector) readBoard(ctx context.Context) string {
	dir := filepath.Join(c.sysfsRoot, "class", "dmi", "id")
	vendor := c.readAttr(ctx, filepath.Join(dir, "board_vendor"))
	name := c.readAttr(ctx, filepath.Join(dir, "board_name"))
	return strings.TrimSpace(vendor + " " + name)
}

// readGPUs lists display devices and attaches VRAM sizes reported by amdgpu
func (c *Collector) readGPUs(ctx context.Context) ([]models.GPU, error) {
	res, err := c.runner.Run(ctx, "lspci", "-nn")
	if err != nil {
		return nil, fmt.Errorf("failed to list PCI devices: %w", err)
	}

	devices := detect.ParseDisplayDevices(res.Stdout)
	vram := c.readVRAM(ctx)

	gpus := make([]models.GPU, 0, len(devices))
	next := 0
	for _, d := range devices {
		gpu := models.GPU{Model: d.Model}
		if d.AMD && next < len(vram) {
			mb := vram[next]
			gpu.VRAMMB = &mb
			next++
		}
		gpus = append(gpus, gpu)
	}
	return gpus, nil
}

func (c *Collector) readVRAM(ctx context.Context) []int {
	if c.remote {
		return c.remoteVRAM(ctx)
	}

	paths, err := filepath.Glob(filepath.Join(c.sysfsRoot, "class", "drm", "card*", "device", "mem_info_vram_total"))
	if err != nil {
		return nil
	}
	sort.Strings(paths)

	var sizes []int
	for _, p := range paths {
		if mb, ok := ParseVRAMBytes(readTrimmed(p)); ok {
			sizes = append(sizes, mb)
		}
	}
	return sizes
}

// ParseVRAMBytes converts a mem_info_vram_total value (bytes) to MB
func ParseVRAMBytes(s string) (int, bool) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil || n == 0 {
		return 0, false
	}
	return int(n / bytesPerMB), true
}

func osVersion(info *host.InfoStat) string {
	version := strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
	if info.KernelVersion != "" {
		if version == "" {
			return info.KernelVersion
		}
		version = fmt.Sprintf("%s (kernel %s)", version, info.KernelVersion)
	}
	if version == "" {
		return "unknown"
	}
	return version
}

func toGB(bytes uint64) float64 {
	return math.Round(float64(bytes)/bytesPerGB*100) / 100
}

func readTrimmed(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Debug("failed to read sysfs attribute", slog.String("path", path), slog.String("error", err.Error()))
		}
		return ""
	}
	return strings.TrimSpace(string(data))
}
