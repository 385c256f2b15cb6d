package sysinfo

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// useRunnerProbes replaces the gopsutil and sysfs readers with commands run
// on the benchmark host
func (c *Collector) useRunnerProbes() {
	c.hostInfo = c.remoteHostInfo
	c.cpuInfo = c.remoteCPUInfo
	c.cpuCounts = c.remoteCPUCounts
	c.memory = c.remoteMemory
	c.hostnameFn = c.remoteHostname
	c.readAttr = c.remoteAttr
}

func (c *Collector) output(ctx context.Context, name string, args ...string) (string, error) {
	res, err := c.runner.Run(ctx, name, args...)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

func (c *Collector) remoteHostInfo(ctx context.Context) (*host.InfoStat, error) {
	out, err := c.output(ctx, "uname", "-snr")
	if err != nil {
		return nil, err
	}
	info, err := ParseUname(out)
	if err != nil {
		return nil, err
	}

	// Distribution details are optional
	if release, err := c.output(ctx, "cat", "/etc/os-release"); err == nil {
		info.Platform, info.PlatformVersion = ParseOSRelease(release)
	}
	return info, nil
}

func (c *Collector) remoteHostname(ctx context.Context) (string, error) {
	out, err := c.output(ctx, "uname", "-n")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (c *Collector) remoteCPUInfo(ctx context.Context) ([]cpu.InfoStat, error) {
	out, err := c.output(ctx, "cat", "/proc/cpuinfo")
	if err != nil {
		return nil, err
	}
	model, _ := ParseCPUInfo(out)
	return []cpu.InfoStat{{ModelName: model}}, nil
}

func (c *Collector) remoteCPUCounts(ctx context.Context, logical bool) (int, error) {
	if logical {
		out, err := c.output(ctx, "nproc", "--all")
		if err != nil {
			return 0, err
		}
		n, err := strconv.Atoi(strings.TrimSpace(out))
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("unexpected nproc output %q", strings.TrimSpace(out))
		}
		return n, nil
	}

	out, err := c.output(ctx, "cat", "/proc/cpuinfo")
	if err != nil {
		return 0, err
	}
	_, cores := ParseCPUInfo(out)
	if cores == 0 {
		return 0, fmt.Errorf("no processors listed in /proc/cpuinfo")
	}
	return cores, nil
}

func (c *Collector) remoteMemory(ctx context.Context) (*mem.VirtualMemoryStat, error) {
	out, err := c.output(ctx, "cat", "/proc/meminfo")
	if err != nil {
		return nil, err
	}
	total, err := ParseMemTotal(out)
	if err != nil {
		return nil, err
	}
	return &mem.VirtualMemoryStat{Total: total}, nil
}

func (c *Collector) remoteAttr(ctx context.Context, file string) string {
	out, err := c.output(ctx, "cat", file)
	if err != nil {
		slog.Debug("failed to read remote sysfs attribute",
			slog.String("path", file),
			slog.String("error", err.Error()))
		return ""
	}
	return strings.TrimSpace(out)
}

// remoteVRAM reads every amdgpu VRAM total in card order. The shell sorts
// the glob, matching the local reader.
func (c *Collector) remoteVRAM(ctx context.Context) []int {
	pattern := path.Join(c.sysfsRoot, "class", "drm", "card*", "device", "mem_info_vram_total")
	script := fmt.Sprintf(`for f in %s; do [ -r "$f" ] && cat "$f"; done; true`, pattern)

	out, err := c.output(ctx, "sh", "-c", script)
	if err != nil {
		slog.Debug("failed to read remote VRAM sizes", slog.String("error", err.Error()))
		return nil
	}

	var sizes []int
	for _, line := range strings.Split(out, "\n") {
		if mb, ok := ParseVRAMBytes(line); ok {
			sizes = append(sizes, mb)
		}
	}
	return sizes
}

// ParseUname parses `uname -snr` output: kernel name, node name and release
func ParseUname(out string) (*host.InfoStat, error) {
	fields := strings.Fields(out)
	if len(fields) < 3 {
		return nil, fmt.Errorf("unexpected uname output %q", strings.TrimSpace(out))
	}
	return &host.InfoStat{
		OS:            strings.ToLower(fields[0]),
		Hostname:      fields[1],
		KernelVersion: fields[2],
	}, nil
}

// ParseOSRelease returns the ID and VERSION_ID fields of an os-release file
func ParseOSRelease(out string) (platform, version string) {
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"'`)
		switch key {
		case "ID":
			platform = value
		case "VERSION_ID":
			version = value
		}
	}
	return platform, version
}

// ParseCPUInfo returns the first model name and the number of physical cores
// in /proc/cpuinfo. Cores are distinct (physical id, core id) pairs; without
// topology fields every processor entry counts as a core.
func ParseCPUInfo(out string) (model string, cores int) {
	type coreKey struct{ pkg, core string }
	seen := make(map[coreKey]struct{})
	processors := 0

	var pkg, core string
	flush := func() {
		if core != "" {
			seen[coreKey{pkg, core}] = struct{}{}
		}
		pkg, core = "", ""
	}

	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		switch key {
		case "processor":
			flush()
			processors++
		case "model name":
			if model == "" {
				model = value
			}
		case "physical id":
			pkg = value
		case "core id":
			core = value
		}
	}
	flush()

	if len(seen) > 0 {
		return model, len(seen)
	}
	return model, processors
}

// ParseMemTotal returns MemTotal from /proc/meminfo in bytes
func ParseMemTotal(out string) (uint64, error) {
	for _, line := range strings.Split(out, "\n") {
		rest, ok := strings.CutPrefix(line, "MemTotal:")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			break
		}
		kb, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid MemTotal %q: %w", fields[0], err)
		}
		return kb * 1024, nil
	}
	return 0, fmt.Errorf("MemTotal not found in /proc/meminfo")
}
