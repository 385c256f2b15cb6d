package detect

import (
	"regexp"
	"strings"
)

var displayClassMarkers = []string{
	"VGA compatible controller",
	"Display controller",
	"3D controller",
}

var amdVendorMarkers = []string{
	"AMD",
	"ATI",
	"Advanced Micro Devices",
}

// lspci -nn adds numeric class and vendor:device ids plus a revision suffix
var (
	pciIDPattern    = regexp.MustCompile(`\s*\[[0-9a-fA-F]{4}(?::[0-9a-fA-F]{4})?\]`)
	revisionPattern = regexp.MustCompile(`\s*\(rev [0-9a-fA-F]+\)\s*$`)
	runtimePattern  = regexp.MustCompile(`(?m)^\s*Runtime Version:\s*(\S+)`)
)

// vendorTag is the bracketed vendor annotation lspci prints for AMD parts
const vendorTag = "AMD/ATI"

// Device is one display-class PCI device
type Device struct {
	Model string
	AMD   bool
}

// ParseDisplayDevices returns every display-class device in lspci output.
// Both plain and -nn output are accepted.
func ParseDisplayDevices(output string) []Device {
	var devices []Device
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !isDisplayLine(line) {
			continue
		}
		line = revisionPattern.ReplaceAllString(pciIDPattern.ReplaceAllString(line, ""), "")
		devices = append(devices, Device{
			Model: modelName(line),
			AMD:   containsAny(line, amdVendorMarkers),
		})
	}
	return devices
}

// ParseHardwareList finds the first AMD display device in lspci output
func ParseHardwareList(output string) (model string, found bool) {
	for _, d := range ParseDisplayDevices(output) {
		if d.AMD {
			return d.Model, true
		}
	}
	return "", false
}

// ParseRuntimeVersion extracts the runtime version rocminfo prints, if any
func ParseRuntimeVersion(output string) string {
	m := runtimePattern.FindStringSubmatch(output)
	if m == nil {
		return ""
	}
	return m[1]
}

// ParseContainerNames splits `podman ps --format {{.Names}}` output
func ParseContainerNames(output string) []string {
	var names []string
	for _, line := range strings.Split(output, "\n") {
		if name := strings.TrimSpace(line); name != "" {
			names = append(names, name)
		}
	}
	return names
}

func isDisplayLine(line string) bool {
	return containsAny(line, displayClassMarkers)
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// modelName takes the last bracket group, skipping the vendor tag, and
// falls back to the text after the last ": ".
func modelName(line string) string {
	end := strings.LastIndex(line, "]")
	if end > 0 {
		start := strings.LastIndex(line[:end], "[")
		if start >= 0 {
			name := strings.TrimSpace(line[start+1 : end])
			if name != "" && name != vendorTag {
				return name
			}
		}
	}
	if i := strings.LastIndex(line, ": "); i >= 0 {
		return strings.TrimSpace(line[i+2:])
	}
	return line
}
