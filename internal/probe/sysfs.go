package probe

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gaspardpetit/fleetwatch/internal/fleet"
)

// Sysfs enumerates DRM cards on the PCI bus. It is the last resort on Linux
// when no vendor tool is installed.
type Sysfs struct {
	Root string
}

// NewSysfs returns a Sysfs prober rooted at root (normally "/sys").
func NewSysfs(root string) Sysfs { return Sysfs{Root: root} }

func (p Sysfs) ProbeGPU(_ context.Context) (GPUReading, error) {
	base := filepath.Join(p.Root, "class", "drm")
	entries, err := os.ReadDir(base)
	if err != nil {
		return GPUReading{}, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if isCardDevice(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var best, weak GPUReading
	for _, name := range names {
		dev := filepath.Join(base, name, "device")
		r := readCard(dev)
		r.Name = name
		if r.Vendor == fleet.VendorUnknown || r.VRAMGB <= 0 {
			if weak.Source == "" {
				weak = r
			}
			continue
		}
		if r.Exact && !best.Exact || r.Exact == best.Exact && r.VRAMGB > best.VRAMGB {
			best = r
		}
	}
	if best.Source != "" {
		return best, nil
	}
	if weak.Source != "" {
		return weak, nil
	}
	return GPUReading{Vendor: fleet.VendorUnknown, Source: "none"}, nil
}

func readCard(dev string) GPUReading {
	r := GPUReading{Vendor: fleet.VendorUnknown, Source: "sysfs"}
	driver := readDriverName(dev)
	switch pciVendor(dev) {
	case "1002":
		r.Vendor = fleet.VendorAMD
	case "10de":
		r.Vendor = fleet.VendorNVIDIA
	default:
		return r
	}
	if driver == "amdgpu" {
		if b := readSysfsInt64(filepath.Join(dev, "mem_info_vram_total")); b > 0 {
			r.VRAMGB = float64(b) / bytesPerGiB
			r.Exact = true
			return r
		}
	}
	// An AMD card without a dedicated memory figure is an APU sharing
	// system memory.
	if r.Vendor == fleet.VendorAMD {
		return r
	}
	r.VRAMGB = ConservativeDiscreteVRAMGB
	return r
}

// isCardDevice matches card0, card1, ... but not connectors or render nodes.
func isCardDevice(name string) bool {
	suffix, ok := strings.CutPrefix(name, "card")
	if !ok || suffix == "" {
		return false
	}
	for _, c := range suffix {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func readDriverName(dev string) string {
	link, err := os.Readlink(filepath.Join(dev, "driver"))
	if err != nil {
		return ""
	}
	return filepath.Base(link)
}

// pciVendor returns the lower-case PCI vendor id from the device uevent
// (PCI_ID=1002:744A).
func pciVendor(dev string) string {
	data, err := os.ReadFile(filepath.Join(dev, "uevent"))
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		v, ok := strings.CutPrefix(line, "PCI_ID=")
		if !ok {
			continue
		}
		id, _, _ := strings.Cut(v, ":")
		return strings.ToLower(strings.TrimSpace(id))
	}
	return ""
}

func readSysfsInt64(path string) int64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
