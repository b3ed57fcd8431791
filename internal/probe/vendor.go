package probe

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/gaspardpetit/fleetwatch/internal/fleet"
)

const (
	bytesPerGiB = 1 << 30
	mibPerGiB   = 1024

	// appleUnifiedShare is the part of unified memory assumed usable by the GPU.
	appleUnifiedShare = 0.75
)

// NvidiaSMI reads the largest NVIDIA card through nvidia-smi.
type NvidiaSMI struct{ Runner Runner }

func (p NvidiaSMI) ProbeGPU(ctx context.Context) (GPUReading, error) {
	out, err := p.Runner.Run(ctx, "nvidia-smi", "--query-gpu=name,memory.total", "--format=csv,noheader,nounits")
	if err != nil {
		return GPUReading{}, fmt.Errorf("nvidia-smi: %w", err)
	}
	return parseNvidiaSMI(out)
}

// parseNvidiaSMI parses lines like "NVIDIA GeForce RTX 4080, 16376".
func parseNvidiaSMI(out []byte) (GPUReading, error) {
	var best GPUReading
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		i := strings.LastIndexByte(line, ',')
		if i < 0 {
			continue
		}
		mib, err := strconv.ParseFloat(strings.TrimSpace(line[i+1:]), 64)
		if err != nil || mib <= 0 {
			continue
		}
		gb := mib / mibPerGiB
		if gb > best.VRAMGB {
			best = GPUReading{Vendor: fleet.VendorNVIDIA, Name: strings.TrimSpace(line[:i]), VRAMGB: gb, Exact: true, Source: "nvidia-smi"}
		}
	}
	if best.Source == "" {
		return GPUReading{}, fmt.Errorf("nvidia-smi: %w", ErrNoGPUReading)
	}
	return best, nil
}

// ROCmSMI reads AMD cards through rocm-smi's JSON output.
type ROCmSMI struct{ Runner Runner }

func (p ROCmSMI) ProbeGPU(ctx context.Context) (GPUReading, error) {
	out, err := p.Runner.Run(ctx, "rocm-smi", "--showmeminfo", "vram", "--json")
	if err != nil {
		return GPUReading{}, fmt.Errorf("rocm-smi: %w", err)
	}
	return parseROCmSMI(out)
}

// parseROCmSMI parses {"card0": {"VRAM Total Memory (B)": "17163091968", ...}}.
func parseROCmSMI(out []byte) (GPUReading, error) {
	var doc map[string]map[string]any
	if err := json.Unmarshal(out, &doc); err != nil {
		return GPUReading{}, fmt.Errorf("rocm-smi: decode: %w", err)
	}
	var best GPUReading
	for card, fields := range doc {
		if !strings.HasPrefix(card, "card") {
			continue
		}
		for k, v := range fields {
			if !strings.HasPrefix(k, "VRAM Total Memory") {
				continue
			}
			b, ok := numberOf(v)
			if !ok || b <= 0 {
				continue
			}
			gb := b / bytesPerGiB
			if gb > best.VRAMGB || (gb == best.VRAMGB && card < best.Name) {
				best = GPUReading{Vendor: fleet.VendorAMD, Name: card, VRAMGB: gb, Exact: true, Source: "rocm-smi"}
			}
		}
	}
	if best.Source == "" {
		return GPUReading{}, fmt.Errorf("rocm-smi: %w", ErrNoGPUReading)
	}
	return best, nil
}

// SystemProfiler reads the displays section of macOS system_profiler.
type SystemProfiler struct {
	Runner      Runner
	TotalMemory func(context.Context) (uint64, error)
}

func (p SystemProfiler) ProbeGPU(ctx context.Context) (GPUReading, error) {
	out, err := p.Runner.Run(ctx, "system_profiler", "SPDisplaysDataType", "-json")
	if err != nil {
		return GPUReading{}, fmt.Errorf("system_profiler: %w", err)
	}
	var total uint64
	if p.TotalMemory != nil {
		total, _ = p.TotalMemory(ctx)
	}
	return parseSystemProfiler(out, total)
}

func parseSystemProfiler(out []byte, totalMemory uint64) (GPUReading, error) {
	var doc struct {
		Displays []map[string]any `json:"SPDisplaysDataType"`
	}
	if err := json.Unmarshal(out, &doc); err != nil {
		return GPUReading{}, fmt.Errorf("system_profiler: decode: %w", err)
	}
	if len(doc.Displays) == 0 {
		return GPUReading{Vendor: fleet.VendorUnknown, Source: "none"}, nil
	}
	var best, weak GPUReading
	for _, d := range doc.Displays {
		model, _ := d["sppci_model"].(string)
		vendorField, _ := d["spdisplays_vendor"].(string)
		vendor := fleet.ParseGPUVendor(model)
		if vendor == fleet.VendorUnknown {
			vendor = fleet.ParseGPUVendor(strings.TrimPrefix(vendorField, "sppci_vendor_"))
		}
		r := GPUReading{Vendor: vendor, Name: model, Source: "system_profiler"}
		switch vendor {
		case fleet.VendorApple:
			if totalMemory > 0 {
				r.VRAMGB = float64(totalMemory) / bytesPerGiB * appleUnifiedShare
				r.Exact = true
			}
		case fleet.VendorNVIDIA, fleet.VendorAMD:
			if gb, ok := parseSize(firstString(d, "spdisplays_vram", "spdisplays_vram_shared", "_spdisplays_vram")); ok {
				r.VRAMGB = gb
				r.Exact = true
			} else {
				r.VRAMGB = ConservativeDiscreteVRAMGB
			}
		}
		if r.Vendor == fleet.VendorUnknown || r.VRAMGB <= 0 {
			if weak.Source == "" {
				weak = r
			}
			continue
		}
		if r.VRAMGB > best.VRAMGB {
			best = r
		}
	}
	if best.Source != "" {
		return best, nil
	}
	return weak, nil
}

// WMI reads Win32_VideoController through PowerShell. AdapterRAM is a
// 32-bit field that saturates at 4 GiB, so readings are never exact.
type WMI struct{ Runner Runner }

func (p WMI) ProbeGPU(ctx context.Context) (GPUReading, error) {
	out, err := p.Runner.Run(ctx, "powershell", "-NoProfile", "-NonInteractive", "-Command",
		"Get-CimInstance Win32_VideoController | Select-Object Name,AdapterRAM | ConvertTo-Json")
	if err != nil {
		return GPUReading{}, fmt.Errorf("wmi: %w", err)
	}
	return parseWMI(out)
}

type wmiController struct {
	Name       string  `json:"Name"`
	AdapterRAM float64 `json:"AdapterRAM"`
}

// parseWMI accepts either a single object or an array, as ConvertTo-Json
// emits a bare object when there is one controller.
func parseWMI(out []byte) (GPUReading, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return GPUReading{Vendor: fleet.VendorUnknown, Source: "none"}, nil
	}
	var list []wmiController
	if out[0] == '[' {
		if err := json.Unmarshal(out, &list); err != nil {
			return GPUReading{}, fmt.Errorf("wmi: decode: %w", err)
		}
	} else {
		var one wmiController
		if err := json.Unmarshal(out, &one); err != nil {
			return GPUReading{}, fmt.Errorf("wmi: decode: %w", err)
		}
		list = append(list, one)
	}
	var best, weak GPUReading
	for _, c := range list {
		r := GPUReading{Vendor: fleet.ParseGPUVendor(c.Name), Name: c.Name, Source: "wmi"}
		if r.Vendor == fleet.VendorAMD && integratedRadeon(c.Name) {
			r.VRAMGB = 0
		} else if r.Vendor == fleet.VendorNVIDIA || r.Vendor == fleet.VendorAMD {
			r.VRAMGB = c.AdapterRAM / bytesPerGiB
			if r.VRAMGB < ConservativeDiscreteVRAMGB {
				r.VRAMGB = ConservativeDiscreteVRAMGB
			}
		}
		if r.VRAMGB <= 0 {
			if weak.Source == "" {
				weak = r
			}
			continue
		}
		if r.VRAMGB > best.VRAMGB {
			best = r
		}
	}
	if best.Source != "" {
		return best, nil
	}
	if weak.Source == "" {
		weak = GPUReading{Vendor: fleet.VendorUnknown, Source: "none"}
	}
	return weak, nil
}

// APU graphics carry no model number ("AMD Radeon(TM) Graphics",
// "Radeon Vega 8 Graphics") or a three-digit M suffix ("Radeon 780M").
var apuName = regexp.MustCompile(`radeon(\s+vega\s+\d+)?\s+graphics$|radeon\s+\d{3}m\b`)

// integratedRadeon reports whether an adapter name belongs to an APU, whose
// AdapterRAM is a carve-out of system memory.
func integratedRadeon(name string) bool {
	n := strings.ToLower(name)
	n = strings.NewReplacer("(tm)", "", "(r)", "").Replace(n)
	n = strings.Join(strings.Fields(n), " ")
	return apuName.MatchString(n)
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// parseSize turns "8 GB" or "1536 MB" into gigabytes.
func parseSize(s string) (float64, bool) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	switch strings.ToUpper(fields[1]) {
	case "GB":
		return v, true
	case "MB":
		return v / 1024, true
	}
	return 0, false
}

func numberOf(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}
