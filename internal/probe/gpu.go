package probe

import (
	"context"
	"errors"
	"os/exec"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/gaspardpetit/fleetwatch/internal/fleet"
)

// ConservativeDiscreteVRAMGB is the figure assumed for a discrete card whose
// memory size could not be queried.
const ConservativeDiscreteVRAMGB = 2

// ErrNoGPUReading is returned by a GPUProber that found nothing to report.
var ErrNoGPUReading = errors.New("no gpu reading")

// GPUReading is the outcome of a local GPU query.
type GPUReading struct {
	Vendor fleet.GPUVendor `json:"vendor"`
	Name   string          `json:"name,omitempty"`
	VRAMGB float64         `json:"vram_gb"`
	// Exact is true when the figure came from a tool that reports memory
	// size, false for bus-enumeration guesses.
	Exact  bool   `json:"exact"`
	Source string `json:"source"`
}

// Found reports whether any GPU at all was detected.
func (g GPUReading) Found() bool { return g.Source != "" && g.Source != "none" }

// Apply overwrites the GPU fields of c with this reading.
func (g GPUReading) Apply(c fleet.Capabilities) fleet.Capabilities {
	c.HasGPU = g.Found()
	c.GPUVendor = g.Vendor
	if c.GPUVendor == "" {
		c.GPUVendor = fleet.VendorUnknown
	}
	c.VRAMGB = g.VRAMGB
	return c
}

// GPUProber queries the GPUs of the machine it runs on. An error means the
// source could not be consulted at all; a reading with Source "none" means
// it was consulted and found no GPU.
type GPUProber interface {
	ProbeGPU(ctx context.Context) (GPUReading, error)
}

// Runner executes vendor tools. It is swapped for a fake in tests.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
	LookPath(name string) (string, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

func (ExecRunner) LookPath(name string) (string, error) { return exec.LookPath(name) }

// Chain consults probers in order. The first exact reading wins; otherwise
// the largest heuristic reading wins; integrated or unknown GPUs are only
// returned when nothing better was found.
type Chain []GPUProber

func (c Chain) ProbeGPU(ctx context.Context) (GPUReading, error) {
	var (
		best     *GPUReading
		weak     *GPUReading
		consumed bool
		lastErr  error
	)
	for _, p := range c {
		r, err := p.ProbeGPU(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		consumed = true
		if !r.Found() {
			continue
		}
		if r.Vendor == fleet.VendorUnknown || r.VRAMGB <= 0 {
			if weak == nil {
				rr := r
				weak = &rr
			}
			continue
		}
		if r.Exact {
			return r, nil
		}
		if best == nil || r.VRAMGB > best.VRAMGB {
			rr := r
			best = &rr
		}
	}
	switch {
	case best != nil:
		return *best, nil
	case weak != nil:
		return *weak, nil
	case consumed:
		return GPUReading{Vendor: fleet.VendorUnknown, Source: "none"}, nil
	}
	if lastErr == nil {
		lastErr = ErrNoGPUReading
	}
	return GPUReading{}, lastErr
}

// NewLocalGPUProber returns the GPU probe chain for the given platform.
func NewLocalGPUProber(goos string, runner Runner) GPUProber {
	if runner == nil {
		runner = ExecRunner{}
	}
	switch goos {
	case "darwin":
		return Chain{SystemProfiler{Runner: runner, TotalMemory: TotalMemory}}
	case "windows":
		return Chain{NvidiaSMI{Runner: runner}, WMI{Runner: runner}}
	default:
		return Chain{NvidiaSMI{Runner: runner}, ROCmSMI{Runner: runner}, NewSysfs("/sys")}
	}
}

// TotalMemory returns the physical memory of this machine in bytes.
func TotalMemory(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.Total, nil
}

// HasCompileWorker reports whether the icecream daemon is installed.
func HasCompileWorker(runner Runner) bool {
	if runner == nil {
		return false
	}
	_, err := runner.LookPath("iceccd")
	return err == nil
}
