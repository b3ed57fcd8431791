// Package tier maps a VRAM figure to a model size class. It is the single
// place the VRAM thresholds live; every consumer classifies through it.
package tier

import (
	"fmt"
	"sort"
)

// Tier is one capacity bucket.
type Tier struct {
	Name      string  `json:"name" yaml:"name"`
	MinVRAMGB float64 `json:"min_vram_gb" yaml:"min_vram_gb"`
	Model     string  `json:"model" yaml:"model"`
}

// Table is a set of tiers ordered by MinVRAMGB descending.
type Table []Tier

// Default is the canonical merged table.
var Default = Table{
	{Name: "Large", MinVRAMGB: 12, Model: "qwen2.5-coder:14b"},
	{Name: "Medium", MinVRAMGB: 8, Model: "qwen2.5-coder:7b"},
	{Name: "Medium-Small", MinVRAMGB: 4, Model: "qwen2.5-coder:3b"},
	{Name: "Small", MinVRAMGB: 2, Model: "qwen2.5-coder:1.5b"},
}

// Classify returns the largest tier whose threshold vram meets. The second
// return is false when vram is below every threshold.
func (t Table) Classify(vram float64) (Tier, bool) {
	for _, tr := range t {
		if vram >= tr.MinVRAMGB {
			return tr, true
		}
	}
	return Tier{}, false
}

// Rank returns the position of the named tier, 0 being the largest. Unknown
// names rank after every known tier.
func (t Table) Rank(name string) int {
	for i, tr := range t {
		if tr.Name == name {
			return i
		}
	}
	return len(t)
}

// Lookup returns the tier with the given name.
func (t Table) Lookup(name string) (Tier, bool) {
	for _, tr := range t {
		if tr.Name == name {
			return tr, true
		}
	}
	return Tier{}, false
}

// Sorted returns a copy ordered by threshold, largest first.
func (t Table) Sorted() Table {
	out := append(Table(nil), t...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].MinVRAMGB > out[j].MinVRAMGB })
	return out
}

// Validate checks names are unique and non-empty and thresholds are
// positive and strictly descending.
func (t Table) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("tier table is empty")
	}
	seen := make(map[string]bool, len(t))
	for i, tr := range t {
		if tr.Name == "" {
			return fmt.Errorf("tiers[%d]: missing name", i)
		}
		if seen[tr.Name] {
			return fmt.Errorf("tiers[%d]: duplicate name %q", i, tr.Name)
		}
		seen[tr.Name] = true
		if tr.MinVRAMGB <= 0 {
			return fmt.Errorf("tiers[%d]: min_vram_gb must be positive", i)
		}
		if tr.Model == "" {
			return fmt.Errorf("tiers[%d]: missing model", i)
		}
		if i > 0 && tr.MinVRAMGB >= t[i-1].MinVRAMGB {
			return fmt.Errorf("tiers[%d]: thresholds must be strictly descending", i)
		}
	}
	return nil
}

// Classify classifies vram against the Default table.
func Classify(vram float64) (Tier, bool) { return Default.Classify(vram) }
