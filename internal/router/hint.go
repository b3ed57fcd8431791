package router

import (
	"fmt"
	"strings"
)

// Hint is a parsed workload hint. The textual form is a comma separated
// list of key[=value] items, for example "budget=metered,min-tier=Medium".
type Hint struct {
	// BudgetSet is true when the hint states a budget explicitly.
	BudgetSet    bool
	AllowMetered bool
	MinTier      string
	Model        string
}

// ParseHint parses s. Unknown keys and malformed values are errors; an
// empty hint is valid.
func ParseHint(s string) (Hint, error) {
	var h Hint
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		switch key {
		case "metered", "free":
			if value != "" {
				return Hint{}, fmt.Errorf("hint %q takes no value", key)
			}
			h.BudgetSet = true
			h.AllowMetered = key == "metered"
		case "budget":
			switch strings.ToLower(value) {
			case "free":
				h.AllowMetered = false
			case "metered":
				h.AllowMetered = true
			default:
				return Hint{}, fmt.Errorf("budget must be free or metered, got %q", value)
			}
			h.BudgetSet = true
		case "min-tier", "min_tier":
			if value == "" {
				return Hint{}, fmt.Errorf("min-tier needs a tier name")
			}
			h.MinTier = value
		case "model":
			if value == "" {
				return Hint{}, fmt.Errorf("model needs a model id")
			}
			h.Model = value
		default:
			return Hint{}, fmt.Errorf("unknown hint %q", key)
		}
	}
	return h, nil
}
