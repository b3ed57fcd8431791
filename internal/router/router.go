// Package router ranks model backends for a requesting node against a
// published fleet snapshot. It never probes; a decision only reflects the
// snapshot it was given.
package router

import (
	"fmt"
	"sort"

	"github.com/gaspardpetit/fleetwatch/internal/catalog"
	"github.com/gaspardpetit/fleetwatch/internal/fleet"
	"github.com/gaspardpetit/fleetwatch/internal/tier"
)

// Router holds the static routing policy.
type Router struct {
	LAN   LAN
	Tiers tier.Table
	// DefaultBudget applies when a hint does not state one.
	DefaultBudget fleet.CostTier
	// FallbackModel names the implicit remote fallback used when a
	// snapshot carries no RemoteApi backend at all.
	FallbackModel string
}

// New returns a Router with the given LAN and default tier table.
func New(lan LAN) *Router {
	return &Router{LAN: lan, Tiers: tier.Default, DefaultBudget: fleet.CostFree}
}

func (r *Router) tiers() tier.Table {
	if len(r.Tiers) == 0 {
		return tier.Default
	}
	return r.Tiers
}

// ValidateHint checks a hint, including that a min-tier names a known tier.
func (r *Router) ValidateHint(s string) error {
	h, err := ParseHint(s)
	if err != nil {
		return err
	}
	if h.MinTier != "" {
		if _, ok := r.tiers().Lookup(h.MinTier); !ok {
			return fmt.Errorf("unknown tier %q", h.MinTier)
		}
	}
	return nil
}

type candidate struct {
	b    fleet.ModelBackend
	rank int
}

// Route returns the ordered backends requester should try. The result is
// never empty and its last entry is always a RemoteApi backend.
func (r *Router) Route(snap *fleet.Snapshot, requester, hint string) fleet.RoutingDecision {
	h, _ := ParseHint(hint)
	allowMetered := r.DefaultBudget == fleet.CostMetered
	if h.BudgetSet {
		allowMetered = h.AllowMetered
	}
	tiers := r.tiers()
	minRank := len(tiers)
	if t, ok := tiers.Lookup(h.MinTier); ok {
		minRank = tiers.Rank(t.Name)
	}

	d := fleet.RoutingDecision{RequestingNode: requester, Hint: hint}
	var (
		same, lan, far []candidate
		fallbacks      []candidate
	)
	var backends []fleet.ModelBackend
	if snap != nil {
		d.SnapshotSeq = snap.Seq
		backends = snap.Backends
	}
	for _, b := range backends {
		if b.Kind == fleet.KindRemoteAPI || b.Remote() {
			if !b.Available {
				continue
			}
			fallbacks = append(fallbacks, candidate{b: b})
			continue
		}
		node, ok := snap.Node(b.Node)
		if !ok || !node.Up() {
			continue
		}
		if b.Kind == fleet.KindLocalGPU && b.Node != requester {
			continue
		}
		rank := tiers.Rank(b.Tier)
		if rank == len(tiers) {
			t, ok := tiers.Classify(b.VRAMGB)
			if !ok {
				continue
			}
			rank = tiers.Rank(t.Name)
		}
		if rank > minRank {
			continue
		}
		if b.Cost == fleet.CostMetered && !allowMetered {
			continue
		}
		c := candidate{b: b, rank: rank}
		switch {
		case b.Node == requester:
			same = append(same, c)
		case r.LAN.Contains(node.Address):
			lan = append(lan, c)
		default:
			far = append(far, c)
		}
	}

	byCapacity := func(cs []candidate) {
		sort.SliceStable(cs, func(i, j int) bool {
			a, b := cs[i], cs[j]
			if ma, mb := a.b.Model == h.Model, b.b.Model == h.Model; h.Model != "" && ma != mb {
				return ma
			}
			if a.rank != b.rank {
				return a.rank < b.rank
			}
			if a.b.VRAMGB != b.b.VRAMGB {
				return a.b.VRAMGB > b.b.VRAMGB
			}
			if a.b.Priority != b.b.Priority {
				return a.b.Priority > b.b.Priority
			}
			if la, lb := a.b.Kind == fleet.KindLocalGPU, b.b.Kind == fleet.KindLocalGPU; la != lb {
				return la
			}
			return a.b.ID < b.b.ID
		})
	}
	byCapacity(same)
	byCapacity(lan)
	byCapacity(far)
	fallbacks = r.orderFallbacks(fallbacks, h, allowMetered)

	for _, part := range [][]candidate{same, lan, far, fallbacks} {
		for _, c := range part {
			d.Backends = append(d.Backends, c.b)
		}
	}
	gpu := len(same) + len(lan) + len(far)
	d.FallbackOnly = gpu == 0
	switch {
	case d.FallbackOnly:
		d.Reason = fleet.ErrNoBackendsAvailable.Error()
	default:
		p := d.Primary()
		d.Reason = fmt.Sprintf("%s %s on %s (%s)", p.Kind, p.Model, p.Node, p.Tier)
	}
	return d
}

// orderFallbacks sorts remote fallbacks, drops the metered ones beyond the
// best when metered use is not permitted, and guarantees at least one.
func (r *Router) orderFallbacks(cs []candidate, h Hint, allowMetered bool) []candidate {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i].b, cs[j].b
		if h.Model != "" && (a.Model == h.Model) != (b.Model == h.Model) {
			return a.Model == h.Model
		}
		if a.Cost != b.Cost {
			return a.Cost == fleet.CostFree
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ID < b.ID
	})
	if !allowMetered {
		var free []candidate
		var best *candidate
		for i := range cs {
			if cs[i].b.Cost == fleet.CostMetered {
				if best == nil {
					best = &cs[i]
				}
				continue
			}
			free = append(free, cs[i])
		}
		if best != nil {
			free = append(free, *best)
		}
		cs = free
	}
	if len(cs) == 0 {
		model := r.FallbackModel
		if model == "" {
			model = catalog.DefaultFallbackModel
		}
		cs = append(cs, candidate{b: fleet.ModelBackend{
			ID:        catalog.DefaultID(fleet.KindRemoteAPI, "", model),
			Kind:      fleet.KindRemoteAPI,
			Model:     model,
			Cost:      fleet.CostMetered,
			Available: true,
		}})
	}
	return cs
}
