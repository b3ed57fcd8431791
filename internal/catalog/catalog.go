// Package catalog turns node capabilities and configured backends into the
// list of model backends a snapshot carries.
package catalog

import (
	"sort"

	"github.com/gaspardpetit/fleetwatch/internal/fleet"
	"github.com/gaspardpetit/fleetwatch/internal/tier"
)

// DefaultFallbackModel is used for the implicit remote fallback when the
// configuration declares none.
const DefaultFallbackModel = "anthropic/claude-sonnet"

// Catalog derives backends. The zero value uses the default tier table.
type Catalog struct {
	Tiers         tier.Table
	Static        []fleet.ModelBackend
	FallbackModel string
}

func (c Catalog) tiers() tier.Table {
	if len(c.Tiers) == 0 {
		return tier.Default
	}
	return c.Tiers
}

// Build returns every backend for the given nodes, sorted by id. There is
// always at least one RemoteApi backend.
func (c Catalog) Build(nodes []fleet.Node) []fleet.ModelBackend {
	byName := make(map[string]fleet.Node, len(nodes))
	for _, n := range nodes {
		byName[n.Name] = n
	}
	var out []fleet.ModelBackend
	seen := make(map[string]bool)
	add := func(b fleet.ModelBackend) {
		if seen[b.ID] {
			return
		}
		seen[b.ID] = true
		out = append(out, b)
	}

	// Configured backends take precedence over derived ones with the same id.
	hasRemote := false
	for _, s := range c.Static {
		b := s
		if b.Kind == fleet.KindRemoteAPI {
			b.Node = ""
			b.Available = true
			hasRemote = true
		} else {
			n, ok := byName[b.Node]
			b.Available = ok && n.Up()
			if b.VRAMGB == 0 && ok {
				b.VRAMGB = n.Capabilities.UsableVRAM()
			}
			if b.Tier == "" {
				if t, ok := c.tiers().Classify(b.VRAMGB); ok {
					b.Tier = t.Name
				}
			}
			if b.Priority == 0 && ok {
				b.Priority = n.Priority
			}
		}
		if b.Cost == "" {
			b.Cost = fleet.CostFree
			if b.Kind == fleet.KindRemoteAPI {
				b.Cost = fleet.CostMetered
			}
		}
		if b.ID == "" {
			b.ID = DefaultID(b.Kind, b.Node, b.Model)
		}
		add(b)
	}

	for _, n := range nodes {
		vram := n.Capabilities.UsableVRAM()
		t, ok := c.tiers().Classify(vram)
		if !ok {
			continue
		}
		model := n.Capabilities.PrimaryModel
		if model == "" {
			model = t.Model
		}
		base := fleet.ModelBackend{
			Node:      n.Name,
			Model:     model,
			Tier:      t.Name,
			VRAMGB:    vram,
			Cost:      fleet.CostFree,
			Priority:  n.Priority,
			Available: n.Up(),
		}
		addNode(add, base, ServesLAN(n))
		if sc, ok := c.sidecar(n, t, model); ok {
			side := base
			side.Model = sc.Model
			side.Tier = sc.Name
			addNode(add, side, ServesLAN(n))
		}
	}

	// Remote models nodes name as their own fallback join the fleet-wide ones.
	for _, n := range nodes {
		if m := n.Capabilities.FallbackModel; m != "" {
			add(remoteBackend(m))
		}
	}

	if !hasRemote {
		model := c.FallbackModel
		if model == "" {
			model = DefaultFallbackModel
		}
		add(remoteBackend(model))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func addNode(add func(fleet.ModelBackend), base fleet.ModelBackend, servesLAN bool) {
	local := base
	local.Kind = fleet.KindLocalGPU
	local.ID = DefaultID(local.Kind, base.Node, base.Model)
	add(local)
	if servesLAN {
		lan := base
		lan.Kind = fleet.KindLANServer
		lan.ID = DefaultID(lan.Kind, base.Node, base.Model)
		add(lan)
	}
}

// sidecar returns the tier the node's sidecar model runs in. A model from
// the tier table fits when its tier is not above the node's; any other
// model is taken as declared and ranked one tier below the primary, or in
// the primary's tier when that is already the smallest.
func (c Catalog) sidecar(n fleet.Node, nodeTier tier.Tier, primary string) (tier.Tier, bool) {
	m := n.Capabilities.SidecarModel
	if m == "" || m == primary {
		return tier.Tier{}, false
	}
	tiers := c.tiers()
	for _, t := range tiers {
		if t.Model == m {
			if tiers.Rank(t.Name) < tiers.Rank(nodeTier.Name) {
				return tier.Tier{}, false
			}
			return t, true
		}
	}
	out := nodeTier
	if r := tiers.Rank(nodeTier.Name); r+1 < len(tiers) {
		out = tiers[r+1]
	}
	out.Model = m
	return out, true
}

func remoteBackend(model string) fleet.ModelBackend {
	return fleet.ModelBackend{
		ID:        DefaultID(fleet.KindRemoteAPI, "", model),
		Kind:      fleet.KindRemoteAPI,
		Model:     model,
		Cost:      fleet.CostMetered,
		Available: true,
	}
}

// ServesLAN reports whether the node's model server is reachable by peers.
func ServesLAN(n fleet.Node) bool {
	return n.LANServer || n.Role == fleet.RoleInference || n.Capabilities.ServesLAN
}

// DefaultID names a backend "<kind>/<node>/<model>", or "<kind>/<model>"
// when it is not bound to a node.
func DefaultID(kind fleet.BackendKind, node, model string) string {
	prefix := map[fleet.BackendKind]string{
		fleet.KindLocalGPU:  "local",
		fleet.KindLANServer: "lan",
		fleet.KindRemoteAPI: "remote",
	}[kind]
	if prefix == "" {
		prefix = string(kind)
	}
	if node == "" {
		return prefix + "/" + model
	}
	return prefix + "/" + node + "/" + model
}
