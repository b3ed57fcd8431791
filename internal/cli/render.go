package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/gaspardpetit/fleetwatch/internal/fleet"
	"github.com/gaspardpetit/fleetwatch/internal/query"
)

func (a *App) printStatus(view query.View, asJSON bool) error {
	if asJSON {
		return a.emitJSON(view)
	}
	snap := view.Snapshot
	if snap == nil {
		snap = &fleet.Snapshot{}
	}
	stale := ""
	if view.Stale {
		stale = " (stale)"
	}
	published := "never"
	if !snap.PublishedAt.IsZero() {
		published = snap.PublishedAt.Format(time.RFC3339)
	}
	_, _ = fmt.Fprintf(a.Stdout, "snapshot %d published %s, age %.1fs%s, %d/%d nodes up\n\n",
		snap.Seq, published, view.AgeSeconds, stale, snap.UpCount(), len(snap.Nodes))

	w := tabwriter.NewWriter(a.Stdout, 2, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "NODE\tADDRESS\tROLE\tHEALTH\tGPU\tVRAM\tFAILURES\tLAST SEEN")
	for _, n := range snap.Nodes {
		gpu := "-"
		if n.Capabilities.HasGPU {
			gpu = string(n.Capabilities.GPUVendor)
		}
		vram := "-"
		if v := n.Capabilities.UsableVRAM(); v > 0 {
			vram = fmt.Sprintf("%.0fG", v)
		}
		seen := "-"
		if !n.LastSeen.IsZero() {
			seen = n.LastSeen.Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			n.Name, orDash(n.Address), n.Role, n.Health, gpu, vram, n.ConsecutiveFailures, seen)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	_, _ = fmt.Fprintln(a.Stdout)
	w = tabwriter.NewWriter(a.Stdout, 2, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "BACKEND\tKIND\tNODE\tMODEL\tTIER\tCOST\tAVAILABLE")
	for _, b := range snap.Backends {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%t\n",
			b.ID, b.Kind, orDash(b.Node), b.Model, orDash(b.Tier), b.Cost, b.Available)
	}
	return w.Flush()
}

func (a *App) printDecision(d fleet.RoutingDecision, asJSON bool) error {
	if asJSON {
		return a.emitJSON(d)
	}
	hint := ""
	if d.Hint != "" {
		hint = fmt.Sprintf(" (hint %q)", d.Hint)
	}
	_, _ = fmt.Fprintf(a.Stdout, "route for %s%s from snapshot %d\n\n", d.RequestingNode, hint, d.SnapshotSeq)

	w := tabwriter.NewWriter(a.Stdout, 2, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "#\tROLE\tBACKEND\tKIND\tNODE\tMODEL\tCOST")
	for i, b := range d.Backends {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			i+1, slot(d, i), b.ID, b.Kind, orDash(b.Node), b.Model, b.Cost)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if d.Reason != "" {
		_, _ = fmt.Fprintf(a.Stdout, "\nreason: %s\n", d.Reason)
	}
	return nil
}

func slot(d fleet.RoutingDecision, i int) string {
	switch {
	case i == len(d.Backends)-1:
		return "fallback"
	case i == 0:
		return "primary"
	case i == 1:
		return "sidecar"
	}
	return "alternate"
}
