// Package query serves the latest published snapshot and routing decisions
// to reporting surfaces. Nothing here waits on a probe cycle.
package query

import (
	"time"

	"github.com/gaspardpetit/fleetwatch/internal/fleet"
)

// Source yields the latest published snapshot.
type Source interface {
	Latest() *fleet.Snapshot
}

// Router computes a decision against a snapshot.
type Router interface {
	Route(snap *fleet.Snapshot, requester, hint string) fleet.RoutingDecision
	ValidateHint(hint string) error
}

// View is a snapshot annotated with its age.
type View struct {
	Snapshot   *fleet.Snapshot `json:"snapshot"`
	AgeSeconds float64         `json:"age_seconds"`
	Stale      bool            `json:"stale"`
}

// Service answers status and routing queries.
type Service struct {
	source   Source
	router   Router
	interval time.Duration
	now      func() time.Time
	onRoute  func(fleet.RoutingDecision)
}

// New returns a Service. A snapshot is stale once it is older than twice
// the probe interval.
func New(source Source, router Router, interval time.Duration) *Service {
	return &Service{source: source, router: router, interval: interval, now: time.Now}
}

// OnRoute registers a callback invoked for every decision served.
func (s *Service) OnRoute(fn func(fleet.RoutingDecision)) { s.onRoute = fn }

// Status returns the latest snapshot with its age.
func (s *Service) Status() View {
	snap := s.source.Latest()
	age := snap.Age(s.now())
	return View{
		Snapshot:   snap,
		AgeSeconds: age.Seconds(),
		Stale:      s.interval > 0 && age > 2*s.interval,
	}
}

// Node returns one node from the latest snapshot.
func (s *Service) Node(name string) (fleet.Node, error) {
	n, ok := s.source.Latest().Node(name)
	if !ok {
		return fleet.Node{}, fleet.ErrUnknownNode
	}
	return n, nil
}

// Route computes a decision for requester against the latest snapshot.
func (s *Service) Route(requester, hint string) fleet.RoutingDecision {
	d := s.router.Route(s.source.Latest(), requester, hint)
	if s.onRoute != nil {
		s.onRoute(d)
	}
	return d
}

// ValidateHint reports whether hint is well formed.
func (s *Service) ValidateHint(hint string) error { return s.router.ValidateHint(hint) }
