// Package serverstate holds the daemon lifecycle status and the last
// published fleet snapshot, in memory or in Redis.
package serverstate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gaspardpetit/fleetwatch/internal/fleet"
)

const (
	StatusNotReady = "not_ready"
	StatusReady    = "ready"
	StatusDraining = "draining"
	StatusUnknown  = "unknown"
)

// ErrNoSnapshot is returned when nothing has been persisted yet.
var ErrNoSnapshot = errors.New("no persisted snapshot")

// State holds the daemon status and draining flag, updated together.
type State struct {
	Status   string `json:"status"`
	Draining bool   `json:"draining"`
}

// Store persists the lifecycle state and the last published snapshot.
type Store interface {
	Load() State
	Store(State)
	SaveSnapshot(ctx context.Context, snap *fleet.Snapshot) error
	LoadSnapshot(ctx context.Context) (*fleet.Snapshot, error)
}

var (
	activeMu sync.RWMutex
	active   Store = NewMemoryStore()
)

// UseStore replaces the active Store.
func UseStore(s Store) {
	if s == nil {
		return
	}
	activeMu.Lock()
	active = s
	activeMu.Unlock()
}

// Active returns the active Store.
func Active() Store {
	activeMu.RLock()
	defer activeMu.RUnlock()
	return active
}

type memoryStore struct {
	v    atomic.Value
	snap atomic.Pointer[fleet.Snapshot]
}

// NewMemoryStore returns a process-local Store initialised to not_ready.
func NewMemoryStore() Store {
	ms := &memoryStore{}
	ms.v.Store(State{Status: StatusNotReady})
	return ms
}

func (m *memoryStore) Load() State {
	if st, ok := m.v.Load().(State); ok {
		return st
	}
	return State{Status: StatusUnknown}
}

func (m *memoryStore) Store(s State) { m.v.Store(s) }

func (m *memoryStore) SaveSnapshot(_ context.Context, snap *fleet.Snapshot) error {
	m.snap.Store(snap)
	return nil
}

func (m *memoryStore) LoadSnapshot(context.Context) (*fleet.Snapshot, error) {
	if s := m.snap.Load(); s != nil {
		return s, nil
	}
	return nil, ErrNoSnapshot
}

// SetState updates the daemon status string.
func SetState(status string) {
	s := Active()
	st := s.Load()
	st.Status = status
	s.Store(st)
}

// GetState returns the current daemon status.
func GetState() string { return Active().Load().Status }

// StartDrain marks the daemon as draining; new node connections are refused.
func StartDrain() {
	s := Active()
	st := s.Load()
	st.Draining = true
	st.Status = StatusDraining
	s.Store(st)
}

// IsDraining reports whether the daemon is draining.
func IsDraining() bool { return Active().Load().Draining }
