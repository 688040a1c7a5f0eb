package cache

import (
	"fmt"
	"sync"
)

// Tri is a three-valued flag. The zero value is Unknown.
type Tri int8

const (
	Unknown Tri = iota
	True
	False
)

func TriOf(b bool) Tri {
	if b {
		return True
	}
	return False
}

func (t Tri) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	}
	return "unknown"
}

func (t Tri) MarshalJSON() ([]byte, error) {
	switch t {
	case True:
		return []byte("true"), nil
	case False:
		return []byte("false"), nil
	}
	return []byte(`"unknown"`), nil
}

func (t *Tri) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case "true":
		*t = True
	case "false":
		*t = False
	case `"unknown"`, "null":
		*t = Unknown
	default:
		return fmt.Errorf("invalid tri-state value %s", b)
	}
	return nil
}

// PassState is the derived lifecycle view of one pass.
type PassState struct {
	OnMyth        Tri `json:"onMyth"`
	SkipassActive Tri `json:"skipassActive"`
	ActivePass    Tri `json:"activePass"`
}

// Update is a partial assignment to a PassState. Nil fields are left alone.
type Update struct {
	OnMyth        *Tri
	SkipassActive *Tri
	ActivePass    *Tri
}

func Set(t Tri) *Tri {
	return &t
}

func (u Update) apply(s PassState) PassState {
	if u.OnMyth != nil {
		s.OnMyth = *u.OnMyth
	}
	if u.SkipassActive != nil {
		s.SkipassActive = *u.SkipassActive
	}
	if u.ActivePass != nil {
		s.ActivePass = *u.ActivePass
	}
	return s
}

type baselineKey struct {
	orderID   int64
	oldPassID string
}

// StatusBoard holds the pass states and the per-swap Skidata baselines for
// this process. All writes are absolute assignments, so repeating one is a
// no-op.
type StatusBoard struct {
	mu        sync.RWMutex
	passes    map[string]PassState
	baselines map[baselineKey]int64
}

func NewStatusBoard() *StatusBoard {
	return &StatusBoard{
		passes:    make(map[string]PassState),
		baselines: make(map[baselineKey]int64),
	}
}

// Get returns the state of passID; unseen passes are all Unknown.
func (b *StatusBoard) Get(passID string) PassState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.passes[passID]
}

func (b *StatusBoard) Apply(passID string, u Update) PassState {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := u.apply(b.passes[passID])
	b.passes[passID] = s
	return s
}

// CaptureBaseline stores skidataOrderID as the pre-swap Skidata order of
// (orderID, oldPassID) unless one is already held, and returns the held value.
func (b *StatusBoard) CaptureBaseline(orderID int64, oldPassID string, skidataOrderID int64) int64 {
	key := baselineKey{orderID, oldPassID}
	b.mu.Lock()
	defer b.mu.Unlock()
	if id, ok := b.baselines[key]; ok {
		return id
	}
	if skidataOrderID != 0 {
		b.baselines[key] = skidataOrderID
	}
	return skidataOrderID
}

// ReleaseBaseline forgets the baseline held for (orderID, passID). A pass
// that is swapped onto an order again starts a new life there, so a later
// swap away from it must capture afresh.
func (b *StatusBoard) ReleaseBaseline(orderID int64, passID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.baselines, baselineKey{orderID, passID})
}

func (b *StatusBoard) Baseline(orderID int64, oldPassID string) (int64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.baselines[baselineKey{orderID, oldPassID}]
	return id, ok
}

// Snapshot copies every known pass state.
func (b *StatusBoard) Snapshot() map[string]PassState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]PassState, len(b.passes))
	for id, s := range b.passes {
		out[id] = s
	}
	return out
}
