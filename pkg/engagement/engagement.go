// Package engagement tracks which delivery changes are currently outstanding
// on the device. The flags are transient: they are never persisted, so a
// restart always comes back with every category stable.
package engagement

import (
	"errors"
	"fmt"
	"sync"
)

// Category is a kind of delivery change that can be in flight
type Category string

const (
	Suspend   Category = "suspend"
	Bolus     Category = "bolus"
	TempBasal Category = "tempBasal"
)

// Categories lists every tracked category in a fixed order
var Categories = []Category{Suspend, Bolus, TempBasal}

// State is the engagement state of one category
type State string

const (
	Stable      State = "stable"
	Engaging    State = "engaging"
	Disengaging State = "disengaging"
)

// ErrBusy is returned when a category already has a change outstanding
var ErrBusy = errors.New("change already outstanding")

// Tracker holds one flag per category
type Tracker struct {
	mu     sync.Mutex
	states map[Category]State
}

// NewTracker returns a tracker with every category stable
func NewTracker() *Tracker {
	return &Tracker{states: make(map[Category]State)}
}

// Begin moves cat from stable to to. It fails with ErrBusy if cat is not
// stable, which is how a second request in the same category is rejected.
func (t *Tracker) Begin(cat Category, to State) error {
	if to != Engaging && to != Disengaging {
		return fmt.Errorf("invalid engagement transition to %q", to)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if cur := t.get(cat); cur != Stable {
		return fmt.Errorf("%w: %s is %s", ErrBusy, cat, cur)
	}
	t.states[cat] = to
	return nil
}

// End returns cat to stable
func (t *Tracker) End(cat Category) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, cat)
}

// State returns the current state of cat
func (t *Tracker) State(cat Category) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.get(cat)
}

// Busy reports whether any category is outstanding
func (t *Tracker) Busy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states) > 0
}

// Snapshot returns the state of every category
func (t *Tracker) Snapshot() map[Category]State {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[Category]State, len(Categories))
	for _, c := range Categories {
		out[c] = t.get(c)
	}
	return out
}

func (t *Tracker) get(cat Category) State {
	if s, ok := t.states[cat]; ok {
		return s
	}
	return Stable
}
