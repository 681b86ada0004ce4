package delivery

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/infusion/pkg/basal"
	"github.com/cuemby/infusion/pkg/dose"
)

// LayoutVersion is the version written into every persisted state
const LayoutVersion = 1

// Snapshot is an immutable copy of a State
type Snapshot struct {
	BasalProgram   basal.Program `json:"basal_program"`
	SuspendState   SuspendState  `json:"suspend_state"`
	FinalizedDoses []dose.Record `json:"finalized_doses"`
	OpenBolus      *dose.Record  `json:"open_bolus,omitempty"`
	OpenTempBasal  *dose.Record  `json:"open_temp_basal,omitempty"`
	OpenSuspend    *dose.Record  `json:"open_suspend,omitempty"`
	OpenResume     *dose.Record  `json:"open_resume,omitempty"`
}

// Unconfirmed reports whether any open dose in the snapshot is uncertain
func (s Snapshot) Unconfirmed() bool {
	for _, r := range []*dose.Record{s.OpenBolus, s.OpenTempBasal, s.OpenSuspend, s.OpenResume} {
		if r != nil && r.Certainty == dose.Uncertain {
			return true
		}
	}
	return false
}

// Persisted is the versioned on-disk layout of a State
type Persisted struct {
	Version int `json:"version"`
	Snapshot
}

// Snapshot returns a deep copy of the state
func (s *State) Snapshot() Snapshot {
	return Snapshot{
		BasalProgram:   s.program,
		SuspendState:   s.suspend,
		FinalizedDoses: s.Finalized(),
		OpenBolus:      s.slots[CategoryBolus].copyPtr(),
		OpenTempBasal:  s.slots[CategoryTempBasal].copyPtr(),
		OpenSuspend:    s.slots[CategorySuspend].copyPtr(),
		OpenResume:     s.slots[CategoryResume].copyPtr(),
	}
}

func (s Slot) copyPtr() *dose.Record {
	r, ok := s.Dose()
	if !ok {
		return nil
	}
	return &r
}

// Restore rebuilds a State from a snapshot. Each open dose must sit in the
// slot matching its type.
func Restore(snap Snapshot) (*State, error) {
	st := &State{
		program: snap.BasalProgram,
		suspend: snap.SuspendState,
	}
	open := []struct {
		category Category
		rec      *dose.Record
	}{
		{CategoryBolus, snap.OpenBolus},
		{CategoryTempBasal, snap.OpenTempBasal},
		{CategorySuspend, snap.OpenSuspend},
		{CategoryResume, snap.OpenResume},
	}
	for _, o := range open {
		if o.rec == nil {
			continue
		}
		if CategoryOf(o.rec.Type) != o.category {
			return nil, fmt.Errorf("%w: %s stored as open %s", ErrWrongType, o.rec.Type, o.category)
		}
		st.slots[o.category] = Open(*o.rec)
	}
	for _, r := range snap.FinalizedDoses {
		st.finalized = append(st.finalized, r.Clone())
	}
	return st, nil
}

// Marshal encodes the state in the current layout version
func Marshal(s *State) ([]byte, error) {
	data, err := json.Marshal(Persisted{Version: LayoutVersion, Snapshot: s.Snapshot()})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal delivery state: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a persisted state. Unknown layout versions are rejected
// rather than guessed at.
func Unmarshal(data []byte) (*State, error) {
	var p Persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal delivery state: %w", err)
	}
	if p.Version != LayoutVersion {
		return nil, fmt.Errorf("unsupported delivery state version %d", p.Version)
	}
	return Restore(p.Snapshot)
}
