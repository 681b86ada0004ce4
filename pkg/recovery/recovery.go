// Package recovery holds device commands whose outcome is unknown until a
// later status read can settle them.
package recovery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/infusion/pkg/basal"
	"github.com/cuemby/infusion/pkg/dose"
	"github.com/cuemby/infusion/pkg/log"
)

// Op names the controller operation behind a pending command
type Op string

const (
	OpSetBasal        Op = "setBasal"
	OpBolus           Op = "bolus"
	OpCancelBolus     Op = "cancelBolus"
	OpTempBasal       Op = "tempBasal"
	OpCancelTempBasal Op = "cancelTempBasal"
	OpSuspend         Op = "suspend"
	OpResume          Op = "resume"
)

// Pending is one command that may or may not have reached the device.
// Dose is the uncertain record it would produce; Program is set for
// commands that send a basal program.
type Pending struct {
	CommandID string         `json:"command_id"`
	Op        Op             `json:"op"`
	IssuedAt  time.Time      `json:"issued_at"`
	Dose      *dose.Record   `json:"dose,omitempty"`
	Program   *basal.Program `json:"program,omitempty"`
}

// Store persists pending commands across restarts
type Store interface {
	SavePending(p Pending) error
	DeletePending(commandID string) error
	ListPending() ([]Pending, error)
}

// Queue implements the controller's uncertainty handler. It is safe for
// concurrent use.
type Queue struct {
	mu    sync.Mutex
	items map[string]Pending
	store Store
}

// NewQueue creates a queue, reloading anything left in store. store may be
// nil for an in-memory queue.
func NewQueue(store Store) (*Queue, error) {
	q := &Queue{items: make(map[string]Pending), store: store}
	if store == nil {
		return q, nil
	}

	pending, err := store.ListPending()
	if err != nil {
		return nil, fmt.Errorf("failed to load pending commands: %w", err)
	}
	for _, p := range pending {
		q.items[p.CommandID] = p
	}
	if len(pending) > 0 {
		logger := log.WithComponent("recovery")
		logger.Warn().Int("count", len(pending)).Msg("Reloaded unconfirmed device commands")
	}
	return q, nil
}

// HandleUncertain records p until it is resolved. A store failure is
// returned but the command stays queued in memory, so this process can
// still resolve it.
func (q *Queue) HandleUncertain(ctx context.Context, p Pending) error {
	if p.CommandID == "" {
		return fmt.Errorf("pending command has no id")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.items[p.CommandID] = p

	logger := log.WithCommandID(log.WithComponent("recovery"), p.CommandID)
	logger.Warn().Str("op", string(p.Op)).Msg("Device command outcome unknown, queued for recovery")

	if q.store != nil {
		if err := q.store.SavePending(p); err != nil {
			return fmt.Errorf("failed to save pending command %s: %w", p.CommandID, err)
		}
	}
	return nil
}

// Pending returns the queued commands, oldest first
func (q *Queue) Pending() []Pending {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Pending, 0, len(q.items))
	for _, p := range q.items {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].CommandID < out[j].CommandID
		}
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})
	return out
}

// Len returns the number of queued commands
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Resolve drops a command. Unknown IDs are ignored, so a late duplicate
// resolution is harmless. The command leaves the in-memory queue even when
// the store delete fails; a resolution must never be applied twice.
func (q *Queue) Resolve(commandID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.items[commandID]; !ok {
		return nil
	}
	delete(q.items, commandID)

	if q.store != nil {
		if err := q.store.DeletePending(commandID); err != nil {
			return fmt.Errorf("failed to delete pending command %s: %w", commandID, err)
		}
	}
	return nil
}
