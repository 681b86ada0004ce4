package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/infusion/pkg/dose"
	"github.com/cuemby/infusion/pkg/pulse"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type memStore struct {
	items   map[string]Pending
	failErr error
}

func newMemStore() *memStore {
	return &memStore{items: make(map[string]Pending)}
}

func (m *memStore) SavePending(p Pending) error {
	if m.failErr != nil {
		return m.failErr
	}
	m.items[p.CommandID] = p
	return nil
}

func (m *memStore) DeletePending(id string) error {
	if m.failErr != nil {
		return m.failErr
	}
	delete(m.items, id)
	return nil
}

func (m *memStore) ListPending() ([]Pending, error) {
	var out []Pending
	for _, p := range m.items {
		out = append(out, p)
	}
	return out, m.failErr
}

func TestQueue_HandleAndResolve(t *testing.T) {
	q, err := NewQueue(nil)
	require.NoError(t, err)
	ctx := context.Background()

	b, err := dose.NewBolus(t0, 1.0, pulse.BolusDuration(1.0), pulse.DefaultSize)
	require.NoError(t, err)
	b.Certainty = dose.Uncertain

	require.NoError(t, q.HandleUncertain(ctx, Pending{CommandID: "b", Op: OpBolus, IssuedAt: t0.Add(time.Minute), Dose: &b}))
	require.NoError(t, q.HandleUncertain(ctx, Pending{CommandID: "a", Op: OpSuspend, IssuedAt: t0}))
	assert.Equal(t, 2, q.Len())

	pending := q.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].CommandID, "oldest first")
	assert.Equal(t, "b", pending[1].CommandID)

	require.NoError(t, q.Resolve("a"))
	require.NoError(t, q.Resolve("a"))
	require.NoError(t, q.Resolve("unknown"))
	assert.Equal(t, 1, q.Len())
}

func TestQueue_RequiresID(t *testing.T) {
	q, err := NewQueue(nil)
	require.NoError(t, err)
	assert.Error(t, q.HandleUncertain(context.Background(), Pending{Op: OpBolus}))
}

func TestQueue_PersistsThroughStore(t *testing.T) {
	store := newMemStore()
	q, err := NewQueue(store)
	require.NoError(t, err)

	require.NoError(t, q.HandleUncertain(context.Background(), Pending{CommandID: "x", Op: OpTempBasal, IssuedAt: t0}))
	assert.Contains(t, store.items, "x")

	reloaded, err := NewQueue(store)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.Len())

	require.NoError(t, reloaded.Resolve("x"))
	assert.Empty(t, store.items)
}

func TestQueue_StoreFailureStillQueues(t *testing.T) {
	store := newMemStore()
	q, err := NewQueue(store)
	require.NoError(t, err)

	store.failErr = errors.New("disk full")
	err = q.HandleUncertain(context.Background(), Pending{CommandID: "x", Op: OpBolus, IssuedAt: t0})
	require.Error(t, err)
	assert.Equal(t, 1, q.Len())

	assert.Error(t, q.Resolve("x"))
	assert.Zero(t, q.Len(), "never resolved twice in this process")

	_, err = NewQueue(store)
	assert.Error(t, err)
}
