package worker

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryFirstDispatchWins(t *testing.T) {
	r := NewRegistry(0)
	id := uuid.New()

	assert.Equal(t, AddOK, r.TryAdd(id))
	assert.Equal(t, AddDuplicate, r.TryAdd(id))
	assert.Equal(t, 1, r.Len())

	assert.True(t, r.Remove(id))
	assert.Equal(t, AddOK, r.TryAdd(id), "id is admissible again once removed")
}

func TestRegistryRemoveExactlyOnce(t *testing.T) {
	r := NewRegistry(0)
	id := uuid.New()

	require.Equal(t, AddOK, r.TryAdd(id))
	assert.True(t, r.Remove(id))
	assert.False(t, r.Remove(id), "second removal must be a no-op")
	assert.Equal(t, 0, r.Len())
}

func TestRegistryAdmissionControl(t *testing.T) {
	r := NewRegistry(2)

	assert.Equal(t, AddOK, r.TryAdd(uuid.New()))
	first := uuid.New()
	assert.Equal(t, AddOK, r.TryAdd(first))
	assert.Equal(t, AddSaturated, r.TryAdd(uuid.New()))

	r.Remove(first)
	assert.Equal(t, AddOK, r.TryAdd(uuid.New()), "capacity frees up on removal")
}

func TestRegistrySnapshotIsCopy(t *testing.T) {
	r := NewRegistry(0)
	a, b := uuid.New(), uuid.New()
	r.TryAdd(a)
	r.TryAdd(b)

	snap := r.Snapshot()
	assert.ElementsMatch(t, []uuid.UUID{a, b}, snap)

	r.Remove(a)
	assert.ElementsMatch(t, []uuid.UUID{a, b}, snap, "snapshot must not track later mutations")
	assert.ElementsMatch(t, []uuid.UUID{b}, r.Snapshot())
}

func TestRegistryCloseStopsActor(t *testing.T) {
	r := NewRegistry(0)
	id := uuid.New()
	require.Equal(t, AddOK, r.TryAdd(id))

	r.Close()
	r.Close() // idempotent

	// Post-close calls degrade instead of blocking: execution units that
	// outlive a drain timeout still call Remove safely.
	assert.Equal(t, AddSaturated, r.TryAdd(uuid.New()))
	assert.False(t, r.Remove(id))
	assert.Nil(t, r.Snapshot())
	assert.Equal(t, 0, r.Len())
}

func TestRegistryConcurrentChurn(t *testing.T) {
	r := NewRegistry(0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := uuid.New()
			require.Equal(t, AddOK, r.TryAdd(id))
			_ = r.Snapshot()
			require.True(t, r.Remove(id))
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
}
