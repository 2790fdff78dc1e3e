package lane

import (
	"testing"

	"github.com/salusml/salus/internal/resources"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gpu(index int, totalMemory int64) GPUDescriptor {
	return GPUDescriptor{
		Device:      resources.Device{Kind: resources.GPU, Index: index},
		TotalMemory: totalMemory,
	}
}

func TestNewLaneCreatedWhenGPUHasRoom(t *testing.T) {
	m := NewManager([]GPUDescriptor{gpu(0, 15<<30)})

	var holds []*Hold
	err := m.RequestLanes(&Request{
		Entries: []LayoutEntry{{MemoryLimit: 2<<30, Persistent: 1<<30, Peak: 1<<30}},
		Ticket:  1,
		Callback: func(h []*Hold) {
			holds = h
		},
	})
	require.NoError(t, err)
	require.Len(t, holds, 1)
	assert.Equal(t, int64(2<<30), holds[0].Lane().TotalMemory())
	assert.Equal(t, int64(13<<30), m.AvailableMemory(0))
}

func TestSharedLaneScenario(t *testing.T) {
	// Two jobs that both fit inside one lane's budget should share it.
	m := NewManager([]GPUDescriptor{gpu(0, 15<<30)})

	var holdsA []*Hold
	require.NoError(t, m.RequestLanes(&Request{
		Entries:  []LayoutEntry{{MemoryLimit: 2<<30, Persistent: 1<<30, Peak: 1<<30}},
		Ticket:   1,
		Callback: func(h []*Hold) { holdsA = h },
	}))
	require.Len(t, holdsA, 1)
	laneA := holdsA[0].Lane()

	var holdsB []*Hold
	require.NoError(t, m.RequestLanes(&Request{
		Entries:  []LayoutEntry{{MemoryLimit: 2<<30, Persistent: 1<<30, Peak: 1<<30}},
		Ticket:   2,
		Callback: func(h []*Hold) { holdsB = h },
	}))
	require.Len(t, holdsB, 1)

	assert.Same(t, laneA, holdsB[0].Lane(), "B should reuse A's lane: 1+max(1,1) <= 2")
	assert.Equal(t, int64(0), laneA.AvailableMemory())
	assert.Equal(t, int64(13<<30), m.AvailableMemory(0))
}

func TestDisableSharedLaneForbidsCoresidency(t *testing.T) {
	t.Setenv("SALUS_DISABLE_SHARED_LANE", "1")
	m := NewManager([]GPUDescriptor{gpu(0, 3<<30)})

	require.NoError(t, m.RequestLanes(&Request{
		Entries:  []LayoutEntry{{MemoryLimit: 2<<30, Persistent: 1<<30, Peak: 1<<30}},
		Ticket:   1,
		Callback: func([]*Hold) {},
	}))

	fired := false
	require.NoError(t, m.RequestLanes(&Request{
		Entries:  []LayoutEntry{{MemoryLimit: 2<<30, Persistent: 1<<30, Peak: 1<<30}},
		Ticket:   2,
		Callback: func([]*Hold) { fired = true },
	}))
	assert.False(t, fired, "second job must not share the first job's lane")
	assert.Equal(t, 1, m.PendingCount())
}

func TestReleaseHoldRetriesPendingRequests(t *testing.T) {
	m := NewManager([]GPUDescriptor{gpu(0, 4<<30)})

	var holdsA []*Hold
	require.NoError(t, m.RequestLanes(&Request{
		Entries:  []LayoutEntry{{MemoryLimit: 4<<30, Persistent: 4<<30, Peak: 0}},
		Ticket:   1,
		Callback: func(h []*Hold) { holdsA = h },
	}))
	require.Len(t, holdsA, 1)

	var holdsB []*Hold
	require.NoError(t, m.RequestLanes(&Request{
		Entries:  []LayoutEntry{{MemoryLimit: 1<<30, Persistent: 1<<30, Peak: 0}},
		Ticket:   2,
		Callback: func(h []*Hold) { holdsB = h },
	}))
	assert.Nil(t, holdsB, "GPU is fully occupied; B must queue")
	assert.Equal(t, 1, m.PendingCount())

	m.ReleaseHold(holdsA[0])

	require.Len(t, holdsB, 1, "B's callback should fire once A's hold is released")
	assert.Equal(t, 0, m.PendingCount())
}

func TestRequestRejectedWhenFewerGPUsThanEntries(t *testing.T) {
	m := NewManager([]GPUDescriptor{gpu(0, 4<<30)})
	err := m.RequestLanes(&Request{
		Entries: []LayoutEntry{
			{MemoryLimit: 1<<30, Persistent: 1<<30},
			{MemoryLimit: 1<<30, Persistent: 1<<30},
		},
		Ticket:   1,
		Callback: func([]*Hold) { t.Fatal("callback must not fire for a rejected request") },
	})
	assert.ErrorIs(t, err, ErrTooManyEntries)
	assert.Equal(t, 0, m.PendingCount())
}

func TestWholeGPULanePreventsFurtherAdmission(t *testing.T) {
	// Boundary case: memory_limit == total_memory, persistent ==
	// memory_limit occupies the whole GPU.
	m := NewManager([]GPUDescriptor{gpu(0, 8<<30)})
	require.NoError(t, m.RequestLanes(&Request{
		Entries:  []LayoutEntry{{MemoryLimit: 8<<30, Persistent: 8<<30}},
		Ticket:   1,
		Callback: func([]*Hold) {},
	}))
	assert.Equal(t, int64(0), m.AvailableMemory(0))

	fired := false
	require.NoError(t, m.RequestLanes(&Request{
		Entries:  []LayoutEntry{{MemoryLimit: 1, Persistent: 1}},
		Ticket:   2,
		Callback: func([]*Hold) { fired = true },
	}))
	assert.False(t, fired)
}

func TestSingleLaneModeCollapsesToOneLane(t *testing.T) {
	t.Setenv("SALUS_DISABLE_LANEMGR", "1")
	m := NewManager([]GPUDescriptor{gpu(0, 8<<30), gpu(1, 8<<30)})

	var holds []*Hold
	require.NoError(t, m.RequestLanes(&Request{
		Entries:  []LayoutEntry{{MemoryLimit: 2<<30, Persistent: 1<<30, Peak: 1<<30}},
		Ticket:   1,
		Callback: func(h []*Hold) { holds = h },
	}))
	require.Len(t, holds, 1)
	assert.Equal(t, resources.Device{Kind: resources.GPU, Index: 0}, holds[0].Lane().GPU())
	assert.Equal(t, int64(8<<30), holds[0].Lane().TotalMemory())
}

func TestGCCollectsEmptyLanesOnly(t *testing.T) {
	m := NewManager([]GPUDescriptor{gpu(0, 8<<30)})
	var holds []*Hold
	require.NoError(t, m.RequestLanes(&Request{
		Entries:  []LayoutEntry{{MemoryLimit: 2<<30, Persistent: 1<<30}},
		Ticket:   1,
		Callback: func(h []*Hold) { holds = h },
	}))
	require.Len(t, holds, 1)

	assert.Equal(t, 0, m.GC(), "lane still has a live hold")

	m.ReleaseHold(holds[0])
	assert.Equal(t, 1, m.GC())
	assert.Equal(t, int64(8<<30), m.AvailableMemory(0))
}
