package resources

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func platformLimitsFixture() Set {
	return NewSet(
		Pair{CPUMemory(0), 50 << 30},
		Pair{GPUMemory(0), 16 << 30},
		Pair{Tag{Type: GPUStream, Device: Device{Kind: GPU, Index: 0}}, 80},
		Pair{Tag{Type: Exclusive, Device: Device{Kind: GPU, Index: 0}}, 1},
	)
}

func TestPreallocateAllocateFreeRoundTrip(t *testing.T) {
	m := NewMonitor(platformLimitsFixture())
	original := m.GlobalRemaining()

	req := NewSet(Pair{GPUMemory(0), 1 << 30})
	ticket, missing, err := m.Preallocate(req)
	require.NoError(t, err)
	require.Nil(t, missing)
	require.NotEqual(t, NoTicket, ticket)

	require.NoError(t, m.Allocate(ticket, req))
	assert.Equal(t, req, m.QueryUsage(ticket))

	emptied, err := m.Free(ticket, req)
	require.NoError(t, err)
	assert.True(t, emptied)

	assert.Equal(t, original, m.GlobalRemaining())
}

func TestAllocatePartiallyFromStagingThenGlobal(t *testing.T) {
	m := NewMonitor(platformLimitsFixture())
	ticket, _, err := m.Preallocate(NewSet(Pair{GPUMemory(0), 512 << 20}))
	require.NoError(t, err)

	// Request more than staged; the residual must come from global limits.
	req := NewSet(Pair{GPUMemory(0), 768 << 20})
	require.NoError(t, m.Allocate(ticket, req))

	assert.Equal(t, req, m.QueryUsage(ticket))
	assert.Equal(t, Set{}, m.QueryStaging(ticket))

	remaining := m.GlobalRemaining()
	// 16GiB - 768MiB: 512MiB already moved to staging at preallocate time,
	// plus the 256MiB residual drawn from global.
	assert.Equal(t, int64(16<<30)-int64(768<<20), remaining.GPUMemoryOf(0))
}

func TestAllocateFailsLeavesAccountsUntouched(t *testing.T) {
	m := NewMonitor(platformLimitsFixture())
	before := m.GlobalRemaining()

	ticket, _, err := m.Preallocate(NewSet(Pair{GPUMemory(0), 1 << 30}))
	require.NoError(t, err)
	beforeAllocate := m.GlobalRemaining()

	req := NewSet(Pair{GPUMemory(0), 100 << 30}) // far exceeds capacity
	err = m.Allocate(ticket, req)
	require.Error(t, err)

	var admissionErr *AdmissionError
	require.ErrorAs(t, err, &admissionErr)
	assert.Equal(t, m.GlobalRemaining(), beforeAllocate)
	assert.NotEqual(t, before, beforeAllocate) // staging did move at preallocate time
}

func TestFreeStagingReturnsRemainderToGlobal(t *testing.T) {
	m := NewMonitor(platformLimitsFixture())
	original := m.GlobalRemaining()

	ticket, _, err := m.Preallocate(NewSet(Pair{GPUMemory(0), 1 << 30}))
	require.NoError(t, err)

	returned := m.FreeStaging(ticket)
	assert.Equal(t, int64(1<<30), returned.GPUMemoryOf(0))
	assert.Equal(t, original, m.GlobalRemaining())
	assert.Equal(t, Set{}, m.QueryStaging(ticket))
}

func TestFreeUnderflowPanics(t *testing.T) {
	m := NewMonitor(platformLimitsFixture())
	ticket, _, err := m.Preallocate(NewSet(Pair{GPUMemory(0), 1 << 30}))
	require.NoError(t, err)
	require.NoError(t, m.Allocate(ticket, NewSet(Pair{GPUMemory(0), 1 << 30})))

	assert.Panics(t, func() {
		_, _ = m.Free(ticket, NewSet(Pair{GPUMemory(0), 2 << 30}))
	})
}

func TestTicketZeroRejected(t *testing.T) {
	m := NewMonitor(platformLimitsFixture())
	err := m.Allocate(NoTicket, NewSet(Pair{GPUMemory(0), 1}))
	assert.ErrorIs(t, err, ErrNoTicket)

	_, err = m.Free(NoTicket, NewSet(Pair{GPUMemory(0), 1}))
	assert.ErrorIs(t, err, ErrNoTicket)
}

func TestSortVictimsOrdersByDecreasingGPUMemory(t *testing.T) {
	m := NewMonitor(platformLimitsFixture())

	mk := func(amount int64) Ticket {
		ticket, _, err := m.Preallocate(NewSet(Pair{GPUMemory(0), amount}))
		require.NoError(t, err)
		require.NoError(t, m.Allocate(ticket, NewSet(Pair{GPUMemory(0), amount})))
		return ticket
	}
	small := mk(256 << 20)
	big := mk(2 << 30)
	medium := mk(1 << 30)

	sorted := m.SortVictims([]Ticket{small, big, medium})
	assert.Equal(t, []Ticket{big, medium, small}, sorted)
}

func TestLockedProxyAtomicReconciliation(t *testing.T) {
	m := NewMonitor(platformLimitsFixture())
	from, _, err := m.Preallocate(NewSet(Pair{GPUMemory(0), 1 << 30}))
	require.NoError(t, err)
	require.NoError(t, m.Allocate(from, NewSet(Pair{GPUMemory(0), 1 << 30})))

	to := m.RegisterJob()

	// Move 1GiB of "in use" accounting from one ticket to another atomically,
	// under a single hold of the Monitor's lock.
	m.Locked(func(p *LockedProxy) {
		emptied, err := p.Free(from, NewSet(Pair{GPUMemory(0), 1 << 30}))
		require.NoError(t, err)
		require.True(t, emptied)

		// to has no staging, so Allocate must draw the whole amount back
		// from the global limits Free just replenished.
		require.NoError(t, p.Allocate(to, NewSet(Pair{GPUMemory(0), 1 << 30})))
	})

	assert.True(t, m.QueryUsage(from).IsEmpty())
	assert.Equal(t, int64(1<<30), m.QueryUsage(to).GPUMemoryOf(0))
}
