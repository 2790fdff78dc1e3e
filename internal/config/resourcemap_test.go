package config

import (
	"testing"

	"github.com/salusml/salus/internal/lane"
	"github.com/salusml/salus/internal/resources"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeResourceMapParsesPerGPUAndGlobalFields(t *testing.T) {
	raw := map[string]string{
		"MEMORY:GPU0.persistent":  "1000",
		"MEMORY:GPU0.temporary":   "500",
		"MEMORY:GPU1.persistent":  "2000",
		"MEMORY:GPU1.temporary":   "100",
		"TIME:TOTAL.persistent":   "3.5",
		"SCHED:PRIORITY.persistent": "50",
	}

	entries, err := DecodeResourceMap(raw)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	e0 := entries[0]
	require.NotNil(t, e0)
	assert.Equal(t, int64(1000), e0.PersistentBytes)
	assert.Equal(t, int64(500), e0.TemporaryBytes)
	assert.Equal(t, 50, e0.Priority)
	assert.InDelta(t, 3.5, e0.ExpectedRuntimeSec, 1e-9)

	e1 := entries[1]
	require.NotNil(t, e1)
	assert.Equal(t, int64(2000), e1.PersistentBytes)
	assert.Equal(t, int64(100), e1.TemporaryBytes)
}

func TestDecodeResourceMapRejectsMalformedKey(t *testing.T) {
	_, err := DecodeResourceMap(map[string]string{"MEMORY:GPUabc.persistent": "1"})
	assert.Error(t, err)
}

func TestDecodeResourceMapRejectsNonNumericAmount(t *testing.T) {
	_, err := DecodeResourceMap(map[string]string{"MEMORY:GPU0.persistent": "not-a-number"})
	assert.Error(t, err)
}

func TestLayoutFromResourceMapInflatesAndCaps(t *testing.T) {
	entries := map[int]*ResourceMapEntry{
		0: {GPUIndex: 0, PersistentBytes: 1000, TemporaryBytes: 200},
		1: {GPUIndex: 1, PersistentBytes: 900000, TemporaryBytes: 900000},
	}
	gpuTotal := map[int]int64{1: 1000000}

	layout := LayoutFromResourceMap(entries, gpuTotal)
	require.Len(t, layout, 2)

	assert.Equal(t, int64(1100), layout[0].Persistent)
	assert.Equal(t, int64(200), layout[0].Peak)
	assert.Equal(t, int64(1365), layout[0].MemoryLimit)
	assert.GreaterOrEqual(t, layout[0].MemoryLimit, layout[0].Persistent+layout[0].Peak)

	// Persistent inflates to 990000 (under the 1e6 limit, so not capped);
	// Peak is then squeezed down to the 10000 bytes of room that leaves, not
	// its own raw 900000 value, so Persistent+Peak lands exactly on the
	// limit instead of overshooting it.
	assert.Equal(t, int64(990000), layout[1].Persistent)
	assert.Equal(t, int64(10000), layout[1].Peak)
	assert.Equal(t, int64(1000000), layout[1].MemoryLimit, "total must be capped at the GPU's total memory")
	assert.GreaterOrEqual(t, layout[1].MemoryLimit, layout[1].Persistent+layout[1].Peak)
}

// TestLayoutFromResourceMapPersistentExceedsTemporaryAdmitsWithoutPanic drives
// the full DecodeResourceMap -> LayoutFromResourceMap -> Manager.RequestLanes
// path for a job shaped like a real training job: resident (persistent)
// memory that outweighs its per-iteration transient (peak) memory. Before the
// inflation fix, MemoryLimit was sized off the raw persistent+temporary sum
// while Peak was passed through uninflated and uncapped, so a freshly opened
// lane could reject the very request it was sized for and placeEntry's panic
// would bring the whole admission call down.
func TestLayoutFromResourceMapPersistentExceedsTemporaryAdmitsWithoutPanic(t *testing.T) {
	raw := map[string]string{
		"MEMORY:GPU0.persistent": "1000",
		"MEMORY:GPU0.temporary":  "200",
	}
	decoded, err := DecodeResourceMap(raw)
	require.NoError(t, err)

	layout := LayoutFromResourceMap(decoded, map[int]int64{0: 64 << 30})
	require.Len(t, layout, 1)
	require.GreaterOrEqual(t, layout[0].MemoryLimit, layout[0].Persistent+layout[0].Peak)

	mgr := lane.NewManager([]lane.GPUDescriptor{{
		Device:      resources.Device{Kind: resources.GPU, Index: 0},
		TotalMemory: 64 << 30,
	}})

	var holds []*lane.Hold
	require.NotPanics(t, func() {
		err = mgr.RequestLanes(&lane.Request{
			Entries:  layout,
			Ticket:   resources.Ticket(1),
			Callback: func(h []*lane.Hold) { holds = h },
		})
	})
	require.NoError(t, err)
	assert.Len(t, holds, 1)
}

func TestParseGPUMemoryKey(t *testing.T) {
	idx, field, err := parseGPUMemoryKey("MEMORY:GPU3.temporary")
	require.NoError(t, err)
	assert.Equal(t, 3, idx)
	assert.Equal(t, "temporary", field)

	_, _, err = parseGPUMemoryKey("MEMORY:GPU3")
	assert.Error(t, err)
}

func TestDecodeViaMapstructureNormalisesToStrings(t *testing.T) {
	raw := map[string]any{"MEMORY:GPU0.persistent": "1000"}
	out, err := DecodeViaMapstructure(raw)
	require.NoError(t, err)
	assert.Equal(t, "1000", out["MEMORY:GPU0.persistent"])
}
