package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/salusml/salus/internal/lane"
)

// ResourceMapEntry is one (GPU index -> layout) pairing decoded from a
// session config's salus_options.resource_map, keyed by prefixes like
// "MEMORY:GPU0.persistent".
type ResourceMapEntry struct {
	GPUIndex           int
	PersistentBytes    int64
	TemporaryBytes     int64
	ExpectedRuntimeSec float64
	Priority           int
}

const defaultPriority = 20

// inflatePersistentFactor/inflateTotalFactor are admission-time safety
// margins applied before capping a layout entry at the GPU's total memory:
// persistent bytes are inflated 10%, the combined total 5% over whatever
// persistent+peak floor survives capping, so MemoryLimit never drops below
// Persistent+Peak regardless of which of the two dominates.
const (
	inflatePersistentFactor = 1.10
	inflateTotalFactor      = 1.05
)

// DecodeResourceMap parses a raw salus_options.resource_map (string ->
// string, as it arrives over the wire) into one ResourceMapEntry per GPU
// index named, parsing each value with strconv.
func DecodeResourceMap(raw map[string]string) (map[int]*ResourceMapEntry, error) {
	entries := make(map[int]*ResourceMapEntry)
	priority := defaultPriority
	var expectedRuntime float64

	for key, value := range raw {
		switch {
		case key == "TIME:TOTAL.persistent":
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, fmt.Errorf("config: resource_map %q: %w", key, err)
			}
			expectedRuntime = v
		case key == "SCHED:PRIORITY.persistent":
			v, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("config: resource_map %q: %w", key, err)
			}
			priority = v
		case strings.HasPrefix(key, "MEMORY:GPU"):
			idx, field, err := parseGPUMemoryKey(key)
			if err != nil {
				return nil, err
			}
			amount, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("config: resource_map %q: %w", key, err)
			}
			e := entries[idx]
			if e == nil {
				e = &ResourceMapEntry{GPUIndex: idx}
				entries[idx] = e
			}
			if field == "persistent" {
				e.PersistentBytes = amount
			} else {
				e.TemporaryBytes = amount
			}
		}
	}
	for _, e := range entries {
		e.Priority = priority
		e.ExpectedRuntimeSec = expectedRuntime
	}
	return entries, nil
}

// parseGPUMemoryKey splits "MEMORY:GPU<i>.<field>" into its GPU index and
// field name ("persistent" or "temporary").
func parseGPUMemoryKey(key string) (int, string, error) {
	rest := strings.TrimPrefix(key, "MEMORY:GPU")
	dot := strings.IndexByte(rest, '.')
	if dot < 0 {
		return 0, "", fmt.Errorf("config: malformed resource_map key %q", key)
	}
	idx, err := strconv.Atoi(rest[:dot])
	if err != nil {
		return 0, "", fmt.Errorf("config: malformed resource_map key %q: %w", key, err)
	}
	return idx, rest[dot+1:], nil
}

// LayoutFromResourceMap converts decoded ResourceMapEntry values into the
// lane.LayoutEntry vector a CreateSession call hands the lane manager,
// applying the inflation/capping rule above.
func LayoutFromResourceMap(entries map[int]*ResourceMapEntry, gpuTotalMemory map[int]int64) []lane.LayoutEntry {
	indices := make([]int, 0, len(entries))
	for idx := range entries {
		indices = append(indices, idx)
	}
	sortInts(indices)

	out := make([]lane.LayoutEntry, 0, len(indices))
	for _, idx := range indices {
		e := entries[idx]
		persistent := int64(float64(e.PersistentBytes) * inflatePersistentFactor)
		if limit, ok := gpuTotalMemory[idx]; ok && persistent > limit {
			persistent = limit
		}

		// Peak is capped against whatever room persistent left in the GPU's
		// limit, never against its own raw value alone: otherwise a job whose
		// resident weight already exceeds the limit could still carry a
		// nonzero peak and break Persistent+Peak<=MemoryLimit below.
		peak := e.TemporaryBytes
		if limit, ok := gpuTotalMemory[idx]; ok {
			if room := limit - persistent; peak > room {
				peak = room
			}
			if peak < 0 {
				peak = 0
			}
		}

		// total must cover persistent+peak even after the inflation factor is
		// applied to and capped at the GPU's limit; MemoryLimit<Persistent+Peak
		// would make the lane Persistent/Peak was sized for reject the very
		// request it was opened to satisfy.
		floor := persistent + peak
		total := int64(float64(floor) * inflateTotalFactor)
		if limit, ok := gpuTotalMemory[idx]; ok && total > limit {
			total = limit
		}
		if total < floor {
			total = floor
		}

		out = append(out, lane.LayoutEntry{
			MemoryLimit: total,
			Persistent:  persistent,
			Peak:        peak,
		})
	}
	return out
}

func sortInts(xs []int) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] > xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}

// DecodeViaMapstructure is a thin wrapper kept for callers that already have
// a map[string]any rather than a map[string]string; it decodes raw into a map[string]string
// with mapstructure and returns it, ready for the caller to pass to
// DecodeResourceMap.
func DecodeViaMapstructure(raw map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	if err := mapstructure.Decode(raw, &out); err != nil {
		return nil, fmt.Errorf("config: decoding resource_map: %w", err)
	}
	return out, nil
}
