// Package resources implements Salus's resource monitor and allocation
// regulator: system-wide and per-ticket accounting of typed
// resources with atomic reserve/commit/release semantics.
package resources

import "fmt"

// Type enumerates the kinds of resource Salus accounts for.
type Type string

const (
	Compute   Type = "COMPUTE"
	Memory    Type = "MEMORY"
	GPUStream Type = "GPU_STREAM"
	Exclusive Type = "EXCLUSIVE"
)

// DeviceKind distinguishes host memory from a GPU's memory.
type DeviceKind string

const (
	CPU DeviceKind = "CPU"
	GPU DeviceKind = "GPU"
)

// Device names one physical device, e.g. GPU:0 or CPU:0.
type Device struct {
	Kind  DeviceKind
	Index int
}

func (d Device) String() string {
	return fmt.Sprintf("%s:%d", d.Kind, d.Index)
}

// ParseDevice parses the "/job:salus/.../device:{CPU|GPU}:i" suffix format
// used on the wire, accepting either the
// bare "KIND:i" form or the full device path.
func ParseDevice(name string) (Device, error) {
	suffix := name
	if idx := lastIndex(name, "device:"); idx >= 0 {
		suffix = name[idx+len("device:"):]
	}
	colon := lastIndex(suffix, ":")
	if colon < 0 {
		return Device{}, fmt.Errorf("resources: invalid device name %q", name)
	}
	kind := suffix[:colon]
	var index int
	if _, err := fmt.Sscanf(suffix[colon+1:], "%d", &index); err != nil {
		return Device{}, fmt.Errorf("resources: invalid device name %q: %w", name, err)
	}
	switch DeviceKind(kind) {
	case CPU, GPU:
		return Device{Kind: DeviceKind(kind), Index: index}, nil
	default:
		return Device{}, fmt.Errorf("resources: unknown device kind %q in %q", kind, name)
	}
}

func lastIndex(s, sub string) int {
	last := -1
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			last = i
		}
	}
	return last
}

// Tag is the unit of accounting: a (type, device) pair.
type Tag struct {
	Type   Type
	Device Device
}

func (t Tag) String() string {
	return fmt.Sprintf("%s:%s", t.Type, t.Device)
}

// GPUMemory is a convenience constructor for the common MEMORY:GPU<i> tag.
func GPUMemory(index int) Tag {
	return Tag{Type: Memory, Device: Device{Kind: GPU, Index: index}}
}

// CPUMemory is a convenience constructor for the MEMORY:CPU<i> tag.
func CPUMemory(index int) Tag {
	return Tag{Type: Memory, Device: Device{Kind: CPU, Index: index}}
}
