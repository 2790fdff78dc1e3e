// Package device models the per-op device trait: a small interface covering
// allocate/enqueue/copy/sync, with CPU and GPU variants. Salus has no real
// CUDA driver to bind to, so the GPU variant simulates device memory and
// kernel dispatch; the interface shape is what the dataflow executor and
// buffer-tree paging subsystem depend on, not any particular backend.
package device

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/salusml/salus/internal/resources"
)

// Buffer is an opaque handle to device-resident bytes. Its Addr is stable for
// the buffer's lifetime and is used as the eviction-notification key in
// internal/buffertree.
type Buffer struct {
	Addr   uintptr
	Device resources.Device
	Size   int64
	data   []byte
}

// Bytes exposes the buffer's backing storage, for the simulated copy path.
func (b *Buffer) Bytes() []byte { return b.data }

var nextAddr atomic.Uintptr

func newBuffer(dev resources.Device, size int64) *Buffer {
	addr := nextAddr.Add(uintptr(size) + 1)
	return &Buffer{Addr: addr, Device: dev, Size: size, data: make([]byte, size)}
}

// EvictionNotifier is implemented by the allocator layer so it can tell the
// dataflow executor a raw address was evicted externally.
type EvictionNotifier interface {
	OnEvicted(ticket resources.Ticket, addr uintptr)
}

// Device is the trait every physical device implements: allocate, enqueue a
// kernel, copy to another device, and synchronize outstanding work.
type Device interface {
	Kind() resources.DeviceKind
	Index() int
	Descriptor() resources.Device

	Allocate(ctx context.Context, ticket resources.Ticket, size int64) (*Buffer, error)
	Free(buf *Buffer)
	// EnqueueKernel runs fn and returns its error. Both the CPU and the GPU
	// implementation run fn synchronously on the calling goroutine.
	EnqueueKernel(ctx context.Context, fn func() error) error
	// CopyTo performs a DMA-style copy of src (resident on this device) to a
	// freshly allocated buffer on dst, returning the new buffer.
	CopyTo(ctx context.Context, dst Device, src *Buffer, ticket resources.Ticket) (*Buffer, error)
	Sync(ctx context.Context) error
}

// CPU is the host-memory device.
type CPU struct {
	index int
}

// NewCPU constructs the CPU device at index i (almost always 0).
func NewCPU(index int) *CPU { return &CPU{index: index} }

func (c *CPU) Kind() resources.DeviceKind       { return resources.CPU }
func (c *CPU) Index() int                       { return c.index }
func (c *CPU) Descriptor() resources.Device     { return resources.Device{Kind: resources.CPU, Index: c.index} }
func (c *CPU) Free(buf *Buffer)                 {}
func (c *CPU) Sync(ctx context.Context) error   { return nil }

func (c *CPU) Allocate(ctx context.Context, ticket resources.Ticket, size int64) (*Buffer, error) {
	return newBuffer(c.Descriptor(), size), nil
}

func (c *CPU) EnqueueKernel(ctx context.Context, fn func() error) error {
	return fn()
}

func (c *CPU) CopyTo(ctx context.Context, dst Device, src *Buffer, ticket resources.Ticket) (*Buffer, error) {
	nb, err := dst.Allocate(ctx, ticket, src.Size)
	if err != nil {
		return nil, fmt.Errorf("device: copy CPU->%s allocate: %w", dst.Descriptor(), err)
	}
	copy(nb.data, src.data)
	return nb, nil
}

// GPU is a simulated GPU device: it models a stream queue but does not talk
// to any real driver, and Allocate enforces no memory budget.
type GPU struct {
	index  int
	mu     sync.Mutex
	queue  chan func() error
	closed chan struct{}
}

// NewGPU constructs the simulated GPU device at index i with streamCount
// background stream workers draining its kernel queue.
func NewGPU(index int, streamCount int) *GPU {
	if streamCount <= 0 {
		streamCount = 1
	}
	g := &GPU{
		index:  index,
		queue:  make(chan func() error, 1024),
		closed: make(chan struct{}),
	}
	for i := 0; i < streamCount; i++ {
		go g.drain()
	}
	return g
}

func (g *GPU) drain() {
	for {
		select {
		case fn, ok := <-g.queue:
			if !ok {
				return
			}
			_ = fn()
		case <-g.closed:
			return
		}
	}
}

// Close stops the GPU's stream workers. Used by tests and daemon shutdown.
func (g *GPU) Close() { close(g.closed) }

func (g *GPU) Kind() resources.DeviceKind   { return resources.GPU }
func (g *GPU) Index() int                   { return g.index }
func (g *GPU) Descriptor() resources.Device { return resources.Device{Kind: resources.GPU, Index: g.index} }
func (g *GPU) Free(buf *Buffer)              {}

func (g *GPU) Allocate(ctx context.Context, ticket resources.Ticket, size int64) (*Buffer, error) {
	return newBuffer(g.Descriptor(), size), nil
}

// EnqueueKernel runs fn synchronously on the calling goroutine; the stream
// queue is used only by Sync, not by kernels or CopyTo.
func (g *GPU) EnqueueKernel(ctx context.Context, fn func() error) error {
	return fn()
}

func (g *GPU) CopyTo(ctx context.Context, dst Device, src *Buffer, ticket resources.Ticket) (*Buffer, error) {
	nb, err := dst.Allocate(ctx, ticket, src.Size)
	if err != nil {
		return nil, fmt.Errorf("device: copy GPU:%d->%s allocate: %w", g.index, dst.Descriptor(), err)
	}
	copy(nb.data, src.data)
	return nb, nil
}

func (g *GPU) Sync(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case g.queue <- func() error { close(done); return nil }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Registry resolves a resources.Device descriptor to a live Device, the
// lookup table the dataflow executor and buffer-tree subsystem use to turn an
// Entry's recorded device into the object whose CopyTo it needs to call.
type Registry struct {
	mu      sync.RWMutex
	devices map[resources.Device]Device
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[resources.Device]Device)}
}

// Register adds dev, keyed by its descriptor.
func (r *Registry) Register(dev Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[dev.Descriptor()] = dev
}

// Get resolves desc to its Device, or nil if unregistered.
func (r *Registry) Get(desc resources.Device) Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices[desc]
}

// All returns every registered device, for Sync-all-on-completion sweeps.
func (r *Registry) All() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out
}
