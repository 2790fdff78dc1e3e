package device

import (
	"context"
	"testing"

	"github.com/salusml/salus/internal/resources"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCPUCopyToGPURoundTrip(t *testing.T) {
	ctx := context.Background()
	cpu := NewCPU(0)
	gpu := NewGPU(0, 2)
	defer gpu.Close()

	buf, err := cpu.Allocate(ctx, resources.Ticket(1), 16)
	require.NoError(t, err)
	copy(buf.Bytes(), []byte("0123456789abcdef"))

	moved, err := cpu.CopyTo(ctx, gpu, buf, resources.Ticket(1))
	require.NoError(t, err)
	assert.Equal(t, gpu.Descriptor(), moved.Device)
	assert.Equal(t, buf.Bytes(), moved.Bytes())
	assert.NotEqual(t, buf.Addr, moved.Addr)
}

func TestGPUSyncWaitsForQueuedWork(t *testing.T) {
	ctx := context.Background()
	gpu := NewGPU(0, 1)
	defer gpu.Close()

	ran := make(chan struct{}, 1)
	require.NoError(t, gpu.EnqueueKernel(ctx, func() error {
		ran <- struct{}{}
		return nil
	}))
	require.NoError(t, gpu.Sync(ctx))
	select {
	case <-ran:
	default:
		t.Fatal("kernel did not run before Sync returned")
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	cpu := NewCPU(0)
	gpu0 := NewGPU(0, 1)
	defer gpu0.Close()

	reg.Register(cpu)
	reg.Register(gpu0)

	assert.Same(t, Device(cpu), reg.Get(resources.Device{Kind: resources.CPU, Index: 0}))
	assert.Same(t, Device(gpu0), reg.Get(resources.Device{Kind: resources.GPU, Index: 0}))
	assert.Nil(t, reg.Get(resources.Device{Kind: resources.GPU, Index: 1}))
	assert.Len(t, reg.All(), 2)
}
