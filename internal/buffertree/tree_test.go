package buffertree

import (
	"context"
	"testing"

	"github.com/salusml/salus/internal/device"
	"github.com/salusml/salus/internal/resources"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArenaAllocGetRelease(t *testing.T) {
	a := NewArena(2)
	idx, e := a.Alloc()
	require.NotNil(t, e)
	assert.Same(t, e, a.Get(idx))

	a.Release(idx)
	assert.Nil(t, a.Get(idx))

	idx2, e2 := a.Alloc()
	assert.Equal(t, idx, idx2, "released slots should be reused")
	assert.NotSame(t, e, e2)
}

func TestForestActivateAndActivateSub(t *testing.T) {
	arena := NewArena(4)
	forest := NewForest(arena)
	cpu := device.NewCPU(0)

	rootIdx, rootEntry := arena.Alloc()
	rootBuf, err := cpu.Allocate(context.Background(), resources.Ticket(1), 64)
	require.NoError(t, err)
	rootEntry.SetValue(rootBuf, "float32", []int64{8, 8}, cpu.Descriptor(), resources.Ticket(1))

	forest.Activate(rootIdx, resources.Ticket(1), rootBuf)
	tree := forest.EntryTree(rootIdx)
	require.NotNil(t, tree)
	assert.Equal(t, resources.Ticket(1), tree.Ticket())
	assert.Same(t, rootBuf, tree.RootBuffer())

	subIdx, subEntry := arena.Alloc()
	subBuf := &device.Buffer{Addr: rootBuf.Addr + 16, Device: cpu.Descriptor(), Size: 16}
	subEntry.SetReference(subBuf, nil, cpu.Descriptor())
	forest.ActivateSub(subIdx, resources.Ticket(1), rootBuf, subBuf)

	assert.Same(t, tree, forest.EntryTree(subIdx))
}

func TestForestUnlinkDropsEmptyTree(t *testing.T) {
	arena := NewArena(2)
	forest := NewForest(arena)
	cpu := device.NewCPU(0)

	idx, entry := arena.Alloc()
	buf, err := cpu.Allocate(context.Background(), resources.Ticket(7), 32)
	require.NoError(t, err)
	entry.SetValue(buf, "int32", []int64{4}, cpu.Descriptor(), resources.Ticket(7))
	forest.Activate(idx, resources.Ticket(7), buf)

	require.NotNil(t, forest.EntryTree(idx))
	forest.Unlink(idx)

	assert.Nil(t, forest.EntryTree(idx))
	assert.Empty(t, forest.Trees(resources.Ticket(7)))
}

func TestForestPageMigratesToDestinationDevice(t *testing.T) {
	arena := NewArena(2)
	forest := NewForest(arena)
	registry := device.NewRegistry()
	cpu := device.NewCPU(0)
	gpu := device.NewGPU(0, 1)
	defer gpu.Close()
	registry.Register(cpu)
	registry.Register(gpu)

	idx, entry := arena.Alloc()
	buf, err := cpu.Allocate(context.Background(), resources.Ticket(3), 128)
	require.NoError(t, err)
	entry.SetValue(buf, "float32", []int64{32}, cpu.Descriptor(), resources.Ticket(3))
	forest.Activate(idx, resources.Ticket(3), buf)

	reclaimed, err := forest.Page(resources.Ticket(3), gpu.Descriptor(), registry)
	require.NoError(t, err)
	assert.Equal(t, int64(128), reclaimed)

	tree := forest.EntryTree(idx)
	require.NotNil(t, tree)
	assert.True(t, tree.PagedOut())
	assert.Equal(t, gpu.Descriptor(), tree.RootBuffer().Device)
}

func TestForestRefaultReturnsTreeToOrigin(t *testing.T) {
	arena := NewArena(2)
	forest := NewForest(arena)
	registry := device.NewRegistry()
	cpu := device.NewCPU(0)
	gpu := device.NewGPU(0, 1)
	defer gpu.Close()
	registry.Register(cpu)
	registry.Register(gpu)

	idx, entry := arena.Alloc()
	buf, err := cpu.Allocate(context.Background(), resources.Ticket(9), 64)
	require.NoError(t, err)
	entry.SetValue(buf, "float32", []int64{16}, cpu.Descriptor(), resources.Ticket(9))
	forest.Activate(idx, resources.Ticket(9), buf)

	_, err = forest.Page(resources.Ticket(9), gpu.Descriptor(), registry)
	require.NoError(t, err)

	tree := forest.EntryTree(idx)
	require.NoError(t, forest.Refault(tree, registry))
	assert.False(t, tree.PagedOut())
	assert.Equal(t, cpu.Descriptor(), tree.RootBuffer().Device)
}

func TestForestOnEvictedMarksEntriesDead(t *testing.T) {
	arena := NewArena(2)
	forest := NewForest(arena)
	cpu := device.NewCPU(0)

	idx, entry := arena.Alloc()
	buf, err := cpu.Allocate(context.Background(), resources.Ticket(5), 32)
	require.NoError(t, err)
	entry.SetValue(buf, "int8", []int64{32}, cpu.Descriptor(), resources.Ticket(5))
	forest.Activate(idx, resources.Ticket(5), buf)

	forest.OnEvicted(resources.Ticket(5), buf.Addr)

	assert.Equal(t, Dead, entry.Kind)
}
