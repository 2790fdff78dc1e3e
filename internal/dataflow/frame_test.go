package dataflow

import (
	"testing"

	"github.com/salusml/salus/internal/buffertree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func simpleGraphView() *GraphView {
	return NewGraphView("frame-test", []NodeItem{
		{ID: 0, Name: "root", NumIn: 0, NumOut: 1},
		{ID: 1, Name: "sink", NumIn: 1, NumOut: 0},
	}, 2)
}

func TestFrameGetOrCreateIterationReusesState(t *testing.T) {
	root := NewRootFrame(simpleGraphView())
	is1 := root.GetOrCreateIteration(0, 2)
	is2 := root.GetOrCreateIteration(0, 2)
	assert.Same(t, is1, is2)
}

func TestFrameAdvanceDefersBeyondMaxParallel(t *testing.T) {
	root := NewRootFrame(simpleGraphView())
	root.GetOrCreateIteration(0, 2)
	root.GetOrCreateIteration(1, 2)

	_, overflowed := root.Advance(1, 0, buffertree.Index(3))
	assert.True(t, overflowed, "advancing past maxParallel=2 should defer")

	deferred := root.DrainDeferred()
	require.Len(t, deferred, 1)
	assert.Equal(t, NodeID(1), deferred[0].node)
}

func TestFrameEnterChildIsMemoized(t *testing.T) {
	root := NewRootFrame(simpleGraphView())
	c1 := root.EnterChild(0, "loop_body", 4)
	c2 := root.EnterChild(0, "loop_body", 4)
	assert.Same(t, c1, c2)
	assert.Equal(t, childFrameName("", 0, "loop_body"), c1.Name())
}

func TestFrameFinishIterationClosesDoneChannel(t *testing.T) {
	root := NewRootFrame(simpleGraphView())
	root.GetOrCreateIteration(0, 2)
	root.FinishIteration(0)

	select {
	case <-root.Done():
	default:
		t.Fatal("frame should be done once its only iteration finishes")
	}
}

func TestIterationStateDecrementPendingReturnsTrueOnce(t *testing.T) {
	root := NewRootFrame(simpleGraphView())
	is := root.GetOrCreateIteration(0, 2)

	is.inputs[1] = make([]buffertree.Index, 2)
	is.pending[1] = 2

	assert.False(t, is.DecrementPending(1))
	assert.True(t, is.DecrementPending(1))
}

func TestIterationStateMergeArrivedTracksLiveValue(t *testing.T) {
	root := NewRootFrame(simpleGraphView())
	is := root.GetOrCreateIteration(0, 2)
	is.pending[1] = 2

	assert.False(t, is.MergeArrived(1, false))
	assert.True(t, is.MergeArrived(1, true))
	assert.True(t, is.MergeHasLiveValue(1))
}
