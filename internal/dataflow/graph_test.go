package dataflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewGraphViewComputesRoots(t *testing.T) {
	nodes := []NodeItem{
		{ID: 0, Name: "feed_a", NumIn: 0, NumOut: 1},
		{ID: 1, Name: "feed_b", NumIn: 0, NumOut: 1},
		{ID: 2, Name: "add", NumIn: 2, NumOut: 1},
	}
	gv := NewGraphView("g1", nodes, 3)

	assert.Equal(t, []NodeID{0, 1}, gv.Roots)
	assert.Equal(t, 3, gv.MaxParallelIterations)
	assert.Equal(t, "add", gv.Node(2).Name)
}

func TestNewGraphViewDefaultsMaxParallelIterations(t *testing.T) {
	gv := NewGraphView("g2", []NodeItem{{ID: 0, NumIn: 0}}, 0)
	assert.Equal(t, 1, gv.MaxParallelIterations)
}
