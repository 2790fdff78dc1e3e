package engine

import (
	"testing"

	"github.com/salusml/salus/internal/dataflow"
	"github.com/salusml/salus/internal/resources"
	"github.com/stretchr/testify/assert"
)

func TestNewIterationTaskStartsUncancelled(t *testing.T) {
	task := NewIterationTask(resources.Ticket(1), nil, nil, false, func(dataflow.Status) {})
	assert.False(t, task.Cancelled())
	assert.NotEmpty(t, task.ID)
}

func TestIterationTaskCancelIsIdempotent(t *testing.T) {
	task := NewIterationTask(resources.Ticket(1), nil, nil, true, func(dataflow.Status) {})
	task.Cancel()
	task.Cancel()
	assert.True(t, task.Cancelled())
}

func TestIterationTaskDoneFiresWithStatus(t *testing.T) {
	var got dataflow.Status
	task := NewIterationTask(resources.Ticket(2), nil, nil, false, func(s dataflow.Status) { got = s })
	task.Done(dataflow.Status{Cancelled: true})
	assert.True(t, got.Cancelled)
}
