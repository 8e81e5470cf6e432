package termination

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskAssignedTerminators(t *testing.T) {
	assert.True(t, CanTerminate(TaskCompleted, TaskAssigned))
	assert.True(t, CanTerminate(TaskFailed, TaskAssigned))
	assert.True(t, CanTerminate(TaskCanceled, TaskAssigned))
	assert.False(t, CanTerminate(TaskProgress, TaskAssigned))
	assert.False(t, CanTerminate(TaskStarted, TaskAssigned))
}

func TestNonObligationTypesHaveNoTerminators(t *testing.T) {
	assert.False(t, CanTerminate(TaskCompleted, TaskProgress))
	assert.False(t, CanTerminate(TaskCompleted, LeaseExpired))
	assert.False(t, CanTerminate(TaskCompleted, SystemAnomaly))
}

func TestIsObligationType(t *testing.T) {
	assert.True(t, IsObligationType(TaskAssigned))
	assert.False(t, IsObligationType(TaskProgress))
	assert.False(t, IsObligationType(LeaseExpired))
	assert.False(t, IsObligationType(TaskCompleted))
}

func TestIsTerminalType(t *testing.T) {
	assert.True(t, IsTerminalType(TaskCompleted))
	assert.True(t, IsTerminalType(TaskFailed))
	assert.True(t, IsTerminalType(TaskCanceled))
	assert.False(t, IsTerminalType(TaskAssigned))
	assert.False(t, IsTerminalType(TaskProgress))
	assert.False(t, IsTerminalType(LeaseExpired))
}

func TestUnknownParentTypeHasNoTerminators(t *testing.T) {
	assert.False(t, CanTerminate(TaskCompleted, Type("bogus.type")))
}
