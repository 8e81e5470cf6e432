package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueuedToLeased(t *testing.T) {
	assert.True(t, CanTransition(StatusQueued, StatusLeased))
}

func TestQueuedToRunningIsIllegal(t *testing.T) {
	assert.False(t, CanTransition(StatusQueued, StatusRunning))
}

func TestLeasedToRunning(t *testing.T) {
	assert.True(t, CanTransition(StatusLeased, StatusRunning))
}

func TestTerminalStatesAreSinks(t *testing.T) {
	for _, terminal := range []Status{StatusSucceeded, StatusFailed, StatusCanceled} {
		for _, to := range []Status{StatusQueued, StatusLeased, StatusRunning, StatusSucceeded, StatusFailed, StatusCanceled} {
			assert.False(t, CanTransition(terminal, to), "%s -> %s must be rejected", terminal, to)
		}
	}
}

func TestCancelAllowedFromAnyNonTerminalState(t *testing.T) {
	for _, from := range []Status{StatusQueued, StatusLeased, StatusRunning} {
		assert.True(t, CanTransition(from, StatusCanceled), "%s -> canceled must be allowed", from)
	}
}

func TestRunningBehavesLikeLeasedForRequeue(t *testing.T) {
	assert.True(t, CanTransition(StatusRunning, StatusQueued))
	assert.True(t, CanTransition(StatusLeased, StatusQueued))
}
