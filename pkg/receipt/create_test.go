package receipt

import (
	"context"
	"testing"
	"time"

	"github.com/asyncgate/asyncgate/pkg/apierr"
	"github.com/asyncgate/asyncgate/pkg/principal"
	"github.com/asyncgate/asyncgate/pkg/termination"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noParentLookup(ctx context.Context, tenantID, id uuid.UUID) (Receipt, bool, error) {
	return Receipt{}, false, nil
}

func TestPrepareNonTerminalNeedsNoParents(t *testing.T) {
	spec := Spec{
		ReceiptType: termination.TaskProgress,
		From:        principal.Worker("w1"),
		To:          principal.Agent("a1"),
		Body:        Body{"pct": 50},
	}
	prepared, err := Prepare(context.Background(), uuid.New(), spec, false, noParentLookup, time.Now())
	require.NoError(t, err)
	assert.Empty(t, prepared.Receipt.Parents)
	assert.Nil(t, prepared.Anomaly)
}

func TestPrepareTerminalWithoutParentsFails(t *testing.T) {
	spec := Spec{
		ReceiptType: termination.TaskCompleted,
		From:        principal.Worker("w1"),
		To:          principal.Agent("a1"),
		Body:        Body{"artifacts": []any{map[string]any{"type": "mem", "key": "k1"}}},
	}
	_, err := Prepare(context.Background(), uuid.New(), spec, false, noParentLookup, time.Now())
	require.Error(t, err)
	code, ok := apierr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeValidationError, code)
}

func TestPrepareTerminalWithUnknownParentFails(t *testing.T) {
	spec := Spec{
		ReceiptType: termination.TaskCompleted,
		From:        principal.Worker("w1"),
		To:          principal.Agent("a1"),
		Parents:     []uuid.UUID{uuid.New()},
		Body:        Body{"artifacts": []any{map[string]any{"type": "mem", "key": "k1"}}},
	}
	_, err := Prepare(context.Background(), uuid.New(), spec, false, noParentLookup, time.Now())
	require.Error(t, err)
}

func TestPrepareTerminalWithIllegalTerminatorTypeFails(t *testing.T) {
	parentID := uuid.New()
	lookup := func(ctx context.Context, tenantID, id uuid.UUID) (Receipt, bool, error) {
		return Receipt{ReceiptID: id, ReceiptType: termination.TaskProgress}, true, nil
	}
	spec := Spec{
		ReceiptType: termination.TaskCompleted,
		From:        principal.Worker("w1"),
		To:          principal.Agent("a1"),
		Parents:     []uuid.UUID{parentID},
		Body:        Body{"artifacts": []any{map[string]any{"type": "mem", "key": "k1"}}},
	}
	_, err := Prepare(context.Background(), uuid.New(), spec, false, lookup, time.Now())
	require.Error(t, err)
}

func TestPrepareLenientLocatabilityStripsParentsAndEmitsAnomaly(t *testing.T) {
	parentID := uuid.New()
	lookup := func(ctx context.Context, tenantID, id uuid.UUID) (Receipt, bool, error) {
		return Receipt{ReceiptID: id, ReceiptType: termination.TaskAssigned}, true, nil
	}
	spec := Spec{
		ReceiptType: termination.TaskCompleted,
		From:        principal.Worker("w1"),
		To:          principal.Agent("a1"),
		Parents:     []uuid.UUID{parentID},
		Body:        Body{"result": "ok"},
	}
	prepared, err := Prepare(context.Background(), uuid.New(), spec, false, lookup, time.Now())
	require.NoError(t, err)
	assert.Empty(t, prepared.Receipt.Parents)
	require.NotNil(t, prepared.Anomaly)
	assert.Equal(t, termination.SystemAnomalyLocatabilityMissing, prepared.Anomaly.ReceiptType)
	assert.Equal(t, spec.To, prepared.Anomaly.To)
}

func TestPrepareStrictLocatabilityRejects(t *testing.T) {
	parentID := uuid.New()
	lookup := func(ctx context.Context, tenantID, id uuid.UUID) (Receipt, bool, error) {
		return Receipt{ReceiptID: id, ReceiptType: termination.TaskAssigned}, true, nil
	}
	spec := Spec{
		ReceiptType: termination.TaskCompleted,
		From:        principal.Worker("w1"),
		To:          principal.Agent("a1"),
		Parents:     []uuid.UUID{parentID},
		Body:        Body{"result": "ok"},
	}
	_, err := Prepare(context.Background(), uuid.New(), spec, true, lookup, time.Now())
	require.Error(t, err)
}

func TestPrepareTooManyParentsFails(t *testing.T) {
	parents := make([]uuid.UUID, MaxParents+1)
	for i := range parents {
		parents[i] = uuid.New()
	}
	spec := Spec{
		ReceiptType: termination.TaskProgress,
		From:        principal.Worker("w1"),
		To:          principal.Agent("a1"),
		Parents:     parents,
		Body:        Body{"pct": 1},
	}
	_, err := Prepare(context.Background(), uuid.New(), spec, false, noParentLookup, time.Now())
	require.Error(t, err)
}

func TestPrepareValidTerminalSucceeds(t *testing.T) {
	parentID := uuid.New()
	lookup := func(ctx context.Context, tenantID, id uuid.UUID) (Receipt, bool, error) {
		return Receipt{ReceiptID: id, ReceiptType: termination.TaskAssigned}, true, nil
	}
	spec := Spec{
		ReceiptType: termination.TaskCompleted,
		From:        principal.Worker("w1"),
		To:          principal.Agent("a1"),
		Parents:     []uuid.UUID{parentID},
		Body:        Body{"artifacts": []any{map[string]any{"type": "mem", "key": "k1"}}},
	}
	prepared, err := Prepare(context.Background(), uuid.New(), spec, false, lookup, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{parentID}, prepared.Receipt.Parents)
	assert.Nil(t, prepared.Anomaly)
	assert.NotEmpty(t, prepared.Receipt.Hash)
}
