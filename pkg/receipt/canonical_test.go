package receipt

import (
	"testing"

	"github.com/asyncgate/asyncgate/pkg/principal"
	"github.com/asyncgate/asyncgate/pkg/termination"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalBodyIsDeterministic(t *testing.T) {
	a := Body{"b": 1, "a": "x"}
	b := Body{"a": "x", "b": 1}

	ca, err := CanonicalBody(a)
	require.NoError(t, err)
	cb, err := CanonicalBody(b)
	require.NoError(t, err)
	assert.Equal(t, ca, cb)
}

func TestCanonicalBodyNFCNormalizesUnicode(t *testing.T) {
	// precomposed U+00E9 vs "e" (U+0065) plus combining acute accent
	// U+0301 - same rendered glyph, byte-distinct until NFC-normalized.
	nfc := Body{"label": "café"}
	nfd := Body{"label": "café"}

	ca, err := CanonicalBody(nfc)
	require.NoError(t, err)
	cb, err := CanonicalBody(nfd)
	require.NoError(t, err)
	assert.Equal(t, ca, cb)
}

func TestContentHashIncludesParents(t *testing.T) {
	from := principal.Worker("w1")
	to := principal.Agent("a1")
	taskID := uuid.New()
	bodyHash, err := CanonicalBodyHash(Body{"ok": true})
	require.NoError(t, err)

	p1, p2 := uuid.New(), uuid.New()

	h1 := ContentHash(termination.TaskCompleted, &taskID, nil, from, to, []uuid.UUID{p1}, bodyHash)
	h2 := ContentHash(termination.TaskCompleted, &taskID, nil, from, to, []uuid.UUID{p2}, bodyHash)

	assert.NotEqual(t, h1, h2, "receipts agreeing on everything but parents must hash differently (I9)")
}

func TestContentHashParentOrderInsensitive(t *testing.T) {
	from := principal.Worker("w1")
	to := principal.Agent("a1")
	bodyHash, _ := CanonicalBodyHash(Body{"ok": true})
	p1, p2 := uuid.New(), uuid.New()

	h1 := ContentHash(termination.TaskCompleted, nil, nil, from, to, []uuid.UUID{p1, p2}, bodyHash)
	h2 := ContentHash(termination.TaskCompleted, nil, nil, from, to, []uuid.UUID{p2, p1}, bodyHash)

	assert.Equal(t, h1, h2)
}
