package timerqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPopUntilOrderAndFIFO(t *testing.T) {
	q := New()
	base := time.Unix(1000, 0)

	q.Add(base.Add(3*time.Second), "c")
	q.Add(base.Add(1*time.Second), "a")
	q.Add(base.Add(1*time.Second), "a2") // same deadline as "a", added after
	q.Add(base.Add(2*time.Second), "b")

	due := q.PopUntil(base.Add(2 * time.Second))
	require.Equal(t, []Action{"a", "a2", "b"}, due)
	assert.Equal(t, 1, q.Len())

	rest := q.PopUntil(base.Add(3 * time.Second))
	assert.Equal(t, []Action{"c"}, rest)
	assert.Equal(t, 0, q.Len())
}

func TestPopUntilLeavesNoneDueAtOrBeforeT(t *testing.T) {
	q := New()
	base := time.Unix(1000, 0)
	q.Add(base.Add(5*time.Second), "later")

	due := q.PopUntil(base)
	assert.Empty(t, due)
	assert.Equal(t, 1, q.Len())

	pt, ok := q.PeekTime()
	require.True(t, ok)
	assert.True(t, pt.Equal(base.Add(5*time.Second)))
}

func TestPeekTimeEmpty(t *testing.T) {
	q := New()
	_, ok := q.PeekTime()
	assert.False(t, ok)
}
