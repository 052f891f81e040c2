package watcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestBatcher_BurstCoalescesIntoOneFlush(t *testing.T) {
	b := NewBatcher(500*time.Millisecond, 2*time.Second)

	for i := 0; i < 10; i++ {
		b.Add("wt", []string{"a.go", "b.go"}, t0.Add(time.Duration(i)*100*time.Millisecond))
	}

	assert.Empty(t, b.Due(t0.Add(1300*time.Millisecond)), "still inside debounce")

	flushes := b.Due(t0.Add(1400 * time.Millisecond))
	require.Len(t, flushes, 1)
	assert.Equal(t, "wt", flushes[0].WorktreeID)
	assert.Equal(t, []string{"a.go", "b.go"}, flushes[0].Paths)

	assert.Empty(t, b.Due(t0.Add(time.Hour)), "batch is consumed")
	assert.Equal(t, 0, b.Len())
}

func TestBatcher_MaxLatencyCeiling(t *testing.T) {
	b := NewBatcher(500*time.Millisecond, 2*time.Second)

	// Continuous churn every 300ms never lets the debounce expire.
	for i := 0; i <= 6; i++ {
		b.Add("wt", []string{"f"}, t0.Add(time.Duration(i)*300*time.Millisecond))
	}

	d, ok := b.Deadline("wt")
	require.True(t, ok)
	assert.Equal(t, t0.Add(2*time.Second), d)

	assert.Empty(t, b.Due(t0.Add(1999*time.Millisecond)))
	assert.Len(t, b.Due(t0.Add(2*time.Second)), 1)
}

func TestBatcher_ForegroundFlushesFirst(t *testing.T) {
	b := NewBatcher(500*time.Millisecond, 2*time.Second)
	b.Add("bg", []string{"x"}, t0)
	b.Add("fg", []string{"y"}, t0.Add(100*time.Millisecond))
	b.SetForeground("fg", true)

	flushes := b.Due(t0.Add(time.Second))
	require.Len(t, flushes, 2)
	assert.Equal(t, "fg", flushes[0].WorktreeID)
	assert.True(t, flushes[0].Foreground)
	assert.Equal(t, "bg", flushes[1].WorktreeID)
}

func TestBatcher_BackgroundOrderedByDeadline(t *testing.T) {
	b := NewBatcher(500*time.Millisecond, 2*time.Second)
	b.Add("late", []string{"x"}, t0.Add(200*time.Millisecond))
	b.Add("early", []string{"y"}, t0)

	next, ok := b.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, t0.Add(500*time.Millisecond), next)

	flushes := b.Due(t0.Add(time.Second))
	require.Len(t, flushes, 2)
	assert.Equal(t, "early", flushes[0].WorktreeID)
	assert.Equal(t, "late", flushes[1].WorktreeID)
}

func TestBatcher_Drop(t *testing.T) {
	b := NewBatcher(500*time.Millisecond, 2*time.Second)
	b.Add("wt", []string{"x"}, t0)
	b.SetForeground("wt", true)
	b.Drop("wt")

	assert.False(t, b.Pending("wt"))
	_, ok := b.NextDeadline()
	assert.False(t, ok)

	b.Add("wt", []string{"y"}, t0)
	flushes := b.Due(t0.Add(time.Second))
	require.Len(t, flushes, 1)
	assert.False(t, flushes[0].Foreground, "activity is cleared by Drop")
}

func TestBatcher_MaxLatencyBelowDebounce(t *testing.T) {
	b := NewBatcher(time.Second, 10*time.Millisecond)
	b.Add("wt", nil, t0)
	d, _ := b.Deadline("wt")
	assert.Equal(t, t0.Add(time.Second), d)
}
