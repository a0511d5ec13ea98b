package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLog(window time.Duration) (*Log, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	return NewLog(window).WithClock(clk.now), clk
}

func TestAppendKeepsArrivalOrder(t *testing.T) {
	l, _ := newTestLog(10 * time.Second)

	require.True(t, l.Append("ada", "one"))
	require.True(t, l.Append("bob", "two"))
	require.True(t, l.Append("ada", "three"))

	entries := l.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "one", entries[0].Text)
	assert.Equal(t, "two", entries[1].Text)
	assert.Equal(t, "three", entries[2].Text)
}

func TestDuplicateInsideWindowDropped(t *testing.T) {
	l, clk := newTestLog(10 * time.Second)

	require.True(t, l.Append("ada", "hello"))
	clk.advance(3 * time.Second)
	assert.False(t, l.Append("ada", "hello"))
	assert.Equal(t, 1, l.Len())
}

func TestDuplicateOutsideWindowKept(t *testing.T) {
	l, clk := newTestLog(10 * time.Second)

	require.True(t, l.Append("ada", "hello"))
	clk.advance(11 * time.Second)
	assert.True(t, l.Append("ada", "hello"))
	assert.Equal(t, 2, l.Len())
}

func TestSameTextDifferentSendersBothKept(t *testing.T) {
	l, _ := newTestLog(10 * time.Second)

	require.True(t, l.Append("ada", "hello"))
	require.True(t, l.Append("bob", "hello"))
	assert.Equal(t, 2, l.Len())
}

func TestOnAppendFiresForAcceptedOnly(t *testing.T) {
	l, _ := newTestLog(10 * time.Second)

	var got []Entry
	l.OnAppend(func(e Entry) { got = append(got, e) })

	l.Append("ada", "hello")
	l.Append("ada", "hello")
	l.Append("ada", "bye")

	require.Len(t, got, 2)
	assert.Equal(t, "hello", got[0].Text)
	assert.Equal(t, "bye", got[1].Text)
}
