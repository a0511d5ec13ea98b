package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchroom/watchroom/internal/domain"
)

func users(ids ...string) []domain.User {
	out := make([]domain.User, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.User{ID: domain.UserID(id), Username: "user-" + id})
	}
	return out
}

func TestApplyReplacesWholesale(t *testing.T) {
	tr := NewTracker()

	tr.Apply(users("a", "b"))
	tr.Apply(users("b", "c"))

	snap := tr.Snapshot()
	require.Len(t, snap, 2)
	assert.False(t, tr.Contains("a"))
	assert.True(t, tr.Contains("b"))
	assert.True(t, tr.Contains("c"))
}

func TestApplyIdempotent(t *testing.T) {
	tr := NewTracker()

	var notifications int
	tr.OnChange(func([]domain.User, []domain.UserID, []domain.UserID) { notifications++ })

	tr.Apply(users("a", "b"))
	tr.Apply(users("a", "b"))

	assert.Len(t, tr.Snapshot(), 2)
	assert.Equal(t, 1, notifications)
}

func TestApplyReportsDelta(t *testing.T) {
	tr := NewTracker()

	var joined, left []domain.UserID
	tr.OnChange(func(_ []domain.User, j, l []domain.UserID) { joined, left = j, l })

	tr.Apply(users("a", "b"))
	require.ElementsMatch(t, []domain.UserID{"a", "b"}, joined)
	require.Empty(t, left)

	tr.Apply(users("b", "c"))
	assert.ElementsMatch(t, []domain.UserID{"c"}, joined)
	assert.ElementsMatch(t, []domain.UserID{"a"}, left)
}

func TestRenameNotifies(t *testing.T) {
	tr := NewTracker()
	tr.Apply([]domain.User{{ID: "a", Username: "ada"}})

	var notifications int
	tr.OnChange(func([]domain.User, []domain.UserID, []domain.UserID) { notifications++ })

	tr.Apply([]domain.User{{ID: "a", Username: "lady-ada"}})
	assert.Equal(t, 1, notifications)

	name, ok := tr.Username("a")
	require.True(t, ok)
	assert.Equal(t, "lady-ada", name)
}

func TestEmptySnapshotClearsRoster(t *testing.T) {
	tr := NewTracker()
	tr.Apply(users("a"))
	tr.Apply(nil)
	assert.Empty(t, tr.Snapshot())
}
