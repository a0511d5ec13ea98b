package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUser(t *testing.T) {
	u, err := NewUser("alice")
	require.NoError(t, err)
	assert.NotEmpty(t, u.ID)
	assert.Equal(t, "alice", u.Username)
}

func TestNewUserValidation(t *testing.T) {
	_, err := NewUser("")
	assert.ErrorIs(t, err, ErrUsernameEmpty)

	_, err = NewUser(strings.Repeat("x", MaxUsernameLen+1))
	assert.ErrorIs(t, err, ErrUsernameTooLong)
}

func TestSetUsername(t *testing.T) {
	u, err := NewUser("alice")
	require.NoError(t, err)

	require.NoError(t, u.SetUsername("lady-ada"))
	assert.Equal(t, "lady-ada", u.Username)

	assert.ErrorIs(t, u.SetUsername(""), ErrUsernameEmpty)
	assert.Equal(t, "lady-ada", u.Username)
}
