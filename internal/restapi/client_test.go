package restapi_test

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchroom/watchroom/internal/relay"
	"github.com/watchroom/watchroom/internal/restapi"
)

func newAPI(t *testing.T) *restapi.Client {
	t.Helper()
	srv := httptest.NewServer(relay.NewServer(relay.ServerOptions{Secret: "s3cret", Mode: "release"}).Handler())
	t.Cleanup(srv.Close)
	return restapi.New(srv.URL)
}

func TestRegisterKeepsIdentityAcrossLogins(t *testing.T) {
	api := newAPI(t)

	id, err := api.Register(context.Background(), "alice", "pw")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = api.Login(context.Background(), "alice", "pw")
	require.NoError(t, err)
	m, err := api.Membership("room-1")
	require.NoError(t, err)
	assert.Equal(t, id, m.LocalUserID)

	// a second login resolves to the same registered identity
	_, err = api.Login(context.Background(), "alice", "pw")
	require.NoError(t, err)
	m, err = api.Membership("room-1")
	require.NoError(t, err)
	assert.Equal(t, id, m.LocalUserID)
}

func TestRegisterDuplicateUsername(t *testing.T) {
	api := newAPI(t)

	_, err := api.Register(context.Background(), "alice", "pw")
	require.NoError(t, err)

	_, err = api.Register(context.Background(), "alice", "pw")
	assert.Error(t, err)
}

func TestRegisterRejectsEmptyUsername(t *testing.T) {
	api := newAPI(t)

	_, err := api.Register(context.Background(), "", "pw")
	assert.Error(t, err)
}

func TestLoginStoresToken(t *testing.T) {
	api := newAPI(t)

	token, err := api.Login(context.Background(), "alice", "whatever")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, token, api.Token())
}

func TestCreateAndGetRoom(t *testing.T) {
	api := newAPI(t)
	_, err := api.Login(context.Background(), "alice", "x")
	require.NoError(t, err)

	id, err := api.CreateRoom(context.Background(), "movie night")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	info, err := api.GetRoom(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, string(id), info.ID)
	assert.Equal(t, "movie night", info.Name)
	assert.Zero(t, info.MemberCount)
}

func TestCreateRoomWithoutLogin(t *testing.T) {
	api := newAPI(t)

	_, err := api.CreateRoom(context.Background(), "nope")
	assert.ErrorIs(t, err, restapi.ErrUnauthorized)
}

func TestGetRoomNotFound(t *testing.T) {
	api := newAPI(t)

	_, err := api.GetRoom(context.Background(), "missing")
	assert.Error(t, err)
}

func TestMembershipFromToken(t *testing.T) {
	api := newAPI(t)
	token, err := api.Login(context.Background(), "alice", "x")
	require.NoError(t, err)

	m, err := api.Membership("room-1")
	require.NoError(t, err)
	assert.EqualValues(t, "room-1", m.RoomID)
	assert.NotEmpty(t, m.LocalUserID)
	assert.Equal(t, "alice", m.Username)
	assert.Equal(t, token, m.AuthToken)
}

func TestMembershipRequiresLogin(t *testing.T) {
	api := newAPI(t)

	_, err := api.Membership("room-1")
	assert.ErrorIs(t, err, restapi.ErrUnauthorized)
}
