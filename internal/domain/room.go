package domain

type (
	RoomName string
	RoomID   string
)

type Room struct {
	ID   RoomID
	Name RoomName
}

// Membership is everything a session needs to attach to a room.
// Immutable for the lifetime of the connection.
type Membership struct {
	RoomID      RoomID
	LocalUserID UserID
	Username    string
	AuthToken   string
}
