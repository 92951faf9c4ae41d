package domain

import "context"

// AuthResolver turns a bearer token into an authenticated user ID.
type AuthResolver interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// MembershipStore persists rooms and their members.
type MembershipStore interface {
	// ListRoomsForUser returns the IDs of every room userID belongs to
	ListRoomsForUser(ctx context.Context, userID string) ([]string, error)

	// GetMembers returns the members of a room in join order
	GetMembers(ctx context.Context, roomID string) ([]string, error)

	// GetRoom returns the room record with its members
	GetRoom(ctx context.Context, roomID string) (*RoomInfo, error)

	// FindDirectRoom looks up the DIRECT room between exactly a and b
	FindDirectRoom(ctx context.Context, userA, userB string) (string, bool, error)

	// AddMember adds userID to a room
	AddMember(ctx context.Context, roomID, userID string) error

	// RemoveMember removes userID from a room
	RemoveMember(ctx context.Context, roomID, userID string) error

	// CreateRoom persists a new room and returns its ID
	CreateRoom(ctx context.Context, roomType RoomType, name string, members []string) (string, error)
}

// MessageStore persists messages and reactions.
type MessageStore interface {
	// Append durably stores a message and returns it with its ID and
	// creation time assigned
	Append(ctx context.Context, msg NewMessage) (*Message, error)

	// ListRecent returns up to limit of the newest messages of a room,
	// oldest first, with their reactions
	ListRecent(ctx context.Context, roomID string, limit int) ([]Message, error)

	// React records emoji as userID's reaction on a message, replacing any
	// reaction the user had on that message
	React(ctx context.Context, messageID, userID, emoji string) error

	// Unreact removes userID's emoji reaction from a message
	Unreact(ctx context.Context, messageID, userID, emoji string) error
}
