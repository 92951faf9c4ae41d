package domain

import "context"

// HubStats provides statistics about the hub
type HubStats struct {
	ConnectedClients int     `json:"connected_clients"`
	ConnectedUsers   int     `json:"connected_users"`
	HydratedRooms    int     `json:"hydrated_rooms"`
	MessagesSent     int64   `json:"messages_sent"`
	MessagesReceived int64   `json:"messages_received"`
	Uptime           float64 `json:"uptime_seconds"`
}

// Hub binds client connections to rooms.
type Hub interface {
	// Accept registers a freshly authenticated client. No room is joined.
	Accept(ctx context.Context, client Client) error

	// Join subscribes a client to a room on its behalf
	Join(ctx context.Context, client Client, roomID string) error

	// RouteInbound dispatches one inbound frame from client
	RouteInbound(ctx context.Context, client Client, frame []byte) error

	// Stats returns a snapshot of hub statistics
	Stats() HubStats
}
