package relay

import "encoding/json"

// Message types originated by the server.
const (
	TypeUserJoin  = "user-join"
	TypeUserLeave = "user-leave"
	TypeUserList  = "user-list"
	TypePing      = "ping"
	TypePong      = "pong"
)

// ServerSender is the From value on server-originated envelopes.
const ServerSender = "server"

// Envelope is the tagged frame exchanged over a relay connection. The relay
// reads Type/To to route and treats Data as an opaque payload; unknown
// optional fields are tolerated for forward compatibility.
type Envelope struct {
	Type string          `json:"type"`
	From string          `json:"from,omitempty"`
	To   string          `json:"to,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// JoinData is the payload of user-join and user-leave notifications.
type JoinData struct {
	UserID   string `json:"userId"`
	RoomName string `json:"roomName"`
}

// UserListData is the payload of the membership list sent to a new
// connection, excluding the connection itself.
type UserListData struct {
	Users []string `json:"users"`
}
