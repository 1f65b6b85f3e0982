// Package relay implements the room-scoped broadcast relay. It multiplexes
// any number of independent rooms over one websocket listener and holds no
// document state: every frame is an opaque payload forwarded to the rest of
// the sender's room, or to a single addressed peer.
package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Server owns the room registry. Rooms are created on first join and
// discarded when their last member leaves. The registry is per-instance, not
// global, so tests can run servers side by side.
type Server struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	name    string
	members map[string]*member
}

type member struct {
	userID string
	conn   *websocket.Conn
	// gorilla connections allow one concurrent writer
	writeMu sync.Mutex
}

func (m *member) send(messageType int, payload []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.conn.WriteMessage(messageType, payload)
}

func (m *member) sendJSON(e Envelope) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return m.send(websocket.TextMessage, raw)
}

// NewServer builds an empty relay.
func NewServer() *Server {
	return &Server{
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		rooms:    make(map[string]*room),
	}
}

// Handler returns the HTTP handler for the relay. Rooms are selected by path
// segment (`/rooms/{room}/sync`) or by query parameter (`/?room=name`); both
// join the same registry.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodGet).Path("/rooms/{room}/sync").HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		s.serve(writer, request, mux.Vars(request)["room"])
	})
	r.Methods(http.MethodGet).Path("/").HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		roomName := request.URL.Query().Get("room")
		if roomName == "" {
			roomName = "default-room"
		}
		s.serve(writer, request, roomName)
	})
	return r
}

// RoomSizes reports current membership per room, for occupancy logging.
func (s *Server) RoomSizes() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.rooms))
	for name, rm := range s.rooms {
		out[name] = len(rm.members)
	}
	return out
}

func (s *Server) serve(writer http.ResponseWriter, request *http.Request, roomName string) {
	userID := request.URL.Query().Get("userId")
	if userID == "" {
		userID = uuid.NewString()
	}

	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}

	m := &member{userID: userID, conn: conn}
	others, evicted := s.join(roomName, m)
	if evicted != nil {
		slog.Info("evicting stale connection", "room", roomName, "user", userID)
		_ = evicted.conn.Close()
	}
	slog.Info("joined", "room", roomName, "user", userID, "members", len(others)+1)

	// membership list first, then announce to the rest of the room
	listData, _ := json.Marshal(UserListData{Users: others})
	if err := m.sendJSON(Envelope{Type: TypeUserList, From: ServerSender, Data: listData}); err != nil {
		slog.Error("failed to send user list", "user", userID, "err", err)
	}
	joinData, _ := json.Marshal(JoinData{UserID: userID, RoomName: roomName})
	s.broadcast(roomName, userID, websocket.TextMessage, mustMarshal(Envelope{Type: TypeUserJoin, From: userID, Data: joinData}))

	defer func() {
		_ = conn.Close()
		if s.leave(roomName, m) {
			leaveData, _ := json.Marshal(JoinData{UserID: userID, RoomName: roomName})
			s.broadcast(roomName, userID, websocket.TextMessage, mustMarshal(Envelope{Type: TypeUserLeave, From: userID, Data: leaveData}))
		}
		slog.Info("left", "room", roomName, "user", userID)
	}()

	for {
		mt, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch mt {
		case websocket.TextMessage:
			var e Envelope
			if err := json.Unmarshal(payload, &e); err != nil {
				// not an envelope we understand: still an opaque frame
				slog.Warn("malformed envelope, forwarding as-is", "room", roomName, "user", userID, "err", err)
				s.broadcast(roomName, userID, mt, payload)
				continue
			}
			switch {
			case e.Type == TypePing:
				if err := m.sendJSON(Envelope{Type: TypePong, From: ServerSender}); err != nil {
					slog.Error("failed to send pong", "user", userID, "err", err)
				}
			case e.To != "":
				s.unicast(roomName, e.To, mt, payload)
			default:
				s.broadcast(roomName, userID, mt, payload)
			}
		case websocket.BinaryMessage:
			s.broadcast(roomName, userID, mt, payload)
		}
	}
}

// join registers the member and returns the other current members, plus any
// evicted previous connection holding the same userId (a reconnect that raced
// the old socket's close).
func (s *Server) join(roomName string, m *member) ([]string, *member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[roomName]
	if !ok {
		rm = &room{name: roomName, members: make(map[string]*member)}
		s.rooms[roomName] = rm
	}
	evicted := rm.members[m.userID]
	others := make([]string, 0, len(rm.members))
	for id := range rm.members {
		if id != m.userID {
			others = append(others, id)
		}
	}
	rm.members[m.userID] = m
	return others, evicted
}

// leave deregisters the member and reports whether anyone remains to notify.
// Removal is connection-aware: a stale socket's teardown must never
// deregister a fresh connection that reconnected under the same userId.
func (s *Server) leave(roomName string, m *member) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[roomName]
	if !ok || rm.members[m.userID] != m {
		return false
	}
	delete(rm.members, m.userID)
	if len(rm.members) == 0 {
		delete(s.rooms, roomName)
		return false
	}
	return true
}

func (s *Server) peers(roomName, exclude string) []*member {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[roomName]
	if !ok {
		return nil
	}
	out := make([]*member, 0, len(rm.members))
	for id, m := range rm.members {
		if id != exclude {
			out = append(out, m)
		}
	}
	return out
}

// broadcast forwards a frame to every other member of the room. Sends to
// dead peers are logged and skipped: delivery is at-most-once, best-effort.
func (s *Server) broadcast(roomName, from string, messageType int, payload []byte) {
	for _, peer := range s.peers(roomName, from) {
		if err := peer.send(messageType, payload); err != nil {
			slog.Warn("failed to forward", "room", roomName, "to", peer.userID, "err", err)
		}
	}
}

// unicast forwards a frame to a single addressed peer, silently skipping it
// if the peer is no longer connected.
func (s *Server) unicast(roomName, to string, messageType int, payload []byte) {
	s.mu.Lock()
	rm, ok := s.rooms[roomName]
	var peer *member
	if ok {
		peer = rm.members[to]
	}
	s.mu.Unlock()
	if peer == nil {
		slog.Warn("unicast target gone", "room", roomName, "to", to)
		return
	}
	if err := peer.send(messageType, payload); err != nil {
		slog.Warn("failed to forward", "room", roomName, "to", to, "err", err)
	}
}

func mustMarshal(e Envelope) []byte {
	raw, err := json.Marshal(e)
	if err != nil {
		panic(err)
	}
	return raw
}
