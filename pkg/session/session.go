// Package session orchestrates one client's participation in a shared
// whiteboard room: it owns the document, manages the relay connection and
// its recovery, exchanges CRDT sync messages with each peer, heartbeats the
// local presence entry, and mirrors the document into the durable store.
package session

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/astromechza/boardsync/pkg/board"
	"github.com/astromechza/boardsync/pkg/relay"
	"github.com/astromechza/boardsync/pkg/store"
	"github.com/astromechza/boardsync/pkg/undo"
)

// Status is the connection status observable. Local means the client is
// intentionally continuing in offline, CRDT-only mode.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusLocal        Status = "local"
)

// DefaultServerURL is the local relay address used when none is configured.
const DefaultServerURL = "ws://localhost:1234"

const (
	retryDelay        = 5 * time.Second
	probeInterval     = 2 * time.Second
	heartbeatInterval = 30 * time.Second
	syncFlushInterval = time.Second
	persistInterval   = 2 * time.Second
)

// Options configures a session. RoomName partitions documents; UserID is the
// stable per-session identity; UserName is the display label.
type Options struct {
	RoomName string
	UserID   string
	UserName string
	// ServerURL is the relay endpoint, DefaultServerURL if empty.
	ServerURL string
	// AutoConnect dials immediately on session creation.
	AutoConnect bool
	// StorePath is the sqlite file for offline persistence; empty disables
	// the durable store.
	StorePath string

	// interval overrides, zero means default
	HeartbeatInterval time.Duration
	ProbeInterval     time.Duration
	SyncFlushInterval time.Duration
	PersistInterval   time.Duration
	RetryDelay        time.Duration
}

// DefaultOptions returns Options with the defaults a browser-equivalent
// client would use.
func DefaultOptions(roomName, userID, userName string) Options {
	return Options{
		RoomName:    roomName,
		UserID:      userID,
		UserName:    userName,
		ServerURL:   DefaultServerURL,
		AutoConnect: true,
	}
}

// syncPayload is the opaque data carried by "sync" envelopes.
type syncPayload struct {
	Payload []byte `json:"payload"`
}

// TypeSync is the envelope type carrying automerge sync messages between
// peers. The relay forwards it by the To field without interpreting it.
const TypeSync = "sync"

// Session owns one Document per room and is its only mutator: all local edit
// intents go through the session's operation facade tagged with the
// session's origin.
type Session struct {
	opts    Options
	origin  board.Origin
	doc     *board.Document
	undoCtl *undo.Controller
	store   *store.Store

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	writeMu sync.Mutex

	mu         sync.Mutex
	status     Status
	conn       *websocket.Conn
	peers      map[string]*automerge.SyncState
	dirty      bool
	dialing    bool
	retryArmed bool
	manualOff  bool
	closed     bool
	statusObs  []func(Status)
	onSignal   func(relay.Envelope)

	syncKick chan struct{}
}

// New creates a session, rehydrates it from the durable store, and (unless
// AutoConnect is off) starts connecting. The returned session is usable for
// local edits immediately regardless of connectivity.
func New(opts Options) (*Session, error) {
	if opts.RoomName == "" || opts.UserID == "" || opts.UserName == "" {
		return nil, fmt.Errorf("roomName, userId and userName are required")
	}
	if opts.ServerURL == "" {
		opts.ServerURL = DefaultServerURL
	}
	applyDefault(&opts.HeartbeatInterval, heartbeatInterval)
	applyDefault(&opts.ProbeInterval, probeInterval)
	applyDefault(&opts.SyncFlushInterval, syncFlushInterval)
	applyDefault(&opts.PersistInterval, persistInterval)
	applyDefault(&opts.RetryDelay, retryDelay)

	doc := board.New()
	actor := uuid.New()
	if err := doc.SetActorID(hex.EncodeToString(actor[:])); err != nil {
		return nil, fmt.Errorf("failed to set actor id: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		opts:     opts,
		origin:   board.Origin(uuid.NewString()),
		doc:      doc,
		ctx:      ctx,
		cancel:   cancel,
		status:   StatusDisconnected,
		peers:    map[string]*automerge.SyncState{},
		syncKick: make(chan struct{}, 1),
	}

	if opts.StorePath != "" {
		st, err := store.Open(opts.StorePath)
		if err != nil {
			// degraded durability, not an error for the caller
			slog.Error("failed to open store, continuing without persistence", "err", err)
		} else {
			s.store = st
			s.rehydrate()
		}
	}

	// the undo controller tracks this session's origin only
	s.undoCtl = undo.New(doc, s.origin)

	// installed before the first mutation so the seeded presence entry
	// already counts as pending work for the write-behind persist
	doc.ObserveChange(func(origin board.Origin) {
		s.markDirty()
		if origin != board.RemoteOrigin {
			s.kickSync()
		}
	})

	doc.SetPresence(board.Presence{
		ID:       opts.UserID,
		Name:     opts.UserName,
		Color:    board.RandomColor(),
		LastSeen: time.Now().UnixMilli(),
	}, s.origin)

	s.wg.Add(1)
	go s.probeLoop()
	s.wg.Add(1)
	go s.heartbeatLoop()
	if s.store != nil {
		s.wg.Add(1)
		go s.persistLoop()
	}

	if opts.AutoConnect {
		s.Connect()
	}
	return s, nil
}

// Document exposes the shared document for readers (the rendering surface).
func (s *Session) Document() *board.Document { return s.doc }

// UndoManager exposes the origin-scoped undo/redo controller.
func (s *Session) UndoManager() *undo.Controller { return s.undoCtl }

// Origin is the token tagging every mutation this session produces.
func (s *Session) Origin() board.Origin { return s.origin }

// Status returns the current connection status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// OnStatusChange registers a status observer.
func (s *Session) OnStatusChange(fn func(Status)) {
	s.mu.Lock()
	s.statusObs = append(s.statusObs, fn)
	s.mu.Unlock()
}

// OnSignal registers the handler for opaque A/V signaling envelopes
// (offer, answer, ice-candidate) addressed to this session.
func (s *Session) OnSignal(fn func(relay.Envelope)) {
	s.mu.Lock()
	s.onSignal = fn
	s.mu.Unlock()
}

// AddLine appends a stroke, tagged with the local origin.
func (s *Session) AddLine(l board.Line) { s.doc.InsertLine(l, s.origin) }

// AddShape appends a shape.
func (s *Session) AddShape(sh board.Shape) { s.doc.InsertShape(sh, s.origin) }

// AddText appends a text block.
func (s *Session) AddText(t board.TextBlock) { s.doc.InsertText(t, s.origin) }

// RemoveLine removes a stroke by id, a no-op if already gone.
func (s *Session) RemoveLine(id string) { s.doc.RemoveLine(id, s.origin) }

// RemoveShape removes a shape by id.
func (s *Session) RemoveShape(id string) { s.doc.RemoveShape(id, s.origin) }

// RemoveText removes a text block by id.
func (s *Session) RemoveText(id string) { s.doc.RemoveText(id, s.origin) }

// UpdateLine replaces a stroke's points in place.
func (s *Session) UpdateLine(id string, points []float64) { s.doc.UpdateLine(id, points, s.origin) }

// UpdateShape moves a shape.
func (s *Session) UpdateShape(id string, x, y float64) { s.doc.UpdateShape(id, x, y, s.origin) }

// ClearAll bulk-deletes every element currently visible on this replica.
func (s *Session) ClearAll() { s.doc.ClearAll(s.origin) }

// SetEmbeddedImage sets the single embedded image slot.
func (s *Session) SetEmbeddedImage(img board.ImageRef) { s.doc.SetEmbeddedImage(img, s.origin) }

// UpdateCursor moves this user's presence cursor.
func (s *Session) UpdateCursor(x, y float64) {
	s.doc.UpdateCursor(s.opts.UserID, x, y, s.origin)
}

// ActiveUsers is the visible roster after staleness filtering.
func (s *Session) ActiveUsers() map[string]board.Presence {
	return s.doc.ActiveUsers(time.Now())
}

// Connect starts connecting unless already connected or connecting. It
// returns immediately; progress is reported via the status observable.
func (s *Session) Connect() {
	s.mu.Lock()
	if s.closed || s.dialing || s.conn != nil {
		s.mu.Unlock()
		return
	}
	s.dialing = true
	s.manualOff = false
	s.mu.Unlock()
	s.setStatus(StatusConnecting)

	s.wg.Add(1)
	go s.dial()
}

// Disconnect closes the transport and stops syncing until Connect is called
// again. Local editing keeps working.
func (s *Session) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.manualOff = true
	s.peers = map[string]*automerge.SyncState{}
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	s.setStatus(StatusDisconnected)
}

// Close tears the session down: it stops every timer, closes the transport,
// synchronously flushes pending state to the durable store, and detaches the
// document's observers. It blocks until cleanup is complete.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	s.wg.Wait()

	var err error
	if s.store != nil {
		if serr := s.store.Save(s.opts.RoomName, s.doc.Save()); serr != nil {
			slog.Error("failed to flush store on close", "err", serr)
			err = serr
		}
		if cerr := s.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	s.doc.DetachObservers()
	s.setStatus(StatusDisconnected)
	return err
}

// SendSignal forwards an opaque signaling payload to a specific peer via the
// relay. The session does not interpret it.
func (s *Session) SendSignal(to, msgType string, data json.RawMessage) error {
	return s.writeEnvelope(relay.Envelope{Type: msgType, From: s.opts.UserID, To: to, Data: data})
}

// Ping asks the relay for a liveness response.
func (s *Session) Ping() error {
	return s.writeEnvelope(relay.Envelope{Type: relay.TypePing, From: s.opts.UserID})
}

// rehydrate merges the persisted snapshot into the in-memory document before
// any network sync, so offline edits are never lost to a remote snapshot.
func (s *Session) rehydrate() {
	raw, err := s.store.Load(s.opts.RoomName)
	if err != nil {
		slog.Error("failed to load persisted document", "room", s.opts.RoomName, "err", err)
		return
	}
	if raw == nil {
		return
	}
	if err := s.doc.MergeSnapshot(raw); err != nil {
		slog.Error("failed to merge persisted document", "room", s.opts.RoomName, "err", err)
		return
	}
	slog.Info("rehydrated document", "room", s.opts.RoomName)
}

func (s *Session) dial() {
	defer s.wg.Done()
	target, err := buildURL(s.opts.ServerURL, s.opts.RoomName, s.opts.UserID)
	if err != nil {
		slog.Error("bad server url", "url", s.opts.ServerURL, "err", err)
		s.mu.Lock()
		s.dialing = false
		s.mu.Unlock()
		s.setStatus(StatusLocal)
		return
	}
	conn, _, err := websocket.DefaultDialer.DialContext(s.ctx, target, nil)

	s.mu.Lock()
	s.dialing = false
	if err != nil || s.closed || s.manualOff {
		// an explicit Disconnect issued mid-dial must win over a late success
		closed := s.closed || s.manualOff
		armRetry := err != nil && !closed && !s.retryArmed
		if armRetry {
			s.retryArmed = true
		}
		s.mu.Unlock()
		if closed {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		slog.Warn("failed to dial relay, continuing in local mode", "err", err)
		s.setStatus(StatusLocal)
		if armRetry {
			// exactly one scheduled retry; after that the probe takes over
			time.AfterFunc(s.opts.RetryDelay, func() {
				s.mu.Lock()
				s.retryArmed = false
				s.mu.Unlock()
				s.Connect()
			})
		}
		return
	}
	s.conn = conn
	s.peers = map[string]*automerge.SyncState{}
	s.mu.Unlock()

	s.setStatus(StatusConnected)
	slog.Info("connected", "room", s.opts.RoomName, "user", s.opts.UserID)

	// make our presence visible promptly on the new connection
	s.doc.Touch(s.opts.UserID, s.origin)

	s.wg.Add(1)
	go s.syncFlushLoop(conn)
	s.readPump(conn)
}

func (s *Session) readPump(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
			s.peers = map[string]*automerge.SyncState{}
		}
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			s.setStatus(StatusDisconnected)
		}
	}()
	for {
		mt, payload, err := conn.ReadMessage()
		if err != nil {
			slog.Info("read loop ended", "err", err)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var e relay.Envelope
		if err := json.Unmarshal(payload, &e); err != nil {
			slog.Warn("dropping malformed message", "err", err)
			continue
		}
		s.handleEnvelope(e)
	}
}

func (s *Session) handleEnvelope(e relay.Envelope) {
	switch e.Type {
	case relay.TypeUserList:
		var data relay.UserListData
		if err := json.Unmarshal(e.Data, &data); err != nil {
			slog.Warn("dropping malformed user list", "err", err)
			return
		}
		for _, id := range data.Users {
			s.ensurePeer(id)
			s.sendSyncTo(id)
		}
	case relay.TypeUserJoin:
		var data relay.JoinData
		if err := json.Unmarshal(e.Data, &data); err != nil {
			slog.Warn("dropping malformed join", "err", err)
			return
		}
		s.ensurePeer(data.UserID)
		s.sendSyncTo(data.UserID)
	case relay.TypeUserLeave:
		s.mu.Lock()
		delete(s.peers, e.From)
		s.mu.Unlock()
	case TypeSync:
		var data syncPayload
		if err := json.Unmarshal(e.Data, &data); err != nil {
			slog.Warn("dropping malformed sync payload", "from", e.From, "err", err)
			return
		}
		ss := s.ensurePeer(e.From)
		if _, err := s.doc.ReceiveSync(ss, data.Payload); err != nil {
			slog.Error("failed to apply sync message", "from", e.From, "err", err)
			return
		}
		// the protocol may need several rounds, answer immediately
		s.sendSyncTo(e.From)
	case relay.TypePong:
	case "offer", "answer", "ice-candidate":
		s.mu.Lock()
		fn := s.onSignal
		s.mu.Unlock()
		if fn != nil {
			fn(e)
		}
	default:
		slog.Debug("ignoring unknown message type", "type", e.Type)
	}
}

func (s *Session) ensurePeer(id string) *automerge.SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss, ok := s.peers[id]
	if !ok {
		ss = s.doc.NewSyncState()
		s.peers[id] = ss
	}
	return ss
}

func (s *Session) sendSyncTo(peerID string) {
	s.mu.Lock()
	ss := s.peers[peerID]
	s.mu.Unlock()
	if ss == nil {
		return
	}
	for _, msg := range s.doc.GenerateSync(ss) {
		data, _ := json.Marshal(syncPayload{Payload: msg})
		if err := s.writeEnvelope(relay.Envelope{Type: TypeSync, From: s.opts.UserID, To: peerID, Data: data}); err != nil {
			slog.Warn("failed to send sync message", "to", peerID, "err", err)
			return
		}
	}
}

func (s *Session) syncAllPeers() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.sendSyncTo(id)
	}
}

func (s *Session) writeEnvelope(e relay.Envelope) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// syncFlushLoop pushes pending sync messages to all peers, woken by local
// commits and by a steady ticker as a safety net.
func (s *Session) syncFlushLoop(conn *websocket.Conn) {
	defer s.wg.Done()
	t := time.NewTicker(s.opts.SyncFlushInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.syncAllPeers()
		case <-s.syncKick:
			s.syncAllPeers()
		case <-s.ctx.Done():
			return
		}
		s.mu.Lock()
		gone := s.conn != conn
		s.mu.Unlock()
		if gone {
			return
		}
	}
}

// probeLoop re-derives the connection status from the live transport state,
// self-healing missed transitions, and kicks a reconnect when the transport
// is down.
func (s *Session) probeLoop() {
	defer s.wg.Done()
	t := time.NewTicker(s.opts.ProbeInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.mu.Lock()
			connected := s.conn != nil
			dialing := s.dialing
			retryArmed := s.retryArmed
			manualOff := s.manualOff
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			if connected {
				s.setStatus(StatusConnected)
			} else if !dialing && !retryArmed && !manualOff {
				s.Connect()
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// heartbeatLoop re-stamps the local presence entry so peers never evict a
// live user as stale. It runs regardless of connectivity: the stamp merges
// outward once the transport recovers.
func (s *Session) heartbeatLoop() {
	defer s.wg.Done()
	t := time.NewTicker(s.opts.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.doc.Touch(s.opts.UserID, s.origin)
		case <-s.ctx.Done():
			return
		}
	}
}

// persistLoop is the write-behind mirror into the durable store.
func (s *Session) persistLoop() {
	defer s.wg.Done()
	t := time.NewTicker(s.opts.PersistInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.mu.Lock()
			dirty := s.dirty
			s.dirty = false
			s.mu.Unlock()
			if !dirty {
				continue
			}
			if err := s.store.Save(s.opts.RoomName, s.doc.Save()); err != nil {
				slog.Error("failed to persist document", "room", s.opts.RoomName, "err", err)
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) markDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

func (s *Session) kickSync() {
	select {
	case s.syncKick <- struct{}{}:
	default:
	}
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	if s.status == st {
		s.mu.Unlock()
		return
	}
	s.status = st
	obs := append([]func(Status){}, s.statusObs...)
	s.mu.Unlock()
	for _, fn := range obs {
		fn(st)
	}
}

// buildURL derives the websocket sync endpoint from the configured server
// URL, selecting the room by path segment.
func buildURL(serverURL, roomName, userID string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u = u.JoinPath("rooms", roomName, "sync")
	q := u.Query()
	q.Set("userId", userID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func applyDefault(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}
