package board

import (
	"fmt"
	"maps"
	"math/rand"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
)

// StaleAfter is how long a presence entry may go without a heartbeat before
// peers exclude it from the visible roster. The entry itself is never
// deleted, only filtered, so there is no cross-replica deletion race.
const StaleAfter = 60 * time.Second

// presenceColors is the palette a session picks its display color from.
var presenceColors = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4", "#FFEAA7",
	"#DDA0DD", "#98D8C8", "#F7DC6F", "#BB8FCE", "#85C1E9",
}

// RandomColor returns a presence display color. Assigned once at session
// start.
func RandomColor() string {
	return presenceColors[rand.Intn(len(presenceColors))]
}

const (
	keyLines    = "lines"
	keyShapes   = "shapes"
	keyTexts    = "texts"
	keyPresence = "presence"
	keyImage    = "image"
)

// Recorder receives every sequence mutation applied through the Document's
// own operation set, tagged with the origin that issued it. Used by the undo
// controller; remote deltas never pass through it.
type Recorder func(ops []Op, origin Origin)

// Document is the CRDT-backed shared whiteboard state for one room. All
// mutations are synchronous and cannot fail from the caller's perspective:
// they apply to the local replica immediately and replicate asynchronously
// via the sync state machinery. A mutex serializes access so the session's
// read pump and local callers can share the document.
type Document struct {
	mu  sync.Mutex
	doc *automerge.Doc

	recorder     Recorder
	presenceObs  []func()
	changeObs    []func(Origin)
	presenceSeen map[string]Presence
}

// New creates an empty document.
func New() *Document {
	return &Document{doc: automerge.New(), presenceSeen: map[string]Presence{}}
}

// Load restores a document from a saved snapshot.
func Load(raw []byte) (*Document, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	d := &Document{doc: doc, presenceSeen: map[string]Presence{}}
	d.presenceSeen = d.presenceSnapshotLocked()
	return d, nil
}

// SetActorID overrides the automerge actor for this replica. Must be a hex
// string and must be set before the first mutation.
func (d *Document) SetActorID(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.SetActorID(id)
}

// SetRecorder installs the mutation recorder hook. At most one recorder is
// supported; passing nil detaches it.
func (d *Document) SetRecorder(r Recorder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recorder = r
}

// Observe registers a callback fired whenever the presence map changes,
// locally or remotely. No ordering guarantee between independent observers.
func (d *Document) Observe(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.presenceObs = append(d.presenceObs, fn)
}

// ObserveChange registers a callback fired after any document change, with
// the origin that caused it.
func (d *Document) ObserveChange(fn func(Origin)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.changeObs = append(d.changeObs, fn)
}

// DetachObservers drops all observers and the recorder. Called on session
// teardown so no callbacks leak across reconnect cycles.
func (d *Document) DetachObservers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.presenceObs = nil
	d.changeObs = nil
	d.recorder = nil
}

// InsertLine appends a line to the lines sequence.
func (d *Document) InsertLine(l Line, origin Origin) {
	d.insert(keyLines, KindLine, l.ID, lineToValue(l), l, origin)
}

// InsertShape appends a shape to the shapes sequence.
func (d *Document) InsertShape(s Shape, origin Origin) {
	d.insert(keyShapes, KindShape, s.ID, shapeToValue(s), s, origin)
}

// InsertText appends a text block to the texts sequence.
func (d *Document) InsertText(t TextBlock, origin Origin) {
	d.insert(keyTexts, KindText, t.ID, textToValue(t), t, origin)
}

// RemoveLine removes the line with the given id. No-op if it was already
// removed, locally or by a concurrent remote delete.
func (d *Document) RemoveLine(id string, origin Origin) {
	d.remove(keyLines, KindLine, id, origin)
}

// RemoveShape removes the shape with the given id, if present.
func (d *Document) RemoveShape(id string, origin Origin) {
	d.remove(keyShapes, KindShape, id, origin)
}

// RemoveText removes the text block with the given id, if present.
func (d *Document) RemoveText(id string, origin Origin) {
	d.remove(keyTexts, KindText, id, origin)
}

// UpdateLine replaces the point list of a line as an atomic delete-and-
// reinsert at the same position, preserving z-order. Concurrent updates to
// the same line from two replicas both survive the merge; callers must not
// assume which one renders on top.
func (d *Document) UpdateLine(id string, points []float64, origin Origin) {
	d.mu.Lock()
	list := d.list(keyLines)
	idx, m := d.find(list, id)
	if idx < 0 {
		d.mu.Unlock()
		return
	}
	previous := lineFromMap(m)
	updated := previous
	updated.Points = append([]float64(nil), points...)
	ops := []Op{
		{Type: OpRemove, Kind: KindLine, ID: id, Index: idx, Payload: previous},
		{Type: OpInsert, Kind: KindLine, ID: id, Index: idx, Payload: updated},
	}
	if err := list.Delete(idx); err != nil {
		d.mu.Unlock()
		return
	}
	if err := list.Insert(idx, lineToValue(updated)); err != nil {
		d.mu.Unlock()
		return
	}
	d.commitLocked("update line")
	d.finish(ops, origin)
}

// UpdateShape moves a shape, again as delete-and-reinsert at the same index.
func (d *Document) UpdateShape(id string, x, y float64, origin Origin) {
	d.mu.Lock()
	list := d.list(keyShapes)
	idx, m := d.find(list, id)
	if idx < 0 {
		d.mu.Unlock()
		return
	}
	previous := shapeFromMap(m)
	updated := previous
	updated.X, updated.Y = x, y
	ops := []Op{
		{Type: OpRemove, Kind: KindShape, ID: id, Index: idx, Payload: previous},
		{Type: OpInsert, Kind: KindShape, ID: id, Index: idx, Payload: updated},
	}
	if err := list.Delete(idx); err != nil {
		d.mu.Unlock()
		return
	}
	if err := list.Insert(idx, shapeToValue(updated)); err != nil {
		d.mu.Unlock()
		return
	}
	d.commitLocked("update shape")
	d.finish(ops, origin)
}

// ClearAll deletes every current element in all three sequences. This is a
// snapshot-in-time bulk delete: concurrent remote inserts that race with the
// clear survive it.
func (d *Document) ClearAll(origin Origin) {
	d.mu.Lock()
	var ops []Op
	for _, seq := range []struct {
		key  string
		kind ElementKind
	}{{keyLines, KindLine}, {keyShapes, KindShape}, {keyTexts, KindText}} {
		list := d.list(seq.key)
		n := list.Len()
		for i := n - 1; i >= 0; i-- {
			v, err := list.Get(i)
			if err != nil || v.Kind() != automerge.KindMap {
				continue
			}
			m := v.Map()
			ops = append(ops, Op{Type: OpRemove, Kind: seq.kind, ID: getString(m, "id"), Index: i, Payload: d.decode(seq.kind, m)})
			_ = list.Delete(i)
		}
	}
	if len(ops) == 0 {
		d.mu.Unlock()
		return
	}
	d.commitLocked("clear all")
	d.finish(ops, origin)
}

// SetEmbeddedImage sets the single image slot. Last-writer-wins by the
// document's causal order, not wall clock.
func (d *Document) SetEmbeddedImage(img ImageRef, origin Origin) {
	d.mu.Lock()
	if err := d.doc.Path(keyImage).Set(imageToValue(img)); err != nil {
		d.mu.Unlock()
		return
	}
	d.commitLocked("set image")
	d.finish(nil, origin)
}

// SetPresence writes a full presence entry under its user id.
func (d *Document) SetPresence(p Presence, origin Origin) {
	d.mu.Lock()
	if err := d.doc.Path(keyPresence).Map().Set(p.ID, presenceToValue(p)); err != nil {
		d.mu.Unlock()
		return
	}
	d.commitLocked("set presence")
	d.finish(nil, origin)
}

// UpdateCursor moves the user's cursor and re-stamps LastSeen.
func (d *Document) UpdateCursor(userID string, x, y float64, origin Origin) {
	d.mu.Lock()
	p, ok := d.presenceSnapshotLocked()[userID]
	if !ok {
		d.mu.Unlock()
		return
	}
	p.Cursor = Cursor{X: x, Y: y}
	p.LastSeen = time.Now().UnixMilli()
	if err := d.doc.Path(keyPresence).Map().Set(userID, presenceToValue(p)); err != nil {
		d.mu.Unlock()
		return
	}
	d.commitLocked("move cursor")
	d.finish(nil, origin)
}

// Touch re-stamps the user's presence LastSeen without changing anything
// else. The session heartbeat calls this so peers never falsely evict a live
// user.
func (d *Document) Touch(userID string, origin Origin) {
	d.mu.Lock()
	p, ok := d.presenceSnapshotLocked()[userID]
	if !ok {
		d.mu.Unlock()
		return
	}
	p.LastSeen = time.Now().UnixMilli()
	if err := d.doc.Path(keyPresence).Map().Set(userID, presenceToValue(p)); err != nil {
		d.mu.Unlock()
		return
	}
	d.commitLocked("heartbeat")
	d.finish(nil, origin)
}

// Lines returns a snapshot of the lines sequence in z-order.
func (d *Document) Lines() []Line {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Line
	d.each(keyLines, func(m *automerge.Map) { out = append(out, lineFromMap(m)) })
	return out
}

// Shapes returns a snapshot of the shapes sequence.
func (d *Document) Shapes() []Shape {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Shape
	d.each(keyShapes, func(m *automerge.Map) { out = append(out, shapeFromMap(m)) })
	return out
}

// Texts returns a snapshot of the texts sequence.
func (d *Document) Texts() []TextBlock {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []TextBlock
	d.each(keyTexts, func(m *automerge.Map) { out = append(out, textFromMap(m)) })
	return out
}

// Presences returns the full presence map, including stale entries.
func (d *Document) Presences() map[string]Presence {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.presenceSnapshotLocked()
}

// ActiveUsers returns the visible roster: presence entries whose LastSeen is
// within the staleness threshold of now. Stale entries stay in the map and
// are only filtered here.
func (d *Document) ActiveUsers(now time.Time) map[string]Presence {
	all := d.Presences()
	out := make(map[string]Presence, len(all))
	cutoff := now.Add(-StaleAfter).UnixMilli()
	for id, p := range all {
		if p.LastSeen >= cutoff {
			out[id] = p
		}
	}
	return out
}

// EmbeddedImage returns the image slot, or false if unset.
func (d *Document) EmbeddedImage() (ImageRef, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := d.doc.Path(keyImage).Get()
	if err != nil || v.Kind() != automerge.KindMap {
		return ImageRef{}, false
	}
	return imageFromMap(v.Map()), true
}

// NewSyncState starts a fresh sync conversation with one remote peer.
func (d *Document) NewSyncState() *automerge.SyncState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return automerge.NewSyncState(d.doc)
}

// GenerateSync drains all pending sync messages for the given peer state.
func (d *Document) GenerateSync(ss *automerge.SyncState) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out [][]byte
	for {
		msg, valid := ss.GenerateMessage()
		if !valid {
			break
		}
		out = append(out, msg.Bytes())
	}
	return out
}

// ReceiveSync applies one sync message from a peer and reports whether the
// document changed.
func (d *Document) ReceiveSync(ss *automerge.SyncState, payload []byte) (bool, error) {
	d.mu.Lock()
	before := d.doc.Heads()
	if _, err := ss.ReceiveMessage(payload); err != nil {
		d.mu.Unlock()
		return false, fmt.Errorf("failed to receive sync message: %w", err)
	}
	changed := !headsEqual(before, d.doc.Heads())
	if changed {
		d.finish(nil, RemoteOrigin)
	} else {
		d.mu.Unlock()
	}
	return changed, nil
}

// Save serializes the full document.
func (d *Document) Save() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save()
}

// MergeSnapshot merges a previously saved snapshot into this document. Merge,
// not replace: local changes absent from the snapshot survive.
func (d *Document) MergeSnapshot(raw []byte) error {
	other, err := automerge.Load(raw)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	changes, err := other.Changes()
	if err != nil {
		return fmt.Errorf("failed to extract changes: %w", err)
	}
	d.mu.Lock()
	before := d.doc.Heads()
	if err := d.doc.Apply(changes...); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("failed to apply changes: %w", err)
	}
	if !headsEqual(before, d.doc.Heads()) {
		d.finish(nil, RemoteOrigin)
	} else {
		d.mu.Unlock()
	}
	return nil
}

// Heads returns the current automerge heads, for change detection.
func (d *Document) Heads() []automerge.ChangeHash {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Heads()
}

// Doc exposes the underlying automerge document for history tooling.
func (d *Document) Doc() *automerge.Doc {
	return d.doc
}

func (d *Document) insert(key string, kind ElementKind, id string, value map[string]any, payload any, origin Origin) {
	d.mu.Lock()
	list := d.list(key)
	idx := list.Len()
	if err := list.Append(value); err != nil {
		d.mu.Unlock()
		return
	}
	d.commitLocked("insert " + string(kind))
	d.finish([]Op{{Type: OpInsert, Kind: kind, ID: id, Index: idx, Payload: payload}}, origin)
}

func (d *Document) remove(key string, kind ElementKind, id string, origin Origin) {
	d.mu.Lock()
	list := d.list(key)
	idx, m := d.find(list, id)
	if idx < 0 {
		d.mu.Unlock()
		return
	}
	payload := d.decode(kind, m)
	if err := list.Delete(idx); err != nil {
		d.mu.Unlock()
		return
	}
	d.commitLocked("remove " + string(kind))
	d.finish([]Op{{Type: OpRemove, Kind: kind, ID: id, Index: idx, Payload: payload}}, origin)
}

func (d *Document) list(key string) *automerge.List {
	return d.doc.Path(key).List()
}

// find locates the current position of the element with the given id in the
// local replica, returning -1 if a concurrent delete already removed it.
func (d *Document) find(list *automerge.List, id string) (int, *automerge.Map) {
	for i := 0; i < list.Len(); i++ {
		v, err := list.Get(i)
		if err != nil || v.Kind() != automerge.KindMap {
			continue
		}
		m := v.Map()
		if getString(m, "id") == id {
			return i, m
		}
	}
	return -1, nil
}

func (d *Document) each(key string, fn func(*automerge.Map)) {
	v, err := d.doc.Path(key).Get()
	if err != nil || v.Kind() != automerge.KindList {
		return
	}
	list := v.List()
	for i := 0; i < list.Len(); i++ {
		item, err := list.Get(i)
		if err != nil || item.Kind() != automerge.KindMap {
			continue
		}
		fn(item.Map())
	}
}

func (d *Document) decode(kind ElementKind, m *automerge.Map) any {
	switch kind {
	case KindLine:
		return lineFromMap(m)
	case KindShape:
		return shapeFromMap(m)
	default:
		return textFromMap(m)
	}
}

func (d *Document) presenceSnapshotLocked() map[string]Presence {
	out := map[string]Presence{}
	v, err := d.doc.Path(keyPresence).Get()
	if err != nil || v.Kind() != automerge.KindMap {
		return out
	}
	values, err := v.Map().Values()
	if err != nil {
		return out
	}
	for id, pv := range values {
		if pv.Kind() != automerge.KindMap {
			continue
		}
		out[id] = presenceFromMap(pv.Map())
	}
	return out
}

func (d *Document) commitLocked(msg string) {
	if _, err := d.doc.Commit(msg); err != nil {
		// nothing staged, e.g. a no-op mutation
		_ = err
	}
}

// finish is called with the mutex held after a successful change. It
// computes notifications under the lock, releases it, and then dispatches so
// observers may call back into the document.
func (d *Document) finish(ops []Op, origin Origin) {
	pres := d.presenceSnapshotLocked()
	presChanged := !maps.Equal(pres, d.presenceSeen)
	if presChanged {
		d.presenceSeen = pres
	}
	recorder := d.recorder
	presenceObs := append([]func(){}, d.presenceObs...)
	changeObs := append([]func(Origin){}, d.changeObs...)
	d.mu.Unlock()

	if recorder != nil && len(ops) > 0 {
		recorder(ops, origin)
	}
	if presChanged {
		for _, fn := range presenceObs {
			fn()
		}
	}
	for _, fn := range changeObs {
		fn(origin)
	}
}

func headsEqual(a, b []automerge.ChangeHash) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].String() != b[i].String() {
			return false
		}
	}
	return true
}
