// Package undo implements an origin-scoped undo/redo controller over the
// shared document's ordered sequences. Only mutations tagged with the
// tracked origin are captured, so a user undoes their own edits and never a
// remote peer's. Presence and the embedded image are outside undo scope.
package undo

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/astromechza/boardsync/pkg/board"
)

// DefaultCaptureWindow coalesces rapid-fire local mutations (all the points
// of one stroke, a multi-element clear) into a single undoable batch.
const DefaultCaptureWindow = 500 * time.Millisecond

// maxDepth bounds both stacks; the oldest batch is dropped on overflow.
const maxDepth = 128

type batch struct {
	ops []board.Op
	at  time.Time
}

// Controller captures local mutation batches and replays their inverses
// through the document's own operation set. It never reaches into the
// document's internal storage.
type Controller struct {
	doc    *board.Document
	origin board.Origin
	// replayOrigin tags mutations issued by Undo/Redo themselves so they are
	// not captured as fresh batches.
	replayOrigin board.Origin

	mu            sync.Mutex
	captureWindow time.Duration
	now           func() time.Time
	undoStack     []batch
	redoStack     []batch
	onStackChange []func()
}

// Option tweaks controller construction.
type Option func(*Controller)

// WithCaptureWindow overrides the batch coalescing window.
func WithCaptureWindow(d time.Duration) Option {
	return func(c *Controller) { c.captureWindow = d }
}

// withClock is used by tests to control batching time.
func withClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New builds a controller tracking the given origin and installs it as the
// document's mutation recorder.
func New(doc *board.Document, origin board.Origin, opts ...Option) *Controller {
	c := &Controller{
		doc:           doc,
		origin:        origin,
		replayOrigin:  board.Origin("undo-" + uuid.NewString()),
		captureWindow: DefaultCaptureWindow,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	doc.SetRecorder(c.record)
	return c
}

// OnStackChange registers a callback fired whenever CanUndo or CanRedo may
// have changed, so UI can reactively enable or disable controls.
func (c *Controller) OnStackChange(fn func()) {
	c.mu.Lock()
	c.onStackChange = append(c.onStackChange, fn)
	c.mu.Unlock()
}

// CanUndo reports whether an undoable local batch exists.
func (c *Controller) CanUndo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.undoStack) > 0
}

// CanRedo reports whether a redoable batch exists.
func (c *Controller) CanRedo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.redoStack) > 0
}

// Undo reverses the most recent local batch and moves it to the redo stack.
// No-op if the stack is empty.
func (c *Controller) Undo() {
	c.mu.Lock()
	if len(c.undoStack) == 0 {
		c.mu.Unlock()
		return
	}
	b := c.undoStack[len(c.undoStack)-1]
	c.undoStack = c.undoStack[:len(c.undoStack)-1]
	c.redoStack = push(c.redoStack, b)
	c.mu.Unlock()

	c.revert(b)
	c.notify()
}

// Redo re-applies the most recently undone batch. No-op if empty.
func (c *Controller) Redo() {
	c.mu.Lock()
	if len(c.redoStack) == 0 {
		c.mu.Unlock()
		return
	}
	b := c.redoStack[len(c.redoStack)-1]
	c.redoStack = c.redoStack[:len(c.redoStack)-1]
	c.undoStack = push(c.undoStack, b)
	c.mu.Unlock()

	c.apply(b)
	c.notify()
}

// record is the document's recorder hook.
func (c *Controller) record(ops []board.Op, origin board.Origin) {
	if origin != c.origin {
		return
	}
	c.mu.Lock()
	now := c.now()
	if n := len(c.undoStack); n > 0 && now.Sub(c.undoStack[n-1].at) <= c.captureWindow {
		c.undoStack[n-1].ops = append(c.undoStack[n-1].ops, ops...)
		c.undoStack[n-1].at = now
	} else {
		c.undoStack = push(c.undoStack, batch{ops: append([]board.Op(nil), ops...), at: now})
	}
	// a fresh local edit invalidates the redo history
	c.redoStack = nil
	c.mu.Unlock()
	c.notify()
}

// revert applies the inverse of each op in reverse order. Undoing an insert
// removes by id and quietly no-ops if a remote peer already deleted the
// element; undoing a remove is a fresh insert at a new position, since
// sequence merges do not support positional rollback across replicas.
func (c *Controller) revert(b batch) {
	for i := len(b.ops) - 1; i >= 0; i-- {
		op := b.ops[i]
		switch op.Type {
		case board.OpInsert:
			c.removeByID(op)
		case board.OpRemove:
			c.insertPayload(op)
		}
	}
}

// apply re-applies each op in original order.
func (c *Controller) apply(b batch) {
	for _, op := range b.ops {
		switch op.Type {
		case board.OpInsert:
			c.insertPayload(op)
		case board.OpRemove:
			c.removeByID(op)
		}
	}
}

func (c *Controller) removeByID(op board.Op) {
	switch op.Kind {
	case board.KindLine:
		c.doc.RemoveLine(op.ID, c.replayOrigin)
	case board.KindShape:
		c.doc.RemoveShape(op.ID, c.replayOrigin)
	case board.KindText:
		c.doc.RemoveText(op.ID, c.replayOrigin)
	}
}

func (c *Controller) insertPayload(op board.Op) {
	switch p := op.Payload.(type) {
	case board.Line:
		c.doc.InsertLine(p, c.replayOrigin)
	case board.Shape:
		c.doc.InsertShape(p, c.replayOrigin)
	case board.TextBlock:
		c.doc.InsertText(p, c.replayOrigin)
	}
}

func (c *Controller) notify() {
	c.mu.Lock()
	obs := append([]func(){}, c.onStackChange...)
	c.mu.Unlock()
	for _, fn := range obs {
		fn()
	}
}

func push(s []batch, b batch) []batch {
	s = append(s, b)
	if len(s) > maxDepth {
		s = s[1:]
	}
	return s
}
