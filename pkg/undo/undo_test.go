package undo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/astromechza/boardsync/pkg/board"
)

const (
	originA = board.Origin("origin-a")
	originB = board.Origin("origin-b")
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newFixture(t *testing.T) (*board.Document, *Controller, *fakeClock) {
	t.Helper()
	doc := board.New()
	clock := &fakeClock{t: time.Unix(1000, 0)}
	ctl := New(doc, originA, withClock(clock.now))
	return doc, ctl, clock
}

func testLine(id string) board.Line {
	return board.Line{ID: id, Points: []float64{0, 0, 1, 1}, Stroke: "#000", StrokeWidth: 1, Opacity: 1}
}

func syncDocs(t *testing.T, a, b *board.Document) {
	t.Helper()
	sa, sb := a.NewSyncState(), b.NewSyncState()
	for i := 0; i < 100; i++ {
		msgsA := a.GenerateSync(sa)
		msgsB := b.GenerateSync(sb)
		if len(msgsA) == 0 && len(msgsB) == 0 {
			return
		}
		for _, m := range msgsA {
			_, err := b.ReceiveSync(sb, m)
			require.NoError(t, err)
		}
		for _, m := range msgsB {
			_, err := a.ReceiveSync(sa, m)
			require.NoError(t, err)
		}
	}
	t.Fatal("sync did not terminate")
}

func TestUndoRedoInsert(t *testing.T) {
	doc, ctl, _ := newFixture(t)
	require.False(t, ctl.CanUndo())

	doc.InsertLine(testLine("l1"), originA)
	require.True(t, ctl.CanUndo())
	require.False(t, ctl.CanRedo())

	ctl.Undo()
	require.Empty(t, doc.Lines())
	require.False(t, ctl.CanUndo())
	require.True(t, ctl.CanRedo())

	ctl.Redo()
	require.Len(t, doc.Lines(), 1)
	require.Equal(t, "l1", doc.Lines()[0].ID)
	require.True(t, ctl.CanUndo())
	require.False(t, ctl.CanRedo())
}

func TestUndoRemoveReinserts(t *testing.T) {
	doc, ctl, clock := newFixture(t)
	doc.InsertLine(testLine("l1"), originA)
	clock.advance(time.Second)
	doc.RemoveLine("l1", originA)
	require.Empty(t, doc.Lines())

	ctl.Undo()
	require.Len(t, doc.Lines(), 1)
	require.Equal(t, "l1", doc.Lines()[0].ID)
}

func TestCaptureWindowCoalescing(t *testing.T) {
	doc, ctl, clock := newFixture(t)

	// three rapid edits inside one window collapse into one batch
	doc.InsertLine(testLine("l1"), originA)
	clock.advance(100 * time.Millisecond)
	doc.InsertLine(testLine("l2"), originA)
	clock.advance(100 * time.Millisecond)
	doc.InsertLine(testLine("l3"), originA)

	// a later edit starts a new batch
	clock.advance(time.Second)
	doc.InsertLine(testLine("l4"), originA)

	ctl.Undo()
	require.Len(t, doc.Lines(), 3)
	ctl.Undo()
	require.Empty(t, doc.Lines())
}

func TestUndoIsolationBetweenOrigins(t *testing.T) {
	docA, ctlA, _ := newFixture(t)
	docB := board.New()

	docA.InsertLine(testLine("e1"), originA)
	docB.InsertLine(testLine("e2"), originB)
	syncDocs(t, docA, docB)
	require.Len(t, docA.Lines(), 2)

	// undoing on A removes A's own element and never B's
	ctlA.Undo()
	syncDocs(t, docA, docB)
	require.Len(t, docA.Lines(), 1)
	require.Equal(t, "e2", docA.Lines()[0].ID)
	require.Len(t, docB.Lines(), 1)
	require.Equal(t, "e2", docB.Lines()[0].ID)
}

func TestRemoteChangesNeverEnterStacks(t *testing.T) {
	docA, ctlA, _ := newFixture(t)
	docB := board.New()
	docB.InsertLine(testLine("remote"), originB)
	syncDocs(t, docA, docB)

	require.Len(t, docA.Lines(), 1)
	require.False(t, ctlA.CanUndo())

	// undo with an empty stack is a no-op
	ctlA.Undo()
	require.Len(t, docA.Lines(), 1)
}

func TestUndoAfterRemoteDeleteIsNoop(t *testing.T) {
	docA, ctlA, _ := newFixture(t)
	docB := board.New()

	docA.InsertLine(testLine("e1"), originA)
	syncDocs(t, docA, docB)
	docB.RemoveLine("e1", originB)
	syncDocs(t, docA, docB)
	require.Empty(t, docA.Lines())

	// the tracked insert is undone against an element a peer already removed
	ctlA.Undo()
	require.Empty(t, docA.Lines())
	require.Empty(t, docB.Lines())
}

func TestClearAllUndoRestoresEverything(t *testing.T) {
	doc, ctl, clock := newFixture(t)
	doc.InsertLine(testLine("l1"), originA)
	doc.InsertShape(board.Shape{ID: "s1", Kind: "rect"}, originA)
	doc.InsertText(board.TextBlock{ID: "t1", Text: "x"}, originA)
	clock.advance(time.Second)

	doc.ClearAll(originA)
	require.Empty(t, doc.Lines())
	require.Empty(t, doc.Shapes())
	require.Empty(t, doc.Texts())

	ctl.Undo()
	require.Len(t, doc.Lines(), 1)
	require.Len(t, doc.Shapes(), 1)
	require.Len(t, doc.Texts(), 1)
}

func TestUpdateLineUndoRestoresPoints(t *testing.T) {
	doc, ctl, clock := newFixture(t)
	doc.InsertLine(testLine("l1"), originA)
	clock.advance(time.Second)
	doc.UpdateLine("l1", []float64{9, 9, 8, 8}, originA)
	require.Equal(t, []float64{9, 9, 8, 8}, doc.Lines()[0].Points)

	ctl.Undo()
	require.Len(t, doc.Lines(), 1)
	require.Equal(t, []float64{0, 0, 1, 1}, doc.Lines()[0].Points)
}

func TestLocalEditClearsRedo(t *testing.T) {
	doc, ctl, clock := newFixture(t)
	doc.InsertLine(testLine("l1"), originA)
	ctl.Undo()
	require.True(t, ctl.CanRedo())

	clock.advance(time.Second)
	doc.InsertLine(testLine("l2"), originA)
	require.False(t, ctl.CanRedo())
}

func TestStackChangeEvent(t *testing.T) {
	doc, ctl, _ := newFixture(t)
	var fired int
	ctl.OnStackChange(func() { fired++ })

	doc.InsertLine(testLine("l1"), originA)
	require.Greater(t, fired, 0)
	before := fired
	ctl.Undo()
	require.Greater(t, fired, before)
}

func TestStackDepthBounded(t *testing.T) {
	doc, ctl, clock := newFixture(t)
	for i := 0; i < maxDepth+10; i++ {
		doc.InsertLine(testLine("l"), originA)
		clock.advance(time.Second)
	}
	c := ctl
	c.mu.Lock()
	depth := len(c.undoStack)
	c.mu.Unlock()
	require.Equal(t, maxDepth, depth)
}
