package board

// Line is a completed freehand stroke. Points is a flat list of x,y pairs in
// canvas coordinates.
type Line struct {
	ID          string
	Points      []float64
	Stroke      string
	StrokeWidth float64
	Opacity     float64
	CompositeOp string
	Mode        string
}

// Shape is a geometric element (rectangle, ellipse, ...).
type Shape struct {
	ID          string
	Kind        string
	X           float64
	Y           float64
	Width       float64
	Height      float64
	Fill        string
	Stroke      string
	StrokeWidth float64
}

// TextBlock is a positioned piece of text.
type TextBlock struct {
	ID       string
	X        float64
	Y        float64
	Text     string
	FontSize float64
	Color    string
}

// Cursor is a presence cursor position.
type Cursor struct {
	X float64
	Y float64
}

// Presence is the ephemeral per-user entry in the shared presence map.
// LastSeen is epoch milliseconds and is re-stamped by the owning session's
// heartbeat; peers filter entries older than the staleness threshold rather
// than deleting them.
type Presence struct {
	ID       string
	Name     string
	Color    string
	Cursor   Cursor
	LastSeen int64
}

// ImageRef is the single embedded image slot (PDF-derived or pasted).
type ImageRef struct {
	ID     string
	URL    string
	Width  float64
	Height float64
	X      float64
	Y      float64
}

// Origin tags a mutation with the session that produced it. The undo
// controller only captures ops carrying its tracked origin; deltas merged
// from the network carry RemoteOrigin.
type Origin string

// RemoteOrigin marks changes that arrived via sync rather than a local call.
const RemoteOrigin Origin = "remote"

// ElementKind discriminates the three ordered sequences.
type ElementKind string

const (
	KindLine  ElementKind = "line"
	KindShape ElementKind = "shape"
	KindText  ElementKind = "text"
)

// OpType discriminates recorded sequence mutations.
type OpType string

const (
	OpInsert OpType = "insert"
	OpRemove OpType = "remove"
)

// Op is one recorded sequence mutation, reported to the recorder hook so an
// undo controller can build inverse batches. Payload holds the Line, Shape or
// TextBlock value that was inserted or removed.
type Op struct {
	Type    OpType
	Kind    ElementKind
	ID      string
	Index   int
	Payload any
}
