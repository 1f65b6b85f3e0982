package board

// Conversion between the typed element structs and the map objects stored in
// the automerge document. Keys match the shapes the web client stores so a
// document produced by either side reads back identically. Writes hand
// automerge plain Go maps; reads walk the object tree field by field.

import "github.com/automerge/automerge-go"

func lineToValue(l Line) map[string]any {
	points := make([]any, 0, len(l.Points))
	for _, p := range l.Points {
		points = append(points, p)
	}
	return map[string]any{
		"id":                       l.ID,
		"points":                   points,
		"stroke":                   l.Stroke,
		"strokeWidth":              l.StrokeWidth,
		"opacity":                  l.Opacity,
		"globalCompositeOperation": l.CompositeOp,
		"mode":                     l.Mode,
	}
}

func lineFromMap(m *automerge.Map) Line {
	return Line{
		ID:          getString(m, "id"),
		Points:      getFloats(m, "points"),
		Stroke:      getString(m, "stroke"),
		StrokeWidth: getFloat(m, "strokeWidth"),
		Opacity:     getFloat(m, "opacity"),
		CompositeOp: getString(m, "globalCompositeOperation"),
		Mode:        getString(m, "mode"),
	}
}

func shapeToValue(s Shape) map[string]any {
	return map[string]any{
		"id":          s.ID,
		"type":        s.Kind,
		"x":           s.X,
		"y":           s.Y,
		"width":       s.Width,
		"height":      s.Height,
		"fill":        s.Fill,
		"stroke":      s.Stroke,
		"strokeWidth": s.StrokeWidth,
	}
}

func shapeFromMap(m *automerge.Map) Shape {
	return Shape{
		ID:          getString(m, "id"),
		Kind:        getString(m, "type"),
		X:           getFloat(m, "x"),
		Y:           getFloat(m, "y"),
		Width:       getFloat(m, "width"),
		Height:      getFloat(m, "height"),
		Fill:        getString(m, "fill"),
		Stroke:      getString(m, "stroke"),
		StrokeWidth: getFloat(m, "strokeWidth"),
	}
}

func textToValue(t TextBlock) map[string]any {
	return map[string]any{
		"id":       t.ID,
		"x":        t.X,
		"y":        t.Y,
		"text":     t.Text,
		"fontSize": t.FontSize,
		"color":    t.Color,
	}
}

func textFromMap(m *automerge.Map) TextBlock {
	return TextBlock{
		ID:       getString(m, "id"),
		X:        getFloat(m, "x"),
		Y:        getFloat(m, "y"),
		Text:     getString(m, "text"),
		FontSize: getFloat(m, "fontSize"),
		Color:    getString(m, "color"),
	}
}

func presenceToValue(p Presence) map[string]any {
	return map[string]any{
		"id":       p.ID,
		"name":     p.Name,
		"color":    p.Color,
		"cursor":   map[string]any{"x": p.Cursor.X, "y": p.Cursor.Y},
		"lastSeen": p.LastSeen,
	}
}

func presenceFromMap(m *automerge.Map) Presence {
	p := Presence{
		ID:       getString(m, "id"),
		Name:     getString(m, "name"),
		Color:    getString(m, "color"),
		LastSeen: getInt(m, "lastSeen"),
	}
	if v, err := m.Get("cursor"); err == nil && v.Kind() == automerge.KindMap {
		c := v.Map()
		p.Cursor = Cursor{X: getFloat(c, "x"), Y: getFloat(c, "y")}
	}
	return p
}

func imageToValue(i ImageRef) map[string]any {
	return map[string]any{
		"id":     i.ID,
		"url":    i.URL,
		"width":  i.Width,
		"height": i.Height,
		"x":      i.X,
		"y":      i.Y,
	}
}

func imageFromMap(m *automerge.Map) ImageRef {
	return ImageRef{
		ID:     getString(m, "id"),
		URL:    getString(m, "url"),
		Width:  getFloat(m, "width"),
		Height: getFloat(m, "height"),
		X:      getFloat(m, "x"),
		Y:      getFloat(m, "y"),
	}
}

func getString(m *automerge.Map, key string) string {
	s, _ := automerge.As[string](m.Get(key))
	return s
}

// getFloat tolerates both numeric kinds a peer may have written.
func getFloat(m *automerge.Map, key string) float64 {
	if f, err := automerge.As[float64](m.Get(key)); err == nil {
		return f
	}
	if i, err := automerge.As[int64](m.Get(key)); err == nil {
		return float64(i)
	}
	return 0
}

func getInt(m *automerge.Map, key string) int64 {
	if i, err := automerge.As[int64](m.Get(key)); err == nil {
		return i
	}
	if f, err := automerge.As[float64](m.Get(key)); err == nil {
		return int64(f)
	}
	return 0
}

func getFloats(m *automerge.Map, key string) []float64 {
	v, err := m.Get(key)
	if err != nil || v.Kind() != automerge.KindList {
		return nil
	}
	list := v.List()
	out := make([]float64, 0, list.Len())
	for i := 0; i < list.Len(); i++ {
		if f, err := automerge.As[float64](list.Get(i)); err == nil {
			out = append(out, f)
		} else if n, err := automerge.As[int64](list.Get(i)); err == nil {
			out = append(out, float64(n))
		}
	}
	return out
}
