package main

// Loads a persisted whiteboard document and renders its change DAG to SVG.

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/astromechza/boardsync/pkg/board"
	"github.com/astromechza/boardsync/pkg/store"
	"github.com/astromechza/boardsync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	roomVar := flag.String("room", "default-room", "the room to inspect")
	outVar := flag.String("out", "", "the svg output path, temp file if empty")
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one positional argument: the sqlite store to read")
	}

	st, err := store.Open(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	raw, err := st.Load(*roomVar)
	if err != nil {
		return fmt.Errorf("failed to load room: %w", err)
	}
	if raw == nil {
		return fmt.Errorf("no persisted document for room %q", *roomVar)
	}

	doc, err := board.Load(raw)
	if err != nil {
		return fmt.Errorf("failed to load document: %w", err)
	}
	slog.Info("loaded document", "room", *roomVar, "heads", doc.Heads(),
		"lines", len(doc.Lines()), "shapes", len(doc.Shapes()), "texts", len(doc.Texts()))

	if *outVar == "" {
		path, err := viz.RenderToTemp(doc.Doc())
		if err != nil {
			return fmt.Errorf("failed to render: %w", err)
		}
		slog.Info("rendered", "path", "file://"+path)
		return nil
	}
	if err := viz.RenderHistoryToSvg(doc.Doc(), *outVar); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	slog.Info("rendered", "path", "file://"+*outVar)
	return nil
}
