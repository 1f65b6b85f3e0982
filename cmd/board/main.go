package main

// A headless whiteboard client: joins a room, draws a random stroke every few
// seconds, wiggles its cursor, and prints the roster. Stands in for the
// canvas UI when exercising the relay and the sync layer.

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/astromechza/boardsync/pkg/board"
	"github.com/astromechza/boardsync/pkg/session"
	"github.com/astromechza/boardsync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	serverVar := flag.String("server", session.DefaultServerURL, "the relay server url")
	roomVar := flag.String("room", "default-room", "the room to join")
	nameVar := flag.String("name", "anonymous", "the display name")
	storeVar := flag.String("store", filepath.Join(os.TempDir(), "boardsync.sqlite3"), "the local persistence path")
	flag.Parse()

	opts := session.DefaultOptions(*roomVar, uuid.NewString(), *nameVar)
	opts.ServerURL = *serverVar
	opts.StorePath = *storeVar

	sess, err := session.New(opts)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	sess.OnStatusChange(func(st session.Status) {
		slog.Info("connection status", "status", st)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		scribbleContinuously(ctx, sess)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(time.Second * 5)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				roster := sess.ActiveUsers()
				names := make([]string, 0, len(roster))
				for _, p := range roster {
					names = append(names, p.Name)
				}
				slog.Info("board state", "status", sess.Status(), "lines", len(sess.Document().Lines()), "users", names)
			case <-ctx.Done():
				return
			}
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	wg.Wait()

	if err := sess.Close(); err != nil {
		slog.Error("failed to close session cleanly", "err", err)
	}

	if svgPath, err := viz.RenderToTemp(sess.Document().Doc()); err != nil {
		slog.Error("failed to render history", "err", err)
	} else {
		slog.Info("rendered history", "path", "file://"+svgPath)
	}
	return nil
}

func scribbleContinuously(ctx context.Context, sess *session.Session) {
	for {
		t := time.NewTimer(time.Second + time.Second*time.Duration(rand.Intn(5)))
		select {
		case <-t.C:
			x, y := rand.Float64()*800, rand.Float64()*600
			sess.UpdateCursor(x, y)
			sess.AddLine(board.Line{
				ID:          uuid.NewString(),
				Points:      []float64{x, y, x + rand.Float64()*100, y + rand.Float64()*100},
				Stroke:      "#333333",
				StrokeWidth: 2,
				Opacity:     1,
				CompositeOp: "source-over",
				Mode:        "brush",
			})
			slog.Info("drew a line", "lines", len(sess.Document().Lines()))
		case <-ctx.Done():
			slog.Info("stopping scribbler")
			return
		}
	}
}
