package api

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/coder/websocket"

	"github.com/flitsinc/go-convo/internal/stream"
)

type fakeWSWriter struct {
	frames [][]byte
	fail   error
}

func (w *fakeWSWriter) Write(ctx context.Context, msgType websocket.MessageType, data []byte) error {
	if w.fail != nil {
		return w.fail
	}
	w.frames = append(w.frames, append([]byte{}, data...))
	return nil
}

func TestWriteEventsDrainsChannel(t *testing.T) {
	events := make(chan stream.Event, 3)
	events <- stream.StatusEvent("s1", stream.StatusProcessing)
	events <- stream.AnswerEvent("s1", "done", true)
	events <- stream.StatusEvent("s1", stream.StatusComplete)
	close(events)

	writer := &fakeWSWriter{}
	if err := writeEvents(context.Background(), events, writer); err != nil {
		t.Fatalf("writeEvents: %v", err)
	}
	if len(writer.frames) != 3 {
		t.Fatalf("frames: %d", len(writer.frames))
	}
	var ev stream.Event
	if err := json.Unmarshal(writer.frames[1], &ev); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if ev.Type != stream.EventAnswer || !ev.IsComplete {
		t.Fatalf("frame payload: %+v", ev)
	}
}

func TestWriteEventsStopsOnWriteError(t *testing.T) {
	events := make(chan stream.Event, 1)
	events <- stream.StatusEvent("s1", stream.StatusProcessing)
	close(events)

	boom := errors.New("peer gone")
	if err := writeEvents(context.Background(), events, &fakeWSWriter{fail: boom}); !errors.Is(err, boom) {
		t.Fatalf("expected write error, got %v", err)
	}
}

func TestWriteEventsHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	events := make(chan stream.Event)
	if err := writeEvents(ctx, events, &fakeWSWriter{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}
