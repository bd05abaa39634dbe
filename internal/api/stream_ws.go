package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/flitsinc/go-convo/internal/stream"
)

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

// handleStreamWS is the websocket variant of the event stream. The prompt
// and conversation id arrive as query parameters; each event goes out as
// one text frame of JSON.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	prompt := r.URL.Query().Get("prompt")
	if prompt == "" {
		writeError(w, http.StatusUnprocessableEntity, errInvalid("prompt is required"))
		return
	}
	sessionID := r.URL.Query().Get("conversation_id")

	events, cleanup, _, err := s.startExecution(r.Context(), sessionID, prompt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer cleanup()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	if err := writeEvents(r.Context(), events, conn); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

func writeEvents(ctx context.Context, events <-chan stream.Event, writer wsWriter) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			if err := writer.Write(ctx, websocket.MessageText, payload); err != nil {
				return err
			}
		}
	}
}
