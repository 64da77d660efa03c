package gateway

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/sandrasocial/agent-bridge/internal/bus"
)

// streamEvent is one bus event forwarded over the websocket.
type streamEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// handleWS implements GET /ws: a write-only stream of task and file sync bus
// topics. Polling remains the primary interface; the stream is additive and
// a slow consumer only loses events, never blocks the bus.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if s.opts.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.logger.Info("ws: client connected")
	defer func() {
		s.logger.Info("ws: client disconnected")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	taskSub := s.opts.Bus.Subscribe("task.")
	defer s.opts.Bus.Unsubscribe(taskSub)
	fileSub := s.opts.Bus.Subscribe("file.")
	defer s.opts.Bus.Unsubscribe(fileSub)

	// The client never sends; CloseRead surfaces disconnects as ctx cancel.
	ctx := conn.CloseRead(r.Context())

	for {
		var ev bus.Event
		select {
		case <-ctx.Done():
			return
		case ev = <-taskSub.Ch():
		case ev = <-fileSub.Ch():
		}
		if err := wsjson.Write(ctx, conn, streamEvent{Topic: ev.Topic, Payload: ev.Payload}); err != nil {
			return
		}
	}
}
