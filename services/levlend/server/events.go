package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"levlend/core/types"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsBuffer       = 256
)

// streamEvents upgrades to a websocket and forwards committed ledger events.
// ?type=a,b keeps only the listed event types. A slow reader loses events
// rather than stalling the engines.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	filter := make(map[string]bool)
	for _, t := range strings.Split(r.URL.Query().Get("type"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			filter[t] = true
		}
	}
	// Subscribe before the handshake completes so a client sees every event
	// committed after its dial returns.
	updates, cancel := s.d.Ledger.Subscribe(wsBuffer)
	defer cancel()
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx := conn.CloseRead(r.Context())
	if err := streamLedgerEvents(ctx, conn, updates, filter); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			s.logger.Warn("event stream failed", "error", err)
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func streamLedgerEvents(ctx context.Context, conn *websocket.Conn, updates <-chan *types.Event, filter map[string]bool) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			if len(filter) > 0 && !filter[evt.Type] {
				continue
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt *types.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
