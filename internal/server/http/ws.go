package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/straddle/internal/observability"
)

const (
	wsHeartbeatInterval = 30 * time.Second
	// wsPongTimeout is how long a heartbeat waits for the client pong
	// before the socket is dropped.
	wsPongTimeout  = 90 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// handleWS upgrades the connection and streams every bus event as a JSON
// frame. A client that stops answering heartbeats, or whose backlog fills
// on the bus side, is disconnected.
func (s *httpServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		observability.Log().Error("websocket accept failed",
			observability.F("error", err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutdown")

	subID, events, err := s.deps.Bus.Subscribe(r.Context())
	if err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer s.deps.Bus.Unsubscribe(subID)

	// CloseRead discards inbound frames and keeps ping/pong processing alive;
	// its context ends when the client goes away.
	ctx, cancel := context.WithCancel(conn.CloseRead(r.Context()))
	defer cancel()

	go s.wsHeartbeat(ctx, cancel, conn)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				// The bus dropped this subscriber as too slow.
				conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
				return
			}
			frame, err := json.Marshal(evt)
			if err != nil {
				observability.Log().Error("websocket frame marshal failed",
					observability.F("event_type", string(evt.Type)),
					observability.F("error", err))
				continue
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, frame)
			writeCancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *httpServer) wsHeartbeat(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	ticker := time.NewTicker(wsHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, wsPongTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				observability.Log().Debug("websocket heartbeat lost",
					observability.F("error", err))
				cancel()
				return
			}
		}
	}
}
