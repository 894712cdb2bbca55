package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/banshee-data/fh5telemetry/internal/telemetry/stream"
)

const streamWriteTimeout = 5 * time.Second

// streamFrames upgrades to a websocket and sends one JSON message per
// router frame. Query parameters: channels (comma separated names),
// race_on_only and units (mps, mph, kmph or kph for dashboard units).
func (s *Server) streamFrames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	raceOnly, err := parseBool(r, "race_on_only")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	filter, err := stream.NewFilter(splitList(r.URL.Query().Get("channels")), raceOnly)
	if err == nil {
		filter, err = filter.WithUnits(r.URL.Query().Get("units"))
	}
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		log.Printf("[ws] accept failed: %v", err)
		return
	}
	defer conn.CloseNow()

	id, frames := s.cfg.Pipeline.SubscribeWithBuffer(s.cfg.StreamBuffer)
	defer s.cfg.Pipeline.Unsubscribe(id)

	// The client never sends; CloseRead handles its close frame.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "router closed")
				return
			}
			if !filter.Accept(f) {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(wctx, conn, stream.NewMessage(f, filter))
			cancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
					log.Printf("[ws] stream %s write failed: %v", id, err)
				}
				return
			}
		}
	}
}
