package api

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/chefcloud/possync/internal/synclog"
)

// handleSyncLogWS streams sync log transitions to the POS UI so the
// audit trail renders live while a sync pass runs.
//
// Flow:
//  1. Accept the WebSocket upgrade.
//  2. Send the current log as a backlog, oldest first.
//  3. Forward every transition as it happens until the client leaves.
func (s *Server) handleSyncLogWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // the UI is served from a different local port
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream ended")

	s.logger.Debug("sync log stream connected", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Transitions can outpace a slow client during a sync pass; the
	// buffer absorbs the burst and a full buffer drops the frame rather
	// than blocking the engine.
	updates := make(chan synclog.Entry, 64)
	// Watch snapshots and subscribes atomically, so a transition racing
	// the backlog write arrives on exactly one of the two paths.
	backlog, unobserve := s.log.Watch(func(e synclog.Entry) {
		select {
		case updates <- e:
		default:
		}
	})
	defer unobserve()

	for _, e := range backlog {
		if err := wsjson.Write(ctx, conn, e); err != nil {
			return
		}
	}

	// Detect client disconnect; no inbound frames are expected.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-updates:
			if err := wsjson.Write(ctx, conn, e); err != nil {
				s.logger.Debug("sync log stream ended", "error", err)
				return
			}
		}
	}
}
