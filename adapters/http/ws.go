package http

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voyagelab/apimeter/app"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	pongTimeout  = 60 * time.Second
)

// Stream upgrades the connection and forwards hub messages to the
// dashboard until either side disconnects. The first messages carry
// the current usage and cost snapshots so a reconnecting dashboard
// renders without waiting for traffic.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sub := h.hub.Subscribe()
	defer h.hub.Unsubscribe(sub)
	h.logger.Debug().Str("subscriber", sub.ID()).Str("remote", r.RemoteAddr).Msg("stream connected")

	if err := h.writeInitialState(conn); err != nil {
		conn.Close()
		return
	}

	// Reader: the dashboard sends nothing meaningful, but reading is
	// required to process pongs and observe the close frame.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	defer conn.Close()

	for {
		select {
		case msg, ok := <-sub.Out():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				h.logger.Debug().Err(err).Str("subscriber", sub.ID()).Msg("stream write failed")
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (h *Handler) writeInitialState(conn *websocket.Conn) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	usageMsg := app.StreamMessage{
		Type: app.MsgUsageUpdate,
		Data: UsageResponse{
			Totals:  h.recorder.Totals(),
			Events:  h.recorder.Recent(25),
			SinceTs: h.recorder.OldestTimestamp(),
		},
	}
	if err := conn.WriteJSON(usageMsg); err != nil {
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(app.StreamMessage{
		Type: app.MsgCostUpdate,
		Data: h.costs.Snapshot(app.DefaultCostWindowMinutes),
	})
}
