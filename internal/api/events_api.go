package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinywideclouds/go-pushlink-service/internal/notify"
)

const eventWriteTimeout = 10 * time.Second

// EventsAPI streams registration events over a websocket.
type EventsAPI struct {
	broadcaster *notify.Broadcaster
	upgrader    websocket.Upgrader
	logger      *slog.Logger
}

// NewEventsAPI creates the stream handler.
func NewEventsAPI(broadcaster *notify.Broadcaster, logger *slog.Logger) *EventsAPI {
	return &EventsAPI{
		broadcaster: broadcaster,
		upgrader:    websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096},
		logger:      logger.With("component", "EventsAPI"),
	}
}

// Stream upgrades the request and writes each event as JSON until the
// client goes away.
func (api *EventsAPI) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := api.upgrader.Upgrade(w, r, nil)
	if err != nil {
		api.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	sub := api.broadcaster.Subscribe()
	defer sub.Close()

	// The reader only detects the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case event, ok := <-sub.C():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				api.logger.Debug("event stream closed", "err", err)
				return
			}
		}
	}
}
