// Package wsadapter exposes a single statusbus subscription over a
// websocket connection, for an external controller to follow a task's
// status stream in the demo "ghostrun serve" command.
package wsadapter

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ghostrun/ghostbrowser/internal/statusbus"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Demo CLI only; the wired controller is not cross-origin browser JS.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler returns an http.HandlerFunc that upgrades the request to a
// websocket and streams every status event published for the "task"
// query-string parameter until the connection closes or ctx is done.
func Handler(ctx context.Context, bus *statusbus.Bus, log *zap.Logger) http.HandlerFunc {
	log = log.Named("wsadapter")
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := r.URL.Query().Get("task")
		if taskID == "" {
			http.Error(w, "missing task query parameter", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", zap.Error(err), zap.String("taskId", taskID))
			return
		}
		defer conn.Close()

		events, unsubscribe := bus.Subscribe(taskID)
		defer unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.Context().Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				payload, err := json.Marshal(event)
				if err != nil {
					log.Warn("failed to marshal status event", zap.Error(err))
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
			}
		}
	}
}
