package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noetl/noetl/pkg/eventlog"
	"github.com/noetl/noetl/pkg/model"
)

// SSEHub streams one execution's events over Server-Sent Events. A new
// subscriber first catches up from the durable log after its supplied cursor,
// then follows live notifications; every notification triggers a log read so
// dropped notifications cannot lose events.
type SSEHub struct {
	store    eventlog.Store
	listener *Listener
	logger   *slog.Logger
}

// NewSSEHub wires the hub.
func NewSSEHub(store eventlog.Store, listener *Listener, logger *slog.Logger) *SSEHub {
	return &SSEHub{store: store, listener: listener, logger: logger.With("component", "sse")}
}

// ServeExecution streams events for one execution until the client leaves or
// the execution reaches a terminal event.
func (h *SSEHub) ServeExecution(c *gin.Context, executionID, afterEventID int64) {
	w := c.Writer
	flusher, ok := w.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	notifications, cancel := h.listener.Subscribe(eventlog.ExecutionChannel(executionID))
	defer cancel()

	ctx := c.Request.Context()
	cursor := afterEventID
	for {
		next, done, err := h.catchUp(ctx, w, flusher, executionID, cursor)
		if err != nil {
			h.logger.Error("SSE catch-up failed",
				"execution_id", executionID, "error", err)
			return
		}
		cursor = next
		if done {
			fmt.Fprint(w, "event: end\ndata: {}\n\n")
			flusher.Flush()
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-notifications:
			// The payload is only a wakeup; the log read above is the source
			// of truth.
		}
	}
}

// catchUp writes every logged event after the cursor and reports whether a
// terminal event was reached.
func (h *SSEHub) catchUp(ctx context.Context, w gin.ResponseWriter, flusher http.Flusher, executionID, after int64) (int64, bool, error) {
	cursor := after
	for {
		events, err := h.store.List(ctx, executionID, cursor, 200)
		if err != nil {
			return cursor, false, err
		}
		if len(events) == 0 {
			return cursor, false, nil
		}
		for _, ev := range events {
			payload, err := json.Marshal(ev)
			if err != nil {
				return cursor, false, fmt.Errorf("marshal event %d: %w", ev.EventID, err)
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.EventID, ev.Type, payload)
			cursor = ev.EventID
			if ev.Type == model.EventPlaybookCompleted || ev.Type == model.EventExecutionCancelled {
				flusher.Flush()
				return cursor, true, nil
			}
		}
		flusher.Flush()
	}
}
