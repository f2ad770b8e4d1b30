package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/kingrea/forge/internal/events"
	"github.com/kingrea/forge/internal/orchestrator"
)

// handleEvents streams a batch's events as server-sent events, starting
// from the router's backlog, and ends after batch_finished.
func (s *Server) handleEvents(c echo.Context) error {
	id := c.Param("id")
	status, err := s.orch.Status(orchestrator.BatchHandle{ID: id})
	if err != nil {
		return s.batchError(c, err)
	}
	sub := s.stream.Subscribe(id)
	defer sub.Close()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	if status.Done() {
		return drainFinished(w, sub, status)
	}

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return nil
			}
			w.Flush()
		case e, ok := <-sub.Events:
			if !ok {
				return nil
			}
			if err := writeEvent(w, e); err != nil {
				return nil
			}
			if e.Type == events.BatchFinished {
				return nil
			}
		}
	}
}

func writeEvent(w *echo.Response, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Sequence, e.Type, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}

// drainFinished replays whatever backlog the topic still holds for a
// finished batch. A batch finished by an earlier process has none, so its
// final event is rebuilt from the stored status.
func drainFinished(w *echo.Response, sub events.Subscription, status orchestrator.BatchStatus) error {
	for {
		select {
		case e, ok := <-sub.Events:
			if !ok {
				return nil
			}
			if err := writeEvent(w, e); err != nil {
				return nil
			}
			if e.Type == events.BatchFinished {
				return nil
			}
		default:
			final := events.New(events.BatchFinished, status.ID, "", map[string]any{"state": status.State, "counts": status.Counts})
			final.Time = status.FinishedAt
			return writeEvent(w, final)
		}
	}
}
