package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/seantiz/packtivity/internal/model"
)

// handleStreamLogs serves a task's log as server-sent events: persisted
// lines first, then live lines until the task finishes, then a "done"
// event. Without a broker only the persisted lines are sent.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	t, ok := s.task(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Long-lived SSE connections must outlive the server write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribe before reading history so no line falls between the two;
	// live lines already replayed are skipped by seq.
	var live <-chan model.LogLine
	if s.broker != nil && !model.Terminal(t.Status) {
		ch, unsub := s.broker.Subscribe(t.ID)
		defer unsub()
		live = ch
	}

	history, err := s.store.GetLogLines(r.Context(), t.ID)
	if err != nil {
		s.logger.Error("get log lines", "task_id", t.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get log lines")
		return
	}

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	next := 0
	for _, l := range history {
		if err := writeSSELine(w, l); err != nil {
			return
		}
		next = l.Seq + 1
	}
	flush()

	if live == nil {
		_ = writeSSEEvent(w, "done", "stream complete")
		flush()
		return
	}

	for {
		select {
		case line, ok := <-live:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				flush()
				return
			}
			if line.Seq < next {
				continue
			}
			if err := writeSSELine(w, line); err != nil {
				return
			}
			flush()
		case <-r.Context().Done():
			return
		}
	}
}

// logHistoryLine is a single log line in the history response.
type logHistoryLine struct {
	Seq       int    `json:"seq"`
	Topic     string `json:"topic"`
	Line      string `json:"line"`
	CreatedAt string `json:"created_at"`
}

// logHistoryResponse is the JSON response for GET /v1/tasks/:id/logs/history.
type logHistoryResponse struct {
	TaskID string           `json:"task_id"`
	Lines  []logHistoryLine `json:"lines"`
}

func (s *Server) handleGetLogHistory(w http.ResponseWriter, r *http.Request) {
	t, ok := s.task(w, r)
	if !ok {
		return
	}

	logLines, err := s.store.GetLogLines(r.Context(), t.ID)
	if err != nil {
		s.logger.Error("get log lines", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get log lines")
		return
	}

	lines := make([]logHistoryLine, len(logLines))
	for i, l := range logLines {
		lines[i] = logHistoryLine{
			Seq:       l.Seq,
			Topic:     l.Topic,
			Line:      l.Line,
			CreatedAt: l.CreatedAt.Format(time.RFC3339),
		}
	}

	s.writeJSON(w, http.StatusOK, logHistoryResponse{
		TaskID: t.ID,
		Lines:  lines,
	})
}

// writeSSELine writes one log line as an SSE event with the seq as its id
// and the line as JSON data.
func writeSSELine(w http.ResponseWriter, l model.LogLine) error {
	data, err := json.Marshal(logHistoryLine{
		Seq:       l.Seq,
		Topic:     l.Topic,
		Line:      l.Line,
		CreatedAt: l.CreatedAt.Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\ndata: %s\n\n", l.Seq, data)
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
