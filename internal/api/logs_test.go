package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/seantiz/packtivity/internal/model"
)

// readSSE collects data payloads of unnamed events and names of named ones.
func readSSE(t *testing.T, resp *http.Response) (lines []logHistoryLine, events []string) {
	t.Helper()
	scanner := bufio.NewScanner(resp.Body)
	named := false
	for scanner.Scan() {
		text := scanner.Text()
		if name, ok := strings.CutPrefix(text, "event: "); ok {
			events = append(events, name)
			named = true
			continue
		}
		data, ok := strings.CutPrefix(text, "data: ")
		if !ok {
			continue
		}
		if named {
			named = false
			continue
		}
		var l logHistoryLine
		if err := json.Unmarshal([]byte(data), &l); err != nil {
			t.Fatalf("decode event %q: %v", data, err)
		}
		lines = append(lines, l)
	}
	return lines, events
}

func lineTexts(lines []logHistoryLine) []string {
	var out []string
	for _, l := range lines {
		out = append(out, l.Line)
	}
	return out
}

func TestStreamLogsNotFound(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/tasks/nonexistent/logs")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStreamLogsFinishedTask(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	task := newTask("done")
	if err := srv.store.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := srv.store.ClaimTask(ctx, "w-0"); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	for i, line := range []string{"first", "second"} {
		if err := srv.store.InsertLogLine(ctx, task.ID, i, "run", line); err != nil {
			t.Fatalf("InsertLogLine: %v", err)
		}
	}
	if err := srv.store.CompleteTask(ctx, task.ID, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/tasks/" + task.ID + "/logs")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	lines, events := readSSE(t, resp)
	if diff := cmp.Diff([]string{"first", "second"}, lineTexts(lines)); diff != "" {
		t.Errorf("lines (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"done"}, events); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestStreamLogsReceivesEvents(t *testing.T) {
	srv := newTestServer(t)

	task := newTask("live")
	if err := srv.store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	// One line persisted before the client connects.
	if err := srv.store.InsertLogLine(context.Background(), task.ID, 0, "run", "hello world"); err != nil {
		t.Fatalf("InsertLogLine: %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/v1/tasks/"+task.ID+"/logs", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	// The replayed line arrives live too and is skipped.
	now := time.Now().UTC()
	srv.broker.Publish(model.LogLine{TaskID: task.ID, Seq: 0, Topic: "run", Line: "hello world", CreatedAt: now})
	srv.broker.Publish(model.LogLine{TaskID: task.ID, Seq: 1, Topic: "run", Line: "goodbye", CreatedAt: now})
	srv.broker.Close(task.ID)

	lines, events := readSSE(t, resp)
	if diff := cmp.Diff([]string{"hello world", "goodbye"}, lineTexts(lines)); diff != "" {
		t.Errorf("lines (-want +got):\n%s", diff)
	}
	if len(events) != 1 || events[0] != "done" {
		t.Errorf("events = %v, want [done]", events)
	}
}

func TestGetLogHistory(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	task := newTask("history")
	if err := srv.store.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	for i, line := range []string{"a", "b\nc"} {
		if err := srv.store.InsertLogLine(ctx, task.ID, i, "step", line); err != nil {
			t.Fatalf("InsertLogLine: %v", err)
		}
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var hist logHistoryResponse
	resp := getJSON(t, ts.URL+"/v1/tasks/"+task.ID+"/logs/history", &hist)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if hist.TaskID != task.ID || len(hist.Lines) != 2 {
		t.Fatalf("history = %+v", hist)
	}
	if hist.Lines[1].Line != "b\nc" || hist.Lines[1].Topic != "step" || hist.Lines[1].Seq != 1 {
		t.Errorf("line 1 = %+v", hist.Lines[1])
	}

	resp = getJSON(t, ts.URL+"/v1/tasks/nonexistent/logs/history", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing task status = %d, want 404", resp.StatusCode)
	}
}
