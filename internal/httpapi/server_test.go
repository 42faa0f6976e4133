package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mvallone/dubsync/internal/observability"
	"github.com/mvallone/dubsync/internal/pipeline"
)

func newTestServer(t *testing.T) (*Server, *Registry, *Broadcaster) {
	t.Helper()
	registry := NewRegistry()
	broadcaster := NewBroadcaster()
	window := observability.NewStageWindow(16)
	return New(registry, broadcaster, window, true), registry, broadcaster
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestJobEndpoints(t *testing.T) {
	srv, registry, _ := newTestServer(t)
	job := pipeline.NewJob("/videos/clip.mp4", "", "es")
	registry.Add(job)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list struct {
		Jobs []jobView `json:"jobs"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Jobs) != 1 || list.Jobs[0].ID != job.ID || list.Jobs[0].Status != "queued" {
		t.Fatalf("unexpected list: %+v", list.Jobs)
	}

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+job.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing job status = %d, want 404", rec.Code)
	}
}

func TestStageStatsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.window.Observe("extract", 120*time.Millisecond)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/perf/stages", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var snap observability.StageSnapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snap.Stages) != 1 || snap.Stages[0].Stage != "extract" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestStageResetEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.window.Observe("extract", 120*time.Millisecond)
	srv.window.ObserveIndicator("stage_retry")

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/perf/stages/reset", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d", rec.Code)
	}

	snap := srv.window.Snapshot()
	if len(snap.Stages) != 0 || len(snap.Indicators) != 0 {
		t.Fatalf("window not cleared: %+v", snap)
	}
}

func TestEventsWebsocketFeed(t *testing.T) {
	srv, _, broadcaster := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Subscription happens inside the handler; give it a beat before
	// publishing so the event is not dropped.
	deadline := time.Now().Add(2 * time.Second)
	var got pipeline.Event
	for time.Now().Before(deadline) {
		broadcaster.Publish(pipeline.Event{JobID: "abc", Stage: "extract", Message: "started", Time: time.Now()})
		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		if err := conn.ReadJSON(&got); err == nil {
			break
		}
	}
	if got.JobID != "abc" || got.Stage != "extract" {
		t.Fatalf("unexpected event: %+v", got)
	}
}

func TestBroadcasterDropsOnFullSubscriber(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)
	for i := 0; i < 200; i++ {
		b.Publish(pipeline.Event{JobID: "x", Stage: "synchronize"})
	}
	if len(ch) != cap(ch) {
		t.Fatalf("subscriber buffer = %d, want full (%d)", len(ch), cap(ch))
	}
}
