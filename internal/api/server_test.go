package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/chefcloud/possync/internal/action"
	"github.com/chefcloud/possync/internal/connectivity"
	"github.com/chefcloud/possync/internal/printer"
	"github.com/chefcloud/possync/internal/queue"
	"github.com/chefcloud/possync/internal/syncer"
	"github.com/chefcloud/possync/internal/synclog"
)

type stubHTTPClient struct{}

func (stubHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(nil)),
	}, nil
}

func newTestServer(t *testing.T) (*Server, *queue.Store, *synclog.Log) {
	t.Helper()
	dir := t.TempDir()

	log, err := synclog.Open(filepath.Join(dir, "synclog.db"), slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { log.Close() })

	rules := action.DefaultRules()
	q, err := queue.Open(filepath.Join(dir, "queue.db"), rules, log, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { q.Close() })

	engine := syncer.New(q, log, rules, stubHTTPClient{}, "https://api.chefcloud.test", slog.Default())
	monitor := connectivity.NewMonitor(slog.Default())
	p := printer.New(printer.Config{Simulate: true, SpoolDir: dir}, slog.Default())

	return NewServer(0, q, log, engine, monitor, p, slog.Default()), q, log
}

func TestHandleStatus(t *testing.T) {
	s, q, _ := newTestServer(t)
	q.Add(action.Request{URL: "/api/pos/orders", Method: "POST"})

	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["online"] != false {
		t.Error("expected online=false before any broker connect")
	}
	if body["queued"] != float64(1) {
		t.Errorf("queued = %v, want 1", body["queued"])
	}
}

func TestHandleQueueEnqueue(t *testing.T) {
	s, q, log := newTestServer(t)

	payload := `{"url":"/api/pos/orders","method":"POST","body":{"table":"T4"}}`
	rec := httptest.NewRecorder()
	s.handleQueue(rec, httptest.NewRequest(http.MethodPost, "/api/queue", bytes.NewReader([]byte(payload))))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	var snapshot []action.QueuedAction
	if err := json.NewDecoder(rec.Body).Decode(&snapshot); err != nil {
		t.Fatal(err)
	}
	if len(snapshot) != 1 {
		t.Fatalf("snapshot len = %d, want 1", len(snapshot))
	}
	if q.Len() != 1 {
		t.Errorf("queue len = %d, want 1", q.Len())
	}
	if e, ok := log.Get(snapshot[0].ID); !ok || e.Status != synclog.StatusPending {
		t.Errorf("expected a pending log entry for the enqueued action")
	}
}

func TestHandleQueueRejectsMissingURL(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.handleQueue(rec, httptest.NewRequest(http.MethodPost, "/api/queue", bytes.NewReader([]byte(`{"method":"POST"}`))))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleQueueClear(t *testing.T) {
	s, q, _ := newTestServer(t)
	q.Add(action.Request{URL: "/api/pos/orders", Method: "POST"})

	rec := httptest.NewRecorder()
	s.handleQueue(rec, httptest.NewRequest(http.MethodDelete, "/api/queue", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if q.Len() != 0 {
		t.Errorf("queue len = %d, want 0", q.Len())
	}
}

func TestHandleSyncLog(t *testing.T) {
	s, q, log := newTestServer(t)
	snap := q.Add(action.Request{URL: "/api/pos/orders", Method: "POST"})
	log.RecordSuccess(snap[0].ID)

	rec := httptest.NewRecorder()
	s.handleSyncLog(rec, httptest.NewRequest(http.MethodGet, "/api/synclog", nil))
	var entries []synclog.Entry
	if err := json.NewDecoder(rec.Body).Decode(&entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Status != synclog.StatusSuccess {
		t.Fatalf("entries = %+v", entries)
	}

	rec = httptest.NewRecorder()
	s.handleSyncLog(rec, httptest.NewRequest(http.MethodDelete, "/api/synclog", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if len(log.Entries()) != 0 {
		t.Error("log not cleared")
	}
}

func TestHandleSyncTriggers(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.handleSync(rec, httptest.NewRequest(http.MethodPost, "/api/sync", nil))
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.handleSync(rec, httptest.NewRequest(http.MethodGet, "/api/sync", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestHandlePrint(t *testing.T) {
	s, _, _ := newTestServer(t)

	receipt := base64.StdEncoding.EncodeToString([]byte("\x1b@test receipt"))
	payload, _ := json.Marshal(map[string]string{"data": receipt})

	rec := httptest.NewRecorder()
	s.handlePrint(rec, httptest.NewRequest(http.MethodPost, "/api/print", bytes.NewReader(payload)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	s.handlePrint(rec, httptest.NewRequest(http.MethodPost, "/api/print", bytes.NewReader([]byte(`{"data":"!!!not base64!!!"}`))))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
