package api

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kitbash/meshview/internal/hub"
	"github.com/kitbash/meshview/internal/registry"
	"github.com/kitbash/meshview/pkg/protocol"
)

func newTestServer(t *testing.T) (*Server, *registry.Registry, *hub.Hub, string) {
	t.Helper()
	dir := t.TempDir()
	reg := registry.New()
	h := hub.New(reg.SnapshotInfos, 16)
	return NewServer(reg, h, dir, nil), reg, h, dir
}

func TestFilesEndpointOrdersNewestFirst(t *testing.T) {
	srv, reg, _, _ := newTestServer(t)
	base := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	reg.Upsert("old.obj", base, 1, "")
	reg.Upsert("new.obj", base.Add(5*time.Minute), 1, "")
	reg.Upsert("mid.obj", base.Add(2*time.Minute), 1, "")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/files", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp protocol.FileListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	want := []string{"new.obj", "mid.obj", "old.obj"}
	for i, name := range want {
		if resp.Files[i].Name != name {
			t.Fatalf("files[%d] = %s, want %s", i, resp.Files[i].Name, name)
		}
	}
}

func TestFilesEndpointEmptyRegistry(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/files", nil))

	if !strings.Contains(rec.Body.String(), `"files":[]`) {
		t.Fatalf("empty registry must serialize as an empty list, got %s", rec.Body.String())
	}
}

func TestContentEndpoint(t *testing.T) {
	srv, reg, _, dir := newTestServer(t)
	content := []byte("v 0 0 0\nv 1 1 1\n")
	os.WriteFile(filepath.Join(dir, "cube.obj"), content, 0o644)
	reg.Upsert("cube.obj", time.Now(), int64(len(content)), "")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/content/cube.obj", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != string(content) {
		t.Fatal("content mismatch")
	}
}

func TestContentEndpointNotFound(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/content/missing.obj", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var e protocol.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("error body not JSON: %v", err)
	}
}

func TestContentEndpointRejectsTraversal(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	for _, name := range []string{"..", "a/b.obj", `a\b.obj`} {
		req := httptest.NewRequest("GET", "/content/x", nil)
		req.SetPathValue("name", name)
		rec := httptest.NewRecorder()
		srv.handleContent(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("name %q: status = %d, want 400", name, rec.Code)
		}
	}
}

func TestEventsStreamDeliversResyncThenLiveTail(t *testing.T) {
	srv, reg, h, _ := newTestServer(t)
	reg.Upsert("base.obj", time.Now(), 1, "")

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %s", ct)
	}

	events := make(chan protocol.Event, 8)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			var ev protocol.Event
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev); err == nil {
				events <- ev
			}
		}
	}()

	select {
	case ev := <-events:
		if ev.Type != protocol.EventResyncAll || len(ev.Files) != 1 {
			t.Fatalf("first event = %+v, want resync_all with 1 file", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for initial resync")
	}

	h.Publish(protocol.Event{Type: protocol.EventAdded, Name: "live.obj", Version: 1})

	select {
	case ev := <-events:
		if ev.Type != protocol.EventAdded || ev.Name != "live.obj" {
			t.Fatalf("tail event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for live event")
	}
}

func TestControlPingAndQuit(t *testing.T) {
	quit := make(chan struct{}, 1)
	dir := t.TempDir()
	reg := registry.New()
	h := hub.New(reg.SnapshotInfos, 16)
	srv := NewServer(reg, h, dir, func() { quit <- struct{}{} })
	handler := srv.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/events", strings.NewReader(`{"type":"ping"}`)))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("ping status = %d", rec.Code)
	}
	if srv.Draining() {
		t.Fatal("ping must not start draining")
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/events", strings.NewReader(`{"type":"quit"}`)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("quit status = %d", rec.Code)
	}
	select {
	case <-quit:
	case <-time.After(time.Second):
		t.Fatal("quit callback not invoked")
	}
	if !srv.Draining() {
		t.Fatal("server must report draining after quit")
	}

	// Second quit is idempotent and must not re-trigger the callback.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/events", strings.NewReader(`{"type":"quit"}`)))
	select {
	case <-quit:
		t.Fatal("quit callback invoked twice")
	case <-time.After(100 * time.Millisecond):
	}

	// New event subscriptions are refused while draining.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/events", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("events while draining = %d, want 503", rec.Code)
	}
}

func TestControlRejectsUnknownType(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/events", strings.NewReader(`{"type":"dance"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
