package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	cfgpkg "github.com/TailR3d/Universal-tracker-2/internal/config"
	"github.com/TailR3d/Universal-tracker-2/internal/runtime"
	pebblestore "github.com/TailR3d/Universal-tracker-2/internal/storage/pebble"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	rt, err := runtime.Open(runtime.Options{
		DataDir: t.TempDir(),
		Fsync:   pebblestore.FsyncModeNever,
		Config:  cfgpkg.Default(),
	})
	if err != nil {
		t.Fatalf("rt open: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return New(rt, nil)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	return w
}

func TestHealthHandler(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodGet, "/v1/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestProjectLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPost, "/v1/projects/create", `{"name":"p","minPipelineVersion":2}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body)
	}
	// Duplicate name conflicts.
	w = do(t, s, http.MethodPost, "/v1/projects/create", `{"name":"p"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate create: %d", w.Code)
	}

	w = do(t, s, http.MethodGet, "/v1/projects", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"name":"p"`) {
		t.Fatalf("list: %d %s", w.Code, w.Body)
	}

	w = do(t, s, http.MethodPost, "/v1/projects/pause", `{"project":"p"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("pause: %d", w.Code)
	}
	w = do(t, s, http.MethodPost, "/v1/projects/resume", `{"project":"ghost"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("resume unknown: %d", w.Code)
	}
}

func TestItemFlowOverHTTP(t *testing.T) {
	s := newTestServer(t)
	mustOK := func(w *httptest.ResponseRecorder, want int, what string) {
		t.Helper()
		if w.Code != want {
			t.Fatalf("%s: %d %s", what, w.Code, w.Body)
		}
	}

	mustOK(do(t, s, http.MethodPost, "/v1/projects/create", `{"name":"p"}`), http.StatusCreated, "create")
	mustOK(do(t, s, http.MethodPost, "/v1/items/enqueue", `{"project":"p","item":"a"}`), http.StatusCreated, "enqueue")
	// Enqueue of the same item conflicts.
	mustOK(do(t, s, http.MethodPost, "/v1/items/enqueue", `{"project":"p","item":"a"}`), http.StatusConflict, "duplicate enqueue")

	w := do(t, s, http.MethodPost, "/v1/items/request", `{"project":"p","username":"alice","version":"1"}`)
	mustOK(w, http.StatusOK, "request")
	var assigned struct {
		HandoutID string `json:"handoutId"`
		Item      string `json:"item"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &assigned); err != nil || assigned.Item != "a" {
		t.Fatalf("request body: %s (%v)", w.Body, err)
	}

	mustOK(do(t, s, http.MethodPost, "/v1/items/heartbeat", `{"handoutId":"`+assigned.HandoutID+`"}`), http.StatusOK, "heartbeat")
	mustOK(do(t, s, http.MethodPost, "/v1/items/finish",
		`{"handoutId":"`+assigned.HandoutID+`","outcome":"succeeded","size":42}`), http.StatusOK, "finish")
	// Finishing twice conflicts.
	mustOK(do(t, s, http.MethodPost, "/v1/items/finish",
		`{"handoutId":"`+assigned.HandoutID+`","outcome":"abandoned"}`), http.StatusConflict, "double finish")

	w = do(t, s, http.MethodGet, "/v1/projects/counts?project=p", "")
	mustOK(w, http.StatusOK, "counts")
	if !strings.Contains(w.Body.String(), `"succeeded":1`) {
		t.Fatalf("counts body: %s", w.Body)
	}

	w = do(t, s, http.MethodGet, "/v1/leaderboard?project=p", "")
	mustOK(w, http.StatusOK, "leaderboard")
	if !strings.Contains(w.Body.String(), `"alice"`) {
		t.Fatalf("leaderboard body: %s", w.Body)
	}

	w = do(t, s, http.MethodGet, "/v1/completions?project=p", "")
	mustOK(w, http.StatusOK, "completions")
	if !strings.Contains(w.Body.String(), `"item":"a"`) {
		t.Fatalf("completions body: %s", w.Body)
	}
}

func TestRequestStatusMapping(t *testing.T) {
	s := newTestServer(t)

	if w := do(t, s, http.MethodPost, "/v1/projects/create", `{"name":"p","minPipelineVersion":3}`); w.Code != http.StatusCreated {
		t.Fatalf("create: %d", w.Code)
	}

	// Version below the project minimum.
	w := do(t, s, http.MethodPost, "/v1/items/request", `{"project":"p","username":"u","version":"2"}`)
	if w.Code != http.StatusUpgradeRequired {
		t.Fatalf("old version: %d", w.Code)
	}

	// Empty queue with no batches.
	w = do(t, s, http.MethodPost, "/v1/items/request", `{"project":"p","username":"u","version":"3"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("drained: %d", w.Code)
	}

	// Paused project.
	if w := do(t, s, http.MethodPost, "/v1/projects/pause", `{"project":"p"}`); w.Code != http.StatusOK {
		t.Fatalf("pause: %d", w.Code)
	}
	w = do(t, s, http.MethodPost, "/v1/items/request", `{"project":"p","username":"u","version":"3"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("paused: %d", w.Code)
	}

	// Unknown project.
	w = do(t, s, http.MethodPost, "/v1/items/request", `{"project":"ghost","username":"u"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown project: %d", w.Code)
	}

	// Bad outcome.
	w = do(t, s, http.MethodPost, "/v1/items/finish", `{"handoutId":"x","outcome":"exploded"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad outcome: %d", w.Code)
	}

	// Unknown handout.
	w = do(t, s, http.MethodPost, "/v1/items/heartbeat", `{"handoutId":"missing"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown handout: %d", w.Code)
	}

	// Malformed body.
	w = do(t, s, http.MethodPost, "/v1/items/request", `{`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad json: %d", w.Code)
	}

	// Missing username.
	w = do(t, s, http.MethodPost, "/v1/items/request", `{"project":"p"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing username: %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodOptions, "/v1/items/request", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight: %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}
}
