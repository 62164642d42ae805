// Package httpserver exposes the tracker API over HTTP. Handlers decode
// JSON, call the service facade, and map the domain's sentinel errors to
// status codes.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/TailR3d/Universal-tracker-2/internal/domain"
	"github.com/TailR3d/Universal-tracker-2/internal/runtime"
	"github.com/TailR3d/Universal-tracker-2/internal/store"
	"github.com/TailR3d/Universal-tracker-2/pkg/log"
)

type Server struct {
	rt     *runtime.Runtime
	logger log.Logger
	srv    *http.Server
	lis    net.Listener
}

func New(rt *runtime.Runtime, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewLogger()
	}
	mux := http.NewServeMux()
	s := &Server{rt: rt, logger: logger.WithComponent("http"), srv: &http.Server{Handler: cors(mux)}}
	mux.HandleFunc("/v1/healthz", s.handleHealth)
	mux.HandleFunc("/v1/projects", s.handleProjectList)
	mux.HandleFunc("/v1/projects/create", s.handleProjectCreate)
	mux.HandleFunc("/v1/projects/pause", s.handleProjectPause)
	mux.HandleFunc("/v1/projects/resume", s.handleProjectResume)
	mux.HandleFunc("/v1/projects/counts", s.handleProjectCounts)
	mux.HandleFunc("/v1/items/enqueue", s.handleItemEnqueue)
	mux.HandleFunc("/v1/items/request", s.handleItemRequest)
	mux.HandleFunc("/v1/items/heartbeat", s.handleItemHeartbeat)
	mux.HandleFunc("/v1/items/finish", s.handleItemFinish)
	mux.HandleFunc("/v1/leaderboard", s.handleLeaderboard)
	mux.HandleFunc("/v1/completions", s.handleCompletions)
	return s
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeErr maps sentinel errors onto status codes. Everything unrecognized
// is a 500.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrUnknownProject),
		errors.Is(err, domain.ErrUnknownHandout),
		errors.Is(err, domain.ErrNoItemsLeft),
		errors.Is(err, domain.ErrNoItemsAvailable):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrProjectPaused),
		errors.Is(err, domain.ErrDuplicateItem),
		errors.Is(err, domain.ErrDuplicateProject),
		errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrVersionTooOld):
		status = http.StatusUpgradeRequired
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", log.Err(err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

// clientIP prefers the first X-Forwarded-For hop, then the socket address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.CheckHealth(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_serving"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type projectCreateReq struct {
	Name               string `json:"name"`
	Slug               string `json:"slug"`
	IconURI            string `json:"iconUri"`
	Ratelimit          int    `json:"ratelimit"`
	MinPipelineVersion int    `json:"minPipelineVersion"`
	Public             bool   `json:"public"`
}

func (s *Server) handleProjectCreate(w http.ResponseWriter, r *http.Request) {
	var req projectCreateReq
	if !decode(w, r, &req) {
		return
	}
	p, err := s.rt.Service().CreateProject(r.Context(), domain.Project{
		Name:               req.Name,
		Slug:               req.Slug,
		IconURI:            req.IconURI,
		Ratelimit:          req.Ratelimit,
		MinPipelineVersion: req.MinPipelineVersion,
		Public:             req.Public,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

type projectNameReq struct {
	Project string `json:"project"`
}

func (s *Server) handleProjectPause(w http.ResponseWriter, r *http.Request) {
	var req projectNameReq
	if !decode(w, r, &req) {
		return
	}
	p, err := s.rt.Service().PauseProject(r.Context(), req.Project)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleProjectResume(w http.ResponseWriter, r *http.Request) {
	var req projectNameReq
	if !decode(w, r, &req) {
		return
	}
	p, err := s.rt.Service().ResumeProject(r.Context(), req.Project)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleProjectList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	projects := s.rt.Service().ListProjects(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) handleProjectCounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	counts, err := s.rt.Service().Counts(r.Context(), r.URL.Query().Get("project"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

type itemEnqueueReq struct {
	Project string `json:"project"`
	Item    string `json:"item"`
	// Priority and ExpectedDurationMs are optional; absent means the
	// configured project defaults.
	Priority           *int32 `json:"priority"`
	ExpectedDurationMs int64  `json:"expectedDurationMs"`
}

func (s *Server) handleItemEnqueue(w http.ResponseWriter, r *http.Request) {
	var req itemEnqueueReq
	if !decode(w, r, &req) {
		return
	}
	if req.Item == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "item is required"})
		return
	}
	expected := time.Duration(req.ExpectedDurationMs) * time.Millisecond
	if err := s.rt.Service().EnqueueItem(r.Context(), req.Project, req.Item, req.Priority, expected); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

type itemRequestReq struct {
	Project  string `json:"project"`
	Username string `json:"username"`
	Version  string `json:"version"`
}

type itemRequestResp struct {
	HandoutID        string `json:"handoutId"`
	Item             string `json:"item"`
	Project          string `json:"project"`
	ExpectedDuration int64  `json:"expectedDurationMs"`
}

func (s *Server) handleItemRequest(w http.ResponseWriter, r *http.Request) {
	var req itemRequestReq
	if !decode(w, r, &req) {
		return
	}
	if req.Username == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "username is required"})
		return
	}
	item, h, err := s.rt.Service().RequestItem(r.Context(), store.AcquireRequest{
		Project:  req.Project,
		Username: req.Username,
		IP:       clientIP(r),
		Version:  req.Version,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, itemRequestResp{
		HandoutID:        h.ID,
		Item:             item.Name,
		Project:          item.Project,
		ExpectedDuration: item.ExpectedDuration.Milliseconds(),
	})
}

type heartbeatReq struct {
	HandoutID string `json:"handoutId"`
}

func (s *Server) handleItemHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatReq
	if !decode(w, r, &req) {
		return
	}
	ts, err := s.rt.Service().Heartbeat(r.Context(), req.HandoutID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"lastHeartbeatMs": ts})
}

type finishReq struct {
	HandoutID string `json:"handoutId"`
	Outcome   string `json:"outcome"`
	Size      int64  `json:"size"`
}

func (s *Server) handleItemFinish(w http.ResponseWriter, r *http.Request) {
	var req finishReq
	if !decode(w, r, &req) {
		return
	}
	outcome := domain.Outcome(req.Outcome)
	if !outcome.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "outcome must be succeeded or abandoned"})
		return
	}
	h, item, err := s.rt.Service().FinishItem(r.Context(), req.HandoutID, outcome, req.Size)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"handoutStatus": string(h.Status),
		"itemStatus":    string(item.Status),
	})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	board, err := s.rt.Service().Leaderboard(r.Context(), r.URL.Query().Get("project"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	completions, err := s.rt.Service().Completions(r.Context(), r.URL.Query().Get("project"), limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"completions": completions})
}
