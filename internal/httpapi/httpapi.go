// Copyright 2025 James Ross

// Package httpapi is the HTTP surface spec.md §6 describes as contracts
// only: /api/upload, /api/result, /api/notify, /api/jobs/{id}/progress,
// plus liveness/readiness and the local object-store's static file
// fallback. Routed with gorilla/mux the way the teacher's
// worker-fleet-controls and admin-api handlers are, with the same
// request-id/recovery/CORS middleware chain shape.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/jamesross/imagegen-broker/internal/config"
	"github.com/jamesross/imagegen-broker/internal/fleet"
	"github.com/jamesross/imagegen-broker/internal/obs"
	"github.com/jamesross/imagegen-broker/internal/objectstore"
	"github.com/jamesross/imagegen-broker/internal/registry"
	"github.com/jamesross/imagegen-broker/internal/smsgateway"
)

// Server wires the job registry and its collaborators into an HTTP router.
type Server struct {
	reg       *registry.Registry
	objStore  objectstore.Store
	fleetView *fleet.View
	cfg       *config.Config
	log       *zap.Logger
}

// New builds a Server.
func New(reg *registry.Registry, objStore objectstore.Store, fleetView *fleet.View, cfg *config.Config, log *zap.Logger) *Server {
	return &Server{reg: reg, objStore: objStore, fleetView: fleetView, cfg: cfg, log: log}
}

// Router builds the gorilla/mux router for this server.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware, s.recoveryMiddleware, corsMiddleware)

	r.HandleFunc("/api/upload", s.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/api/result", s.handleResult).Methods(http.MethodGet)
	r.HandleFunc("/api/notify", s.handleNotify).Methods(http.MethodPost)
	r.HandleFunc("/api/jobs/{id}/progress", s.handleProgress).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)

	if local, ok := s.objStore.(*objectstore.LocalStore); ok {
		r.PathPrefix("/image/").Handler(http.StripPrefix("/image/", http.FileServer(http.Dir(local.Root()))))
	}

	return r
}

type uploadResponse struct {
	RequestID            string  `json:"request_id"`
	PositionInQueue      int64   `json:"position_in_queue"`
	EstimatedWaitSeconds float64 `json:"estimated_wait_seconds"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing image field: "+err.Error())
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed reading upload: "+err.Error())
		return
	}

	requestID := uuid.NewString()
	ctx, span := obs.StartSubmitSpan(r.Context(), requestID)
	defer span.End()

	inputKey, err := s.objStore.Upload(ctx, data, "input/"+requestID)
	if err != nil {
		obs.RecordError(ctx, err)
		writeError(w, http.StatusInternalServerError, "failed to store input: "+err.Error())
		return
	}

	workflowPath := r.FormValue("workflow_path")
	job := registry.Job{
		ID:           requestID,
		Status:       registry.StatusQueued,
		Input:        inputKey,
		WorkflowPath: workflowPath,
		Attempt:      1,
		EnqueuedAt:   registry.NowUTC(),
	}
	if err := s.reg.Create(ctx, job); err != nil {
		obs.RecordError(ctx, err)
		writeError(w, http.StatusInternalServerError, "failed to create job: "+err.Error())
		return
	}
	if err := s.reg.PushSubmission(ctx, registry.Submission{ID: requestID, Input: inputKey, WorkflowPath: workflowPath}); err != nil {
		obs.RecordError(ctx, err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue submission: "+err.Error())
		return
	}
	obs.JobsSubmitted.Inc()

	queueLen, err := s.reg.SubmissionQueueLen(ctx)
	if err != nil {
		queueLen = 0
	}
	avg, err := s.reg.AvgProcessingTime(ctx, s.cfg.Dispatch.DefaultAvgSeconds)
	if err != nil {
		avg = s.cfg.Dispatch.DefaultAvgSeconds
	}

	obs.SetSpanSuccess(ctx)
	writeJSON(w, http.StatusOK, uploadResponse{
		RequestID:            requestID,
		PositionInQueue:      queueLen,
		EstimatedWaitSeconds: float64(queueLen) * avg,
	})
}

type resultResponse struct {
	Status   string `json:"status"`
	ImageURL string `json:"image_url,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	requestID := r.URL.Query().Get("request_id")
	if requestID == "" {
		writeError(w, http.StatusBadRequest, "missing request_id")
		return
	}
	job, ok, err := s.reg.Get(r.Context(), requestID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown request_id")
		return
	}

	resp := resultResponse{Status: string(job.Status)}
	switch job.Status {
	case registry.StatusDone:
		resp.ImageURL = job.Output
	case registry.StatusError, registry.StatusFailed:
		resp.Error = job.Error
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form: "+err.Error())
		return
	}
	requestID := r.FormValue("request_id")
	phone := r.FormValue("phone")
	if requestID == "" || phone == "" {
		writeError(w, http.StatusBadRequest, "request_id and phone are required")
		return
	}
	if err := smsgateway.ValidateE164(phone); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, ok, err := s.reg.Get(r.Context(), requestID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	} else if !ok {
		writeError(w, http.StatusNotFound, "unknown request_id")
		return
	}

	if err := s.reg.SetFields(r.Context(), requestID, "phone", phone); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type progressResponse struct {
	Percent        int    `json:"percent"`
	Step           int    `json:"step"`
	Max            int    `json:"max"`
	Node           string `json:"node"`
	QueueRemaining int    `json:"queue_remaining"`
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["id"]
	job, ok, err := s.reg.Get(r.Context(), requestID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown request_id")
		return
	}
	writeJSON(w, http.StatusOK, progressResponse{
		Percent: job.Percent, Step: job.Step, Max: job.Max,
		Node: job.Node, QueueRemaining: job.QueueRemaining,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	idle, err := s.fleetView.IdleServers(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "fleet probe failed: "+err.Error())
		return
	}
	if len(idle) == 0 {
		writeError(w, http.StatusServiceUnavailable, "no backend currently idle")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready", "idle_backends": len(idle)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

type requestIDKey struct{}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("http handler panic recovered", obs.String("panic", fmt.Sprintf("%v", rec)), obs.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
