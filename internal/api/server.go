// Package api exposes the posting engine over HTTP: dispatch, lifecycle
// inspection, session custody, and pattern management.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"dealer-posting-engine/internal/dispatch"
	"dealer-posting-engine/internal/lifecycle"
	"dealer-posting-engine/internal/models"
	"dealer-posting-engine/internal/queue"
	"dealer-posting-engine/internal/session"
	"dealer-posting-engine/internal/store"
	"dealer-posting-engine/internal/telemetry"
)

// Server wires the HTTP surface over the engine's components.
type Server struct {
	dispatcher *dispatch.Dispatcher
	tracker    *lifecycle.Tracker
	custodian  *session.Custodian
	store      *store.Store
	queue      *queue.RedisQueue
	log        *zap.Logger
}

// New builds a server.
func New(dispatcher *dispatch.Dispatcher, tracker *lifecycle.Tracker, custodian *session.Custodian, st *store.Store, q *queue.RedisQueue, log *zap.Logger) *Server {
	return &Server{
		dispatcher: dispatcher,
		tracker:    tracker,
		custodian:  custodian,
		store:      st,
		queue:      q,
		log:        log,
	}
}

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/posts", func(r chi.Router) {
		r.Post("/", s.handleDispatch)
		r.Get("/{taskID}", s.handleGetPost)
		r.Post("/{taskID}/retry", s.handleRetry)
		r.Post("/{taskID}/cancel", s.handleCancel)
	})
	r.Get("/records/{recordID}", s.handleGetRecord)
	r.Get("/vehicles/{vehicleID}/records", s.handleVehicleRecords)

	r.Route("/sessions/{accountID}", func(r chi.Router) {
		r.Post("/capture", s.handleCapture)
		r.Get("/", s.handleSessionStatus)
		r.Post("/recovery", s.handleEnrollRecovery)
		r.Post("/recovery/verify", s.handleVerifyRecovery)
	})

	r.Route("/patterns", func(r chi.Router) {
		r.Get("/", s.handleListPatterns)
		r.Post("/", s.handleCreatePattern)
	})
	r.Get("/workers", s.handleWorkers)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.queue.Ping(ctx); err != nil {
		s.respondError(w, http.StatusServiceUnavailable, "queue unreachable")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatch.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.AccountID == "" || req.VehicleID == "" {
		s.respondError(w, http.StatusBadRequest, "account_id and vehicle_id are required")
		return
	}
	res, err := s.dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		s.log.Error("dispatch failed", zap.Error(err))
		s.respondJSON(w, http.StatusInternalServerError, res)
		return
	}
	s.respondJSON(w, dispatchStatusCode(res.Status), res)
}

// dispatchStatusCode maps structured dispatch results to HTTP codes; all
// carry the full Result body either way.
func dispatchStatusCode(status string) int {
	switch status {
	case dispatch.StatusOK:
		return http.StatusAccepted
	case dispatch.StatusRateLimited:
		return http.StatusTooManyRequests
	case dispatch.StatusNoSession, dispatch.StatusNoPattern:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if errors.Is(err, store.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.log.Error("get task failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	s.respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if errors.Is(err, store.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.log.Error("get task failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	res, err := s.dispatcher.Retry(r.Context(), task)
	if err != nil {
		s.log.Error("retry failed", zap.Error(err))
		s.respondJSON(w, http.StatusInternalServerError, res)
		return
	}
	if res.Status != dispatch.StatusOK {
		s.respondJSON(w, http.StatusConflict, res)
		return
	}
	s.respondJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.store.GetTask(r.Context(), taskID)
	if errors.Is(err, store.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.log.Error("get task failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	if err := s.queue.Cancel(r.Context(), taskID); err != nil {
		s.log.Error("queue cancel failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	if err := s.store.UpdateTaskStatus(r.Context(), taskID, models.TaskCancelled); err != nil {
		s.log.Warn("task status update failed", zap.Error(err))
	}
	rec, err := s.tracker.Cancel(r.Context(), task.LifecycleRecordID, "cancelled via API")
	if err != nil {
		if errors.Is(err, lifecycle.ErrInvalidTransition) {
			s.respondError(w, http.StatusConflict, "attempt already finished")
			return
		}
		s.log.Error("record cancel failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, events, err := s.tracker.Get(r.Context(), chi.URLParam(r, "recordID"))
	if errors.Is(err, store.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "record not found")
		return
	}
	if err != nil {
		s.log.Error("get record failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"record": rec,
		"events": events,
	})
}

func (s *Server) handleVehicleRecords(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListRecordsByVehicle(r.Context(), chi.URLParam(r, "vehicleID"), 50)
	if err != nil {
		s.log.Error("list records failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	s.respondJSON(w, http.StatusOK, records)
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	var req struct {
		Entries []models.CredentialEntry `json:"entries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	bundle, err := s.custodian.Capture(r.Context(), accountID, req.Entries)
	if err != nil {
		var invalid *session.InvalidError
		if errors.As(err, &invalid) {
			s.respondJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":   "captured credentials incomplete",
				"missing": invalid.Missing,
			})
			return
		}
		s.log.Error("capture failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "capture failed")
		return
	}
	s.respondJSON(w, http.StatusCreated, sessionView(bundle))
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	bundle, err := s.store.GetSessionBundle(r.Context(), chi.URLParam(r, "accountID"))
	if errors.Is(err, store.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "no session for account")
		return
	}
	if err != nil {
		s.log.Error("session lookup failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	valid, missing := s.custodian.Validate(bundle)
	view := sessionView(bundle)
	view["valid"] = valid
	if len(missing) > 0 {
		view["missing"] = missing
	}
	s.respondJSON(w, http.StatusOK, view)
}

// sessionView is the external shape of a bundle. Credential values never
// leave the service; only names and expiry are reported.
func sessionView(b models.SessionBundle) map[string]any {
	names := make([]string, 0, len(b.Entries))
	for _, e := range b.Entries {
		names = append(names, e.Name)
	}
	view := map[string]any{
		"account_id":        b.AccountID,
		"status":            b.Status,
		"fingerprint":       b.Fingerprint,
		"captured_at":       b.CapturedAt,
		"entry_names":       names,
		"recovery_enrolled": b.RecoverySecretEnrolled,
	}
	if exp := b.ExpiresAt(); !exp.IsZero() {
		view["expires_at"] = exp
	}
	return view
}

func (s *Server) handleEnrollRecovery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := s.custodian.EnrollRecovery(r.Context(), chi.URLParam(r, "accountID"), req.Secret); err != nil {
		s.respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.respondJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleVerifyRecovery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	ok, err := s.custodian.VerifyRecovery(r.Context(), chi.URLParam(r, "accountID"), req.Code)
	if errors.Is(err, session.ErrRecoveryNotEnrolled) {
		s.respondError(w, http.StatusNotFound, "recovery not enrolled")
		return
	}
	if err != nil {
		s.log.Error("recovery verify failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "verification failed")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"valid": ok})
}

func (s *Server) handleListPatterns(w http.ResponseWriter, r *http.Request) {
	patterns, err := s.store.ListActivePatterns(r.Context())
	if err != nil {
		s.log.Error("list patterns failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	s.respondJSON(w, http.StatusOK, patterns)
}

func (s *Server) handleCreatePattern(w http.ResponseWriter, r *http.Request) {
	var p models.AutomationPattern
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if p.Name == "" || p.Category == "" {
		s.respondError(w, http.StatusBadRequest, "name and category are required")
		return
	}
	p.ID = uuid.NewString()
	p.SuccessCount = 0
	p.FailureCount = 0
	p.IsActive = true
	p.CreatedAt = time.Now().UTC()
	p.UpdatedAt = p.CreatedAt
	if err := s.store.CreatePattern(r.Context(), p); err != nil {
		s.log.Error("create pattern failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "create failed")
		return
	}
	s.respondJSON(w, http.StatusCreated, p)
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.queue.ActiveWorkers(r.Context())
	if err != nil {
		s.log.Error("list workers failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	depth, err := s.queue.Depth(r.Context())
	if err != nil {
		depth = -1
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"workers":     workers,
		"queue_depth": depth,
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, map[string]string{"error": msg})
}
