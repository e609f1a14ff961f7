// Package gateway exposes the HTTP control surface: session lifecycle,
// AI configuration, bulk sends, scheduled jobs, and style corpus
// inspection. Message handling itself never goes through HTTP; the
// gateway only steers the machinery.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ryelan/ghostwrite/pkg/ghostwrite/scheduler"
	"github.com/ryelan/ghostwrite/pkg/ghostwrite/session"
	"github.com/ryelan/ghostwrite/pkg/ghostwrite/store"
	"github.com/ryelan/ghostwrite/pkg/ghostwrite/transport"
)

// Config holds the HTTP listener settings.
type Config struct {
	Addr  string `yaml:"addr"`
	Token string `yaml:"token"`
}

// DefaultConfig returns the gateway defaults.
func DefaultConfig() Config {
	return Config{Addr: ":8080"}
}

// Server is the HTTP gateway.
type Server struct {
	cfg      Config
	registry *session.Registry
	store    store.Store
	sched    *scheduler.Scheduler
	logger   *slog.Logger
	srv      *http.Server
}

// New builds the gateway over a session registry, the document store
// and the bulk-send scheduler.
func New(cfg Config, registry *session.Registry, st store.Store, sched *scheduler.Scheduler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		registry: registry,
		store:    st,
		sched:    sched,
		logger:   logger.With("component", "gateway"),
	}
	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Routes builds the router. Exposed for tests.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Group(func(api chi.Router) {
		if s.cfg.Token != "" {
			api.Use(requireBearer(s.cfg.Token))
		}

		api.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Route("/{code}", func(r chi.Router) {
				r.Post("/", s.handleStartSession)
				r.Get("/", s.handleSessionStatus)
				r.Delete("/", s.handleEndSession)
				r.Get("/qr", s.handleQR)

				r.Get("/config", s.handleGetConfig)
				r.Put("/config", s.handlePutConfig)
				r.Put("/replies", s.handlePutReplies)

				r.Post("/messages", s.handleBulkSend)

				r.Route("/schedules", func(r chi.Router) {
					r.Post("/", s.handleCreateSchedule)
					r.Get("/", s.handleListSchedules)
					r.Get("/{jobID}", s.handleGetSchedule)
					r.Post("/{jobID}/cancel", s.handleCancelSchedule)
					r.Delete("/{jobID}", s.handleRemoveSchedule)
				})

				r.Route("/persona", func(r chi.Router) {
					r.Get("/contacts", s.handleListContacts)
					r.Route("/contacts/{contact}", func(r chi.Router) {
						r.Get("/messages", s.handleContactMessages)
						r.Put("/messages/{index}", s.handleEditContactMessage)
						r.Delete("/messages/{index}", s.handleDeleteContactMessage)
						r.Delete("/", s.handleDeleteContactLog)
					})
					r.Get("/universal", s.handleUniversal)
					r.Put("/universal/{index}", s.handleEditUniversal)
					r.Delete("/universal/{index}", s.handleDeleteUniversal)
					r.Delete("/universal", s.handleDeleteUniversalCorpus)
				})
			})
		})
	})

	return r
}

// ListenAndServe runs the listener until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("gateway listening", "addr", s.cfg.Addr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// requireBearer enforces a constant-time bearer token check.
func requireBearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(s.registry.List()),
	})
}

// ---------- Sessions ----------

type sessionStatus struct {
	Code      string         `json:"code"`
	State     string         `json:"state"`
	Ready     bool           `json:"ready"`
	OwnID     string         `json:"ownId,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	Health    session.Health `json:"health"`
}

func statusOf(sess *session.Session) sessionStatus {
	return sessionStatus{
		Code:      sess.Code,
		State:     string(sess.State()),
		Ready:     sess.Ready(),
		OwnID:     sess.OwnID(),
		CreatedAt: sess.CreatedAt,
		Health:    sess.Health(),
	}
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	sess, err := s.registry.Start(r.Context(), code)
	if err != nil {
		if errors.Is(err, session.ErrUnauthorized) {
			writeError(w, s.logger, http.StatusForbidden, "session code not authorized")
			return
		}
		s.logger.Error("failed to start session", "code", code, "error", err)
		writeError(w, s.logger, http.StatusInternalServerError, "failed to start session")
		return
	}
	writeJSON(w, s.logger, http.StatusOK, statusOf(sess))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	out := []sessionStatus{}
	for _, sess := range s.registry.List() {
		out = append(out, statusOf(sess))
	}
	writeJSON(w, s.logger, http.StatusOK, out)
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, s.logger, http.StatusOK, statusOf(sess))
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	logout := r.URL.Query().Get("logout") == "true"
	if err := s.registry.Destroy(r.Context(), code, logout); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, s.logger, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("failed to end session", "code", code, "error", err)
		writeError(w, s.logger, http.StatusInternalServerError, "failed to end session")
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]any{"ended": code, "logout": logout})
}

// handleQR returns the latest pairing QR for an unpaired session. Clients
// poll this until the session turns ready.
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if sess.Ready() {
		writeJSON(w, s.logger, http.StatusOK, map[string]any{"paired": true})
		return
	}
	streamer, ok := sess.Client().(transport.QRStreamer)
	if !ok {
		writeError(w, s.logger, http.StatusConflict, "transport does not support QR pairing")
		return
	}
	evt := streamer.LastQR()
	if evt == nil {
		writeJSON(w, s.logger, http.StatusAccepted, map[string]any{
			"paired":  false,
			"pending": true,
		})
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]any{
		"paired": false,
		"code":   evt.Code,
	})
}

// ---------- Bulk send ----------

type bulkSendRequest struct {
	Message string   `json:"message"`
	Numbers []string `json:"numbers"`
}

type bulkSendResponse struct {
	Sent    int                    `json:"sent"`
	Failed  int                    `json:"failed"`
	Results []scheduler.SendResult `json:"results"`
}

func (s *Server) handleBulkSend(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req bulkSendRequest
	if !decodeBody(w, r, s.logger, &req) {
		return
	}
	if req.Message == "" || len(req.Numbers) == 0 {
		writeError(w, s.logger, http.StatusBadRequest, "message and numbers are required")
		return
	}
	if !sess.Ready() {
		writeError(w, s.logger, http.StatusConflict, "session is not connected")
		return
	}

	resp := bulkSendResponse{}
	for _, number := range req.Numbers {
		res := scheduler.SendResult{Number: number, OK: true}
		if err := sess.Client().SendText(r.Context(), number, req.Message); err != nil {
			res.OK = false
			res.Error = err.Error()
			resp.Failed++
		} else {
			resp.Sent++
		}
		resp.Results = append(resp.Results, res)
	}
	s.logger.Info("bulk send", "code", sess.Code,
		"sent", resp.Sent, "failed", resp.Failed)
	writeJSON(w, s.logger, http.StatusOK, resp)
}

// ---------- Schedules ----------

type scheduleRequest struct {
	Message string    `json:"message"`
	Numbers []string  `json:"numbers"`
	SendAt  time.Time `json:"sendAt"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if _, err := s.registry.Get(code); err != nil {
		writeError(w, s.logger, http.StatusNotFound, "session not found")
		return
	}
	var req scheduleRequest
	if !decodeBody(w, r, s.logger, &req) {
		return
	}
	if req.SendAt.IsZero() {
		writeError(w, s.logger, http.StatusBadRequest, "sendAt is required")
		return
	}
	job, err := s.sched.Schedule(r.Context(), code, req.Message, req.Numbers, req.SendAt)
	if err != nil {
		writeError(w, s.logger, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, s.logger, http.StatusCreated, job)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	jobs := s.sched.List(chi.URLParam(r, "code"))
	if jobs == nil {
		jobs = []*scheduler.Job{}
	}
	writeJSON(w, s.logger, http.StatusOK, jobs)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	job, ok := s.sched.Get(chi.URLParam(r, "code"), chi.URLParam(r, "jobID"))
	if !ok {
		writeError(w, s.logger, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, s.logger, http.StatusOK, job)
}

func (s *Server) handleCancelSchedule(w http.ResponseWriter, r *http.Request) {
	code, id := chi.URLParam(r, "code"), chi.URLParam(r, "jobID")
	if err := s.sched.Cancel(code, id); err != nil {
		writeError(w, s.logger, http.StatusConflict, err.Error())
		return
	}
	job, _ := s.sched.Get(code, id)
	writeJSON(w, s.logger, http.StatusOK, job)
}

func (s *Server) handleRemoveSchedule(w http.ResponseWriter, r *http.Request) {
	code, id := chi.URLParam(r, "code"), chi.URLParam(r, "jobID")
	if err := s.sched.Remove(r.Context(), code, id); err != nil {
		writeError(w, s.logger, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]any{"removed": id})
}

// ---------- Helpers ----------

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	code := chi.URLParam(r, "code")
	sess, err := s.registry.Get(code)
	if err != nil {
		writeError(w, s.logger, http.StatusNotFound, "session not found")
		return nil, false
	}
	return sess, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, logger *slog.Logger, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, logger, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, logger *slog.Logger, status int, msg string) {
	writeJSON(w, logger, status, map[string]string{"error": msg})
}
