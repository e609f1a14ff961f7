package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ryelan/ghostwrite/pkg/ghostwrite/responder"
	"github.com/ryelan/ghostwrite/pkg/ghostwrite/session"
	"github.com/ryelan/ghostwrite/pkg/ghostwrite/store"
)

// ---------- AI configuration ----------

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	raw, err := s.store.LoadConfig(r.Context(), code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, s.logger, http.StatusOK, responder.DefaultConfig())
			return
		}
		s.logger.Error("failed to load config", "code", code, "error", err)
		writeError(w, s.logger, http.StatusInternalServerError, "failed to load config")
		return
	}
	var cfg responder.Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		s.logger.Error("stored config corrupt", "code", code, "error", err)
		writeError(w, s.logger, http.StatusInternalServerError, "stored config corrupt")
		return
	}
	writeJSON(w, s.logger, http.StatusOK, &cfg)
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	var cfg responder.Config
	if !decodeBody(w, r, s.logger, &cfg) {
		return
	}
	cfg.Sanitize(s.logger)
	if err := s.registry.UpdateConfig(r.Context(), code, &cfg); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, s.logger, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("failed to update config", "code", code, "error", err)
		writeError(w, s.logger, http.StatusInternalServerError, "failed to update config")
		return
	}
	s.logger.Info("ai config updated", "code", code,
		"auto_reply", cfg.AutoReply, "rules", len(cfg.CustomReplies))
	writeJSON(w, s.logger, http.StatusOK, &cfg)
}

// handlePutReplies replaces only the custom reply rules, keeping the rest
// of the stored configuration intact.
func (s *Server) handlePutReplies(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	var rules []responder.Rule
	if !decodeBody(w, r, s.logger, &rules) {
		return
	}

	cfg := s.currentConfig(r, code)
	cfg.CustomReplies = rules
	cfg.Sanitize(s.logger)
	if err := s.registry.UpdateConfig(r.Context(), code, cfg); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, s.logger, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("failed to update rules", "code", code, "error", err)
		writeError(w, s.logger, http.StatusInternalServerError, "failed to update rules")
		return
	}
	writeJSON(w, s.logger, http.StatusOK, cfg.CustomReplies)
}

func (s *Server) currentConfig(r *http.Request, code string) *responder.Config {
	raw, err := s.store.LoadConfig(r.Context(), code)
	if err != nil {
		return responder.DefaultConfig()
	}
	var cfg responder.Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return responder.DefaultConfig()
	}
	return &cfg
}

// ---------- Style corpus inspection ----------

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	contacts, err := s.store.Contacts(r.Context(), code)
	if err != nil {
		s.logger.Error("failed to list contacts", "code", code, "error", err)
		writeError(w, s.logger, http.StatusInternalServerError, "failed to list contacts")
		return
	}
	if contacts == nil {
		contacts = []string{}
	}
	writeJSON(w, s.logger, http.StatusOK, contacts)
}

func (s *Server) handleContactMessages(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	contact := chi.URLParam(r, "contact")
	msgs, err := s.store.ContactMessages(r.Context(), code, contact)
	if err != nil {
		s.logger.Error("failed to load contact log", "code", code, "error", err)
		writeError(w, s.logger, http.StatusInternalServerError, "failed to load contact log")
		return
	}
	if msgs == nil {
		msgs = []string{}
	}
	writeJSON(w, s.logger, http.StatusOK, msgs)
}

type editMessageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleEditContactMessage(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	contact := chi.URLParam(r, "contact")
	index, ok := indexParam(w, r, s)
	if !ok {
		return
	}
	var req editMessageRequest
	if !decodeBody(w, r, s.logger, &req) {
		return
	}
	if req.Text == "" {
		writeError(w, s.logger, http.StatusBadRequest, "text is required")
		return
	}
	err := s.store.UpdateContactMessage(r.Context(), code, contact, index, req.Text)
	if err != nil {
		s.indexError(w, err, "failed to edit message")
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]any{"index": index, "text": req.Text})
}

func (s *Server) handleDeleteContactMessage(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	contact := chi.URLParam(r, "contact")
	index, ok := indexParam(w, r, s)
	if !ok {
		return
	}
	if err := s.store.DeleteContactMessage(r.Context(), code, contact, index); err != nil {
		s.indexError(w, err, "failed to delete message")
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]any{"deleted": index})
}

func (s *Server) handleDeleteContactLog(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	contact := chi.URLParam(r, "contact")
	if err := s.store.DeleteContactLog(r.Context(), code, contact); err != nil {
		s.logger.Error("failed to delete contact log", "code", code, "error", err)
		writeError(w, s.logger, http.StatusInternalServerError, "failed to delete contact log")
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]any{"deleted": contact})
}

func (s *Server) handleUniversal(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	replies, err := s.store.UniversalReplies(r.Context(), code)
	if err != nil {
		s.logger.Error("failed to load universal corpus", "code", code, "error", err)
		writeError(w, s.logger, http.StatusInternalServerError, "failed to load universal corpus")
		return
	}
	if replies == nil {
		replies = []string{}
	}
	writeJSON(w, s.logger, http.StatusOK, replies)
}

func (s *Server) handleEditUniversal(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	index, ok := indexParam(w, r, s)
	if !ok {
		return
	}
	var req editMessageRequest
	if !decodeBody(w, r, s.logger, &req) {
		return
	}
	if req.Text == "" {
		writeError(w, s.logger, http.StatusBadRequest, "text is required")
		return
	}
	if err := s.store.UpdateUniversalReply(r.Context(), code, index, req.Text); err != nil {
		s.indexError(w, err, "failed to edit reply")
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]any{"index": index, "text": req.Text})
}

func (s *Server) handleDeleteUniversal(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	index, ok := indexParam(w, r, s)
	if !ok {
		return
	}
	if err := s.store.DeleteUniversalReply(r.Context(), code, index); err != nil {
		s.indexError(w, err, "failed to delete reply")
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]any{"deleted": index})
}

func (s *Server) handleDeleteUniversalCorpus(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if err := s.store.DeleteUniversalCorpus(r.Context(), code); err != nil {
		s.logger.Error("failed to delete universal corpus", "code", code, "error", err)
		writeError(w, s.logger, http.StatusInternalServerError, "failed to delete universal corpus")
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]any{"deleted": "universal"})
}

func indexParam(w http.ResponseWriter, r *http.Request, s *Server) (int, bool) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		writeError(w, s.logger, http.StatusBadRequest, "index must be a non-negative integer")
		return 0, false
	}
	return index, true
}

func (s *Server) indexError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, s.logger, http.StatusNotFound, "index out of range")
		return
	}
	s.logger.Error(msg, "error", err)
	writeError(w, s.logger, http.StatusInternalServerError, msg)
}
