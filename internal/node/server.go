package node

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"

	"github.com/dreamware/veil/internal/auth"
	"github.com/dreamware/veil/internal/ledger"
	"github.com/dreamware/veil/internal/logger"
	"github.com/dreamware/veil/internal/query"
)

// Server exposes a Vault over the node HTTP protocol.
type Server struct {
	vault    *Vault
	verifier *auth.Verifier
	log      zerolog.Logger
}

// NewServer builds a node server. Every route except /health requires a
// bearer token accepted by verifier.
func NewServer(vault *Vault, verifier *auth.Verifier, log zerolog.Logger) *Server {
	return &Server{vault: vault, verifier: verifier, log: log.With().Str("node", vault.ID).Logger()}
}

// Handler returns the routed, logged and authenticated HTTP handler.
func (s *Server) Handler() http.Handler {
	r := &httprouter.Router{
		RedirectTrailingSlash:  true,
		HandleMethodNotAllowed: true,
		NotFound: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusNotFound, "endpoint not found")
		}),
		MethodNotAllowed: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}),
	}

	r.HandlerFunc(http.MethodGet, "/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "node": s.vault.ID})
	})
	r.PUT("/records/:id", s.authenticated(s.handlePutRecord))
	r.DELETE("/records/:id", s.authenticated(s.handleDeleteRecord))
	r.GET("/records", s.authenticated(s.handleGetRecords))
	r.POST("/queries", s.authenticated(s.handleDefineQuery))
	r.POST("/queries/:id/execute", s.authenticated(s.handleExecuteQuery))
	r.DELETE("/queries/:id", s.authenticated(s.handleDropQuery))
	r.GET("/stats", s.authenticated(s.handleStats))

	return logger.Middleware(s.log)(r)
}

func (s *Server) authenticated(h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		token, err := auth.FromRequest(r)
		if err == nil {
			err = s.verifier.Verify(token)
		}
		if err != nil {
			l := logger.FromContext(r.Context())
			l.Warn().Err(err).Str("path", r.URL.Path).Msg("rejected request")
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		h(w, r, ps)
	}
}

func (s *Server) handlePutRecord(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var rec ledger.ShareRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid record body")
		return
	}
	if rec.ID != ps.ByName("id") {
		writeError(w, http.StatusBadRequest, "record id does not match path")
		return
	}
	if err := s.vault.Put(r.Context(), rec); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := s.vault.Delete(r.Context(), ps.ByName("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetRecords(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	records, err := s.vault.Records(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, query.RecordsResponse{Records: records})
}

func (s *Server) handleDefineQuery(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var def query.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, "invalid query body")
		return
	}
	if err := s.vault.Define(def); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": def.ID})
}

func (s *Server) handleExecuteQuery(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req query.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid execute body")
		return
	}
	if req.Variables == nil {
		req.Variables = query.Bindings{}
	}
	partial, err := s.vault.Execute(r.Context(), ps.ByName("id"), req.Variables)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, partial)
}

func (s *Server) handleDropQuery(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := s.vault.Drop(ps.ByName("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	stats, err := s.vault.Stats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrQueryNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrQueryExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrBadRecord), errors.Is(err, query.ErrInvalidDefinition):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		l := logger.FromContext(r.Context())
		l.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
