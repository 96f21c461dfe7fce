package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/dreamware/veil/internal/chain"
	"github.com/dreamware/veil/internal/coordinator"
	"github.com/dreamware/veil/internal/ledger"
	"github.com/dreamware/veil/internal/logger"
	"github.com/dreamware/veil/internal/query"
)

// routes returns the coordinator API.
//
//	GET    /health
//	GET    /nodes                  roster health
//	GET    /transactions           in-memory chain
//	POST   /transactions           append
//	GET    /transactions/:id
//	PUT    /transactions/:id       update
//	DELETE /transactions/:id
//	GET    /ledger                 records as stored on the nodes
//	GET    /verify[?stored=true]
//	GET    /aggregate/sum          ?draft=&currency=&debit=&credit=
//	GET    /metrics                ?currency=
func (s *server) routes() http.Handler {
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
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "head": s.coord.Head()})
	})
	r.GET("/nodes", s.handleNodes)
	r.GET("/transactions", s.handleListTransactions)
	r.POST("/transactions", s.handleAppend)
	r.GET("/transactions/:id", s.handleGetTransaction)
	r.PUT("/transactions/:id", s.handleUpdate)
	r.DELETE("/transactions/:id", s.handleDelete)
	r.GET("/ledger", s.handleLedger)
	r.GET("/verify", s.handleVerify)
	r.GET("/aggregate/sum", s.handleSum)
	r.GET("/metrics", s.handleMetrics)

	return logger.Middleware(s.log)(r)
}

func (s *server) handleNodes(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	snap := s.monitor.Snapshot()
	out := make([]coordinator.NodeHealth, 0, len(snap))
	for _, n := range s.coord.Nodes() {
		h, ok := snap[n.ID()]
		if !ok {
			h = coordinator.NodeHealth{NodeID: n.ID(), Status: coordinator.HealthUnknown}
		}
		out = append(out, h)
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": out})
}

func (s *server) handleListTransactions(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": s.coord.Transactions(),
		"head":         s.coord.Head(),
	})
}

func (s *server) handleGetTransaction(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	tx, err := s.coord.Get(ps.ByName("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *server) handleAppend(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var tx ledger.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		writeError(w, http.StatusBadRequest, "invalid transaction body")
		return
	}
	report, err := s.coord.Append(r.Context(), tx)
	s.writeReport(w, r, http.StatusCreated, report, err)
}

func (s *server) handleUpdate(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var tx ledger.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		writeError(w, http.StatusBadRequest, "invalid transaction body")
		return
	}
	if tx.ID == "" {
		tx.ID = ps.ByName("id")
	}
	if tx.ID != ps.ByName("id") {
		writeError(w, http.StatusBadRequest, "transaction id does not match path")
		return
	}
	report, err := s.coord.Update(r.Context(), tx)
	s.writeReport(w, r, http.StatusOK, report, err)
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	report, err := s.coord.Delete(r.Context(), ps.ByName("id"))
	s.writeReport(w, r, http.StatusOK, report, err)
}

// writeReport answers a mutation. A report with node failures still
// describes a committed chain change, so it is returned with 502.
func (s *server) writeReport(w http.ResponseWriter, r *http.Request, okCode int, report *coordinator.WriteReport, err error) {
	switch {
	case err == nil:
		writeJSON(w, okCode, report)
	case report != nil:
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "report": report})
	default:
		s.fail(w, r, err)
	}
}

func (s *server) handleLedger(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	report, err := s.coord.ReadAll(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *server) handleVerify(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var err error
	if stored, _ := strconv.ParseBool(r.URL.Query().Get("stored")); stored {
		err = s.coord.VerifyStored(r.Context())
	} else {
		err = s.coord.VerifyChain()
	}

	var broken *chain.BrokenError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"valid": true, "head": s.coord.Head()})
	case errors.As(err, &broken):
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "error": err.Error(), "broken": broken})
	default:
		s.fail(w, r, err)
	}
}

func (s *server) handleSum(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	f, err := filterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.engine.Sum(r.Context(), f)
	if err != nil {
		if res != nil {
			writeJSON(w, statusFor(err), map[string]any{"error": err.Error(), "result": res})
			return
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func filterFromQuery(r *http.Request) (query.Filter, error) {
	q := r.URL.Query()
	var f query.Filter
	if v := q.Get("draft"); v != "" {
		draft, err := strconv.ParseBool(v)
		if err != nil {
			return f, errors.New("draft must be true or false")
		}
		f.Draft = &draft
	}
	if v := q.Get("currency"); v != "" {
		f.Currency = ledger.Currency(v)
		if !f.Currency.Valid() {
			return f, errors.New("unsupported currency")
		}
	}
	if v := q.Get("debit"); v != "" {
		f.DebitAccount = ledger.Account(v)
		if !f.DebitAccount.Valid() {
			return f, errors.New("unknown debit account")
		}
	}
	if v := q.Get("credit"); v != "" {
		f.CreditAccount = ledger.Account(v)
		if !f.CreditAccount.Valid() {
			return f, errors.New("unknown credit account")
		}
	}
	return f, nil
}

func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	currency := ledger.Currency(r.URL.Query().Get("currency"))
	if currency != "" && !currency.Valid() {
		writeError(w, http.StatusBadRequest, "unsupported currency")
		return
	}
	m, err := s.engine.Metrics(r.Context(), currency)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrValidation), errors.Is(err, ledger.ErrShareSplit):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrIntegrityFault):
		return http.StatusConflict
	case errors.Is(err, coordinator.ErrIncompleteAggregate),
		errors.Is(err, ledger.ErrInsufficientReplicas),
		errors.Is(err, ledger.ErrNodeUnavailable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		l := logger.FromContext(r.Context())
		l.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, code, "internal error")
		return
	}
	writeError(w, code, err.Error())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
