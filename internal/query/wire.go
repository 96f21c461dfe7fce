package query

import "github.com/dreamware/veil/internal/ledger"

// Request and response bodies of the node protocol that carry more than a
// single ShareRecord, Definition or Partial.

// ExecuteRequest is the body of POST /queries/:id/execute.
type ExecuteRequest struct {
	Variables Bindings `json:"variables"`
}

// RecordsResponse is the body of GET /records.
type RecordsResponse struct {
	Records []ledger.ShareRecord `json:"records"`
}
