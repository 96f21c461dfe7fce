// Package node implements a storage node of the ledger.
//
// A node stores one additive share of every transaction amount next to the
// plaintext transaction fields. It never sees another node's share and never
// sees an amount. The coordinator reaches it over a small authenticated HTTP
// protocol:
//
//	PUT    /records/:id           store or replace a share record
//	DELETE /records/:id           remove a share record
//	GET    /records               list all share records
//	POST   /queries               define an aggregation pipeline
//	POST   /queries/:id/execute   run it with bound variables
//	DELETE /queries/:id           forget the pipeline
//	GET    /stats                 operation and storage counters
//	GET    /health                liveness, no token required
//
// Vault keeps the records in a storage.Store and the deployed pipelines in
// memory. Server wires the Vault to httprouter, bearer token checks and
// request logging.
package node
