// Package cluster contains the coordinator side of the node protocol.
//
// Client implements one node's NodeClient over HTTP. Every call carries a
// bearer token minted for that node alone. Transport errors, timeouts,
// 401/403 and 5xx answers wrap ledger.ErrNodeUnavailable so the coordinator
// can treat them as transient. Other non-2xx answers come back as
// *StatusError.
//
// The roster is static: NodeInfo entries come from configuration and nodes
// never register themselves.
package cluster
