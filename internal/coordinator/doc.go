// Package coordinator is the control plane of the ledger. It owns the
// in-memory hash chain, splits every amount into additive shares, fans the
// share records out to the storage nodes and combines the nodes' partial
// aggregates into exact totals.
//
// # Architecture
//
//	┌──────────────────────────────────────────┐
//	│               COORDINATOR                 │
//	├──────────────────────────────────────────┤
//	│  Coordinator                              │
//	│    chain.Chain      hash links, ordering  │
//	│    share.Codec      split / reconstruct   │
//	│    fanout           bounded, per-node     │
//	│                     timeouts              │
//	│  Engine                                   │
//	│    query pipeline   define → execute →    │
//	│                     combine → drop        │
//	│  HealthMonitor      periodic node pings   │
//	└──────────────────────────────────────────┘
//	        │ NodeClient (one per node)
//	        ▼
//	┌────────┐  ┌────────┐  ┌────────┐
//	│ node-1 │  │ node-2 │  │ node-N │
//	└────────┘  └────────┘  └────────┘
//
// # Writes
//
// Append, Update and Delete mutate the chain under a single-writer lock,
// then re-split and re-store every record whose hash links changed. Each
// split gets a fresh epoch, and a record is only readable when all N nodes
// hold a share of the same epoch. Writes are best-effort: a failed node is
// reported in the WriteReport and never rolled back or retried.
//
// # Reads
//
// ReadAll collects every node's records. Plaintext fields are replicated,
// so any responder can supply them. The amount of a record is reconstructed
// only from N shares of one epoch; otherwise that record alone carries
// ledger.ErrInsufficientReplicas.
//
// # Aggregation
//
// Engine.Sum deploys a fresh pipeline to every node, executes it with bound
// variables and adds the per-node partial sums modulo M. Counts are
// plaintext and must agree across nodes, or the run fails with
// ledger.ErrIntegrityFault. A total is returned only when all N nodes
// answered.
//
// # Failure model
//
// Nodes are honest but untrusted. Every per-node call runs under its own
// timeout and a slow or failing node only fails the current phase. There
// are no implicit retries, no intent log and no read repair.
package coordinator
