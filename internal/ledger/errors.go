package ledger

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every layer of the ledger. Callers match with
// errors.Is; the concrete error usually wraps one of these with context.
var (
	// ErrValidation is returned when a transaction fails local field checks.
	// Nothing is sent to any node when this is returned.
	ErrValidation = errors.New("invalid transaction")

	// ErrShareSplit is returned for amounts that cannot be shared: negative,
	// sub-minor-unit precision, or not below the modulus.
	ErrShareSplit = errors.New("share split error")

	// ErrInsufficientReplicas is returned when fewer than N usable shares of a
	// record exist, so its amount cannot be reconstructed.
	ErrInsufficientReplicas = errors.New("insufficient replicas")

	// ErrNodeUnavailable marks a transient per-node network or auth failure.
	// The caller may retry the operation.
	ErrNodeUnavailable = errors.New("node unavailable")

	// ErrIntegrityFault is returned when nodes disagree on plaintext
	// aggregates that must be identical.
	ErrIntegrityFault = errors.New("integrity fault")

	// ErrChainBroken is returned when stored hashes do not match the
	// recomputed chain.
	ErrChainBroken = errors.New("chain broken")

	// ErrNotFound is returned for unknown transaction ids.
	ErrNotFound = errors.New("transaction not found")

	// ErrDuplicate is returned when appending a transaction whose id is
	// already in the chain.
	ErrDuplicate = errors.New("duplicate transaction id")
)

// NodeError records the failure of one operation against one node.
// Multi-node failures are reported as an errors.Join of NodeErrors so each
// node's cause stays visible.
type NodeError struct {
	Err    error
	NodeID string
	Op     string
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %s: %v", e.NodeID, e.Op, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// NewNodeError wraps err with the node and operation it belongs to.
func NewNodeError(nodeID, op string, err error) error {
	if err == nil {
		return nil
	}
	return &NodeError{NodeID: nodeID, Op: op, Err: err}
}
