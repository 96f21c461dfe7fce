package coordinator

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dreamware/veil/internal/config"
	"github.com/dreamware/veil/internal/ledger"
)

// NodeStatus is the outcome of one phase of an operation on one node.
type NodeStatus struct {
	Err    error  `json:"-"`
	NodeID string `json:"node"`
	Op     string `json:"op"`
	Error  string `json:"error,omitempty"`
	OK     bool   `json:"ok"`
}

func newNodeStatus(nodeID, op string, err error) NodeStatus {
	st := NodeStatus{NodeID: nodeID, Op: op, OK: err == nil}
	if err != nil {
		st.Err = ledger.NewNodeError(nodeID, op, err)
		st.Error = err.Error()
	}
	return st
}

// joinStatusErrors joins the errors of every failed status, keeping each
// node's cause distinct.
func joinStatusErrors(statuses []NodeStatus) error {
	var errs []error
	for _, st := range statuses {
		if st.Err != nil {
			errs = append(errs, st.Err)
		}
	}
	return errors.Join(errs...)
}

// fanout runs one function per node with bounded concurrency. It never
// cancels siblings when one node fails.
type fanout struct {
	limit   int
	timeout time.Duration
}

func newFanout(cfg *config.Config) fanout {
	f := fanout{limit: cfg.MaxConcurrency, timeout: cfg.NodeTimeout}
	if f.limit <= 0 {
		f.limit = 8
	}
	if f.timeout <= 0 {
		f.timeout = 5 * time.Second
	}
	return f
}

// each calls fn for every node and waits for all of them.
func (f fanout) each(ctx context.Context, nodes []NodeClient, fn func(ctx context.Context, i int, n NodeClient)) {
	var g errgroup.Group
	g.SetLimit(f.limit)
	for i, n := range nodes {
		i, n := i, n
		g.Go(func() error {
			fn(ctx, i, n)
			return nil
		})
	}
	_ = g.Wait()
}

// call runs one node call under the per-node timeout.
func (f fanout) call(ctx context.Context, fn func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	return fn(cctx)
}

// phase runs one call per node and returns a status per node in roster order.
func (f fanout) phase(ctx context.Context, nodes []NodeClient, op string, fn func(ctx context.Context, n NodeClient) error) []NodeStatus {
	statuses := make([]NodeStatus, len(nodes))
	f.each(ctx, nodes, func(ctx context.Context, i int, n NodeClient) {
		err := f.call(ctx, func(ctx context.Context) error { return fn(ctx, n) })
		statuses[i] = newNodeStatus(n.ID(), op, err)
	})
	return statuses
}
