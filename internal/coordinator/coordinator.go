package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"

	"github.com/dreamware/veil/internal/chain"
	"github.com/dreamware/veil/internal/config"
	"github.com/dreamware/veil/internal/ledger"
	"github.com/dreamware/veil/internal/share"
)

// RecordStatus lists the per-node outcome of storing (or deleting) one
// record.
type RecordStatus struct {
	ID    string       `json:"id"`
	Nodes []NodeStatus `json:"nodes"`
}

// Stored reports whether every node acknowledged the record.
func (r RecordStatus) Stored() bool {
	for _, st := range r.Nodes {
		if !st.OK {
			return false
		}
	}
	return true
}

// WriteReport describes a mutation: the transaction it targeted and every
// record that had to be written to the nodes because of it.
type WriteReport struct {
	TransactionID string         `json:"transaction_id"`
	Records       []RecordStatus `json:"records"`
}

// Err joins the node errors of every failed record write.
func (w *WriteReport) Err() error {
	var errs []error
	for _, r := range w.Records {
		if err := joinStatusErrors(r.Nodes); err != nil {
			errs = append(errs, fmt.Errorf("record %s: %w", r.ID, err))
		}
	}
	return errors.Join(errs...)
}

// ReadResult is one record of a ReadAll. Transaction always carries the
// plaintext fields; Amount is only set when Err is nil.
type ReadResult struct {
	Err         error              `json:"-"`
	Error       string             `json:"error,omitempty"`
	Transaction ledger.Transaction `json:"transaction"`
	Shares      int                `json:"shares"`
}

// ReadReport is the outcome of ReadAll, records in chain order.
type ReadReport struct {
	Records []ReadResult `json:"records"`
	Nodes   []NodeStatus `json:"nodes"`
}

// Transactions returns the fully reconstructed transactions.
func (r *ReadReport) Transactions() []ledger.Transaction {
	out := make([]ledger.Transaction, 0, len(r.Records))
	for _, rec := range r.Records {
		if rec.Err == nil {
			out = append(out, rec.Transaction)
		}
	}
	return out
}

// Err joins the errors of every record that could not be reconstructed.
func (r *ReadReport) Err() error {
	var errs []error
	for _, rec := range r.Records {
		if rec.Err != nil {
			errs = append(errs, rec.Err)
		}
	}
	return errors.Join(errs...)
}

// Coordinator distributes share records of the hash-chained ledger over a
// fixed roster of nodes.
type Coordinator struct {
	nodes []NodeClient
	codec *share.Codec
	chain *chain.Chain
	log   zerolog.Logger
	fan   fanout
	mu    sync.RWMutex
}

// New builds a coordinator over nodes. Node IDs must be unique.
func New(cfg *config.Config, nodes []NodeClient, log zerolog.Logger) (*Coordinator, error) {
	if err := checkRoster(nodes); err != nil {
		return nil, err
	}
	return &Coordinator{
		nodes: nodes,
		codec: share.NewCodec(cfg.Modulus),
		chain: chain.New(),
		log:   log.With().Str("component", "coordinator").Logger(),
		fan:   newFanout(cfg),
	}, nil
}

func checkRoster(nodes []NodeClient) error {
	if len(nodes) == 0 {
		return errors.New("coordinator: at least one node is required")
	}
	seen := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if seen[n.ID()] {
			return fmt.Errorf("coordinator: duplicate node id %q", n.ID())
		}
		seen[n.ID()] = true
	}
	return nil
}

// Nodes returns the roster.
func (c *Coordinator) Nodes() []NodeClient {
	return slices.Clone(c.nodes)
}

// Codec returns the share codec in use.
func (c *Coordinator) Codec() *share.Codec {
	return c.codec
}

// Append validates tx, links it into the chain and stores share records for
// tx and every successor whose links changed. Node failures are reported in
// the WriteReport and in the returned error; the chain keeps tx either way.
func (c *Coordinator) Append(ctx context.Context, tx ledger.Transaction) (*WriteReport, error) {
	if err := c.precheck(tx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	changed, err := c.chain.Insert(tx)
	if err != nil {
		return nil, err
	}
	report := c.distribute(ctx, tx.ID, "", changed)
	c.logWrite("append", report)
	return report, report.Err()
}

// Update replaces an existing transaction and re-stores the changed suffix.
func (c *Coordinator) Update(ctx context.Context, tx ledger.Transaction) (*WriteReport, error) {
	if err := c.precheck(tx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	changed, err := c.chain.Update(tx)
	if err != nil {
		return nil, err
	}
	report := c.distribute(ctx, tx.ID, "", changed)
	c.logWrite("update", report)
	return report, report.Err()
}

// Delete removes a transaction from the chain and the nodes and re-stores
// the successors whose links changed.
func (c *Coordinator) Delete(ctx context.Context, id string) (*WriteReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, changed, err := c.chain.Delete(id)
	if err != nil {
		return nil, err
	}
	report := c.distribute(ctx, id, id, changed)
	c.logWrite("delete", report)
	return report, report.Err()
}

func (c *Coordinator) precheck(tx ledger.Transaction) error {
	if err := tx.Validate(); err != nil {
		return err
	}
	units, err := share.ToMinorUnits(tx.Amount)
	if err != nil {
		return err
	}
	if units >= c.codec.Modulus() {
		return fmt.Errorf("%w: amount %s is not below the share modulus", ledger.ErrShareSplit, tx.Amount)
	}
	return nil
}

// distribute splits every changed transaction with a fresh epoch and sends
// each node its records. deleted, when set, is removed from every node
// first. Callers hold c.mu.
func (c *Coordinator) distribute(ctx context.Context, txID, deleted string, changed []ledger.Transaction) *WriteReport {
	n := len(c.nodes)
	perNode := make([][]ledger.ShareRecord, n)
	report := &WriteReport{TransactionID: txID}

	var splitErrs []RecordStatus
	for _, tx := range changed {
		shares, err := c.split(tx)
		if err != nil {
			st := RecordStatus{ID: tx.ID}
			for _, node := range c.nodes {
				st.Nodes = append(st.Nodes, newNodeStatus(node.ID(), "split", err))
			}
			splitErrs = append(splitErrs, st)
			continue
		}
		epoch := uuid.NewString()
		for i := range c.nodes {
			perNode[i] = append(perNode[i], ledger.NewShareRecord(tx, shares[i], epoch))
		}
	}

	var ids []string
	if deleted != "" {
		ids = append(ids, deleted)
	}
	for _, rec := range perNode[0] {
		ids = append(ids, rec.ID)
	}
	statuses := make([][]NodeStatus, len(ids))
	for j := range statuses {
		statuses[j] = make([]NodeStatus, n)
	}

	c.fan.each(ctx, c.nodes, func(ctx context.Context, i int, node NodeClient) {
		j := 0
		if deleted != "" {
			err := c.fan.call(ctx, func(ctx context.Context) error { return node.DeleteRecord(ctx, deleted) })
			statuses[j][i] = newNodeStatus(node.ID(), "delete", err)
			j++
		}
		for _, rec := range perNode[i] {
			err := c.fan.call(ctx, func(ctx context.Context) error { return node.PutRecord(ctx, rec) })
			statuses[j][i] = newNodeStatus(node.ID(), "put", err)
			j++
		}
	})

	for j, id := range ids {
		report.Records = append(report.Records, RecordStatus{ID: id, Nodes: statuses[j]})
	}
	report.Records = append(report.Records, splitErrs...)
	return report
}

func (c *Coordinator) split(tx ledger.Transaction) ([]uint64, error) {
	units, err := share.ToMinorUnits(tx.Amount)
	if err != nil {
		return nil, err
	}
	return c.codec.Split(units, len(c.nodes))
}

func (c *Coordinator) logWrite(op string, report *WriteReport) {
	failed := 0
	for _, r := range report.Records {
		if !r.Stored() {
			failed++
		}
	}
	level := zerolog.InfoLevel
	if failed > 0 {
		level = zerolog.WarnLevel
	}
	c.log.WithLevel(level).
		Str("op", op).
		Str("transaction_id", report.TransactionID).
		Int("records", len(report.Records)).
		Int("incomplete", failed).
		Msg("write fanned out")
}

// ReadAll collects every node's records and reconstructs amounts where all
// N shares of one epoch are present. It fails only when no node answered.
func (c *Coordinator) ReadAll(ctx context.Context) (*ReadReport, error) {
	n := len(c.nodes)
	results := make([][]ledger.ShareRecord, n)
	statuses := make([]NodeStatus, n)
	c.fan.each(ctx, c.nodes, func(ctx context.Context, i int, node NodeClient) {
		err := c.fan.call(ctx, func(ctx context.Context) error {
			recs, err := node.GetRecords(ctx)
			results[i] = recs
			return err
		})
		statuses[i] = newNodeStatus(node.ID(), "get_records", err)
	})

	report := &ReadReport{Nodes: statuses}
	responders := 0
	for _, st := range statuses {
		if st.OK {
			responders++
		}
	}
	if responders == 0 {
		return report, fmt.Errorf("%w: no node answered: %w", ledger.ErrInsufficientReplicas, joinStatusErrors(statuses))
	}

	// Per record id, the share held by each node (roster order).
	type gathered struct {
		recs  []*ledger.ShareRecord
		first *ledger.ShareRecord
	}
	byID := make(map[string]*gathered)
	for i := range results {
		for k := range results[i] {
			rec := &results[i][k]
			g, ok := byID[rec.ID]
			if !ok {
				g = &gathered{recs: make([]*ledger.ShareRecord, n), first: rec}
				byID[rec.ID] = g
			}
			g.recs[i] = rec
		}
	}

	for id, g := range byID {
		res := ReadResult{Transaction: g.first.Transaction(share.FromMinorUnits(0))}
		shares := make([]uint64, 0, n)
		epoch := g.first.Epoch
		for _, rec := range g.recs {
			if rec != nil {
				res.Shares++
				if rec.Epoch == epoch {
					shares = append(shares, rec.Share)
				}
			}
		}

		if len(shares) < n {
			res.Err = fmt.Errorf("%w: record %s has %d of %d matching shares", ledger.ErrInsufficientReplicas, id, len(shares), n)
		} else if units, err := c.codec.Reconstruct(shares, n); err != nil {
			res.Err = fmt.Errorf("record %s: %w", id, err)
		} else {
			res.Transaction.Amount = share.FromMinorUnits(units)
		}
		if res.Err != nil {
			res.Error = res.Err.Error()
		}
		report.Records = append(report.Records, res)
	}

	slices.SortFunc(report.Records, func(a, b ReadResult) int {
		return chain.Compare(a.Transaction, b.Transaction)
	})
	c.log.Debug().Int("records", len(report.Records)).Int("responders", responders).Msg("read all")
	return report, nil
}

// Load rebuilds the in-memory chain from the nodes, keeping the stored
// hashes. Records that cannot be reconstructed are skipped and reported.
func (c *Coordinator) Load(ctx context.Context) (*ReadReport, error) {
	report, err := c.ReadAll(ctx)
	if err != nil {
		return report, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.chain.Load(report.Transactions()); err != nil {
		return report, err
	}
	c.log.Info().Int("loaded", c.chain.Len()).Int("skipped", len(report.Records)-c.chain.Len()).Msg("chain loaded from nodes")
	return report, nil
}

// Transactions returns a snapshot of the chain in order.
func (c *Coordinator) Transactions() []ledger.Transaction {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.chain.List()
}

// Get returns one transaction from the chain.
func (c *Coordinator) Get(id string) (ledger.Transaction, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tx, ok := c.chain.Get(id)
	if !ok {
		return ledger.Transaction{}, fmt.Errorf("%w: %s", ledger.ErrNotFound, id)
	}
	return tx, nil
}

// Head returns the hash of the last transaction in the chain.
func (c *Coordinator) Head() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.chain.Head()
}

// VerifyChain verifies the in-memory chain.
func (c *Coordinator) VerifyChain() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.chain.Verify()
}

// VerifyStored verifies the chain as stored on the nodes. Every record must
// be reconstructable; a broken link is reported, never repaired.
func (c *Coordinator) VerifyStored(ctx context.Context) error {
	report, err := c.ReadAll(ctx)
	if err != nil {
		return err
	}
	if err := report.Err(); err != nil {
		return err
	}
	return chain.Verify(report.Transactions())
}
