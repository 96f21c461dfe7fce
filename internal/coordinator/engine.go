package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dreamware/veil/internal/config"
	"github.com/dreamware/veil/internal/ledger"
	"github.com/dreamware/veil/internal/query"
	"github.com/dreamware/veil/internal/share"
)

// ErrIncompleteAggregate is returned when not every node contributed a
// partial, so no total can be reconstructed.
var ErrIncompleteAggregate = errors.New("incomplete aggregate")

// RunState is the state of one aggregation run.
type RunState string

const (
	StateDefined  RunState = "defined"
	StateDeployed RunState = "deployed"
	StateExecuted RunState = "executed"
	StateCombined RunState = "combined"
	StateFailed   RunState = "failed"
)

// NodePartial is one node's contribution to a run.
type NodePartial struct {
	NodeStatus
	Fingerprint string `json:"fingerprint,omitempty"`
	Count       int64  `json:"count"`
}

// AggregateResult is the outcome of one run. Total is only meaningful when
// Complete is true.
type AggregateResult struct {
	Total    decimal.Decimal `json:"total"`
	QueryID  string          `json:"query_id"`
	State    RunState        `json:"state"`
	Nodes    []NodePartial   `json:"nodes"`
	Count    int64           `json:"count"`
	Complete bool            `json:"complete"`
}

// Engine runs distributed sum/count aggregations over the nodes' shares.
type Engine struct {
	nodes []NodeClient
	codec *share.Codec
	log   zerolog.Logger
	fan   fanout
}

// NewEngine builds an engine over the same roster as the coordinator.
func NewEngine(cfg *config.Config, nodes []NodeClient, log zerolog.Logger) (*Engine, error) {
	if err := checkRoster(nodes); err != nil {
		return nil, err
	}
	return &Engine{
		nodes: nodes,
		codec: share.NewCodec(cfg.Modulus),
		log:   log.With().Str("component", "engine").Logger(),
		fan:   newFanout(cfg),
	}, nil
}

// Sum returns the exact total and count of the transactions matching f.
//
// The run moves Defined → Deployed → Executed → Combined. A node that fails
// to deploy is excluded from execution. The result is returned in every
// case; the error is ledger.ErrIntegrityFault when responders disagree on
// the count or on the record splits they summed, and ErrIncompleteAggregate
// when any node is missing.
func (e *Engine) Sum(ctx context.Context, f query.Filter) (*AggregateResult, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("query id: %w", err)
	}
	def, vars := query.SumDefinition(id.String(), f, e.codec.Modulus())
	if err := def.Validate(); err != nil {
		return nil, err
	}

	res := &AggregateResult{QueryID: def.ID, State: StateDefined, Nodes: make([]NodePartial, len(e.nodes))}
	log := e.log.With().Str("query_id", def.ID).Logger()

	deploy := e.fan.phase(ctx, e.nodes, "define_query", func(ctx context.Context, n NodeClient) error {
		return n.DefineQuery(ctx, def)
	})
	var deployed []NodeClient
	for i, st := range deploy {
		res.Nodes[i].NodeStatus = st
		if st.OK {
			deployed = append(deployed, e.nodes[i])
		}
	}
	res.State = StateDeployed
	defer e.drop(ctx, log, def.ID, deployed)

	partials := make(map[string]query.Partial, len(deployed))
	execute := make([]NodeStatus, len(deployed))
	results := make([]query.Partial, len(deployed))
	e.fan.each(ctx, deployed, func(ctx context.Context, i int, n NodeClient) {
		err := e.fan.call(ctx, func(ctx context.Context) error {
			p, err := n.ExecuteQuery(ctx, def.ID, vars)
			results[i] = p
			return err
		})
		execute[i] = newNodeStatus(n.ID(), "execute_query", err)
	})
	for i, st := range execute {
		if st.OK {
			partials[st.NodeID] = results[i]
		}
		for k := range res.Nodes {
			if res.Nodes[k].NodeID == st.NodeID {
				res.Nodes[k].NodeStatus = st
				res.Nodes[k].Count = results[i].Count
				res.Nodes[k].Fingerprint = results[i].Fingerprint
			}
		}
	}
	res.State = StateExecuted

	if err := e.combine(res, partials); err != nil {
		res.State = StateFailed
		log.Warn().Err(err).Int("responders", len(partials)).Msg("aggregation failed")
		return res, err
	}
	res.State = StateCombined
	log.Info().Int64("count", res.Count).Msg("aggregation combined")
	return res, nil
}

// combine checks that the responders agree on the count and on the splits
// they summed, and reconstructs the total when all N partials are present.
func (e *Engine) combine(res *AggregateResult, partials map[string]query.Partial) error {
	var ref query.Partial
	var refNode string
	for _, n := range e.nodes {
		p, ok := partials[n.ID()]
		if !ok {
			continue
		}
		if refNode == "" {
			ref, refNode = p, n.ID()
			continue
		}
		if p.Count != ref.Count {
			return fmt.Errorf("%w: node %s counted %d records, node %s counted %d",
				ledger.ErrIntegrityFault, n.ID(), p.Count, refNode, ref.Count)
		}
		if p.Fingerprint != ref.Fingerprint {
			return fmt.Errorf("%w: node %s summed different record splits than node %s",
				ledger.ErrIntegrityFault, n.ID(), refNode)
		}
	}
	count := ref.Count

	if len(partials) < len(e.nodes) {
		var errs []error
		for _, n := range res.Nodes {
			if n.Err != nil {
				errs = append(errs, n.Err)
			}
		}
		return fmt.Errorf("%w: %d of %d nodes answered: %w", ErrIncompleteAggregate, len(partials), len(e.nodes), errors.Join(errs...))
	}

	shares := make([]uint64, 0, len(e.nodes))
	for _, n := range e.nodes {
		shares = append(shares, partials[n.ID()].SumShare%e.codec.Modulus())
	}
	units, err := e.codec.Reconstruct(shares, len(e.nodes))
	if err != nil {
		return err
	}
	res.Total = share.FromMinorUnits(units)
	res.Count = count
	res.Complete = true
	return nil
}

// drop removes the definition from every node it was deployed to. Failures
// are logged only.
func (e *Engine) drop(ctx context.Context, log zerolog.Logger, id string, deployed []NodeClient) {
	if len(deployed) == 0 {
		return
	}
	statuses := e.fan.phase(context.WithoutCancel(ctx), deployed, "drop_query", func(ctx context.Context, n NodeClient) error {
		return n.DropQuery(ctx, id)
	})
	for _, st := range statuses {
		if !st.OK {
			log.Warn().Str("node", st.NodeID).Str("error", st.Error).Msg("drop query failed")
		}
	}
}

// Metrics are the reporting figures of non-draft transactions.
type Metrics struct {
	Currency     ledger.Currency `json:"currency,omitempty"`
	Income       decimal.Decimal `json:"income"`
	Expenses     decimal.Decimal `json:"expenses"`
	CashFlow     decimal.Decimal `json:"cash_flow"`
	ProfitMargin decimal.Decimal `json:"profit_margin"`
	NetWorth     decimal.Decimal `json:"net_worth"`
	AverageValue decimal.Decimal `json:"average_value"`
	Count        int64           `json:"count"`
}

// Metrics derives income, expenses, cash flow, profit margin (percent),
// net worth and average transaction value from distributed sums. An empty
// currency covers both currencies. Any incomplete sum fails the call.
func (e *Engine) Metrics(ctx context.Context, currency ledger.Currency) (*Metrics, error) {
	draft := false
	base := query.Filter{Draft: &draft, Currency: currency}
	with := func(mut func(*query.Filter)) query.Filter {
		f := base
		mut(&f)
		return f
	}

	type sum struct {
		out    *decimal.Decimal
		count  *int64
		filter query.Filter
	}
	m := &Metrics{Currency: currency}
	var all, assetsDebit, assetsCredit, liabDebit, liabCredit decimal.Decimal
	sums := []sum{
		{&m.Income, nil, with(func(f *query.Filter) { f.CreditAccount = ledger.AccountIncome })},
		{&m.Expenses, nil, with(func(f *query.Filter) { f.DebitAccount = ledger.AccountExpenses })},
		{&all, &m.Count, base},
		{&assetsDebit, nil, with(func(f *query.Filter) { f.DebitAccount = ledger.AccountAssets })},
		{&assetsCredit, nil, with(func(f *query.Filter) { f.CreditAccount = ledger.AccountAssets })},
		{&liabDebit, nil, with(func(f *query.Filter) { f.DebitAccount = ledger.AccountLiabilities })},
		{&liabCredit, nil, with(func(f *query.Filter) { f.CreditAccount = ledger.AccountLiabilities })},
	}

	for _, s := range sums {
		res, err := e.Sum(ctx, s.filter)
		if err != nil {
			return nil, err
		}
		*s.out = res.Total
		if s.count != nil {
			*s.count = res.Count
		}
	}

	m.CashFlow = m.Income.Sub(m.Expenses)
	m.ProfitMargin = decimal.Zero
	if m.Income.IsPositive() {
		m.ProfitMargin = m.CashFlow.Div(m.Income).Mul(decimal.NewFromInt(100)).Round(2)
	}
	m.NetWorth = assetsDebit.Sub(assetsCredit).Sub(liabDebit.Sub(liabCredit))
	m.AverageValue = decimal.Zero
	if m.Count > 0 {
		m.AverageValue = all.Div(decimal.NewFromInt(m.Count)).Round(2)
	}
	return m, nil
}
