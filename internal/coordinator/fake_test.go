package coordinator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/veil/internal/config"
	"github.com/dreamware/veil/internal/ledger"
	"github.com/dreamware/veil/internal/node"
	"github.com/dreamware/veil/internal/query"
	"github.com/dreamware/veil/internal/share"
	"github.com/dreamware/veil/internal/storage"
)

// fakeNode is an in-process node backed by a real Vault with injectable
// failures per operation.
type fakeNode struct {
	vault     *node.Vault
	fail      map[string]error
	block     map[string]bool
	id        string
	countBias int64
	mu        sync.Mutex
}

func newFakeNode(id string) *fakeNode {
	return &fakeNode{
		id:    id,
		vault: node.NewVault(id, storage.NewMemoryStore()),
		fail:  make(map[string]error),
		block: make(map[string]bool),
	}
}

func (f *fakeNode) setFail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, op)
		return
	}
	f.fail[op] = err
}

// setBlock makes op wait until its context is done.
func (f *fakeNode) setBlock(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block[op] = true
}

func (f *fakeNode) check(ctx context.Context, op string) error {
	f.mu.Lock()
	err, blocked := f.fail[op], f.block[op]
	f.mu.Unlock()
	if blocked {
		<-ctx.Done()
		return fmt.Errorf("%w: %v", ledger.ErrNodeUnavailable, ctx.Err())
	}
	return err
}

func (f *fakeNode) ID() string { return f.id }

func (f *fakeNode) PutRecord(ctx context.Context, rec ledger.ShareRecord) error {
	if err := f.check(ctx, "put"); err != nil {
		return err
	}
	return f.vault.Put(ctx, rec)
}

func (f *fakeNode) DeleteRecord(ctx context.Context, id string) error {
	if err := f.check(ctx, "delete"); err != nil {
		return err
	}
	return f.vault.Delete(ctx, id)
}

func (f *fakeNode) GetRecords(ctx context.Context) ([]ledger.ShareRecord, error) {
	if err := f.check(ctx, "get"); err != nil {
		return nil, err
	}
	return f.vault.Records(ctx)
}

func (f *fakeNode) DefineQuery(ctx context.Context, def query.Definition) error {
	if err := f.check(ctx, "define"); err != nil {
		return err
	}
	return f.vault.Define(def)
}

func (f *fakeNode) ExecuteQuery(ctx context.Context, id string, vars query.Bindings) (query.Partial, error) {
	if err := f.check(ctx, "execute"); err != nil {
		return query.Partial{}, err
	}
	p, err := f.vault.Execute(ctx, id, vars)
	p.Count += f.countBias
	return p, err
}

func (f *fakeNode) DropQuery(ctx context.Context, id string) error {
	if err := f.check(ctx, "drop"); err != nil {
		return err
	}
	return f.vault.Drop(id)
}

func (f *fakeNode) Ping(ctx context.Context) error {
	return f.check(ctx, "ping")
}

func testConfig() *config.Config {
	return &config.Config{
		Modulus:        share.DefaultModulus,
		NodeTimeout:    time.Second,
		MaxConcurrency: 4,
	}
}

func quietLog() zerolog.Logger {
	return zerolog.New(io.Discard)
}

type testCluster struct {
	coord *Coordinator
	eng   *Engine
	fakes []*fakeNode
}

func newCluster(t *testing.T, n int) *testCluster {
	t.Helper()
	return newClusterWithConfig(t, n, testConfig())
}

func newClusterWithConfig(t *testing.T, n int, cfg *config.Config) *testCluster {
	t.Helper()
	fakes := make([]*fakeNode, n)
	nodes := make([]NodeClient, n)
	for i := range fakes {
		fakes[i] = newFakeNode(fmt.Sprintf("node-%d", i+1))
		nodes[i] = fakes[i]
	}
	coord, err := New(cfg, nodes, quietLog())
	require.NoError(t, err)
	eng, err := NewEngine(cfg, nodes, quietLog())
	require.NoError(t, err)
	return &testCluster{coord: coord, eng: eng, fakes: fakes}
}

func tx(id string, day int, amount string) ledger.Transaction {
	return ledger.Transaction{
		ID:            id,
		Date:          time.Date(2023, 5, day, 9, 0, 0, 0, time.UTC),
		Partner:       "Partner " + id,
		Currency:      ledger.CurrencyUSD,
		Amount:        decimal.RequireFromString(amount),
		DebitAccount:  ledger.AccountExpenses,
		CreditAccount: ledger.AccountAssets,
	}
}

func (c *testCluster) appendAll(t *testing.T, txs ...ledger.Transaction) {
	t.Helper()
	for _, x := range txs {
		_, err := c.coord.Append(context.Background(), x)
		require.NoError(t, err)
	}
}
