package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/veil/internal/ledger"
)

func TestNewRejectsBadRoster(t *testing.T) {
	_, err := New(testConfig(), nil, quietLog())
	assert.Error(t, err)

	a := newFakeNode("node-1")
	_, err = New(testConfig(), []NodeClient{a, newFakeNode("node-1")}, quietLog())
	assert.Error(t, err)
}

func TestAppendAndReadAll(t *testing.T) {
	c := newCluster(t, 3)
	ctx := context.Background()
	c.appendAll(t,
		tx("t3", 3, "20.00"),
		tx("t1", 1, "2.50"),
		tx("t4", 4, "3.50"),
		tx("t2", 2, "15.00"),
	)

	report, err := c.coord.ReadAll(ctx)
	require.NoError(t, err)
	require.NoError(t, report.Err())
	require.Len(t, report.Records, 4)

	want := map[string]string{"t1": "2.5", "t2": "15", "t3": "20", "t4": "3.5"}
	for i, rec := range report.Records {
		assert.Equal(t, []string{"t1", "t2", "t3", "t4"}[i], rec.Transaction.ID)
		assert.Equal(t, want[rec.Transaction.ID], rec.Transaction.Amount.String())
		assert.Equal(t, 3, rec.Shares)
	}
	for _, st := range report.Nodes {
		assert.True(t, st.OK)
	}

	// Stored links match the coordinator's chain.
	local := c.coord.Transactions()
	for i, got := range report.Transactions() {
		assert.Equal(t, local[i].Hash, got.Hash)
		assert.Equal(t, local[i].PreviousHash, got.PreviousHash)
	}
	assert.Equal(t, local[3].Hash, c.coord.Head())
	assert.NoError(t, c.coord.VerifyStored(ctx))
}

func TestNodesHoldSharesOnly(t *testing.T) {
	c := newCluster(t, 3)
	ctx := context.Background()
	c.appendAll(t, tx("t1", 1, "12.34"))

	var sum uint64
	epoch := ""
	for _, f := range c.fakes {
		recs, err := f.vault.Records(ctx)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		if epoch == "" {
			epoch = recs[0].Epoch
		}
		assert.Equal(t, epoch, recs[0].Epoch)
		assert.Equal(t, "Partner t1", recs[0].Partner)
		sum = c.coord.Codec().Add(sum, recs[0].Share)
	}
	assert.Equal(t, uint64(1234), sum)
}

func TestAppendErrors(t *testing.T) {
	c := newCluster(t, 3)
	ctx := context.Background()
	c.appendAll(t, tx("t1", 1, "1.00"))

	_, err := c.coord.Append(ctx, tx("t1", 2, "2.00"))
	assert.ErrorIs(t, err, ledger.ErrDuplicate)

	bad := tx("t2", 2, "1.005")
	_, err = c.coord.Append(ctx, bad)
	assert.ErrorIs(t, err, ledger.ErrValidation)

	negative := tx("t4", 4, "-5.00")
	_, err = c.coord.Append(ctx, negative)
	assert.ErrorIs(t, err, ledger.ErrShareSplit)
	assert.ErrorIs(t, err, ledger.ErrValidation)

	huge := tx("t3", 3, "42949673.11")
	_, err = c.coord.Append(ctx, huge)
	assert.ErrorIs(t, err, ledger.ErrShareSplit)

	// Only t1 ever reached the nodes.
	for _, f := range c.fakes {
		st, err := f.vault.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), st.Ops.Puts)
	}
	assert.Len(t, c.coord.Transactions(), 1)
}

func TestNodeFailureOnAppend(t *testing.T) {
	c := newCluster(t, 3)
	ctx := context.Background()
	c.appendAll(t, tx("t1", 1, "10.00"), tx("t2", 2, "20.00"))

	c.fakes[1].setFail("put", ledger.ErrNodeUnavailable)
	report, err := c.coord.Append(ctx, tx("t3", 3, "30.00"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrNodeUnavailable)

	var nodeErr *ledger.NodeError
	require.True(t, errors.As(err, &nodeErr))
	assert.Equal(t, "node-2", nodeErr.NodeID)
	assert.Equal(t, "put", nodeErr.Op)

	require.Len(t, report.Records, 1)
	assert.False(t, report.Records[0].Stored())
	assert.True(t, report.Records[0].Nodes[0].OK)
	assert.False(t, report.Records[0].Nodes[1].OK)

	// The chain keeps the transaction; only its amount is unrecoverable.
	assert.Len(t, c.coord.Transactions(), 3)
	c.fakes[1].setFail("put", nil)

	read, err := c.coord.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, read.Records, 3)
	assert.NoError(t, read.Records[0].Err)
	assert.NoError(t, read.Records[1].Err)
	assert.ErrorIs(t, read.Records[2].Err, ledger.ErrInsufficientReplicas)
	assert.Equal(t, 2, read.Records[2].Shares)
	assert.Equal(t, "Partner t3", read.Records[2].Transaction.Partner)
	assert.Len(t, read.Transactions(), 2)

	assert.ErrorIs(t, c.coord.VerifyStored(ctx), ledger.ErrInsufficientReplicas)
}

func TestNodeTimeoutIsPerCall(t *testing.T) {
	cfg := testConfig()
	cfg.NodeTimeout = 50 * time.Millisecond
	c := newClusterWithConfig(t, 3, cfg)
	c.fakes[2].setBlock("put")

	start := time.Now()
	report, err := c.coord.Append(context.Background(), tx("t1", 1, "1.00"))
	assert.ErrorIs(t, err, ledger.ErrNodeUnavailable)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, report.Records[0].Nodes[0].OK)
	assert.True(t, report.Records[0].Nodes[1].OK)
	assert.False(t, report.Records[0].Nodes[2].OK)
}

func TestUpdateRestoresSuffix(t *testing.T) {
	c := newCluster(t, 3)
	ctx := context.Background()
	c.appendAll(t, tx("t1", 1, "1.00"), tx("t2", 2, "2.00"), tx("t3", 3, "3.00"))

	changed := tx("t1", 1, "1.50")
	changed.Description = "corrected"
	report, err := c.coord.Update(ctx, changed)
	require.NoError(t, err)
	ids := make([]string, 0, len(report.Records))
	for _, r := range report.Records {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"t1", "t2", "t3"}, ids)

	got, err := c.coord.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, "corrected", got.Description)

	read, err := c.coord.ReadAll(ctx)
	require.NoError(t, err)
	require.NoError(t, read.Err())
	assert.True(t, decimal.RequireFromString("1.50").Equal(read.Records[0].Transaction.Amount))
	assert.NoError(t, c.coord.VerifyStored(ctx))

	_, err = c.coord.Update(ctx, tx("nope", 1, "1.00"))
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestUpdateOfLastTouchesOneRecord(t *testing.T) {
	c := newCluster(t, 3)
	c.appendAll(t, tx("t1", 1, "1.00"), tx("t2", 2, "2.00"), tx("t3", 3, "3.00"))

	report, err := c.coord.Update(context.Background(), tx("t3", 3, "4.00"))
	require.NoError(t, err)
	require.Len(t, report.Records, 1)
	assert.Equal(t, "t3", report.Records[0].ID)
}

func TestDeleteRelinksNodes(t *testing.T) {
	c := newCluster(t, 3)
	ctx := context.Background()
	c.appendAll(t, tx("t1", 1, "1.00"), tx("t2", 2, "2.00"), tx("t3", 3, "3.00"))

	report, err := c.coord.Delete(ctx, "t2")
	require.NoError(t, err)
	require.Len(t, report.Records, 2)
	assert.Equal(t, "t2", report.Records[0].ID)
	assert.Equal(t, "delete", report.Records[0].Nodes[0].Op)
	assert.Equal(t, "t3", report.Records[1].ID)

	read, err := c.coord.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, read.Records, 2)
	assert.Equal(t, read.Records[0].Transaction.Hash, read.Records[1].Transaction.PreviousHash)
	assert.NoError(t, c.coord.VerifyStored(ctx))

	_, err = c.coord.Delete(ctx, "t2")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = c.coord.Get("t2")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestLoadRebuildsChain(t *testing.T) {
	c := newCluster(t, 3)
	ctx := context.Background()
	c.appendAll(t, tx("t1", 1, "1.00"), tx("t2", 2, "2.00"), tx("t3", 3, "3.00"))

	fresh, err := New(testConfig(), c.coord.Nodes(), quietLog())
	require.NoError(t, err)
	report, err := fresh.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, report.Records, 3)

	assert.Equal(t, c.coord.Head(), fresh.Head())
	assert.NoError(t, fresh.VerifyChain())
	got := fresh.Transactions()
	require.Len(t, got, 3)
	assert.True(t, decimal.RequireFromString("2.00").Equal(got[1].Amount))

	// Appends after a load continue the stored chain.
	_, err = fresh.Append(ctx, tx("t4", 4, "4.00"))
	require.NoError(t, err)
	assert.NoError(t, fresh.VerifyStored(ctx))
}

func TestVerifyStoredDetectsTampering(t *testing.T) {
	c := newCluster(t, 3)
	ctx := context.Background()
	c.appendAll(t, tx("t1", 1, "1.00"), tx("t2", 2, "2.00"), tx("t3", 3, "3.00"))
	require.NoError(t, c.coord.VerifyStored(ctx))

	// Rewrite a plaintext field on every node without relinking.
	for _, f := range c.fakes {
		recs, err := f.vault.Records(ctx)
		require.NoError(t, err)
		rec := recs[1]
		rec.Partner = "Mallory"
		require.NoError(t, f.vault.Put(ctx, rec))
	}

	err := c.coord.VerifyStored(ctx)
	require.ErrorIs(t, err, ledger.ErrChainBroken)
	assert.Contains(t, err.Error(), "t2")
	// The coordinator's own copy is untouched.
	assert.NoError(t, c.coord.VerifyChain())
}

func TestReadAllWithoutNodes(t *testing.T) {
	c := newCluster(t, 2)
	for _, f := range c.fakes {
		f.setFail("get", ledger.ErrNodeUnavailable)
	}
	report, err := c.coord.ReadAll(context.Background())
	assert.ErrorIs(t, err, ledger.ErrInsufficientReplicas)
	assert.ErrorIs(t, err, ledger.ErrNodeUnavailable)
	require.Len(t, report.Nodes, 2)
	assert.False(t, report.Nodes[0].OK)
	assert.NotEmpty(t, report.Nodes[0].Error)
}

func TestReadAllWithOneNodeDown(t *testing.T) {
	c := newCluster(t, 3)
	c.appendAll(t, tx("t1", 1, "1.00"))
	c.fakes[0].setFail("get", ledger.ErrNodeUnavailable)

	report, err := c.coord.ReadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Records, 1)
	assert.ErrorIs(t, report.Records[0].Err, ledger.ErrInsufficientReplicas)
	assert.Equal(t, "Partner t1", report.Records[0].Transaction.Partner)
	assert.False(t, report.Nodes[0].OK)
}
