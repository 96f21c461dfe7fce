package coordinator

import (
	"context"

	"github.com/dreamware/veil/internal/ledger"
	"github.com/dreamware/veil/internal/query"
)

// NodeClient is the coordinator's view of one storage node.
// *cluster.Client implements it over HTTP.
type NodeClient interface {
	ID() string
	PutRecord(ctx context.Context, rec ledger.ShareRecord) error
	DeleteRecord(ctx context.Context, id string) error
	GetRecords(ctx context.Context) ([]ledger.ShareRecord, error)
	DefineQuery(ctx context.Context, def query.Definition) error
	ExecuteQuery(ctx context.Context, id string, vars query.Bindings) (query.Partial, error)
	DropQuery(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}
