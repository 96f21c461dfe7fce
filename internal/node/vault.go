package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/slices"

	"github.com/dreamware/veil/internal/ledger"
	"github.com/dreamware/veil/internal/query"
	"github.com/dreamware/veil/internal/storage"
)

var (
	// ErrQueryNotFound is returned when executing or dropping an unknown query.
	ErrQueryNotFound = errors.New("query not found")
	// ErrQueryExists is returned when a query id is defined twice.
	ErrQueryExists = errors.New("query already defined")
	// ErrBadRecord is returned for records that cannot be stored.
	ErrBadRecord = errors.New("bad record")
)

// OperationStats tracks operation counts
type OperationStats struct {
	Puts    uint64 `json:"puts"`
	Deletes uint64 `json:"deletes"`
	Reads   uint64 `json:"reads"`
	Queries uint64 `json:"queries"`
}

// VaultStats is returned by GET /stats.
type VaultStats struct {
	Ops     OperationStats     `json:"ops"`
	Storage storage.StoreStats `json:"storage"`
	Defined int                `json:"defined_queries"`
}

// Vault holds one node's share records and its deployed query definitions.
type Vault struct {
	store   storage.Store
	queries map[string]query.Definition
	ID      string
	ops     OperationStats
	mu      sync.RWMutex
}

// NewVault creates a vault over store.
func NewVault(id string, store storage.Store) *Vault {
	return &Vault{
		ID:      id,
		store:   store,
		queries: make(map[string]query.Definition),
	}
}

// Put stores or replaces the record under its id.
func (v *Vault) Put(ctx context.Context, rec ledger.ShareRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: id is required", ErrBadRecord)
	}
	atomic.AddUint64(&v.ops.Puts, 1)
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	return v.store.Put(ctx, rec.ID, payload)
}

// Delete removes the record; a missing record is not an error.
func (v *Vault) Delete(ctx context.Context, id string) error {
	atomic.AddUint64(&v.ops.Deletes, 1)
	return v.store.Delete(ctx, id)
}

// Records returns every stored record ordered by (date, id).
func (v *Vault) Records(ctx context.Context) ([]ledger.ShareRecord, error) {
	atomic.AddUint64(&v.ops.Reads, 1)
	snap, err := v.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ledger.ShareRecord, 0, len(snap))
	for key, payload := range snap {
		var rec ledger.ShareRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", key, err)
		}
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b ledger.ShareRecord) int {
		if c := a.Date.Compare(b.Date); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Define registers a validated query definition.
func (v *Vault) Define(def query.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.queries[def.ID]; ok {
		return fmt.Errorf("%w: %s", ErrQueryExists, def.ID)
	}
	v.queries[def.ID] = def
	return nil
}

// Execute runs a defined query over the current records.
func (v *Vault) Execute(ctx context.Context, id string, vars query.Bindings) (query.Partial, error) {
	v.mu.RLock()
	def, ok := v.queries[id]
	v.mu.RUnlock()
	if !ok {
		return query.Partial{}, fmt.Errorf("%w: %s", ErrQueryNotFound, id)
	}

	atomic.AddUint64(&v.ops.Queries, 1)
	records, err := v.Records(ctx)
	if err != nil {
		return query.Partial{}, err
	}
	return def.Run(records, vars)
}

// Drop forgets a query definition.
func (v *Vault) Drop(id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.queries[id]; !ok {
		return fmt.Errorf("%w: %s", ErrQueryNotFound, id)
	}
	delete(v.queries, id)
	return nil
}

// Stats returns current vault statistics
func (v *Vault) Stats(ctx context.Context) (VaultStats, error) {
	st, err := v.store.Stats(ctx)
	if err != nil {
		return VaultStats{}, err
	}
	v.mu.RLock()
	defined := len(v.queries)
	v.mu.RUnlock()

	return VaultStats{
		Ops: OperationStats{
			Puts:    atomic.LoadUint64(&v.ops.Puts),
			Deletes: atomic.LoadUint64(&v.ops.Deletes),
			Reads:   atomic.LoadUint64(&v.ops.Reads),
			Queries: atomic.LoadUint64(&v.ops.Queries),
		},
		Storage: st,
		Defined: defined,
	}, nil
}
