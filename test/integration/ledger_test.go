// Package integration runs the coordinator and node binaries as separate
// processes and drives the ledger through the coordinator API.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	coordPort = 18080
	numNodes  = 3
)

// TestSystem is one coordinator and its nodes running as processes.
type TestSystem struct {
	t          *testing.T
	coord      *exec.Cmd
	nodes      []*exec.Cmd
	binDir     string
	configPath string
	coordAddr  string
	httpClient *http.Client
}

func binDir() string {
	if dir := os.Getenv("VEIL_BIN_DIR"); dir != "" {
		return dir
	}
	return filepath.Join("..", "..", "bin")
}

// NewTestSystem writes the coordinator config for a three node roster.
func NewTestSystem(t *testing.T) *TestSystem {
	ts := &TestSystem{
		t:          t,
		binDir:     binDir(),
		coordAddr:  fmt.Sprintf("http://127.0.0.1:%d", coordPort),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}

	cfg := fmt.Sprintf("listen: \":%d\"\nlog_level: warn\nnode_timeout: 1s\nhealth_interval: 500ms\nnodes:\n", coordPort)
	for i := 1; i <= numNodes; i++ {
		cfg += fmt.Sprintf("  - id: node-%d\n    addr: %s\n    secret: secret-%d\n", i, ts.nodeAddr(i), i)
	}
	ts.configPath = filepath.Join(t.TempDir(), "coordinator.yaml")
	require.NoError(t, os.WriteFile(ts.configPath, []byte(cfg), 0o600))
	return ts
}

func (ts *TestSystem) nodeAddr(i int) string {
	return fmt.Sprintf("http://127.0.0.1:%d", coordPort+i)
}

// Start launches the nodes, then the coordinator.
func (ts *TestSystem) Start() error {
	for i := 1; i <= numNodes; i++ {
		node := exec.Command(filepath.Join(ts.binDir, "node"))
		node.Env = append(os.Environ(),
			fmt.Sprintf("VEIL_ID=node-%d", i),
			fmt.Sprintf("VEIL_SECRET=secret-%d", i),
			fmt.Sprintf("VEIL_LISTEN=:%d", coordPort+i),
			"VEIL_LOG_LEVEL=warn",
		)
		node.Stdout = os.Stdout
		node.Stderr = os.Stderr
		if err := node.Start(); err != nil {
			return fmt.Errorf("failed to start node %d: %w", i, err)
		}
		ts.nodes = append(ts.nodes, node)
		if err := ts.waitForService(ts.nodeAddr(i) + "/health"); err != nil {
			return fmt.Errorf("node %d failed to start: %w", i, err)
		}
	}
	return ts.StartCoordinator()
}

// StartCoordinator (re)starts only the coordinator process.
func (ts *TestSystem) StartCoordinator() error {
	ts.coord = exec.Command(filepath.Join(ts.binDir, "coordinator"), "-config", ts.configPath)
	ts.coord.Stdout = os.Stdout
	ts.coord.Stderr = os.Stderr
	if err := ts.coord.Start(); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	return ts.waitForService(ts.coordAddr + "/health")
}

// StopCoordinator kills the coordinator, dropping its in-memory chain.
func (ts *TestSystem) StopCoordinator() {
	if ts.coord != nil && ts.coord.Process != nil {
		_ = ts.coord.Process.Kill()
		_ = ts.coord.Wait()
	}
}

// StopNode kills node i (1-based).
func (ts *TestSystem) StopNode(i int) {
	node := ts.nodes[i-1]
	if node != nil && node.Process != nil {
		_ = node.Process.Kill()
		_ = node.Wait()
	}
	ts.nodes[i-1] = nil
}

// Stop kills every process.
func (ts *TestSystem) Stop() {
	ts.StopCoordinator()
	for i := range ts.nodes {
		if ts.nodes[i] != nil {
			ts.StopNode(i + 1)
		}
	}
}

func (ts *TestSystem) waitForService(url string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for %s", url)
		default:
			resp, err := ts.httpClient.Get(url)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return nil
				}
			}
			time.Sleep(100 * time.Millisecond)
		}
	}
}

func (ts *TestSystem) call(method, path string, body, out any) (int, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequest(method, ts.coordAddr+path, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func transaction(id string, day int, amount string) map[string]any {
	return map[string]any{
		"id":            id,
		"date":          time.Date(2023, 6, day, 12, 0, 0, 0, time.UTC).Format(time.RFC3339),
		"partner":       "Partner " + id,
		"currency":      "USD",
		"amount":        amount,
		"debitAccount":  "expenses",
		"creditAccount": "assets",
	}
}

type sumResult struct {
	Total    decimal.Decimal `json:"total"`
	Count    int64           `json:"count"`
	Complete bool            `json:"complete"`
}

func TestLedgerAcrossProcesses(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	for _, bin := range []string{"coordinator", "node"} {
		if _, err := os.Stat(filepath.Join(binDir(), bin)); os.IsNotExist(err) {
			t.Skipf("Skipping integration test: %s binary not found (build with: go build -o bin/ ./cmd/...)", bin)
		}
	}

	ts := NewTestSystem(t)
	require.NoError(t, ts.Start())
	defer ts.Stop()

	t.Run("ConcurrentAppends", func(t *testing.T) {
		var wg sync.WaitGroup
		codes := make([]int, 10)
		for i := range codes {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				code, err := ts.call(http.MethodPost, "/transactions", transaction(fmt.Sprintf("c%02d", i), i+1, "1.25"), nil)
				assert.NoError(t, err)
				codes[i] = code
			}(i)
		}
		wg.Wait()
		for i, code := range codes {
			assert.Equal(t, http.StatusCreated, code, "append %d", i)
		}

		var verify map[string]any
		code, err := ts.call(http.MethodGet, "/verify?stored=true", nil, &verify)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, true, verify["valid"])
	})

	t.Run("Sum", func(t *testing.T) {
		var res sumResult
		code, err := ts.call(http.MethodGet, "/aggregate/sum?draft=false", nil, &res)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, code)
		assert.True(t, decimal.RequireFromString("12.50").Equal(res.Total), "total %s", res.Total)
		assert.Equal(t, int64(10), res.Count)
	})

	t.Run("CoordinatorRestartLoadsChain", func(t *testing.T) {
		var before struct {
			Head string `json:"head"`
		}
		_, err := ts.call(http.MethodGet, "/transactions", nil, &before)
		require.NoError(t, err)

		ts.StopCoordinator()
		require.NoError(t, ts.StartCoordinator())

		var after struct {
			Head         string           `json:"head"`
			Transactions []map[string]any `json:"transactions"`
		}
		_, err = ts.call(http.MethodGet, "/transactions", nil, &after)
		require.NoError(t, err)
		assert.Equal(t, before.Head, after.Head)
		assert.Len(t, after.Transactions, 10)
	})

	t.Run("NodeFailure", func(t *testing.T) {
		ts.StopNode(3)

		var failed map[string]any
		code, err := ts.call(http.MethodPost, "/transactions", transaction("late", 28, "9.99"), &failed)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadGateway, code)
		assert.Contains(t, failed, "report")

		var res sumResult
		code, err = ts.call(http.MethodGet, "/aggregate/sum", nil, &struct {
			Result *sumResult `json:"result"`
		}{Result: &res})
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadGateway, code)
		assert.False(t, res.Complete)
	})
}
