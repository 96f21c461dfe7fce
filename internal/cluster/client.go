package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dreamware/veil/internal/auth"
	"github.com/dreamware/veil/internal/ledger"
	"github.com/dreamware/veil/internal/query"
)

// NodeInfo identifies one storage node of the static roster.
type NodeInfo struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// TokenSource mints a bearer token for one node. *auth.Issuer implements it.
type TokenSource interface {
	Mint(nodeID string) (string, error)
}

// StatusError is a non-2xx answer that does not mean the node is down,
// such as a 400 for a rejected definition.
type StatusError struct {
	Message string
	Code    int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Message)
}

var defaultHTTPClient = &http.Client{Timeout: 5 * time.Second}

// Client speaks the node protocol to a single node. A fresh token is minted
// for every request.
type Client struct {
	tokens TokenSource
	http   *http.Client
	node   NodeInfo
}

// NewClient builds a client for node. A nil httpClient uses a shared client
// with a 5s timeout.
func NewClient(info NodeInfo, tokens TokenSource, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = defaultHTTPClient
	}
	info.Addr = strings.TrimRight(info.Addr, "/")
	return &Client{node: info, tokens: tokens, http: httpClient}
}

// ID returns the node ID.
func (c *Client) ID() string {
	return c.node.ID
}

// PutRecord stores or replaces one share record.
func (c *Client) PutRecord(ctx context.Context, rec ledger.ShareRecord) error {
	return c.do(ctx, http.MethodPut, "/records/"+url.PathEscape(rec.ID), rec, nil, true)
}

// DeleteRecord removes one share record.
func (c *Client) DeleteRecord(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/records/"+url.PathEscape(id), nil, nil, true)
}

// GetRecords lists every record the node holds.
func (c *Client) GetRecords(ctx context.Context) ([]ledger.ShareRecord, error) {
	var out query.RecordsResponse
	if err := c.do(ctx, http.MethodGet, "/records", nil, &out, true); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// DefineQuery deploys a pipeline definition.
func (c *Client) DefineQuery(ctx context.Context, def query.Definition) error {
	return c.do(ctx, http.MethodPost, "/queries", def, nil, true)
}

// ExecuteQuery runs a deployed pipeline and returns the node's partial.
func (c *Client) ExecuteQuery(ctx context.Context, id string, vars query.Bindings) (query.Partial, error) {
	var out query.Partial
	err := c.do(ctx, http.MethodPost, "/queries/"+url.PathEscape(id)+"/execute", query.ExecuteRequest{Variables: vars}, &out, true)
	return out, err
}

// DropQuery removes a deployed pipeline.
func (c *Client) DropQuery(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/queries/"+url.PathEscape(id), nil, nil, true)
}

// Ping checks the node's unauthenticated health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, false)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, authenticated bool) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.node.Addr+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authenticated {
		token, err := c.tokens.Mint(c.node.ID)
		if err != nil {
			return err
		}
		auth.SetBearer(req, token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrNodeUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &body) != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
	}
	serr := &StatusError{Code: resp.StatusCode, Message: body.Error}

	switch {
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode >= 500:
		return errors.Join(ledger.ErrNodeUnavailable, serr)
	}
	return serr
}
