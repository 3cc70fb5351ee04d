package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/heliosevm/helios/internal/types"
)

// Default configuration values for the live RPC backend.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultCacheSize      = 4096

	// maxBatchKeys is the host RPC limit for getMultipleAccounts.
	maxBatchKeys = 100
)

// RPCError represents a JSON-RPC error response.
type RPCError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// ClientConfig holds configuration for the live RPC backend.
type ClientConfig struct {
	// Endpoint is the JSON-RPC endpoint URL.
	Endpoint string

	// Commitment is the commitment level for state queries.
	// Should be "confirmed" or "finalized".
	Commitment string

	// RequestTimeout is the timeout for individual RPC requests.
	RequestTimeout time.Duration

	// CacheSize bounds the account snapshot cache. Snapshots are pinned to
	// the slot observed at construction, so caching is safe for the lifetime
	// of one Client.
	CacheSize int
}

// WithDefaults applies default values for any unset fields.
func (c ClientConfig) WithDefaults() ClientConfig {
	if c.Commitment == "" {
		c.Commitment = "confirmed"
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.CacheSize == 0 {
		c.CacheSize = DefaultCacheSize
	}
	return c
}

// Client is the live-node Ledger backend. It speaks JSON-RPC 2.0 over HTTP
// and caches fetched snapshots in a bounded LRU so repeated emulation passes
// over the same state do not refetch.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	cache      *lru.Cache[types.Pubkey, *Account]
	ctx        context.Context
}

// NewClient creates a live RPC backend for the given endpoint.
func NewClient(ctx context.Context, config ClientConfig) (*Client, error) {
	config = config.WithDefaults()
	if config.Endpoint == "" {
		return nil, fmt.Errorf("ledger: endpoint is required")
	}
	cache, err := lru.New[types.Pubkey, *Account](config.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.RequestTimeout},
		cache:      cache,
		ctx:        ctx,
	}, nil
}

// rpcRequest represents a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// rpcResponse represents a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcErrorBody   `json:"error,omitempty"`
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// accountInfo is the RPC wire form of an account.
type accountInfo struct {
	Lamports   uint64   `json:"lamports"`
	Data       []string `json:"data"` // [base64 payload, "base64"]
	Owner      string   `json:"owner"`
	Executable bool     `json:"executable"`
	RentEpoch  uint64   `json:"rentEpoch"`
}

type valueEnvelope struct {
	Value json.RawMessage `json:"value"`
}

func (c *Client) call(method string, params []interface{}, result interface{}) error {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(c.ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http status %d: %s", resp.StatusCode, respBody)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return &RPCError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return nil
}

func decodeAccountInfo(raw json.RawMessage) (*Account, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var info accountInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("unmarshal account: %w", err)
	}
	var data []byte
	if len(info.Data) > 0 && info.Data[0] != "" {
		decoded, err := base64.StdEncoding.DecodeString(info.Data[0])
		if err != nil {
			return nil, fmt.Errorf("decode account data: %w", err)
		}
		data = decoded
	}
	owner, err := types.PubkeyFromBase58(info.Owner)
	if err != nil {
		return nil, fmt.Errorf("decode owner: %w", err)
	}
	return &Account{
		Lamports:   info.Lamports,
		Data:       data,
		Owner:      owner,
		Executable: info.Executable,
		RentEpoch:  info.RentEpoch,
	}, nil
}

// GetAccount retrieves one account, consulting the snapshot cache first.
func (c *Client) GetAccount(key types.Pubkey) (*Account, error) {
	if cached, ok := c.cache.Get(key); ok {
		return cached.Clone(), nil
	}
	params := []interface{}{
		key.String(),
		map[string]string{"encoding": "base64", "commitment": c.config.Commitment},
	}
	var env valueEnvelope
	if err := c.call("getAccountInfo", params, &env); err != nil {
		return nil, fmt.Errorf("getAccountInfo %s: %w", key, err)
	}
	account, err := decodeAccountInfo(env.Value)
	if err != nil {
		return nil, err
	}
	if account != nil {
		c.cache.Add(key, account.Clone())
	}
	return account, nil
}

// GetMultipleAccounts retrieves a batch of accounts in request order. Cached
// snapshots are served locally; only misses go to the node, chunked to the
// host RPC batch limit, and the fetched results are spliced back into their
// original positions.
func (c *Client) GetMultipleAccounts(keys []types.Pubkey) ([]*Account, error) {
	out := make([]*Account, len(keys))
	var missing []types.Pubkey
	var missingAt []int
	for i, key := range keys {
		if cached, ok := c.cache.Get(key); ok {
			out[i] = cached.Clone()
			continue
		}
		missing = append(missing, key)
		missingAt = append(missingAt, i)
	}

	for start := 0; start < len(missing); start += maxBatchKeys {
		end := start + maxBatchKeys
		if end > len(missing) {
			end = len(missing)
		}
		fetched := make([]*Account, end-start)
		if err := c.getBatch(missing[start:end], fetched); err != nil {
			return nil, err
		}
		for j, account := range fetched {
			out[missingAt[start+j]] = account
		}
	}
	return out, nil
}

func (c *Client) getBatch(keys []types.Pubkey, out []*Account) error {
	encoded := make([]string, len(keys))
	for i, key := range keys {
		encoded[i] = key.String()
	}
	params := []interface{}{
		encoded,
		map[string]string{"encoding": "base64", "commitment": c.config.Commitment},
	}
	var env struct {
		Value []json.RawMessage `json:"value"`
	}
	if err := c.call("getMultipleAccounts", params, &env); err != nil {
		return fmt.Errorf("getMultipleAccounts: %w", err)
	}
	if len(env.Value) != len(keys) {
		return fmt.Errorf("getMultipleAccounts: got %d results for %d keys", len(env.Value), len(keys))
	}
	for i, raw := range env.Value {
		account, err := decodeAccountInfo(raw)
		if err != nil {
			return err
		}
		if account != nil {
			c.cache.Add(keys[i], account.Clone())
		}
		out[i] = account
	}
	return nil
}

// GetSlot returns the node's current slot at the configured commitment.
func (c *Client) GetSlot() (uint64, error) {
	params := []interface{}{
		map[string]string{"commitment": c.config.Commitment},
	}
	var slot uint64
	if err := c.call("getSlot", params, &slot); err != nil {
		return 0, fmt.Errorf("getSlot: %w", err)
	}
	return slot, nil
}

// GetBlockTime returns the unix timestamp of the given slot.
func (c *Client) GetBlockTime(slot uint64) (int64, error) {
	var ts *int64
	if err := c.call("getBlockTime", []interface{}{slot}, &ts); err != nil {
		return 0, fmt.Errorf("getBlockTime(%d): %w", slot, err)
	}
	if ts == nil {
		return 0, ErrSlotNotFound
	}
	return *ts, nil
}
