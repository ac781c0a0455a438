// Package chain talks to the chain node: JSON-RPC requests with timeout and
// failover, the blockhash prefetch cache, the wallet signer, transaction
// assembly, and the WebSocket-driven encrypted order cache.
package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"cosmossdk.io/errors"
	"cosmossdk.io/log"

	"github.com/Jerome2332/confidex-sub008/clock"
	"github.com/Jerome2332/confidex-sub008/metrics"
	"github.com/Jerome2332/confidex-sub008/retry"
	"github.com/Jerome2332/confidex-sub008/types"
)

const (
	defaultCallTimeout = 30 * time.Second
	// After this many consecutive retryable failures the primary endpoint
	// is considered down and fallbacks take over.
	primaryDownThreshold = 3
	// How long a down primary stays benched before a re-probe.
	primaryReprobeInterval = 60 * time.Second

	confirmPollInterval = 2 * time.Second
)

// RPCError is a JSON-RPC error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ClientConfig configures the RPC client.
type ClientConfig struct {
	PrimaryURL   string
	FallbackURLs []string
	CallTimeout  time.Duration
	Commitment   string
}

// Client is a JSON-RPC 2.0 chain-node client with primary/fallback failover.
type Client struct {
	cfg    ClientConfig
	httpc  *http.Client
	logger log.Logger
	clk    clock.Clock

	nextID atomic.Uint64

	mu               sync.Mutex
	primaryFailures  int
	primaryDown      bool
	primaryDownSince time.Time
	fallbackIdx      int
}

// NewClient builds a Client. FallbackURLs may be empty.
func NewClient(cfg ClientConfig, logger log.Logger, clk clock.Clock) *Client {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.Commitment == "" {
		cfg.Commitment = "confirmed"
	}
	return &Client{
		cfg:    cfg,
		httpc:  &http.Client{Timeout: cfg.CallTimeout},
		logger: logger.With("module", "rpc"),
		clk:    clk,
	}
}

type rpcRequest struct {
	Jsonrpc string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// endpoint picks the URL for the next call, honoring the failover state.
func (c *Client) endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.primaryDown || len(c.cfg.FallbackURLs) == 0 {
		return c.cfg.PrimaryURL
	}
	if c.clk.Since(c.primaryDownSince) >= primaryReprobeInterval {
		// Re-probe the primary; one failed call benches it again.
		c.primaryDown = false
		c.primaryFailures = primaryDownThreshold - 1
		return c.cfg.PrimaryURL
	}
	url := c.cfg.FallbackURLs[c.fallbackIdx%len(c.cfg.FallbackURLs)]
	c.fallbackIdx++
	return url
}

func (c *Client) recordOutcome(url string, err error) {
	if url != c.cfg.PrimaryURL {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil || !retry.IsRetryable(err) {
		c.primaryFailures = 0
		return
	}
	c.primaryFailures++
	if c.primaryFailures >= primaryDownThreshold && len(c.cfg.FallbackURLs) > 0 && !c.primaryDown {
		c.primaryDown = true
		c.primaryDownSince = c.clk.Now()
		c.logger.Warn("primary rpc endpoint marked down", "failures", c.primaryFailures)
	}
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	url := c.endpoint()
	timer := metrics.NewTimer()
	err := c.callURL(ctx, url, method, params, out)
	metrics.GetCollector().RecordRPC(method, timer.ElapsedMs(), err)
	c.recordOutcome(url, err)
	return err
}

func (c *Client) callURL(ctx context.Context, url, method string, params any, out any) error {
	body, err := json.Marshal(rpcRequest{
		Jsonrpc: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.Wrapf(types.ErrRPCUnavailable, "%s: %v", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: http %d from %s", method, resp.StatusCode, url)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return err
	}

	var rr rpcResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		return fmt.Errorf("%s: malformed response: %w", method, err)
	}
	if rr.Error != nil {
		return rr.Error
	}
	if out != nil {
		if err := json.Unmarshal(rr.Result, out); err != nil {
			return fmt.Errorf("%s: malformed result: %w", method, err)
		}
	}
	return nil
}

// AccountFilter narrows getProgramAccounts results.
type AccountFilter struct {
	DataSize uint64
	// Memcmp at Offset against Bytes (base58 on the wire).
	Offset int
	Bytes  []byte
}

func (f AccountFilter) toJSON() any {
	if f.DataSize > 0 {
		return map[string]any{"dataSize": f.DataSize}
	}
	return map[string]any{"memcmp": map[string]any{
		"offset": f.Offset,
		"bytes":  base64.StdEncoding.EncodeToString(f.Bytes),
		"encoding": "base64",
	}}
}

// AccountInfo is a decoded account payload plus the slot it was observed at.
type AccountInfo struct {
	Data     []byte
	Owner    string
	Lamports uint64
	Slot     uint64
}

// KeyedAccount pairs an account with its address.
type KeyedAccount struct {
	Pubkey  types.Pubkey
	Account AccountInfo
}

type uiAccount struct {
	Data     []json.RawMessage `json:"data"`
	Owner    string            `json:"owner"`
	Lamports uint64            `json:"lamports"`
}

func (a *uiAccount) decode() ([]byte, error) {
	if len(a.Data) < 1 {
		return nil, errors.Wrap(types.ErrInvalidAccountData, "missing data field")
	}
	var b64 string
	if err := json.Unmarshal(a.Data[0], &b64); err != nil {
		return nil, errors.Wrap(types.ErrInvalidAccountData, err.Error())
	}
	return base64.StdEncoding.DecodeString(b64)
}

// GetProgramAccounts fetches every account owned by program that passes filters.
func (c *Client) GetProgramAccounts(ctx context.Context, program types.Pubkey, filters []AccountFilter) ([]KeyedAccount, uint64, error) {
	jf := make([]any, 0, len(filters))
	for _, f := range filters {
		jf = append(jf, f.toJSON())
	}
	cfg := map[string]any{
		"encoding":   "base64",
		"commitment": c.cfg.Commitment,
	}
	if len(jf) > 0 {
		cfg["filters"] = jf
	}

	var result struct {
		Context struct {
			Slot uint64 `json:"slot"`
		} `json:"context"`
		Value []struct {
			Pubkey  string    `json:"pubkey"`
			Account uiAccount `json:"account"`
		} `json:"value"`
	}
	params := []any{program.String(), cfg, map[string]any{"withContext": true}}
	if err := c.call(ctx, "getProgramAccounts", params, &result); err != nil {
		return nil, 0, err
	}

	out := make([]KeyedAccount, 0, len(result.Value))
	for _, v := range result.Value {
		pk, err := types.ParsePubkey(v.Pubkey)
		if err != nil {
			return nil, 0, err
		}
		data, err := v.Account.decode()
		if err != nil {
			return nil, 0, err
		}
		out = append(out, KeyedAccount{
			Pubkey: pk,
			Account: AccountInfo{
				Data:     data,
				Owner:    v.Account.Owner,
				Lamports: v.Account.Lamports,
				Slot:     result.Context.Slot,
			},
		})
	}
	return out, result.Context.Slot, nil
}

// GetAccountInfo fetches a single account; a nil result means it does not exist.
func (c *Client) GetAccountInfo(ctx context.Context, pubkey types.Pubkey) (*AccountInfo, error) {
	var result struct {
		Context struct {
			Slot uint64 `json:"slot"`
		} `json:"context"`
		Value *uiAccount `json:"value"`
	}
	params := []any{pubkey.String(), map[string]any{"encoding": "base64", "commitment": c.cfg.Commitment}}
	if err := c.call(ctx, "getAccountInfo", params, &result); err != nil {
		return nil, err
	}
	if result.Value == nil {
		return nil, nil
	}
	data, err := result.Value.decode()
	if err != nil {
		return nil, err
	}
	return &AccountInfo{
		Data:     data,
		Owner:    result.Value.Owner,
		Lamports: result.Value.Lamports,
		Slot:     result.Context.Slot,
	}, nil
}

// GetSlot returns the current slot at the configured commitment.
func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	params := []any{map[string]any{"commitment": c.cfg.Commitment}}
	if err := c.call(ctx, "getSlot", params, &slot); err != nil {
		return 0, err
	}
	return slot, nil
}

// GetBlockHeight returns the current block height.
func (c *Client) GetBlockHeight(ctx context.Context) (uint64, error) {
	var height uint64
	params := []any{map[string]any{"commitment": c.cfg.Commitment}}
	if err := c.call(ctx, "getBlockHeight", params, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// GetBalance returns the lamport balance of pubkey.
func (c *Client) GetBalance(ctx context.Context, pubkey types.Pubkey) (uint64, error) {
	var result struct {
		Value uint64 `json:"value"`
	}
	params := []any{pubkey.String(), map[string]any{"commitment": c.cfg.Commitment}}
	if err := c.call(ctx, "getBalance", params, &result); err != nil {
		return 0, err
	}
	return result.Value, nil
}

// GetLatestBlockhash fetches the freshest blockhash at commitment.
func (c *Client) GetLatestBlockhash(ctx context.Context, commitment string) (*types.CachedBlockhash, error) {
	if commitment == "" {
		commitment = c.cfg.Commitment
	}
	var result struct {
		Context struct {
			Slot uint64 `json:"slot"`
		} `json:"context"`
		Value struct {
			Blockhash            string `json:"blockhash"`
			LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		} `json:"value"`
	}
	params := []any{map[string]any{"commitment": commitment}}
	if err := c.call(ctx, "getLatestBlockhash", params, &result); err != nil {
		return nil, err
	}
	return &types.CachedBlockhash{
		Hash:                 result.Value.Blockhash,
		LastValidBlockHeight: result.Value.LastValidBlockHeight,
		FetchedAt:            c.clk.Now(),
		Slot:                 result.Context.Slot,
	}, nil
}

// SendTransaction submits a signed, serialized transaction and returns its
// signature. Preflight stays on so fatal program errors classify immediately.
func (c *Client) SendTransaction(ctx context.Context, signed []byte) (string, error) {
	var sig string
	params := []any{
		base64.StdEncoding.EncodeToString(signed),
		map[string]any{"encoding": "base64", "preflightCommitment": c.cfg.Commitment},
	}
	if err := c.call(ctx, "sendTransaction", params, &sig); err != nil {
		return "", err
	}
	return sig, nil
}

// SimulateTransaction dry-runs a signed transaction and returns program logs.
func (c *Client) SimulateTransaction(ctx context.Context, signed []byte) ([]string, error) {
	var result struct {
		Value struct {
			Err  json.RawMessage `json:"err"`
			Logs []string        `json:"logs"`
		} `json:"value"`
	}
	params := []any{
		base64.StdEncoding.EncodeToString(signed),
		map[string]any{"encoding": "base64", "commitment": c.cfg.Commitment},
	}
	if err := c.call(ctx, "simulateTransaction", params, &result); err != nil {
		return nil, err
	}
	if len(result.Value.Err) > 0 && string(result.Value.Err) != "null" {
		return result.Value.Logs, fmt.Errorf("simulation failed: %s", result.Value.Err)
	}
	return result.Value.Logs, nil
}

// ConfirmTransaction polls for the signature until it confirms, errors, or
// the blockhash's lastValidBlockHeight passes, which expires the transaction.
func (c *Client) ConfirmTransaction(ctx context.Context, sig string, lastValidBlockHeight uint64) error {
	for {
		status, err := c.signatureStatus(ctx, sig)
		if err != nil {
			return err
		}
		if status != nil {
			if status.Err != nil {
				return fmt.Errorf("transaction %s failed: instruction error: %s", sig, *status.Err)
			}
			if status.ConfirmationStatus == "confirmed" || status.ConfirmationStatus == "finalized" {
				return nil
			}
		}

		height, err := c.GetBlockHeight(ctx)
		if err != nil {
			return err
		}
		if height > lastValidBlockHeight {
			return errors.Wrapf(types.ErrNoBlockhash, "blockhash not found: transaction %s expired at height %d", sig, height)
		}

		if err := retry.Delay(ctx, confirmPollInterval); err != nil {
			return err
		}
	}
}

type sigStatus struct {
	ConfirmationStatus string  `json:"confirmationStatus"`
	Err                *string `json:"-"`
}

func (c *Client) signatureStatus(ctx context.Context, sig string) (*sigStatus, error) {
	var result struct {
		Value []*struct {
			ConfirmationStatus string          `json:"confirmationStatus"`
			Err                json.RawMessage `json:"err"`
		} `json:"value"`
	}
	params := []any{[]string{sig}, map[string]any{"searchTransactionHistory": false}}
	if err := c.call(ctx, "getSignatureStatuses", params, &result); err != nil {
		return nil, err
	}
	if len(result.Value) == 0 || result.Value[0] == nil {
		return nil, nil
	}
	st := &sigStatus{ConfirmationStatus: result.Value[0].ConfirmationStatus}
	if len(result.Value[0].Err) > 0 && string(result.Value[0].Err) != "null" {
		s := string(result.Value[0].Err)
		st.Err = &s
	}
	return st, nil
}

// PrimaryHealthy reports whether the primary endpoint is currently in use.
func (c *Client) PrimaryHealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.primaryDown
}
