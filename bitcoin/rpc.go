package bitcoin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"bounty-settlement/core/settlement"
)

// RPCError is an error object returned by bitcoind.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("bitcoind rpc error %d: %s", e.Code, e.Message)
}

// Wallet RPC error codes the ledger reacts to.
const (
	rpcInvalidAddressOrKey = -5
	rpcWalletInsufficient  = -6
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// rpcClient speaks bitcoind's JSON-RPC over HTTP basic auth. Calls are
// throttled client side so retry sweeps cannot flood the node.
type rpcClient struct {
	url      string
	user     string
	password string
	http     *http.Client
	limiter  *rate.Limiter
	nextID   atomic.Uint64
}

func newRPCClient(url, user, password, wallet string, rps float64) *rpcClient {
	url = strings.TrimRight(url, "/")
	if wallet != "" {
		url += "/wallet/" + wallet
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &rpcClient{
		url:      url,
		user:     user,
		password: password,
		http:     &http.Client{Timeout: 30 * time.Second},
		limiter:  rate.NewLimiter(limit, 1),
	}
}

// call invokes method and decodes the result into out. Transport problems are
// wrapped in settlement.ErrLedgerUnavailable; bitcoind errors come back as *RPCError.
func (c *rpcClient) call(ctx context.Context, method string, params []any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "1.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" || c.password != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s: %v", settlement.ErrLedgerUnavailable, method, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: read %s response: %v", settlement.ErrLedgerUnavailable, method, err)
	}

	// bitcoind answers RPC-level errors with 404/500 and a JSON body.
	var decoded rpcResponse
	if jerr := json.Unmarshal(raw, &decoded); jerr != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: %s: status %d", settlement.ErrLedgerUnavailable, method, resp.StatusCode)
		}
		return fmt.Errorf("decode %s response: %w", method, jerr)
	}
	if decoded.Error != nil {
		return decoded.Error
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: status %d", settlement.ErrLedgerUnavailable, method, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func rpcCode(err error) (int, bool) {
	var rerr *RPCError
	if errors.As(err, &rerr) {
		return rerr.Code, true
	}
	return 0, false
}
