package bitcoin

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/time/rate"

	"bounty-settlement/core/settlement"
)

// ErrLockTxNotFound is returned when the explorer does not know the lock tx.
var ErrLockTxNotFound = errors.New("escrow lock transaction not found")

// MempoolClient reads transactions from a mempool.space / Esplora HTTP API.
// It is used to check that a task's LOCK transaction funds the escrow
// address before the task is accepted.
type MempoolClient struct {
	baseURL string
	network *NetworkConfig
	http    *http.Client
	limiter *rate.Limiter
	// RequireConfirmed rejects locks still sitting in the mempool.
	RequireConfirmed bool
}

// NewMempoolClient builds a client for baseURL, e.g. https://mempool.space/api.
func NewMempoolClient(baseURL, network string, rps float64) *MempoolClient {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &MempoolClient{
		baseURL:          strings.TrimRight(baseURL, "/"),
		network:          GetNetworkConfig(network),
		http:             &http.Client{Timeout: 15 * time.Second},
		limiter:          rate.NewLimiter(limit, 1),
		RequireConfirmed: true,
	}
}

type txStatus struct {
	Confirmed   bool  `json:"confirmed"`
	BlockHeight int64 `json:"block_height"`
}

func (c *MempoolClient) get(ctx context.Context, path string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: explorer: %v", settlement.ErrLedgerUnavailable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: explorer: %v", settlement.ErrLedgerUnavailable, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusBadRequest:
		return nil, ErrLockTxNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: explorer status %d: %s", settlement.ErrLedgerUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// FetchTx pulls and decodes a raw transaction by txid.
func (c *MempoolClient) FetchTx(ctx context.Context, txid string) (*wire.MsgTx, error) {
	rawHex, err := c.get(ctx, "/tx/"+txid+"/hex")
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(rawHex)))
	if err != nil {
		return nil, fmt.Errorf("decode tx hex: %w", err)
	}
	msg := &wire.MsgTx{}
	if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("parse tx: %w", err)
	}
	return msg, nil
}

// PaidTo sums the outputs of msg that pay address.
func (c *MempoolClient) PaidTo(msg *wire.MsgTx, address string) int64 {
	var total int64
	for _, out := range msg.TxOut {
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(out.PkScript, c.network.Params)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if a.EncodeAddress() == address {
				total += out.Value
				break
			}
		}
	}
	return total
}

// VerifyLock checks that txid pays at least minSats to the escrow address.
// A lock that is missing or too small is an invalid task; explorer outages
// surface as settlement.ErrLedgerUnavailable.
func (c *MempoolClient) VerifyLock(ctx context.Context, txid, escrowAddress string, minSats int64) error {
	msg, err := c.FetchTx(ctx, txid)
	if errors.Is(err, ErrLockTxNotFound) {
		return fmt.Errorf("%w: lock tx %s not found", settlement.ErrInvalidTask, txid)
	}
	if err != nil {
		return err
	}
	if paid := c.PaidTo(msg, escrowAddress); paid < minSats {
		return fmt.Errorf("%w: lock tx %s pays %d sats to escrow, reward is %d", settlement.ErrInvalidTask, txid, paid, minSats)
	}
	if !c.RequireConfirmed {
		return nil
	}
	body, err := c.get(ctx, "/tx/"+txid+"/status")
	if err != nil {
		return err
	}
	var st txStatus
	if err := json.Unmarshal(body, &st); err != nil {
		return fmt.Errorf("decode tx status: %w", err)
	}
	if !st.Confirmed {
		return fmt.Errorf("%w: lock tx %s is unconfirmed", settlement.ErrInvalidTask, txid)
	}
	return nil
}
