package bitcoin

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"bounty-settlement/clock"
	"bounty-settlement/core/settlement"
)

// idempotencyPrefix tags the wallet comment of every settlement send so a
// retried transfer can find the broadcast it already made.
const idempotencyPrefix = "settlement:"

// WalletLedgerConfig configures the bitcoind-backed ledger.
type WalletLedgerConfig struct {
	RPCURL           string
	RPCUser          string
	RPCPassword      string
	Wallet           string
	Network          string
	MinConfirmations int
	ConfirmTimeout   time.Duration
	PollInterval     time.Duration
	RPS              float64
	// HistoryDepth bounds the listtransactions scan used for idempotency.
	HistoryDepth int
}

// WalletLedger implements settlement.Ledger on top of a custodial bitcoind
// wallet that holds the escrow funds. Signing stays inside bitcoind.
type WalletLedger struct {
	rpc     *rpcClient
	network *NetworkConfig
	cfg     WalletLedgerConfig
	clock   clock.Clock
	logger  *slog.Logger
}

// NewWalletLedger builds a ledger client. It does not contact the node.
func NewWalletLedger(cfg WalletLedgerConfig, clk clock.Clock, logger *slog.Logger) (*WalletLedger, error) {
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return nil, fmt.Errorf("bitcoind rpc url is required")
	}
	if cfg.MinConfirmations <= 0 {
		cfg.MinConfirmations = 1
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.HistoryDepth <= 0 {
		cfg.HistoryDepth = 1000
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WalletLedger{
		rpc:     newRPCClient(cfg.RPCURL, cfg.RPCUser, cfg.RPCPassword, cfg.Wallet, cfg.RPS),
		network: GetNetworkConfig(cfg.Network),
		cfg:     cfg,
		clock:   clk,
		logger:  logger.With("component", "ledger"),
	}, nil
}

// Network returns the network the ledger validates addresses against.
func (l *WalletLedger) Network() *NetworkConfig { return l.network }

// Ping checks the node is reachable.
func (l *WalletLedger) Ping(ctx context.Context) error {
	var height int64
	return l.rpc.call(ctx, "getblockcount", nil, &height)
}

type unspent struct {
	TxID          string  `json:"txid"`
	Address       string  `json:"address"`
	Amount        float64 `json:"amount"`
	Confirmations int64   `json:"confirmations"`
}

// GetBalance sums the confirmed outputs the wallet holds for address wallet.
func (l *WalletLedger) GetBalance(ctx context.Context, wallet, currency string) (int64, error) {
	if currency != "" && currency != settlement.Currency {
		return 0, fmt.Errorf("unsupported currency %q", currency)
	}
	if _, err := l.decodeAddress(wallet); err != nil {
		return 0, err
	}
	var utxos []unspent
	params := []any{l.cfg.MinConfirmations, 9999999, []string{wallet}}
	if err := l.rpc.call(ctx, "listunspent", params, &utxos); err != nil {
		return 0, fmt.Errorf("listunspent: %w", err)
	}
	var total btcutil.Amount
	for _, u := range utxos {
		amt, err := btcutil.NewAmount(u.Amount)
		if err != nil {
			return 0, fmt.Errorf("utxo %s amount: %w", u.TxID, err)
		}
		total += amt
	}
	return int64(total), nil
}

type walletTx struct {
	TxID          string  `json:"txid"`
	Category      string  `json:"category"`
	Amount        float64 `json:"amount"`
	Comment       string  `json:"comment"`
	Confirmations int64   `json:"confirmations"`
}

// Transfer sends AmountSats to req.To from the escrow wallet, then waits up to
// ConfirmTimeout for confirmation. A send already tagged with the idempotency
// key is reused instead of broadcasting again.
func (l *WalletLedger) Transfer(ctx context.Context, req settlement.TransferRequest) (settlement.TransferResult, error) {
	if req.AmountSats <= 0 {
		return settlement.TransferResult{State: settlement.TransferFailed, Reason: "amount must be positive"}, nil
	}
	if req.Currency != "" && req.Currency != settlement.Currency {
		return settlement.TransferResult{State: settlement.TransferFailed, Reason: "unsupported currency " + req.Currency}, nil
	}
	if _, err := l.decodeAddress(req.To); err != nil {
		return settlement.TransferResult{State: settlement.TransferFailed, Reason: err.Error()}, nil
	}
	comment := idempotencyPrefix + req.IdempotencyKey

	if req.IdempotencyKey != "" {
		prior, err := l.findSend(ctx, comment)
		if err != nil {
			return settlement.TransferResult{}, err
		}
		if prior != "" {
			l.logger.Info("reusing prior broadcast", "idempotency_key", req.IdempotencyKey, "txid", prior)
			return l.waitConfirmed(ctx, prior)
		}
	}

	var txid string
	amount := btcutil.Amount(req.AmountSats).ToBTC()
	err := l.rpc.call(ctx, "sendtoaddress", []any{req.To, amount, comment, "bounty payout"}, &txid)
	if code, ok := rpcCode(err); ok {
		reason := err.Error()
		if code == rpcWalletInsufficient {
			reason = settlement.ErrInsufficientFunds.Error()
		}
		return settlement.TransferResult{State: settlement.TransferFailed, Reason: reason}, nil
	}
	if err != nil {
		return settlement.TransferResult{}, fmt.Errorf("sendtoaddress: %w", err)
	}
	l.logger.Info("transfer broadcast", "txid", txid, "to", req.To, "amount_sats", req.AmountSats)
	return l.waitConfirmed(ctx, txid)
}

// Confirm re-checks a broadcast transaction, waiting up to ConfirmTimeout.
func (l *WalletLedger) Confirm(ctx context.Context, signature string) (settlement.TransferResult, error) {
	return l.waitConfirmed(ctx, signature)
}

func (l *WalletLedger) findSend(ctx context.Context, comment string) (string, error) {
	var txs []walletTx
	if err := l.rpc.call(ctx, "listtransactions", []any{"*", l.cfg.HistoryDepth, 0, true}, &txs); err != nil {
		return "", fmt.Errorf("listtransactions: %w", err)
	}
	for _, tx := range txs {
		if tx.Category == "send" && tx.Comment == comment {
			return tx.TxID, nil
		}
	}
	return "", nil
}

type txInfo struct {
	TxID          string `json:"txid"`
	Confirmations int64  `json:"confirmations"`
}

// waitConfirmed polls gettransaction until MinConfirmations is reached. A
// negative confirmation count means the transaction conflicted and is dead.
// Running out of time reports TransferPending, never failure, because the
// transaction may still confirm.
func (l *WalletLedger) waitConfirmed(ctx context.Context, txid string) (settlement.TransferResult, error) {
	deadline := l.clock.Now().Add(l.cfg.ConfirmTimeout)
	for {
		var info txInfo
		err := l.rpc.call(ctx, "gettransaction", []any{txid}, &info)
		if code, ok := rpcCode(err); ok && code == rpcInvalidAddressOrKey {
			return settlement.TransferResult{Signature: txid, State: settlement.TransferFailed, Reason: "transaction unknown to wallet"}, nil
		}
		if err != nil {
			return settlement.TransferResult{Signature: txid, State: settlement.TransferPending}, fmt.Errorf("gettransaction: %w", err)
		}
		switch {
		case info.Confirmations < 0:
			return settlement.TransferResult{Signature: txid, State: settlement.TransferFailed, Reason: "transaction conflicted"}, nil
		case info.Confirmations >= int64(l.cfg.MinConfirmations):
			return settlement.TransferResult{Signature: txid, State: settlement.TransferConfirmed}, nil
		}
		if !l.clock.Now().Before(deadline) {
			return settlement.TransferResult{
				Signature: txid,
				State:     settlement.TransferPending,
				Reason:    fmt.Sprintf("%d/%d confirmations after %s", info.Confirmations, l.cfg.MinConfirmations, l.cfg.ConfirmTimeout),
			}, nil
		}
		select {
		case <-ctx.Done():
			return settlement.TransferResult{Signature: txid, State: settlement.TransferPending}, ctx.Err()
		case <-l.clock.After(l.cfg.PollInterval):
		}
	}
}

func (l *WalletLedger) decodeAddress(addr string) (btcutil.Address, error) {
	decoded, err := btcutil.DecodeAddress(strings.TrimSpace(addr), l.network.Params)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if !decoded.IsForNet(l.network.Params) {
		return nil, fmt.Errorf("address %q is not for %s", addr, l.network.Name)
	}
	return decoded, nil
}

// ValidateAddress reports whether addr is a valid address on the configured network.
func (l *WalletLedger) ValidateAddress(addr string) error {
	_, err := l.decodeAddress(addr)
	return err
}
