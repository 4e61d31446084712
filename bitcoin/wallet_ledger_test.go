package bitcoin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bounty-settlement/core/settlement"
)

const (
	escrowAddr = "1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2"
	winnerAddr = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"
)

// fakeNode is a tiny bitcoind stand-in answering the wallet RPCs the ledger uses.
type fakeNode struct {
	mu            sync.Mutex
	utxos         []unspent
	sends         []walletTx
	confirmations map[string]int64
	sendErr       *RPCError
	calls         map[string]int
	user, pass    string
}

func newFakeNode() *fakeNode {
	return &fakeNode{confirmations: make(map[string]int64), calls: make(map[string]int), user: "rpc", pass: "secret"}
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if u, p, ok := r.BasicAuth(); !ok || u != n.user || p != n.pass {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[req.Method]++

	var result any
	var rpcErr *RPCError
	switch req.Method {
	case "getblockcount":
		result = 800000
	case "listunspent":
		result = n.utxos
	case "listtransactions":
		result = n.sends
	case "sendtoaddress":
		if n.sendErr != nil {
			rpcErr = n.sendErr
			break
		}
		txid := "txid-" + string(rune('a'+len(n.sends)))
		comment, _ := req.Params[2].(string)
		amount, _ := req.Params[1].(float64)
		n.sends = append(n.sends, walletTx{TxID: txid, Category: "send", Amount: -amount, Comment: comment})
		result = txid
	case "gettransaction":
		txid, _ := req.Params[0].(string)
		conf, ok := n.confirmations[txid]
		if !ok {
			rpcErr = &RPCError{Code: rpcInvalidAddressOrKey, Message: "Invalid or non-wallet transaction id"}
			break
		}
		result = txInfo{TxID: txid, Confirmations: conf}
	default:
		rpcErr = &RPCError{Code: -32601, Message: "Method not found"}
	}

	resp := map[string]any{"id": req.ID, "result": result, "error": rpcErr}
	if rpcErr != nil {
		resp["result"] = nil
		w.WriteHeader(http.StatusInternalServerError)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func newTestLedger(t *testing.T, node *fakeNode) *WalletLedger {
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)
	l, err := NewWalletLedger(WalletLedgerConfig{
		RPCURL:         srv.URL,
		RPCUser:        node.user,
		RPCPassword:    node.pass,
		Network:        "mainnet",
		ConfirmTimeout: 30 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	}, nil, nil)
	require.NoError(t, err)
	return l
}

func TestWalletLedgerGetBalanceSumsUTXOs(t *testing.T) {
	node := newFakeNode()
	node.utxos = []unspent{
		{TxID: "a", Address: escrowAddr, Amount: 7.5, Confirmations: 3},
		{TxID: "b", Address: escrowAddr, Amount: 2.5, Confirmations: 1},
	}
	l := newTestLedger(t, node)

	bal, err := l.GetBalance(context.Background(), escrowAddr, settlement.Currency)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000_000), bal)

	_, err = l.GetBalance(context.Background(), "not-an-address", settlement.Currency)
	assert.Error(t, err)
}

func TestWalletLedgerTransferConfirms(t *testing.T) {
	node := newFakeNode()
	node.confirmations["txid-a"] = 1
	l := newTestLedger(t, node)

	res, err := l.Transfer(context.Background(), settlement.TransferRequest{
		IdempotencyKey: "row-1", From: escrowAddr, To: winnerAddr, AmountSats: 1_000_000_000, Currency: settlement.Currency,
	})
	require.NoError(t, err)
	assert.Equal(t, settlement.TransferConfirmed, res.State)
	assert.Equal(t, "txid-a", res.Signature)
	require.Len(t, node.sends, 1)
	assert.Equal(t, "settlement:row-1", node.sends[0].Comment)
	assert.InDelta(t, -10.0, node.sends[0].Amount, 1e-9)
}

func TestWalletLedgerTransferReusesPriorBroadcast(t *testing.T) {
	node := newFakeNode()
	node.sends = []walletTx{{TxID: "txid-prior", Category: "send", Comment: "settlement:row-1"}}
	node.confirmations["txid-prior"] = 6
	l := newTestLedger(t, node)

	res, err := l.Transfer(context.Background(), settlement.TransferRequest{
		IdempotencyKey: "row-1", From: escrowAddr, To: winnerAddr, AmountSats: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, "txid-prior", res.Signature)
	assert.Equal(t, settlement.TransferConfirmed, res.State)
	assert.Zero(t, node.calls["sendtoaddress"])
}

func TestWalletLedgerConfirmTimeoutStaysPending(t *testing.T) {
	node := newFakeNode()
	node.confirmations["txid-slow"] = 0
	l := newTestLedger(t, node)

	res, err := l.Confirm(context.Background(), "txid-slow")
	require.NoError(t, err)
	assert.Equal(t, settlement.TransferPending, res.State)
	assert.GreaterOrEqual(t, node.calls["gettransaction"], 2)
}

func TestWalletLedgerInsufficientFundsFails(t *testing.T) {
	node := newFakeNode()
	node.sendErr = &RPCError{Code: rpcWalletInsufficient, Message: "Insufficient funds"}
	l := newTestLedger(t, node)

	res, err := l.Transfer(context.Background(), settlement.TransferRequest{
		IdempotencyKey: "row-2", From: escrowAddr, To: winnerAddr, AmountSats: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, settlement.TransferFailed, res.State)
	assert.Equal(t, settlement.ErrInsufficientFunds.Error(), res.Reason)
}

func TestWalletLedgerRejectsForeignNetworkAddress(t *testing.T) {
	l := newTestLedger(t, newFakeNode())
	res, err := l.Transfer(context.Background(), settlement.TransferRequest{
		IdempotencyKey: "row-3", From: escrowAddr, To: "tb1qrp33g0q5c5txsp9arysrx4k6zdkfs4nce4xj0gdcccefvpysxf3q0sl5k7", AmountSats: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, settlement.TransferFailed, res.State)
}

func TestWalletLedgerNodeDown(t *testing.T) {
	l, err := NewWalletLedger(WalletLedgerConfig{RPCURL: "http://127.0.0.1:1", Network: "mainnet"}, nil, nil)
	require.NoError(t, err)
	err = l.Ping(context.Background())
	assert.ErrorIs(t, err, settlement.ErrLedgerUnavailable)
}
