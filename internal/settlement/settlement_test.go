package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Klingon-tech/seafloor/pkg/types"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	contract = types.MustParseAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	player   = types.MustParseAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
)

// fakeNode answers eth_call and eth_getTransactionReceipt.
func fakeNode(t *testing.T, handle func(method string, params []json.RawMessage) (any, *rpcError)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
			ID     int               `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		result, rerr := handle(req.Method, req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rerr != nil {
			resp["error"] = rerr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Nonce(t *testing.T) {
	srv := fakeNode(t, func(method string, params []json.RawMessage) (any, *rpcError) {
		if method != "eth_call" {
			t.Errorf("method = %s", method)
		}
		var msg struct {
			To   string `json:"to"`
			Data string `json:"data"`
		}
		if err := json.Unmarshal(params[0], &msg); err != nil {
			t.Fatalf("decode call: %v", err)
		}
		if !strings.EqualFold(msg.To, contract.String()) {
			t.Errorf("to = %s", msg.To)
		}
		// nonces(address) selector followed by the padded address.
		if !strings.HasPrefix(msg.Data, "0x7ecebe00") {
			t.Errorf("data = %s", msg.Data)
		}
		if !strings.HasSuffix(strings.ToLower(msg.Data), strings.TrimPrefix(player.String(), "0x")) {
			t.Errorf("data does not end with player address: %s", msg.Data)
		}
		out := make([]byte, 32)
		out[31] = 7
		return hexutil.Encode(out), nil
	})

	c := NewClient(srv.URL, contract)
	n, err := c.Nonce(context.Background(), player)
	if err != nil {
		t.Fatalf("Nonce: %v", err)
	}
	if n != 7 {
		t.Fatalf("nonce = %d, want 7", n)
	}
}

func TestClient_NonceBadLength(t *testing.T) {
	srv := fakeNode(t, func(string, []json.RawMessage) (any, *rpcError) {
		return "0x01", nil
	})
	if _, err := NewClient(srv.URL, contract).Nonce(context.Background(), player); err == nil {
		t.Fatal("expected error for short return data")
	}
}

func TestClient_RPCError(t *testing.T) {
	srv := fakeNode(t, func(string, []json.RawMessage) (any, *rpcError) {
		return nil, &rpcError{Code: -32000, Message: "execution reverted"}
	})
	_, err := NewClient(srv.URL, contract).Nonce(context.Background(), player)
	var rerr *RPCError
	if !errors.As(err, &rerr) {
		t.Fatalf("err = %v, want *RPCError", err)
	}
	if rerr.Code != -32000 {
		t.Errorf("code = %d", rerr.Code)
	}
}

func TestClient_Receipt(t *testing.T) {
	txHash := types.Hash{0xab, 0xcd}
	srv := fakeNode(t, func(method string, params []json.RawMessage) (any, *rpcError) {
		var h string
		json.Unmarshal(params[0], &h)
		if h != hexutil.Encode(txHash[:]) {
			return nil, nil
		}
		return map[string]any{
			"transactionHash": hexutil.Encode(txHash[:]),
			"blockNumber":     "0x10",
			"status":          "0x1",
			"to":              contract.String(),
		}, nil
	})
	c := NewClient(srv.URL, contract)

	r, err := c.Receipt(context.Background(), txHash)
	if err != nil {
		t.Fatalf("Receipt: %v", err)
	}
	if !r.Success || r.Block != 16 || r.To != contract || r.TxHash != txHash {
		t.Fatalf("receipt = %+v", r)
	}

	_, err = c.Receipt(context.Background(), types.Hash{0x01})
	if !errors.Is(err, ErrReceiptNotFound) {
		t.Fatalf("unknown tx err = %v, want ErrReceiptNotFound", err)
	}
}

func TestClient_ContextCanceled(t *testing.T) {
	srv := fakeNode(t, func(string, []json.RawMessage) (any, *rpcError) {
		return "0x", nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewClient(srv.URL, contract).Nonce(ctx, player); err == nil {
		t.Fatal("expected error with canceled context")
	}
}

func TestStatic(t *testing.T) {
	s := NewStatic()
	ctx := context.Background()

	if n, _ := s.Nonce(ctx, player); n != 0 {
		t.Fatalf("initial nonce = %d", n)
	}
	tx := types.Hash{0x42}
	if _, err := s.Receipt(ctx, tx); !errors.Is(err, ErrReceiptNotFound) {
		t.Fatalf("err = %v", err)
	}

	s.Redeem(player, 0, tx)
	if n, _ := s.Nonce(ctx, player); n != 1 {
		t.Fatalf("nonce after redeem = %d, want 1", n)
	}
	r, err := s.Receipt(ctx, tx)
	if err != nil || !r.Success {
		t.Fatalf("receipt = %+v, %v", r, err)
	}

	// Redeeming an older nonce never moves the counter back.
	s.SetNonce(player, 5)
	s.Redeem(player, 2, types.Hash{0x43})
	if n, _ := s.Nonce(ctx, player); n != 5 {
		t.Fatalf("nonce = %d, want 5", n)
	}
}
