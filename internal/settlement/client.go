package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/Klingon-tech/seafloor/pkg/crypto"
	"github.com/Klingon-tech/seafloor/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// noncesSelector is the 4-byte selector of nonces(address).
var noncesSelector = crypto.Keccak256([]byte("nonces(address)"))

// Client reads the claim contract over Ethereum JSON-RPC.
type Client struct {
	endpoint string
	contract types.Address
	http     *http.Client
}

// NewClient creates a client for the contract at the given endpoint.
func NewClient(endpoint string, contract types.Address) *Client {
	return NewClientWithTimeout(endpoint, contract, 10*time.Second)
}

// NewClientWithTimeout creates a client with a custom HTTP timeout.
func NewClientWithTimeout(endpoint string, contract types.Address, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		contract: contract,
		http:     &http.Client{Timeout: timeout},
	}
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int    `json:"id"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      int             `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RPCError is returned when the node responds with an error.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// call invokes a JSON-RPC method and unmarshals the result into result.
// A null result leaves result untouched and returns errNullResult.
func (c *Client) call(ctx context.Context, method string, params, result any) error {
	body, err := json.Marshal(request{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http status %d", resp.StatusCode)
	}

	var rpcResp response
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return &RPCError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	if len(rpcResp.Result) == 0 || bytes.Equal(rpcResp.Result, []byte("null")) {
		return errNullResult
	}
	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

var errNullResult = errors.New("null result")

type callMsg struct {
	To   common.Address `json:"to"`
	Data hexutil.Bytes  `json:"data"`
}

// Nonce calls nonces(identity) on the claim contract at the latest block.
func (c *Client) Nonce(ctx context.Context, identity types.Address) (uint64, error) {
	data := make([]byte, 0, 4+32)
	data = append(data, noncesSelector[:4]...)
	data = append(data, common.LeftPadBytes(identity.Bytes(), 32)...)

	var out hexutil.Bytes
	err := c.call(ctx, "eth_call", []any{callMsg{To: c.contract.Common(), Data: data}, "latest"}, &out)
	if err != nil {
		return 0, fmt.Errorf("eth_call nonces: %w", err)
	}
	if len(out) != 32 {
		return 0, fmt.Errorf("eth_call nonces: unexpected return length %d", len(out))
	}
	n := new(big.Int).SetBytes(out)
	if !n.IsUint64() {
		return 0, fmt.Errorf("eth_call nonces: value %s overflows", n)
	}
	return n.Uint64(), nil
}

type rpcReceipt struct {
	TransactionHash common.Hash     `json:"transactionHash"`
	BlockNumber     hexutil.Uint64  `json:"blockNumber"`
	Status          hexutil.Uint64  `json:"status"`
	To              *common.Address `json:"to"`
}

// Receipt fetches a transaction receipt. ErrReceiptNotFound means the
// transaction is unknown or still pending.
func (c *Client) Receipt(ctx context.Context, txHash types.Hash) (*Receipt, error) {
	var r rpcReceipt
	err := c.call(ctx, "eth_getTransactionReceipt", []any{hexutil.Encode(txHash[:])}, &r)
	if errors.Is(err, errNullResult) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("eth_getTransactionReceipt: %w", err)
	}
	rec := &Receipt{
		TxHash:  types.Hash(r.TransactionHash),
		Block:   uint64(r.BlockNumber),
		Success: r.Status == 1,
	}
	if r.To != nil {
		rec.To = types.Address(*r.To)
	}
	return rec, nil
}
