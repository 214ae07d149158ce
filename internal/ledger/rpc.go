package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"earlyaction/internal/config"

	"github.com/go-resty/resty/v2"
)

const receiptPollInterval = 2 * time.Second

// RPCClient talks JSON-RPC to the ledger node holding the shared signer.
// Params: resty client, contract addresses, signer account, and encoder.
// Returns: ledger client implementation.
type RPCClient struct {
	http           *resty.Client
	encoder        *Encoder
	tokenAddress   string
	multicall      string
	signer         string
	confirmTimeout time.Duration
}

// rpcRequest is one JSON-RPC 2.0 request envelope.
// Params: method name and positional params.
// Returns: wire request body.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// rpcResponse is one JSON-RPC 2.0 response envelope.
// Params: raw result and optional error object.
// Returns: wire response body.
type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewRPCClient creates ledger JSON-RPC client from config.
// Params: ledger settings with RPC URL, addresses, and selectors.
// Returns: initialized client.
func NewRPCClient(cfg config.LedgerConfig) *RPCClient {
	http := resty.New().
		SetBaseURL(cfg.RPCURL).
		SetHeader("Content-Type", "application/json").
		SetTimeout(time.Duration(cfg.ConfirmTimeoutSec) * time.Second)
	return &RPCClient{
		http:           http,
		encoder:        NewEncoder(cfg.Selectors),
		tokenAddress:   cfg.TokenAddress,
		multicall:      cfg.MulticallAddress,
		signer:         cfg.SignerKey,
		confirmTimeout: time.Duration(cfg.ConfirmTimeoutSec) * time.Second,
	}
}

// EncodeCall encodes one token-contract call.
// Params: configured function name and argument list.
// Returns: call payload bytes or encode error.
func (c *RPCClient) EncodeCall(fn string, args ...Arg) ([]byte, error) {
	return c.encoder.EncodeCall(fn, args...)
}

// SubmitMulticall submits one aggregated transaction through the node signer.
// Params: context and encoded sub-calls for the multicall contract.
// Returns: submission handle or RPC error.
func (c *RPCClient) SubmitMulticall(ctx context.Context, calls [][]byte) (Submission, error) {
	if len(calls) == 0 {
		return nil, fmt.Errorf("empty multicall")
	}
	payload := encodeMulticallBody(c.tokenAddress, calls)

	var hash string
	if err := c.call(ctx, "eth_sendTransaction", []any{map[string]string{
		"from": c.signer,
		"to":   c.multicall,
		"data": "0x" + hex.EncodeToString(payload),
	}}, &hash); err != nil {
		return nil, fmt.Errorf("submit multicall: %w", err)
	}
	return &rpcSubmission{client: c, hash: hash}, nil
}

// ReadBalance reads token balance for one wallet via eth_call.
// Params: context and wallet address.
// Returns: balance in base units or RPC error.
func (c *RPCClient) ReadBalance(ctx context.Context, address string) (*big.Int, error) {
	data, err := c.encoder.EncodeCall("balance_of", AddressArg(address))
	if err != nil {
		return nil, err
	}

	var result string
	if err := c.call(ctx, "eth_call", []any{map[string]string{
		"to":   c.tokenAddress,
		"data": "0x" + hex.EncodeToString(data),
	}, "latest"}, &result); err != nil {
		return nil, fmt.Errorf("read balance %q: %w", address, err)
	}

	balance, ok := new(big.Int).SetString(strings.TrimPrefix(result, "0x"), 16)
	if !ok {
		return nil, fmt.Errorf("parse balance %q", result)
	}
	return balance, nil
}

// call executes one JSON-RPC request and decodes its result.
// Params: context, method, params, and decode target for result.
// Returns: transport or RPC-level error.
func (c *RPCClient) call(ctx context.Context, method string, params []any, target any) error {
	var response rpcResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params}).
		SetResult(&response).
		Post("")
	if err != nil {
		return fmt.Errorf("rpc %s: %w", method, err)
	}
	if resp.IsError() {
		return fmt.Errorf("rpc %s: http %d", method, resp.StatusCode())
	}
	if response.Error != nil {
		return fmt.Errorf("rpc %s: %s (code %d)", method, response.Error.Message, response.Error.Code)
	}
	if target != nil {
		if err := json.Unmarshal(response.Result, target); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// rpcSubmission awaits confirmation of one submitted transaction.
// Params: owning client and transaction hash.
// Returns: submission handle.
type rpcSubmission struct {
	client *RPCClient
	hash   string
}

// Hash returns submitted transaction hash.
// Params: none.
// Returns: 0x-prefixed hash string.
func (s *rpcSubmission) Hash() string {
	return s.hash
}

// Confirm polls transaction receipt until success, failure, or timeout.
// Params: context bounding the wait.
// Returns: nil on confirmed success, error on revert or timeout.
func (s *rpcSubmission) Confirm(ctx context.Context) error {
	deadline := time.Now().Add(s.client.confirmTimeout)
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		var receipt struct {
			Status string `json:"status"`
		}
		var raw json.RawMessage
		if err := s.client.call(ctx, "eth_getTransactionReceipt", []any{s.hash}, &raw); err != nil {
			return err
		}
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &receipt); err != nil {
				return fmt.Errorf("decode receipt: %w", err)
			}
			if receipt.Status == "0x1" {
				return nil
			}
			return fmt.Errorf("transaction %s reverted (status %s)", s.hash, receipt.Status)
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("confirm %s: timeout after %s", s.hash, s.client.confirmTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// encodeMulticallBody packs target-prefixed sub-calls for the multicall contract.
// Params: token contract address and encoded sub-call payloads.
// Returns: aggregate call body: count word then per-call target/length/data.
func encodeMulticallBody(target string, calls [][]byte) []byte {
	targetWord, _ := encodeWord(AddressArg(target))
	countWord, _ := encodeWord(AmountArg(big.NewInt(int64(len(calls)))))

	out := make([]byte, 0, wordSize*(2+len(calls)))
	out = append(out, countWord...)
	for _, call := range calls {
		lengthWord, _ := encodeWord(AmountArg(big.NewInt(int64(len(call)))))
		out = append(out, targetWord...)
		out = append(out, lengthWord...)
		out = append(out, call...)
	}
	return out
}
