package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// RPCClient talks JSON-RPC to the transaction-builder sidecar, which wraps
// the actual chain primitives (keypairs, instruction building, send/confirm).
// This service only ever sees opaque base64 transactions and base58 ids.
type RPCClient struct {
	endpoint string
	http     *http.Client
}

// NewRPCClient creates a chain client against the given JSON-RPC endpoint.
func NewRPCClient(endpoint string, timeout time.Duration) *RPCClient {
	return &RPCClient{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// call posts a JSON-RPC request and returns the raw response body for gjson
// extraction. JSON-RPC errors are mapped to typed BuildErrors where the
// builder supplies a failure code.
func (c *RPCClient) call(ctx context.Context, method string, params interface{}) ([]byte, error) {
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc call %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read rpc response: %w", err)
	}

	if rpcErr := gjson.GetBytes(body, "error"); rpcErr.Exists() {
		code := rpcErr.Get("data.code").String()
		if code == "" {
			code = BuildCodeRPC
		}
		return nil, &BuildError{Code: code, Message: rpcErr.Get("message").String()}
	}

	return body, nil
}

type buildParams struct {
	PostID        int64  `json:"post_id"`
	MasterMint    string `json:"master_mint,omitempty"`
	Wallet        string `json:"wallet"`
	PriceLamports int64  `json:"price_lamports,omitempty"`
}

func (c *RPCClient) build(ctx context.Context, method string, req BuildRequest) (*BuiltTransaction, error) {
	if !ValidAddress(req.Wallet) {
		return nil, &BuildError{Code: BuildCodeInvalidWallet, Message: "receiving wallet is not a valid address"}
	}

	body, err := c.call(ctx, method, buildParams{
		PostID:        req.PostID,
		MasterMint:    req.MasterMint,
		Wallet:        req.Wallet,
		PriceLamports: req.PriceLamports,
	})
	if err != nil {
		return nil, err
	}

	return &BuiltTransaction{
		TxBase64: gjson.GetBytes(body, "result.transaction").String(),
		NFTMint:  gjson.GetBytes(body, "result.nft_mint").String(),
	}, nil
}

func (c *RPCClient) BuildCollectTransaction(ctx context.Context, req BuildRequest) (*BuiltTransaction, error) {
	return c.build(ctx, "buildCollectTransaction", req)
}

func (c *RPCClient) BuildPurchaseTransaction(ctx context.Context, req BuildRequest) (*BuiltTransaction, error) {
	return c.build(ctx, "buildPurchaseTransaction", req)
}

func (c *RPCClient) SubmitTransaction(ctx context.Context, txBase64 string) (string, error) {
	body, err := c.call(ctx, "sendTransaction", map[string]string{"transaction": txBase64})
	if err != nil {
		if IsBuildCode(err, BuildCodeRPC) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrNotSubmittable, err)
	}

	sig := gjson.GetBytes(body, "result.signature").String()
	if !ValidSignature(sig) {
		return "", fmt.Errorf("submit returned malformed signature %q", sig)
	}
	return sig, nil
}

func (c *RPCClient) GetTransactionStatus(ctx context.Context, signature string) (*TxStatus, error) {
	body, err := c.call(ctx, "getTransactionStatus", map[string]string{"signature": signature})
	if err != nil {
		return nil, err
	}

	result := gjson.GetBytes(body, "result")
	if !result.Exists() || !result.Get("found").Bool() {
		return &TxStatus{Outcome: OutcomeUnknown}, nil
	}

	status := &TxStatus{
		NFTMint: result.Get("nft_mint").String(),
		Slot:    result.Get("slot").Uint(),
	}

	switch {
	case result.Get("err").Exists() && result.Get("err").String() != "":
		status.Outcome = OutcomeFailed
		status.TxError = result.Get("err").String()
	case result.Get("finalized").Bool():
		status.Outcome = OutcomeConfirmed
	default:
		status.Outcome = OutcomePending
	}

	return status, nil
}

func (c *RPCClient) MintEdition(ctx context.Context, req MintRequest) (string, error) {
	body, err := c.call(ctx, "mintEdition", map[string]interface{}{
		"post_id":        req.PostID,
		"master_mint":    req.MasterMint,
		"wallet":         req.Wallet,
		"reservation_id": req.ReservationID,
	})
	if err != nil {
		return "", err
	}

	mint := gjson.GetBytes(body, "result.nft_mint").String()
	if !ValidAddress(mint) {
		return "", fmt.Errorf("mint returned malformed asset address %q", mint)
	}
	return mint, nil
}

func (c *RPCClient) CreateMasterEdition(ctx context.Context, postID int64) (string, error) {
	body, err := c.call(ctx, "createMasterEdition", map[string]int64{"post_id": postID})
	if err != nil {
		return "", err
	}

	mint := gjson.GetBytes(body, "result.master_mint").String()
	if !ValidAddress(mint) {
		return "", fmt.Errorf("master edition returned malformed address %q", mint)
	}
	return mint, nil
}

var _ Client = (*RPCClient)(nil)
