package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/tolelom/shadowduel/core"
	"github.com/tolelom/shadowduel/indexer"
	"github.com/tolelom/shadowduel/ledger"
)

// Client calls a node's JSON-RPC endpoint.
type Client struct {
	url   string
	token string
	http  *http.Client
	seq   atomic.Int64
}

// NewClient returns a Client for url. token, if set, is sent as a bearer
// credential.
func NewClient(url, token string) *Client {
	return &Client{url: url, token: token, http: &http.Client{Timeout: 15 * time.Second}}
}

// Call invokes method with params and decodes the result into out.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	body, err := json.Marshal(Request{JSONRPC: "2.0", ID: c.seq.Add(1), Method: method, Params: raw})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: http %s", method, resp.Status)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *Error          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(envelope.Result, out)
}

// Error implements the error interface so RPC failures can be returned as-is.
func (e *Error) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("rpc error %d (%s): %s", e.Code, e.Data, e.Message)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (c *Client) Height(ctx context.Context) (uint64, error) {
	var h uint64
	err := c.Call(ctx, "getHeight", struct{}{}, &h)
	return h, err
}

func (c *Client) ChainID(ctx context.Context) (string, error) {
	var id string
	err := c.Call(ctx, "getChainID", struct{}{}, &id)
	return id, err
}

func (c *Client) Nonce(ctx context.Context, address string) (uint64, error) {
	var res struct {
		Nonce uint64 `json:"nonce"`
	}
	err := c.Call(ctx, "getNonce", map[string]string{"address": address}, &res)
	return res.Nonce, err
}

func (c *Client) Match(ctx context.Context, id string) (*core.Match, error) {
	var m core.Match
	if err := c.Call(ctx, "getMatch", map[string]string{"id": id}, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) MatchesByPlayer(ctx context.Context, player string) ([]string, error) {
	var ids []string
	err := c.Call(ctx, "getMatchesByPlayer", map[string]string{"player": player}, &ids)
	return ids, err
}

func (c *Client) Rounds(ctx context.Context, matchID string) ([]core.Round, error) {
	var rounds []core.Round
	err := c.Call(ctx, "getRounds", map[string]string{"match_id": matchID}, &rounds)
	return rounds, err
}

func (c *Client) Damage(ctx context.Context, matchID string) (indexer.DamageTotals, error) {
	var d indexer.DamageTotals
	err := c.Call(ctx, "getDamage", map[string]string{"match_id": matchID}, &d)
	return d, err
}

func (c *Client) Circuit(ctx context.Context, name string) (*core.CircuitDefinition, error) {
	var def core.CircuitDefinition
	if err := c.Call(ctx, "getCircuit", map[string]string{"name": name}, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

func (c *Client) TxTypes(ctx context.Context) ([]core.TxType, error) {
	var types []core.TxType
	err := c.Call(ctx, "getTxTypes", struct{}{}, &types)
	return types, err
}

func (c *Client) ClusterInfo(ctx context.Context) (ClusterKeys, error) {
	var k ClusterKeys
	err := c.Call(ctx, "getClusterInfo", struct{}{}, &k)
	return k, err
}

// SendTx submits a signed transaction and waits for its receipt.
func (c *Client) SendTx(ctx context.Context, tx *core.Transaction) (*ledger.Receipt, error) {
	var rc ledger.Receipt
	if err := c.Call(ctx, "sendTx", tx, &rc); err != nil {
		return nil, err
	}
	return &rc, nil
}
