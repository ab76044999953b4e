// Package rpc exposes the duel ledger via a JSON-RPC 2.0 HTTP endpoint and
// streams committed events over a websocket.
package rpc

import (
	"encoding/json"
	"fmt"
)

const version = "2.0"

// Request is one JSON-RPC call. A POST body holds a single Request or a
// batch array of them.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

func (r *Request) validate() *Error {
	switch {
	case r.JSONRPC != version:
		return &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf("jsonrpc must be %q", version)}
	case r.Method == "":
		return &Error{Code: CodeInvalidRequest, Message: "method is required"}
	}
	return nil
}

type Response struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Error is the JSON-RPC error object. Data, when present, names the ledger
// error class (for instance "conflict" or "not_found").
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// Codes below -32000 are JSON-RPC's own; the rest are ours.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeUnauthorized = -32000
	CodeTxRejected   = -32001
	CodeNotFound     = -32004
)

func okResponse(id, result any) Response {
	return Response{JSONRPC: version, ID: id, Result: result}
}

func errResponse(id any, code int, msg string) Response {
	return Response{JSONRPC: version, ID: id, Error: &Error{Code: code, Message: msg}}
}
