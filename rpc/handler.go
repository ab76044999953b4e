package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tolelom/shadowduel/core"
	"github.com/tolelom/shadowduel/indexer"
	"github.com/tolelom/shadowduel/ledger"
	"github.com/tolelom/shadowduel/vm"
)

// ClusterInfo is the public identity of the computation cluster that
// players seal their moves to.
type ClusterInfo interface {
	PublicKey() core.Key
	AttestationKey() string
}

// ClusterKeys is the result of getClusterInfo.
type ClusterKeys struct {
	EncryptionKey  core.Key `json:"encryption_key"`
	AttestationKey string   `json:"attestation_key"`
}

// Handler holds all dependencies needed to serve RPC methods.
type Handler struct {
	ledger  *ledger.Ledger
	indexer *indexer.Indexer
	cluster ClusterInfo
	timeout time.Duration // per-sendTx execution budget
}

// NewHandler creates an RPC Handler.
func NewHandler(l *ledger.Ledger, idx *indexer.Indexer, cluster ClusterInfo) *Handler {
	return &Handler{ledger: l, indexer: idx, cluster: cluster, timeout: 10 * time.Second}
}

// Dispatch routes an RPC request to the correct method.
func (h *Handler) Dispatch(ctx context.Context, req Request) Response {
	switch req.Method {
	case "getHeight":
		return okResponse(req.ID, h.ledger.Height())

	case "getChainID":
		return okResponse(req.ID, h.ledger.ChainID())

	case "getTxTypes":
		return okResponse(req.ID, h.ledger.TxTypes())

	case "getNonce":
		return h.getNonce(req)

	case "getMatch":
		return h.getMatch(req)

	case "getCircuit":
		return h.getCircuit(req)

	case "getMatchesByPlayer":
		return h.getMatchesByPlayer(req)

	case "getRounds":
		return h.getRounds(req)

	case "getDamage":
		return h.getDamage(req)

	case "getClusterInfo":
		if h.cluster == nil {
			return errResponse(req.ID, CodeInternalError, "no cluster attached")
		}
		return okResponse(req.ID, ClusterKeys{
			EncryptionKey:  h.cluster.PublicKey(),
			AttestationKey: h.cluster.AttestationKey(),
		})

	case "sendTx":
		return h.sendTx(ctx, req)

	default:
		return errResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

// stringParam decodes {"<name>": "<value>"} and insists the value is set.
func stringParam(req Request, name string) (string, *Response) {
	var params map[string]string
	if err := json.Unmarshal(req.Params, &params); err != nil {
		resp := errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
		return "", &resp
	}
	v := params[name]
	if v == "" {
		resp := errResponse(req.ID, CodeInvalidParams, name+" is required")
		return "", &resp
	}
	return v, nil
}

func lookupError(id any, err error) Response {
	if errors.Is(err, core.ErrNotFound) {
		return errResponse(id, CodeNotFound, err.Error())
	}
	return errResponse(id, CodeInternalError, err.Error())
}

func (h *Handler) getNonce(req Request) Response {
	addr, bad := stringParam(req, "address")
	if bad != nil {
		return *bad
	}
	n, err := h.ledger.Nonce(addr)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]any{"address": addr, "nonce": n})
}

func (h *Handler) getMatch(req Request) Response {
	id, bad := stringParam(req, "id")
	if bad != nil {
		return *bad
	}
	m, err := h.ledger.Match(id)
	if err != nil {
		return lookupError(req.ID, err)
	}
	return okResponse(req.ID, m)
}

func (h *Handler) getCircuit(req Request) Response {
	name, bad := stringParam(req, "name")
	if bad != nil {
		return *bad
	}
	def, err := h.ledger.Circuit(name)
	if err != nil {
		return lookupError(req.ID, err)
	}
	return okResponse(req.ID, def)
}

func (h *Handler) getMatchesByPlayer(req Request) Response {
	player, bad := stringParam(req, "player")
	if bad != nil {
		return *bad
	}
	ids, err := h.indexer.MatchesByPlayer(player)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	if ids == nil {
		ids = []string{}
	}
	return okResponse(req.ID, ids)
}

func (h *Handler) getRounds(req Request) Response {
	id, bad := stringParam(req, "match_id")
	if bad != nil {
		return *bad
	}
	rounds, err := h.indexer.Rounds(id)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	if rounds == nil {
		rounds = []core.Round{}
	}
	return okResponse(req.ID, rounds)
}

func (h *Handler) getDamage(req Request) Response {
	id, bad := stringParam(req, "match_id")
	if bad != nil {
		return *bad
	}
	d, err := h.indexer.Damage(id)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, d)
}

func (h *Handler) sendTx(ctx context.Context, req Request) Response {
	var tx core.Transaction
	if err := json.Unmarshal(req.Params, &tx); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	// Reject transactions destined for a different network to prevent
	// cross-chain replay attacks.
	if tx.ChainID != h.ledger.ChainID() {
		return errResponse(req.ID, CodeInvalidParams,
			fmt.Sprintf("chain ID mismatch: got %q want %q", tx.ChainID, h.ledger.ChainID()))
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	rc, err := h.ledger.Submit(ctx, &tx)
	if err != nil {
		resp := errResponse(req.ID, CodeTxRejected, err.Error())
		resp.Error.Data = rejectClass(err)
		return resp
	}
	return okResponse(req.ID, rc)
}

var rejectClasses = []struct {
	err   error
	class string
}{
	{core.ErrConflict, "conflict"},
	{core.ErrNotFound, "not_found"},
	{core.ErrUnauthorized, "unauthorized"},
	{core.ErrStaleComputation, "stale_computation"},
	{core.ErrAlreadyExists, "already_exists"},
	{core.ErrInvalidCommitment, "invalid_commitment"},
	{core.ErrComputationAlreadyOutstanding, "outstanding"},
	{ledger.ErrChainMismatch, "chain_mismatch"},
	{vm.ErrUnknownTxType, "unknown_type"},
}

// rejectClass names the ledger error behind a rejected transaction so
// clients can branch without matching message text.
func rejectClass(err error) string {
	for _, c := range rejectClasses {
		if errors.Is(err, c.err) {
			return c.class
		}
	}
	return ""
}
