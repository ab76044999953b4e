package core

// RegisterCircuitPayload registers a computation definition. Only ledger
// authorities may submit it.
type RegisterCircuitPayload struct {
	Name    string  `json:"name"`
	Variant Variant `json:"variant"`
	Digest  string  `json:"digest"`
	Cluster string  `json:"cluster"` // ed25519 attestation key hex
}

// CreateMatchPayload opens a new match with the sender as player A.
// An empty MatchID asks the ledger to derive one from the transaction.
type CreateMatchPayload struct {
	MatchID string  `json:"match_id,omitempty"`
	Variant Variant `json:"variant"`
}

// JoinMatchPayload takes seat B of an open match.
type JoinMatchPayload struct {
	MatchID string `json:"match_id"`
}

// CommitMovePayload stores the sender's sealed move for the current turn.
type CommitMovePayload struct {
	MatchID    string     `json:"match_id"`
	Commitment Commitment `json:"commitment"`
}

// RequestResolutionPayload asks the cluster to resolve the current turn and
// seal the result to ResultKey.
type RequestResolutionPayload struct {
	MatchID   string `json:"match_id"`
	ResultKey Key    `json:"result_key"`
	Nonce     Nonce  `json:"nonce"`
}

// ResolutionCallbackPayload carries a signed cluster output back onto the
// ledger. Any account may relay it; authenticity comes from the signature.
type ResolutionCallbackPayload struct {
	Output SignedOutput `json:"output"`
}

// AbandonResolutionPayload clears an expired outstanding computation.
type AbandonResolutionPayload struct {
	MatchID string `json:"match_id"`
}
