package core

import "errors"

// ErrNotFound is returned when a requested object does not exist in storage.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a compare-and-set write presents a stale revision.
var ErrConflict = errors.New("revision conflict")

// Protocol violations: detected synchronously, no state is mutated.
var (
	ErrAlreadyExists                 = errors.New("already exists")
	ErrMatchFull                     = errors.New("match is full")
	ErrSelfJoin                      = errors.New("cannot join own match")
	ErrNotAPlayer                    = errors.New("not a player in this match")
	ErrMovesPending                  = errors.New("waiting for both players to commit")
	ErrComputationAlreadyOutstanding = errors.New("computation already outstanding")
	ErrInvalidCommitment             = errors.New("invalid commitment")
	ErrInvalidKeyExchange            = errors.New("invalid key-exchange parameter")
	ErrUnknownVariant                = errors.New("unknown variant")
	ErrCircuitNotRegistered          = errors.New("computation definition not registered")
	ErrNoOutstandingComputation      = errors.New("no outstanding computation")
	ErrResolutionNotExpired          = errors.New("resolution timeout has not elapsed")
	ErrUnauthorized                  = errors.New("unauthorized")
)

// ErrStaleComputation is returned for a callback whose turn (or ticket) has
// already been superseded. The result is discarded.
var ErrStaleComputation = errors.New("stale computation")

// ErrAbortedComputation is returned when the cluster reports failure or the
// callback fails provenance verification. The match stays in resolving.
var ErrAbortedComputation = errors.New("aborted computation")
