// Package domain defines core entities, ports, and domain-specific errors
// shared by every coordination primitive (status cells, stream rings, job
// queues, RPC server/client mailboxes) and the discovery layer in front of
// them.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels). Every non-transient failure surfaced to a
// caller wraps one of these so callers can branch with errors.Is instead of
// string matching.
var (
	// ErrInvalidArgument marks input rejected before any transaction was
	// opened: an empty path, a malformed path token, an unparsable UUID, an
	// unrecognized state name, or a required field left empty.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound marks a lookup that matched no row.
	ErrNotFound = errors.New("not found")
	// ErrPreconditionNotMet marks an operation whose precondition the store
	// state violates: a stream push against an unprovisioned path, or a
	// find_*_id call whose match count was not exactly one.
	ErrPreconditionNotMet = errors.New("precondition not met")
	// ErrNoFreeSlot marks a job-queue push against an exhausted pool.
	ErrNoFreeSlot = errors.New("no free slot")
	// ErrNoEmptySlot marks an RPC server push against an exhausted pool.
	ErrNoEmptySlot = errors.New("no empty slot")
	// ErrNoRecords marks an RPC client query against a client_path with zero
	// provisioned rows, distinct from "zero free/queued slots".
	ErrNoRecords = errors.New("no records")
	// ErrRetriesExhausted marks a retry harness giving up after max_retries
	// transient failures; the wrapped error is the last underlying one.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrInternal marks any other non-OK store error.
	ErrInternal = errors.New("internal error")
)

// Context is a type alias to stdlib context.Context for convenience across
// layers without forcing every file in this module to import "context".
type Context = context.Context

// RetryPolicy bundles the two knobs every C4-C8 operation accepts from its
// caller: how many transient failures to tolerate, and the base delay those
// retries back off from. The concrete backoff curve (linear, 1.5^n, 2^n) is
// selected per operation by the internal/retry package, not by the caller.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DiscoveryLabel enumerates the node kinds the discovery table can hold.
type DiscoveryLabel string

// Discovery label values, one per specialized pool table.
const (
	LabelStatusField    DiscoveryLabel = "KB_STATUS_FIELD"
	LabelStreamField    DiscoveryLabel = "KB_STREAM_FIELD"
	LabelJobQueue       DiscoveryLabel = "KB_JOB_QUEUE"
	LabelRPCServerField DiscoveryLabel = "KB_RPC_SERVER_FIELD"
	LabelRPCClientField DiscoveryLabel = "KB_RPC_CLIENT_FIELD"
)

// DiscoveryRow is a single row of the knowledge_base discovery table. It is
// read-only to the core: nothing in this module writes to it.
type DiscoveryRow struct {
	ID             int64
	KnowledgeBase  string
	Label          DiscoveryLabel
	Name           string
	Properties     string // opaque JSON
	Data           string // opaque blob
	HasLink        bool
	HasLinkMount   bool
	Path           string
}

// StatusOutcome distinguishes an upsert's insert branch from its update
// branch, the way the original's RETURNING (xmax = 0) does.
type StatusOutcome string

// Status cell upsert outcomes.
const (
	StatusInserted StatusOutcome = "inserted"
	StatusUpdated  StatusOutcome = "updated"
)

// StreamRow is one slot of a pre-allocated stream ring.
type StreamRow struct {
	ID         int64
	Path       string
	Data       string
	RecordedAt time.Time
	Valid      bool
}

// JobRow is one slot of a pre-allocated job-queue pool. Slot state is
// derived from (Valid, IsActive): free = (F,F), queued = (T,F),
// active = (T,T).
type JobRow struct {
	ID          int64
	Path        string
	Data        string
	ScheduleAt  *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	IsActive    bool
	Valid       bool
}

// RPCServerState is the lifecycle state of an RPC server-queue slot.
type RPCServerState string

// RPC server states. CompletedJob is reserved: no transition in this module
// ever produces it (see SPEC_FULL.md, rpcserver MarkCompletion).
const (
	RPCServerEmpty        RPCServerState = "empty"
	RPCServerNewJob       RPCServerState = "new_job"
	RPCServerProcessing   RPCServerState = "processing"
	RPCServerCompletedJob RPCServerState = "completed_job"
)

// ValidRPCServerStates lists every state Count accepts; anything else fails
// fast rather than silently returning zero.
var ValidRPCServerStates = map[RPCServerState]bool{
	RPCServerEmpty:        true,
	RPCServerNewJob:       true,
	RPCServerProcessing:   true,
	RPCServerCompletedJob: true,
}

// RPCServerRow is one slot of a pre-allocated RPC server-queue pool.
type RPCServerRow struct {
	ID                  int64
	ServerPath          string
	RequestID           string
	RPCAction           string
	RequestPayload      string
	RequestTimestamp    time.Time
	TransactionTag      string
	State               RPCServerState
	Priority            int
	ProcessingTimestamp *time.Time
	CompletedTimestamp  *time.Time
	RPCClientQueue      *string
}

// RPCClientRow is one slot of a pre-allocated RPC client reply pool.
type RPCClientRow struct {
	ID                int64
	RequestID          string
	ClientPath        string
	ServerPath        string
	TransactionTag    string
	RPCAction         string
	ResponsePayload   string
	ResponseTimestamp time.Time
	IsNewResult       bool
}
