package asyncop

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned, possibly wrapped, by stores when a row does not exist.
var ErrNotFound = errors.New("not found")

// Step names the entry point a scheduled task resumes.
type Step string

const (
	StepRequest  Step = "request"
	StepResult   Step = "result"
	StepConclude Step = "conclude"
)

// Task is one resumable unit of work handed to a Scheduler.
type Task struct {
	RecordID string `json:"record_id"`
	Step     Step   `json:"step"`
}

func (t Task) String() string {
	return string(t.Step) + ":" + t.RecordID
}

// TaskFunc executes a task.
type TaskFunc func(ctx context.Context, task Task) error

// Scheduler runs tasks now or at a wake time. Neither call may block the
// caller for the delay.
type Scheduler interface {
	RunNow(ctx context.Context, task Task, fn TaskFunc) error
	RunAt(ctx context.Context, task Task, at time.Time, fn TaskFunc) error
}

// RecordStore persists operation records. Records are never deleted.
type RecordStore interface {
	Load(ctx context.Context, id string) (*Record, error)
	// Save upserts rec, bumping rec.Version and rec.UpdatedAt.
	Save(ctx context.Context, rec *Record) error
	// QueryFamily returns the records reachable from id through
	// parent/child links, excluding id itself.
	QueryFamily(ctx context.Context, id string) ([]*Record, error)
	// QueryChain returns the records reachable from id through
	// pending/follower links, excluding id itself.
	QueryChain(ctx context.Context, id string) ([]*Record, error)
	// QueryByScope lists records for a house and provider. Empty values
	// match any.
	QueryByScope(ctx context.Context, houseID, providerID string) ([]*Record, error)
	// QueryDue lists non-terminal records scheduled at or before the cutoff.
	QueryDue(ctx context.Context, before time.Time, limit int) ([]*Record, error)
}

// BatchKind selects the write applied to an identifier row.
type BatchKind string

const (
	BatchInsert  BatchKind = "insert"
	BatchReplace BatchKind = "replace"
	BatchDelete  BatchKind = "delete"
)

// BatchOp is one identifier write keyed by primary identity.
type BatchOp struct {
	Kind       BatchKind
	Identifier *Identifier
}

// BatchResult counts the rows affected by a batch write.
type BatchResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Deleted  int `json:"deleted"`
}

// IdentifierStore persists external identifier mappings.
type IdentifierStore interface {
	// Find returns the row for the key; providerID "" selects the shared row.
	Find(ctx context.Context, tag, objectID, providerID string) (*Identifier, error)
	// FindLatest returns the most recently updated provider-scoped row.
	FindLatest(ctx context.Context, tag, objectID string) (*Identifier, error)
	// FindByRecord returns every row checked out by the record.
	FindByRecord(ctx context.Context, recordID string) ([]*Identifier, error)
	// BatchWrite applies all ops atomically.
	BatchWrite(ctx context.Context, ops []BatchOp) (BatchResult, error)
}

// RequestState is the remote processing state of an acknowledged request.
type RequestState string

const (
	StateQueued     RequestState = "queued"
	StateProcessing RequestState = "processing"
	StateProcessed  RequestState = "processed"
)

// OperationGetState is the transport operation used for polling.
const OperationGetState = "getState"

// Header is the transport envelope header.
type Header struct {
	MessageGUID string `json:"message_guid"`
	OrgGUID     string `json:"org_guid,omitempty"`
	Version     string `json:"version,omitempty"`
}

// Request is one transport call.
type Request struct {
	Operation string  `json:"operation"`
	Header    Header  `json:"header"`
	Payload   Payload `json:"payload,omitempty"`
	AckGUID   string  `json:"ack_guid,omitempty"`
}

// ResultError is a per-object rejection in a processed result.
type ResultError struct {
	ObjectID string `json:"object_id,omitempty"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Detail   string `json:"detail,omitempty"`
}

// Result is a transport response: an ack for a request or a state for a poll.
type Result struct {
	AckGUID string        `json:"ack_guid,omitempty"`
	State   RequestState  `json:"state,omitempty"`
	Payload Payload       `json:"payload,omitempty"`
	Errors  []ResultError `json:"errors,omitempty"`
}

// Transport sends requests to the remote service. Implementations return
// TransientFault for retryable failures and ProtocolFault for rejections.
type Transport interface {
	Send(ctx context.Context, req Request) (*Result, error)
}

// Directory resolves organisational scope.
type Directory interface {
	ManagedProviders(ctx context.Context, agentID string) ([]string, error)
	Houses(ctx context.Context, providerID string) ([]string, error)
	ProviderGUID(ctx context.Context, providerID string) (string, error)
	HouseGUID(ctx context.Context, houseID string) (string, error)
}
