package asyncop

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the persisted lifecycle state of an operation record.
type Status string

const (
	StatusCreated    Status = "created"
	StatusPrepared   Status = "prepared"
	StatusRequest    Status = "request"
	StatusExecuting  Status = "executing"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusWarning    Status = "warning"
	StatusPending    Status = "pending"
	StatusCanceled   Status = "canceled"
	StatusError      Status = "error"
)

// IsTerminal reports whether no further phase may run for the status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusWarning, StatusCanceled, StatusError:
		return true
	default:
		return false
	}
}

// IsSuccess reports whether the status counts as a completed run.
func (s Status) IsSuccess() bool {
	return s == StatusDone || s == StatusWarning
}

// Phase names one scoped step of an operation.
type Phase string

const (
	PhaseInit    Phase = "init"
	PhaseLoad    Phase = "load"
	PhasePrepare Phase = "prepare"
	PhaseSpread  Phase = "spread"
	PhaseRequest Phase = "request"
	PhaseAck     Phase = "ack"
	PhaseState   Phase = "state"
	PhaseParse   Phase = "parse"
	PhaseStore   Phase = "store"
)

// Persists reports whether a clean exit from the phase saves the record.
func (p Phase) Persists() bool {
	switch p {
	case PhaseInit, PhaseLoad, PhaseSpread, PhaseParse:
		return false
	default:
		return true
	}
}

// Period is a business time window.
type Period struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Payload is the free-form request body of an operation.
type Payload map[string]any

// Clone returns a shallow copy of the payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// LogLevel classifies a diagnostic entry on a record.
type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// LogEntry is one ordered diagnostic line kept on the record.
type LogEntry struct {
	At      time.Time `json:"at"`
	Level   LogLevel  `json:"level"`
	Message string    `json:"message"`
}

// Record is the persisted state of one operation attempt.
type Record struct {
	ID            string `json:"id"`
	OperationName string `json:"operation_name"`
	Status        Status `json:"status"`

	HouseID    string `json:"house_id,omitempty"`
	ProviderID string `json:"provider_id,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
	RelationID string `json:"relation_id,omitempty"`

	// ObjectIDs is nil when unset; an empty slice means no objects on purpose.
	ObjectType string   `json:"object_type,omitempty"`
	ObjectIDs  []string `json:"object_ids"`

	Period  *Period `json:"period,omitempty"`
	Request Payload `json:"request,omitempty"`
	Options Options `json:"options,omitempty"`

	MessageGUID string `json:"message_guid,omitempty"`
	AckGUID     string `json:"ack_guid,omitempty"`

	ParentID   string `json:"parent_id,omitempty"`
	ChildID    string `json:"child_id,omitempty"`
	PendingID  string `json:"pending_id,omitempty"`
	FollowerID string `json:"follower_id,omitempty"`

	Restarts  int        `json:"restarts"`
	Retries   int        `json:"retries"`
	Scheduled *time.Time `json:"scheduled,omitempty"`

	Created  time.Time  `json:"created"`
	Acked    *time.Time `json:"acked,omitempty"`
	Stated   *time.Time `json:"stated,omitempty"`
	Stored   *time.Time `json:"stored,omitempty"`
	Canceled *time.Time `json:"canceled,omitempty"`

	Error         string     `json:"error,omitempty"`
	Trace         string     `json:"trace,omitempty"`
	WarningsCount int        `json:"warnings_count"`
	FailuresCount int        `json:"failures_count"`
	Log           []LogEntry `json:"log,omitempty"`

	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRecord builds a CREATED record with a fresh identity.
func NewRecord(operationName string, now time.Time) *Record {
	return &Record{
		ID:            uuid.NewString(),
		OperationName: strings.TrimSpace(operationName),
		Status:        StatusCreated,
		Created:       now.UTC(),
	}
}

// SetStatus applies the transition policy and reports whether the stored
// status changed. An unchanged status writes nothing, not even a log entry.
func (r *Record) SetStatus(to Status, now time.Time) bool {
	to = r.resolveStatus(to)
	if to == r.Status {
		return false
	}
	if to == StatusCanceled && r.Canceled == nil {
		at := now.UTC()
		r.Canceled = &at
	}
	from := r.Status
	r.Status = to
	r.AddLog(now, LogInfo, fmt.Sprintf("status %s -> %s", from, to))
	return true
}

func (r *Record) resolveStatus(to Status) Status {
	if to == StatusDone && (r.WarningsCount > 0 || r.FailuresCount > 0) {
		to = StatusWarning
	}
	if to == StatusWarning && r.PendingID != "" {
		return StatusPending
	}
	if to == StatusWarning && r.Canceled != nil {
		return StatusCanceled
	}
	return to
}

// AddLog appends a diagnostic entry.
func (r *Record) AddLog(now time.Time, level LogLevel, message string) {
	message = strings.TrimSpace(message)
	if message == "" {
		return
	}
	r.Log = append(r.Log, LogEntry{At: now.UTC(), Level: level, Message: message})
}

// AddWarning records a warning line and bumps the warning counter.
func (r *Record) AddWarning(now time.Time, message string) {
	r.WarningsCount++
	r.AddLog(now, LogWarning, message)
}

// Linked lists the ids of every record directly linked to r.
func (r *Record) Linked() []string {
	var out []string
	for _, id := range []string{r.ParentID, r.ChildID, r.PendingID, r.FollowerID} {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

// Validate checks the timestamp completion chain.
func (r *Record) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("record id required")
	}
	if strings.TrimSpace(r.OperationName) == "" {
		return fmt.Errorf("record %s: operation name required", r.ID)
	}
	if r.Stored != nil && r.Stated == nil {
		return fmt.Errorf("record %s: stored without stated", r.ID)
	}
	if r.Stated != nil && r.Acked == nil {
		return fmt.Errorf("record %s: stated without acked", r.ID)
	}
	return nil
}

// Clone returns a deep copy sharing nothing mutable with r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	if r.ObjectIDs != nil {
		cp.ObjectIDs = append([]string{}, r.ObjectIDs...)
	}
	if r.Period != nil {
		p := *r.Period
		cp.Period = &p
	}
	cp.Request = r.Request.Clone()
	cp.Options = r.Options.Clone()
	cp.Scheduled = cloneTime(r.Scheduled)
	cp.Acked = cloneTime(r.Acked)
	cp.Stated = cloneTime(r.Stated)
	cp.Stored = cloneTime(r.Stored)
	cp.Canceled = cloneTime(r.Canceled)
	if r.Log != nil {
		cp.Log = append([]LogEntry{}, r.Log...)
	}
	return &cp
}

// CloneForRerun returns a fresh PREPARED record carrying the same scope,
// objects and payload. It is the only way completion timestamps are reset.
func (r *Record) CloneForRerun(now time.Time) *Record {
	next := NewRecord(r.OperationName, now)
	next.Status = StatusPrepared
	next.HouseID = r.HouseID
	next.ProviderID = r.ProviderID
	next.AgentID = r.AgentID
	next.RelationID = r.RelationID
	next.ObjectType = r.ObjectType
	if r.ObjectIDs != nil {
		next.ObjectIDs = append([]string{}, r.ObjectIDs...)
	}
	if r.Period != nil {
		p := *r.Period
		next.Period = &p
	}
	next.Request = r.Request.Clone()
	next.Options = r.Options.Clone()
	next.AddLog(now, LogInfo, fmt.Sprintf("rerun of %s", r.ID))
	return next
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to the UTC value of t.
func TimePtr(t time.Time) *time.Time {
	v := t.UTC()
	return &v
}
