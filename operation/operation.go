package operation

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-asyncop"
	"github.com/goliatone/go-asyncop/ledger"
)

// Operation owns one record and drives it through its phases. It is a
// sequential state machine and must not be shared between goroutines.
type Operation struct {
	engine *Engine
	desc   Descriptor
	rec    *asyncop.Record
	ledger *ledger.Ledger
	scope  *scopeCache

	persisted bool
	swallowed bool
	siblings  []*Operation

	phase  asyncop.Phase
	queued []followUp
}

type followUp struct {
	task asyncop.Task
	at   *time.Time
}

// ID returns the record id.
func (o *Operation) ID() string { return o.rec.ID }

// Name returns the operation type name.
func (o *Operation) Name() string { return o.desc.Name }

// Record returns a copy of the current record.
func (o *Operation) Record() *asyncop.Record { return o.rec.Clone() }

// Descriptor returns the effective descriptor.
func (o *Operation) Descriptor() Descriptor { return o.desc }

// Ledger exposes the identifier ledger to hooks.
func (o *Operation) Ledger() *ledger.Ledger { return o.ledger }

// Phase returns the phase currently running, or "" between phases.
func (o *Operation) Phase() asyncop.Phase { return o.phase }

// Swallowed reports whether the operation spread into siblings and will
// never be persisted itself.
func (o *Operation) Swallowed() bool { return o.swallowed }

// Siblings returns the operations spawned by a spread.
func (o *Operation) Siblings() []*Operation {
	return append([]*Operation{}, o.siblings...)
}

func (o *Operation) now() time.Time { return o.engine.now() }

func (o *Operation) log() asyncop.Logger {
	return asyncop.WithLoggerFields(o.engine.logger, map[string]any{
		"operation": o.desc.Name,
		"record_id": o.rec.ID,
	})
}

func (o *Operation) synchronous() bool {
	return o.desc.Synchronous || o.rec.Options.Bool(asyncop.OptSynchronous)
}

func (o *Operation) scheduled() bool {
	return o.rec.Options.Bool(asyncop.OptScheduled)
}

func (o *Operation) requirement() float64 {
	if o.desc.Requirement > 0 {
		return o.desc.Requirement
	}
	return o.engine.config.Requirement
}

func (o *Operation) setStatus(to asyncop.Status) bool {
	from := o.rec.Status
	if !o.rec.SetStatus(to, o.now()) {
		return false
	}
	o.engine.observer.StatusChanged(o.desc.Name, from, o.rec.Status)
	return true
}

func (o *Operation) save(ctx context.Context) error {
	if o.swallowed {
		return nil
	}
	if err := o.engine.records.Save(ctx, o.rec); err != nil {
		return fmt.Errorf("save record %s: %w", o.rec.ID, err)
	}
	o.persisted = true
	return nil
}

// refresh reloads the record after inline steps may have advanced it.
func (o *Operation) refresh(ctx context.Context) {
	if !o.persisted || o.swallowed {
		return
	}
	rec, err := o.engine.records.Load(ctx, o.rec.ID)
	if err != nil {
		o.log().Warn("refresh failed: %v", err)
		return
	}
	o.rec = rec
}

func (o *Operation) enqueue(recordID string, step asyncop.Step, at *time.Time) {
	o.queued = append(o.queued, followUp{
		task: asyncop.Task{RecordID: recordID, Step: step},
		at:   at,
	})
}

// finish dispatches queued follow-up tasks once no phase is open. Failures
// of other records' tasks are logged; they own their status.
func (o *Operation) finish(ctx context.Context, err error) error {
	queued := o.queued
	o.queued = nil
	if len(queued) == 0 {
		return err
	}

	var own []error
	for _, f := range queued {
		derr := o.engine.dispatch(ctx, f.task, f.at, o.synchronous())
		if derr == nil {
			continue
		}
		if f.task.RecordID == o.rec.ID {
			own = append(own, derr)
			continue
		}
		o.log().Warn("dispatch %s failed: %v", f.task, derr)
	}
	o.refresh(ctx)

	if len(own) == 0 {
		return err
	}
	return stderrors.Join(append([]error{err}, own...)...)
}

// Prepare shapes the request and moves the record to PREPARED. A record
// that was already persisted is cloned into a fresh one first. Unscoped
// operations may spread into siblings here, swallowing this one.
func (o *Operation) Prepare(ctx context.Context, objectIDs []string, request asyncop.Payload) error {
	if o.swallowed {
		return asyncop.AssertionFailed(fmt.Sprintf("operation %s was spread into siblings", o.rec.ID))
	}
	if o.persisted {
		previous := o.rec.ID
		o.rec = o.rec.CloneForRerun(o.now())
		o.persisted = false
		o.ledger.Rebind(o.rec.ID)
		o.log().Info("prepare cloned record from %s", previous)
	}

	out := o.runPhase(ctx, asyncop.PhaseSpread, func(ctx context.Context) error {
		return o.spread(ctx, objectIDs, request)
	})
	if out.stopped || o.swallowed {
		return o.finish(ctx, out.err)
	}

	out = o.runPhase(ctx, asyncop.PhasePrepare, func(ctx context.Context) error {
		if hook := o.desc.Hooks.Validate; hook != nil {
			if err := hook(ctx, o, request); err != nil {
				return err
			}
		}
		payload, err := o.shapeRequest(request)
		if err != nil {
			return err
		}
		o.rec.Request = payload
		o.rec.ObjectIDs = cleanIDs(objectIDs)
		o.setStatus(asyncop.StatusPrepared)
		return nil
	})
	return o.finish(ctx, out.err)
}

// shapeRequest moves objectType and period out of the free-form payload.
func (o *Operation) shapeRequest(request asyncop.Payload) (asyncop.Payload, error) {
	payload := request.Clone()
	if payload == nil {
		return nil, nil
	}
	if v, ok := payload["objectType"]; ok {
		s, isString := v.(string)
		if !isString {
			return nil, asyncop.AssertionFailed(fmt.Sprintf("objectType must be a string, got %T", v))
		}
		o.rec.ObjectType = strings.TrimSpace(s)
		delete(payload, "objectType")
	}
	if v, ok := payload["period"]; ok {
		period, err := parsePeriod(v)
		if err != nil {
			return nil, err
		}
		o.rec.Period = period
		delete(payload, "period")
	}
	return payload, nil
}

// MakeRequest composes and sends the request, then schedules the first
// poll. A record that was already acknowledged is never sent again.
func (o *Operation) MakeRequest(ctx context.Context) error {
	var payload asyncop.Payload
	out := o.runPhase(ctx, asyncop.PhaseRequest, func(ctx context.Context) error {
		if o.rec.Acked != nil || o.rec.Stored != nil {
			return asyncop.ConsistencyFault(fmt.Sprintf("operation %s already acknowledged", o.rec.ID))
		}
		if o.rec.Status.IsTerminal() {
			return asyncop.ConsistencyFault(fmt.Sprintf("operation %s already %s", o.rec.ID, o.rec.Status))
		}
		o.ledger.Clear()
		o.rec.Scheduled = nil
		o.setStatus(asyncop.StatusRequest)

		if err := o.preload(ctx); err != nil {
			return err
		}
		if err := o.split(ctx); err != nil {
			return err
		}
		var err error
		if payload, err = o.compose(ctx); err != nil {
			return err
		}
		_, err = o.FlushLedger(ctx)
		return err
	})
	if out.stopped {
		return o.finish(ctx, out.err)
	}

	out = o.runPhase(ctx, asyncop.PhaseAck, func(ctx context.Context) error {
		return o.send(ctx, payload)
	})
	return o.finish(ctx, out.err)
}

// preload runs the preload hook. A deferral still flushes the ledger and
// starts an existing follower before it is surfaced.
func (o *Operation) preload(ctx context.Context) error {
	hook := o.desc.Hooks.Preload
	if hook == nil {
		return nil
	}
	err := hook(ctx, o)
	switch {
	case err == nil:
		return nil
	case asyncop.KindOf(err) == asyncop.KindPrecondition && asyncop.PreconditionSatisfied(err):
		o.log().Info("preload already satisfied: %s", asyncop.FaultMessage(err))
		return nil
	case asyncop.KindOf(err) != asyncop.KindPending:
		return err
	}

	if _, ferr := o.FlushLedger(ctx); ferr != nil {
		return ferr
	}
	if o.rec.FollowerID != "" {
		o.enqueue(o.rec.FollowerID, asyncop.StepRequest, nil)
	}
	return err
}

func (o *Operation) compose(ctx context.Context) (asyncop.Payload, error) {
	payload := o.rec.Request.Clone()
	if payload == nil {
		payload = asyncop.Payload{}
	}
	if len(o.rec.ObjectIDs) > 0 {
		payload["object_ids"] = append([]string{}, o.rec.ObjectIDs...)
	}
	if o.rec.ObjectType != "" {
		payload["object_type"] = o.rec.ObjectType
	}
	if o.rec.Period != nil {
		payload["period"] = *o.rec.Period
	}
	if hook := o.desc.Hooks.ComposeRequestBody; hook != nil {
		extra, err := hook(ctx, o)
		if err != nil {
			return nil, err
		}
		for k, v := range extra {
			payload[k] = v
		}
	}
	for k, v := range payload {
		if isEmptyValue(v) {
			return nil, asyncop.AssertionFailed(fmt.Sprintf("request field %q is empty", k))
		}
	}
	return payload, nil
}

// GetResult polls the remote state. Unprocessed requests are re-armed on
// the scheduler; processed ones are parsed, stored and concluded.
func (o *Operation) GetResult(ctx context.Context) error {
	var result *asyncop.Result
	out := o.runPhase(ctx, asyncop.PhaseState, func(ctx context.Context) error {
		if o.rec.Stored != nil {
			return asyncop.ConsistencyFault(fmt.Sprintf("operation %s result already stored", o.rec.ID))
		}
		if o.rec.Acked == nil || o.rec.AckGUID == "" {
			return asyncop.AssertionFailed(fmt.Sprintf("operation %s polled before acknowledgement", o.rec.ID))
		}
		o.rec.Scheduled = nil
		var err error
		result, err = o.poll(ctx)
		return err
	})
	if out.stopped || result == nil {
		return o.finish(ctx, out.err)
	}

	var items []asyncop.Payload
	out = o.runPhase(ctx, asyncop.PhaseParse, func(ctx context.Context) error {
		if _, err := o.ledger.Restore(ctx); err != nil {
			return err
		}
		if hook := o.desc.Hooks.ParseResult; hook != nil {
			var err error
			if items, err = hook(ctx, o, result); err != nil {
				return err
			}
		} else if len(result.Payload) > 0 {
			items = []asyncop.Payload{result.Payload}
		}
		if len(items) == 0 {
			return asyncop.Warning("no result")
		}
		return nil
	})

	if !out.stopped {
		out = o.runPhase(ctx, asyncop.PhaseStore, func(ctx context.Context) error {
			if hook := o.desc.Hooks.StoreResult; hook != nil {
				if err := hook(ctx, o, items); err != nil {
					return err
				}
			}
			if _, err := o.FlushLedger(ctx); err != nil {
				return err
			}
			if _, err := o.releaseLedger(ctx); err != nil {
				return err
			}
			o.rec.Stored = asyncop.TimePtr(o.now())
			o.setStatus(asyncop.StatusDone)
			return nil
		})
	}

	if o.rec.Stored == nil && o.rec.Status.IsTerminal() {
		if _, err := o.releaseLedger(ctx); err != nil {
			o.log().Warn("release identifiers failed: %v", err)
		}
	}

	err := o.finish(ctx, out.err)
	if err == nil && o.rec.Status.IsSuccess() {
		return o.Conclude(ctx)
	}
	return err
}

// IsComplete reports whether the operation, its whole split family and
// every predecessor in its chain finished successfully. It reads the store
// on every call.
func (o *Operation) IsComplete(ctx context.Context) (bool, error) {
	complete, _, err := o.completion(ctx)
	return complete, err
}

func (o *Operation) completion(ctx context.Context) (bool, []*asyncop.Record, error) {
	if !o.rec.Status.IsSuccess() || !o.persisted {
		return false, nil, nil
	}
	family, err := o.engine.records.QueryFamily(ctx, o.rec.ID)
	if err != nil {
		return false, nil, fmt.Errorf("query family of %s: %w", o.rec.ID, err)
	}
	complete := true
	for _, rec := range family {
		if !rec.Status.IsSuccess() {
			complete = false
		}
	}
	if !complete {
		return false, family, nil
	}

	members := append([]*asyncop.Record{o.rec}, family...)
	for _, member := range members {
		ok, err := o.predecessorsDone(ctx, member)
		if err != nil || !ok {
			return false, family, err
		}
	}
	return true, family, nil
}

func (o *Operation) predecessorsDone(ctx context.Context, rec *asyncop.Record) (bool, error) {
	seen := map[string]bool{rec.ID: true}
	for id := rec.PendingID; id != "" && !seen[id]; {
		seen[id] = true
		prev, err := o.engine.records.Load(ctx, id)
		if isNotFound(err) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		if !prev.Status.IsSuccess() {
			return false, nil
		}
		id = prev.PendingID
	}
	return true, nil
}

// Conclude starts the follower of the family once the family is complete.
// Without a follower it does nothing.
func (o *Operation) Conclude(ctx context.Context) error {
	complete, family, err := o.completion(ctx)
	if err != nil {
		return err
	}
	followerID := o.rec.FollowerID
	for _, rec := range family {
		if followerID != "" {
			break
		}
		followerID = rec.FollowerID
	}
	if followerID == "" {
		return nil
	}
	if !complete {
		o.log().Debug("conclude waits on family before follower %s", followerID)
		return nil
	}
	o.log().Info("conclude starts follower %s", followerID)
	o.enqueue(followerID, asyncop.StepRequest, nil)
	return o.finish(ctx, nil)
}

// Retry reruns a finished operation as a fresh record and starts it.
func (o *Operation) Retry(ctx context.Context) (*Operation, error) {
	if !o.rec.Status.IsTerminal() {
		return nil, asyncop.ConsistencyFault(fmt.Sprintf("operation %s is still %s", o.rec.ID, o.rec.Status))
	}
	next := o.engine.wrap(o.desc, o.rec.CloneForRerun(o.now()), false)
	if err := next.save(ctx); err != nil {
		return nil, err
	}
	o.rec.AddLog(o.now(), asyncop.LogInfo, fmt.Sprintf("rerun as %s", next.ID()))
	if err := o.save(ctx); err != nil {
		return next, err
	}
	return next, o.engine.Start(ctx, next)
}

// Warn records a non-fatal business warning.
func (o *Operation) Warn(message string) {
	o.rec.AddWarning(o.now(), message)
	o.log().Warn("%s", message)
}

// Logf appends a diagnostic line to the record log.
func (o *Operation) Logf(level asyncop.LogLevel, format string, args ...any) {
	o.rec.AddLog(o.now(), level, fmt.Sprintf(format, args...))
}

func cleanIDs(ids []string) []string {
	if ids == nil {
		return nil
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []string:
		return len(t) == 0
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	case asyncop.Payload:
		return len(t) == 0
	default:
		return false
	}
}

func parsePeriod(v any) (*asyncop.Period, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case asyncop.Period:
		return &t, nil
	case *asyncop.Period:
		if t == nil {
			return nil, nil
		}
		p := *t
		return &p, nil
	case map[string]any:
		from, err := periodBound(t["from"])
		if err != nil {
			return nil, err
		}
		to, err := periodBound(t["to"])
		if err != nil {
			return nil, err
		}
		return &asyncop.Period{From: from, To: to}, nil
	default:
		return nil, asyncop.AssertionFailed(fmt.Sprintf("unsupported period type %T", v))
	}
}

func periodBound(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(t))
		if err != nil {
			parsed, err = time.Parse(time.DateOnly, strings.TrimSpace(t))
		}
		if err != nil {
			return time.Time{}, asyncop.AssertionFailed(fmt.Sprintf("invalid period bound %q", t))
		}
		return parsed.UTC(), nil
	default:
		return time.Time{}, asyncop.AssertionFailed(fmt.Sprintf("unsupported period bound %T", v))
	}
}
