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

const kindUnclassified asyncop.Kind = "unclassified"

// phaseOutcome reports how a phase ended. stopped means the phase body did
// not complete and the caller must not run later phases; err is the error
// surfaced to the caller, nil when the failure was suppressed.
type phaseOutcome struct {
	err     error
	stopped bool
}

// runPhase is the phase manager: it runs body, classifies any failure into
// a status change, persists the record and dispatches prerequisites once
// the phase is closed.
func (o *Operation) runPhase(ctx context.Context, phase asyncop.Phase, body func(context.Context) error) (out phaseOutcome) {
	started := time.Now()
	o.phase = phase
	logger := asyncop.WithLoggerFields(o.log(), map[string]any{"phase": string(phase)}).WithContext(ctx)
	logger.Debug("phase started")

	err := o.invoke(ctx, body)
	kind := asyncop.KindOf(err)
	var prerequisites []string
	if err != nil {
		if kind == asyncop.KindNone {
			kind = kindUnclassified
		}
		out = o.classify(ctx, logger, kind, err)
		if kind == asyncop.KindPending && o.rec.Status == asyncop.StatusPending {
			prerequisites = asyncop.Prerequisites(err)
		}
	}

	// a consistency fault means another run advanced the record; saving
	// this copy would roll it back
	if (err != nil && kind != asyncop.KindConsistency) || (err == nil && phase.Persists()) {
		if serr := o.save(ctx); serr != nil {
			logger.Error("phase save failed: %v", serr)
			out.stopped = true
			out.err = stderrors.Join(out.err, serr)
		}
	}

	o.phase = ""
	o.engine.observer.PhaseFinished(o.desc.Name, phase, kind, time.Since(started))
	for _, id := range prerequisites {
		o.enqueue(id, asyncop.StepRequest, nil)
	}
	return out
}

func (o *Operation) invoke(ctx context.Context, body func(context.Context) error) (err error) {
	defer asyncop.RecoverPanic(&err)
	return body(ctx)
}

func (o *Operation) classify(ctx context.Context, logger asyncop.Logger, kind asyncop.Kind, err error) phaseOutcome {
	message := asyncop.FaultMessage(err)
	stopped := phaseOutcome{stopped: true}
	surfaced := phaseOutcome{err: err, stopped: true}

	switch kind {
	case asyncop.KindPrecondition:
		if asyncop.PreconditionSatisfied(err) {
			logger.Info("precondition already satisfied: %s", message)
			o.rec.AddLog(o.now(), asyncop.LogInfo, message)
			return phaseOutcome{}
		}
		logger.Warn("precondition unmet: %s", message)
		o.fail(ctx, message, "")
		return surfaced

	case asyncop.KindWarning:
		o.Warn(message)
		o.setStatus(asyncop.StatusWarning)
		return stopped

	case asyncop.KindProtocol:
		detail := asyncop.FaultDetail(err)
		if code := asyncop.FaultCode(err); code != "" {
			detail = strings.TrimSpace(code + " " + detail)
		}
		logger.Error("protocol fault: %s (%s)", message, detail)
		o.fail(ctx, message, detail)
		return surfaced

	case asyncop.KindPending:
		logger.Warn("deferred: %s", message)
		if o.rec.PendingID == "" {
			if cerr := o.awaitPrerequisite(ctx, asyncop.Prerequisites(err)); cerr != nil {
				logger.Error("deferral could not be chained: %v", cerr)
				o.fail(ctx, "internal error", cerr.Error())
				return phaseOutcome{err: cerr, stopped: true}
			}
		}
		o.rec.AddLog(o.now(), asyncop.LogWarning, message)
		o.setStatus(asyncop.StatusWarning)
		return stopped

	case asyncop.KindTransient:
		logger.Error("transport retries exhausted after %d restarts: %v", o.rec.Restarts, err)
		o.fail(ctx, message, errorDetail(err))
		return surfaced

	case asyncop.KindCancel:
		logger.Warn("cancel requested: %s", message)
		o.rec.AddLog(o.now(), asyncop.LogWarning, message)
		if cerr := o.cancel(ctx); cerr != nil {
			logger.Error("cancel cascade failed: %v", cerr)
		}
		return stopped

	case asyncop.KindPublic:
		logger.Warn("operation failed: %s", message)
		o.fail(ctx, message, "")
		if o.scheduled() {
			return stopped
		}
		return surfaced

	case asyncop.KindInternal:
		logger.Error("internal error: %v", err)
		o.fail(ctx, "internal error", errorDetail(err)+"\n"+string(asyncop.CaptureStack(false)))
		return surfaced

	case asyncop.KindAssertion:
		logger.Error("assertion failed: %s", message)
		o.fail(ctx, "internal error", message)
		if o.scheduled() {
			return stopped
		}
		return surfaced

	case asyncop.KindConsistency:
		logger.Warn("consistency fault: %s", message)
		return surfaced

	default:
		trace := string(asyncop.CaptureStack(false))
		var panicErr *asyncop.PanicError
		if stderrors.As(err, &panicErr) {
			trace = panicErr.Stack
		}
		logger.Error("unclassified failure: %v", err)
		o.fail(ctx, err.Error(), trace)
		return surfaced
	}
}

func errorDetail(err error) string {
	if err == nil {
		return ""
	}
	detail := err.Error()
	var cause error = err
	for i := 0; i < 8; i++ {
		next := stderrors.Unwrap(cause)
		if next == nil {
			break
		}
		cause = next
	}
	if cause != err {
		detail += ": " + cause.Error()
	}
	return detail
}

// Fail marks the operation as ERROR, returns its identifier checkouts and
// cancels every linked record that has not finished.
func (o *Operation) Fail(ctx context.Context, message, detail string) error {
	err := o.fail(ctx, message, detail)
	if o.phase == "" {
		if serr := o.save(ctx); serr != nil {
			return stderrors.Join(err, serr)
		}
	}
	return err
}

func (o *Operation) fail(ctx context.Context, message, detail string) error {
	message = strings.TrimSpace(message)
	o.rec.Error = message
	o.rec.Trace = strings.TrimSpace(detail)
	o.rec.AddLog(o.now(), asyncop.LogError, message)
	o.setStatus(asyncop.StatusError)

	var errs []error
	if _, err := o.releaseLedger(ctx); err != nil {
		o.log().Warn("release identifiers failed: %v", err)
		errs = append(errs, err)
	}
	if err := o.cascade(ctx); err != nil {
		errs = append(errs, err)
	}
	return stderrors.Join(errs...)
}

// Cancel sets CANCELED unless the operation already failed, then cancels
// every linked record that has not finished.
func (o *Operation) Cancel(ctx context.Context) error {
	err := o.cancel(ctx)
	if o.phase == "" {
		if serr := o.save(ctx); serr != nil {
			return stderrors.Join(err, serr)
		}
	}
	return err
}

func (o *Operation) cancel(ctx context.Context) error {
	if o.rec.Status != asyncop.StatusError {
		o.setStatus(asyncop.StatusCanceled)
	}
	var errs []error
	if _, err := o.releaseLedger(ctx); err != nil {
		o.log().Warn("release identifiers failed: %v", err)
		errs = append(errs, err)
	}
	if err := o.cascade(ctx); err != nil {
		errs = append(errs, err)
	}
	return stderrors.Join(errs...)
}

// cascade cancels every non-terminal record reachable through parent,
// child, pending and follower links and returns their identifiers.
func (o *Operation) cascade(ctx context.Context) error {
	linked, err := o.linked(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, rec := range linked {
		if rec.Status.IsTerminal() {
			continue
		}
		from := rec.Status
		if !rec.SetStatus(asyncop.StatusCanceled, o.now()) {
			continue
		}
		rec.AddLog(o.now(), asyncop.LogWarning, fmt.Sprintf("canceled with %s", o.rec.ID))
		if err := o.engine.records.Save(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("cancel %s: %w", rec.ID, err))
			continue
		}
		o.engine.observer.StatusChanged(rec.OperationName, from, rec.Status)
		o.log().Info("canceled linked record %s", rec.ID)
		released := ledger.New(o.engine.identifiers, rec.ID, ledger.WithClock(o.engine.now), ledger.WithLogger(o.log()))
		res, err := released.Release(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("release identifiers of %s: %w", rec.ID, err))
			continue
		}
		o.engine.observer.LedgerFlushed(rec.OperationName, res)
	}
	return stderrors.Join(errs...)
}

func (o *Operation) linked(ctx context.Context) ([]*asyncop.Record, error) {
	seen := map[string]bool{o.rec.ID: true}
	queue := o.rec.Linked()
	var out []*asyncop.Record
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		rec, err := o.engine.records.Load(ctx, id)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return out, fmt.Errorf("load linked record %s: %w", id, err)
		}
		out = append(out, rec)
		queue = append(queue, rec.Linked()...)
	}
	return out, nil
}
