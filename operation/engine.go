package operation

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/goliatone/go-asyncop"
	"github.com/goliatone/go-asyncop/cron"
	"github.com/goliatone/go-asyncop/ledger"
)

// Engine wires the stores, transport and schedulers shared by operations.
type Engine struct {
	records     asyncop.RecordStore
	identifiers asyncop.IdentifierStore
	transport   asyncop.Transport
	scheduler   asyncop.Scheduler
	inline      asyncop.Scheduler
	directory   asyncop.Directory
	registry    *Registry
	config      asyncop.Config
	logger      asyncop.Logger
	observer    Observer
	now         func() time.Time
	sleep       func(context.Context, time.Duration) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithRecordStore sets the record store.
func WithRecordStore(s asyncop.RecordStore) Option {
	return func(e *Engine) { e.records = s }
}

// WithIdentifierStore sets the identifier store.
func WithIdentifierStore(s asyncop.IdentifierStore) Option {
	return func(e *Engine) { e.identifiers = s }
}

// WithTransport sets the transport client.
func WithTransport(t asyncop.Transport) Option {
	return func(e *Engine) { e.transport = t }
}

// WithScheduler sets the scheduler used in deferred mode.
func WithScheduler(s asyncop.Scheduler) Option {
	return func(e *Engine) { e.scheduler = s }
}

// WithInlineScheduler sets the scheduler used for synchronous operations.
func WithInlineScheduler(s asyncop.Scheduler) Option {
	return func(e *Engine) { e.inline = s }
}

// WithDirectory sets the organisation directory used for spread and
// header GUIDs.
func WithDirectory(d asyncop.Directory) Option {
	return func(e *Engine) { e.directory = d }
}

// WithRegistry sets the descriptor registry.
func WithRegistry(r *Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithConfig sets engine-wide settings.
func WithConfig(cfg asyncop.Config) Option {
	return func(e *Engine) { e.config = cfg }
}

// WithLogger sets the logger.
func WithLogger(logger asyncop.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithObserver sets the activity observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSleep replaces the wait between transport restarts.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

// New builds an engine. Record and identifier stores, a transport and a
// registry are required. Without a scheduler every step runs inline.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		config:   asyncop.DefaultConfig(),
		observer: NopObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}

	if e.records == nil || e.identifiers == nil {
		return nil, fmt.Errorf("engine requires record and identifier stores")
	}
	if e.transport == nil {
		return nil, fmt.Errorf("engine requires a transport")
	}
	if e.registry == nil {
		return nil, fmt.Errorf("engine requires a registry")
	}
	if err := e.config.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	e.config.MaxPollRetries = e.config.PollLimit()

	e.logger = asyncop.NormalizeLogger(e.logger)
	if e.observer == nil {
		e.observer = NopObserver{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.inline == nil {
		e.inline = cron.NewInlineScheduler(cron.WithInlineClock(e.now))
	}
	if e.scheduler == nil {
		e.scheduler = e.inline
	}
	return e, nil
}

// Config returns the effective settings.
func (e *Engine) Config() asyncop.Config { return e.config }

// Registry returns the descriptor registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Records returns the record store.
func (e *Engine) Records() asyncop.RecordStore { return e.records }

// Scope identifies the organisation an operation runs for.
type Scope struct {
	HouseID    string
	ProviderID string
	AgentID    string
	RelationID string
}

// Create builds a CREATED operation for a registered type. Nothing is
// persisted until Prepare.
func (e *Engine) Create(name string, scope Scope, options asyncop.Options) (*Operation, error) {
	desc, ok := e.registry.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("operation %q is not registered", name)
	}
	rec := asyncop.NewRecord(desc.Name, e.now())
	rec.HouseID = strings.TrimSpace(scope.HouseID)
	rec.ProviderID = strings.TrimSpace(scope.ProviderID)
	rec.AgentID = strings.TrimSpace(scope.AgentID)
	rec.RelationID = strings.TrimSpace(scope.RelationID)
	rec.Options = options.Clone()
	return e.wrap(desc, rec, false), nil
}

// Load rebuilds an operation from its stored record.
func (e *Engine) Load(ctx context.Context, id string) (*Operation, error) {
	rec, err := e.records.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load operation %s: %w", id, err)
	}
	desc, ok := e.registry.Lookup(rec.OperationName)
	if !ok {
		return nil, fmt.Errorf("record %s: operation %q is not registered", rec.ID, rec.OperationName)
	}
	return e.wrap(desc, rec, true), nil
}

func (e *Engine) wrap(desc Descriptor, rec *asyncop.Record, persisted bool) *Operation {
	op := &Operation{
		engine:    e,
		desc:      desc,
		rec:       rec,
		persisted: persisted,
		scope:     newScopeCache(e.directory),
	}
	op.ledger = ledger.New(e.identifiers, rec.ID,
		ledger.WithClock(e.now),
		ledger.WithLogger(op.log()),
	)
	return op
}

// Start dispatches the request step of a prepared operation, honouring the
// delay option. A swallowed coordinator starts its siblings instead.
func (e *Engine) Start(ctx context.Context, op *Operation) error {
	if op.Swallowed() {
		var errs []error
		for _, sibling := range op.siblings {
			if sibling.rec.Status.IsTerminal() {
				continue
			}
			if err := e.Start(ctx, sibling); err != nil {
				errs = append(errs, err)
			}
		}
		return stderrors.Join(errs...)
	}
	if !op.persisted {
		return asyncop.AssertionFailed(fmt.Sprintf("operation %s must be prepared before start", op.ID()))
	}
	task := asyncop.Task{RecordID: op.ID(), Step: asyncop.StepRequest}
	var at *time.Time
	if delay := op.rec.Options.Duration(asyncop.OptDelay); delay > 0 {
		at = asyncop.TimePtr(e.now().Add(delay))
		op.rec.Scheduled = at
		if err := op.save(ctx); err != nil {
			return err
		}
	}
	err := e.dispatch(ctx, task, at, op.synchronous())
	op.refresh(ctx)
	return err
}

// Execute runs one scheduled task. It is the TaskFunc handed to schedulers.
func (e *Engine) Execute(ctx context.Context, task asyncop.Task) error {
	op, err := e.Load(ctx, task.RecordID)
	if err != nil {
		return err
	}
	logger := op.log().WithContext(ctx)
	if op.rec.Status.IsTerminal() && task.Step != asyncop.StepConclude {
		logger.Debug("task %s skipped, record is %s", task, op.rec.Status)
		return nil
	}

	switch task.Step {
	case asyncop.StepRequest:
		return op.MakeRequest(ctx)
	case asyncop.StepResult:
		return op.GetResult(ctx)
	case asyncop.StepConclude:
		return op.Conclude(ctx)
	default:
		return fmt.Errorf("unknown task step %q", task.Step)
	}
}

func (e *Engine) dispatch(ctx context.Context, task asyncop.Task, at *time.Time, synchronous bool) error {
	scheduler := e.scheduler
	if synchronous {
		scheduler = e.inline
	}
	if at == nil {
		return scheduler.RunNow(ctx, task, e.Execute)
	}
	return scheduler.RunAt(ctx, task, *at, e.Execute)
}

// Cancel cancels a stored operation and cascades to its linked records.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	op, err := e.Load(ctx, id)
	if err != nil {
		return err
	}
	return op.Cancel(ctx)
}

// Retry reruns a finished operation as a fresh record.
func (e *Engine) Retry(ctx context.Context, id string) (*Operation, error) {
	op, err := e.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return op.Retry(ctx)
}

// Sweep re-dispatches records whose wake time passed more than the sweep
// grace ago, which happens when timers were lost to a restart. It returns
// how many records were dispatched and the joined failures of single records.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	cutoff := e.now().Add(-e.config.SweepGrace)
	due, err := e.records.QueryDue(ctx, cutoff, e.config.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	// records fail on their own; one fault must not cancel the others
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	if e.config.SweepConcurrency > 0 {
		g.SetLimit(e.config.SweepConcurrency)
	}
	for _, rec := range due {
		task := asyncop.Task{RecordID: rec.ID, Step: asyncop.StepResult}
		if rec.Acked == nil {
			task.Step = asyncop.StepRequest
		}
		g.Go(func() error {
			if err := e.scheduler.RunNow(ctx, task, e.Execute); err != nil {
				e.logger.Warn("sweep %s failed: %v", task, err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("sweep %s: %w", task, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	e.logger.Info("sweep dispatched records=%d failed=%d cutoff=%s", len(due), len(errs), cutoff.Format(time.RFC3339))
	return len(due), stderrors.Join(errs...)
}

// RegisterSweeper schedules Sweep on the cron scheduler using the configured
// expression.
func (e *Engine) RegisterSweeper(s *cron.Scheduler) (cron.Handle, error) {
	if s == nil {
		return nil, fmt.Errorf("cron scheduler required")
	}
	return s.ScheduleCron(cron.JobConfig{Expression: e.config.SweepExpression}, func(ctx context.Context) error {
		_, err := e.Sweep(ctx)
		return err
	})
}

func isNotFound(err error) bool {
	return stderrors.Is(err, asyncop.ErrNotFound)
}
