package operation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-asyncop"
	"github.com/goliatone/go-asyncop/cron"
	"github.com/goliatone/go-asyncop/store"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func testClock() time.Time { return testNow }

// gateway acknowledges requests and answers polls from a per-ack script.
// Once the script runs out the request is processed.
type gateway struct {
	mu       sync.Mutex
	sent     []asyncop.Request
	script   []asyncop.RequestState
	polls    map[string][]asyncop.RequestState
	failures []error
	payload  asyncop.Payload
	errors   []asyncop.ResultError
	acks     int
}

func newGateway(script ...asyncop.RequestState) *gateway {
	return &gateway{
		script:  script,
		polls:   make(map[string][]asyncop.RequestState),
		payload: asyncop.Payload{"accepted": true},
	}
}

func (g *gateway) Send(_ context.Context, req asyncop.Request) (*asyncop.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, req)
	if len(g.failures) > 0 {
		err := g.failures[0]
		g.failures = g.failures[1:]
		return nil, err
	}

	if req.Operation == asyncop.OperationGetState {
		remaining := g.polls[req.AckGUID]
		if len(remaining) > 0 {
			g.polls[req.AckGUID] = remaining[1:]
			return &asyncop.Result{AckGUID: req.AckGUID, State: remaining[0]}, nil
		}
		return &asyncop.Result{
			AckGUID: req.AckGUID,
			State:   asyncop.StateProcessed,
			Payload: g.payload.Clone(),
			Errors:  append([]asyncop.ResultError{}, g.errors...),
		}, nil
	}

	g.acks++
	ack := fmt.Sprintf("ack-%d", g.acks)
	g.polls[ack] = append([]asyncop.RequestState{}, g.script...)
	return &asyncop.Result{AckGUID: ack}, nil
}

func (g *gateway) requests(operation string) []asyncop.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []asyncop.Request
	for _, req := range g.sent {
		if req.Operation == operation {
			out = append(out, req)
		}
	}
	return out
}

type queuedTask struct {
	task asyncop.Task
	at   time.Time
	fn   asyncop.TaskFunc
}

// queueScheduler holds tasks until the test runs them.
type queueScheduler struct {
	mu    sync.Mutex
	tasks []queuedTask
	ran   []queuedTask
}

func (q *queueScheduler) RunNow(_ context.Context, task asyncop.Task, fn asyncop.TaskFunc) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, queuedTask{task: task, fn: fn})
	return nil
}

func (q *queueScheduler) RunAt(_ context.Context, task asyncop.Task, at time.Time, fn asyncop.TaskFunc) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, queuedTask{task: task, at: at, fn: fn})
	return nil
}

func (q *queueScheduler) pending() []asyncop.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]asyncop.Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, t.task)
	}
	return out
}

func (q *queueScheduler) runNext(ctx context.Context) (queuedTask, bool, error) {
	q.mu.Lock()
	if len(q.tasks) == 0 {
		q.mu.Unlock()
		return queuedTask{}, false, nil
	}
	next := q.tasks[0]
	q.tasks = q.tasks[1:]
	q.ran = append(q.ran, next)
	q.mu.Unlock()
	return next, true, next.fn(ctx, next.task)
}

func (q *queueScheduler) drain(t *testing.T, ctx context.Context) {
	t.Helper()
	for i := 0; i < 200; i++ {
		_, ok, err := q.runNext(ctx)
		if !ok {
			return
		}
		require.NoError(t, err)
	}
	t.Fatal("scheduler did not drain")
}

func (q *queueScheduler) wakeTimes(recordID string, step asyncop.Step) []time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []time.Duration
	for _, t := range q.ran {
		if t.task.RecordID == recordID && t.task.Step == step {
			out = append(out, t.at.Sub(testNow))
		}
	}
	return out
}

type directory struct {
	providers map[string][]string
	houses    map[string][]string
}

func (d directory) ManagedProviders(_ context.Context, agentID string) ([]string, error) {
	return d.providers[agentID], nil
}

func (d directory) Houses(_ context.Context, providerID string) ([]string, error) {
	return d.houses[providerID], nil
}

func (d directory) ProviderGUID(_ context.Context, providerID string) (string, error) {
	return "org-" + providerID, nil
}

func (d directory) HouseGUID(_ context.Context, houseID string) (string, error) {
	return "fias-" + houseID, nil
}

type fixture struct {
	engine   *Engine
	store    *store.Memory
	gateway  *gateway
	queue    *queueScheduler
	registry *Registry
}

func newFixture(t *testing.T, gw *gateway, descs []Descriptor, opts ...Option) *fixture {
	t.Helper()
	registry := NewRegistry(nil, nil)
	registry.MustRegister(descs...)

	mem := store.NewMemory().WithClock(testClock)
	queue := &queueScheduler{}
	base := []Option{
		WithRecordStore(mem),
		WithIdentifierStore(mem),
		WithTransport(gw),
		WithRegistry(registry),
		WithScheduler(queue),
		WithInlineScheduler(cron.NewInlineScheduler(cron.WithInlineSleep(cron.NoSleep), cron.WithInlineClock(testClock))),
		WithClock(testClock),
		WithSleep(cron.NoSleep),
		WithLogger(asyncop.NopLogger{}),
	}
	engine, err := New(append(base, opts...)...)
	require.NoError(t, err)
	return &fixture{engine: engine, store: mem, gateway: gw, queue: queue, registry: registry}
}

func (f *fixture) prepared(t *testing.T, name string, scope Scope, ids []string) *Operation {
	t.Helper()
	op, err := f.engine.Create(name, scope, nil)
	require.NoError(t, err)
	require.NoError(t, op.Prepare(context.Background(), ids, asyncop.Payload{"kind": "meter"}))
	return op
}

func (f *fixture) load(t *testing.T, id string) *asyncop.Record {
	t.Helper()
	rec, err := f.store.Load(context.Background(), id)
	require.NoError(t, err)
	return rec
}

var scoped = Scope{ProviderID: "p1", HouseID: "h1"}
