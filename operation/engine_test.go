package operation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-asyncop"
	"github.com/goliatone/go-asyncop/cron"
	"github.com/goliatone/go-asyncop/metrics"
)

var _ Observer = (*metrics.Collector)(nil)

func TestSweepRedispatchesOverdueRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newGateway(), []Descriptor{{Name: "exportMeters"}})

	overdue := testNow.Add(-10 * time.Minute)
	polling := asyncop.NewRecord("exportMeters", testNow)
	polling.Status = asyncop.StatusExecuting
	polling.Acked = asyncop.TimePtr(overdue)
	polling.AckGUID = "ack-x"
	polling.Scheduled = asyncop.TimePtr(overdue)

	delayed := asyncop.NewRecord("exportMeters", testNow)
	delayed.Status = asyncop.StatusPrepared
	delayed.Scheduled = asyncop.TimePtr(overdue.Add(time.Minute))

	recent := asyncop.NewRecord("exportMeters", testNow)
	recent.Status = asyncop.StatusExecuting
	recent.Acked = asyncop.TimePtr(testNow)
	recent.Scheduled = asyncop.TimePtr(testNow.Add(-30 * time.Second))

	finished := asyncop.NewRecord("exportMeters", testNow)
	finished.Status = asyncop.StatusError
	finished.Scheduled = asyncop.TimePtr(overdue)

	for _, rec := range []*asyncop.Record{polling, delayed, recent, finished} {
		require.NoError(t, f.store.Save(ctx, rec))
	}

	n, err := f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []asyncop.Task{
		{RecordID: polling.ID, Step: asyncop.StepResult},
		{RecordID: delayed.ID, Step: asyncop.StepRequest},
	}, f.queue.pending())
}

func TestSweepWithNothingDue(t *testing.T) {
	f := newFixture(t, newGateway(), []Descriptor{{Name: "exportMeters"}})

	n, err := f.engine.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRegisterSweeper(t *testing.T) {
	f := newFixture(t, newGateway(), []Descriptor{{Name: "exportMeters"}})
	scheduler := cron.NewScheduler()

	handle, err := f.engine.RegisterSweeper(scheduler)
	require.NoError(t, err)
	assert.Equal(t, cron.ScheduleStatusScheduled, handle.Status())
	handle.Cancel()

	_, err = f.engine.RegisterSweeper(nil)
	assert.Error(t, err)
}

func TestExecuteSkipsTerminalRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newGateway(), []Descriptor{{Name: "exportMeters"}})
	rec := asyncop.NewRecord("exportMeters", testNow)
	rec.Status = asyncop.StatusCanceled
	require.NoError(t, f.store.Save(ctx, rec))

	require.NoError(t, f.engine.Execute(ctx, asyncop.Task{RecordID: rec.ID, Step: asyncop.StepRequest}))
	assert.Empty(t, f.gateway.requests("exportMeters"))
}

func TestExecuteUnknownRecord(t *testing.T) {
	f := newFixture(t, newGateway(), []Descriptor{{Name: "exportMeters"}})

	err := f.engine.Execute(context.Background(), asyncop.Task{RecordID: "missing", Step: asyncop.StepRequest})
	assert.ErrorIs(t, err, asyncop.ErrNotFound)
}

func TestCreateUnknownOperation(t *testing.T) {
	f := newFixture(t, newGateway(), []Descriptor{{Name: "exportMeters"}})

	_, err := f.engine.Create("importEverything", scoped, nil)
	assert.Error(t, err)
}

func TestEngineDerivesPollLimit(t *testing.T) {
	f := newFixture(t, newGateway(), []Descriptor{{Name: "exportMeters"}})

	cfg := f.engine.Config()
	assert.Equal(t, len(cfg.PollSchedule)+12, cfg.MaxPollRetries)
}

func TestRegistryRejectsInvalidDescriptors(t *testing.T) {
	r := NewRegistry(nil, nil)

	assert.Error(t, r.Register(Descriptor{}))
	assert.Error(t, r.Register(Descriptor{Name: "exportMeters", ElementLimit: -1}))
	require.NoError(t, r.Register(Descriptor{Name: "exportMeters"}))
	assert.Error(t, r.Register(Descriptor{Name: " exportMeters "}))
	assert.Panics(t, func() { r.MustRegister(Descriptor{Name: "exportMeters"}) })
}

func TestRegistryAppliesOverrides(t *testing.T) {
	limit := 50
	sameLimit := 100
	delay := 2 * time.Minute
	version := "14.0"
	r := NewRegistry(map[string]asyncop.Override{
		"exportMeters": {ElementLimit: &limit, GetStateDelay: &delay, Version: &version},
		"exportHouse":  {ElementLimit: &sameLimit},
	}, nil)
	r.MustRegister(
		Descriptor{Name: "exportMeters", ElementLimit: 100, Version: "13.1"},
		Descriptor{Name: "exportHouse", ElementLimit: 100},
		Descriptor{Name: "exportNsi"},
	)

	meters, ok := r.Lookup("exportMeters")
	require.True(t, ok)
	assert.Equal(t, 50, meters.ElementLimit)
	assert.Equal(t, 2*time.Minute, meters.GetStateDelay)
	assert.Equal(t, "14.0", meters.Version)

	house, ok := r.Lookup("exportHouse")
	require.True(t, ok)
	assert.Equal(t, 100, house.ElementLimit)

	assert.Equal(t, []string{"exportHouse", "exportMeters", "exportNsi"}, r.Names())
}

func TestDescriptorPollDelayOverride(t *testing.T) {
	ctx := context.Background()
	gw := newGateway(asyncop.StateProcessing)
	f := newFixture(t, gw, []Descriptor{{Name: "exportMeters", GetStateDelay: 45 * time.Second}})
	op := f.prepared(t, "exportMeters", scoped, []string{"1"})

	require.NoError(t, op.MakeRequest(ctx))
	f.queue.drain(t, ctx)

	assert.Equal(t,
		[]time.Duration{5 * time.Second, 45 * time.Second},
		f.queue.wakeTimes(op.ID(), asyncop.StepResult))
}

func TestCollectorObservesEngine(t *testing.T) {
	ctx := context.Background()
	collector := metrics.NewCollector(metrics.Config{})
	f := newFixture(t, newGateway(), []Descriptor{{Name: "exportMeters"}}, WithObserver(collector))
	op := f.prepared(t, "exportMeters", scoped, []string{"1"})

	require.NoError(t, op.MakeRequest(ctx))
	f.queue.drain(t, ctx)

	families, err := collector.Registry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["asyncop_phases_total"])
	assert.True(t, names["asyncop_polls_total"])
	assert.True(t, names["asyncop_status_transitions_total"])
}

// rejectingGateway rejects polls for one acknowledgement and, like net/http,
// fails every call made with a canceled context.
type rejectingGateway struct {
	*gateway
	rejected string
}

func (g rejectingGateway) Send(ctx context.Context, req asyncop.Request) (*asyncop.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, asyncop.TransientFault("request failed", err)
	}
	if req.Operation == asyncop.OperationGetState && req.AckGUID == g.rejected {
		return nil, asyncop.ProtocolFault("INT002", "request rejected", "")
	}
	return g.gateway.Send(ctx, req)
}

func TestSweepFailureDoesNotAffectOtherRecords(t *testing.T) {
	ctx := context.Background()
	cfg := asyncop.DefaultConfig()
	cfg.SweepConcurrency = 1
	gw := rejectingGateway{gateway: newGateway(), rejected: "ack-bad"}
	f := newFixture(t, gw.gateway, []Descriptor{{Name: "exportMeters"}},
		WithTransport(gw),
		WithConfig(cfg),
		WithScheduler(cron.NewInlineScheduler(cron.WithInlineSleep(cron.NoSleep), cron.WithInlineClock(testClock))),
	)

	overdue := testNow.Add(-10 * time.Minute)
	bad := asyncop.NewRecord("exportMeters", testNow)
	good := asyncop.NewRecord("exportMeters", testNow)
	for i, rec := range []*asyncop.Record{bad, good} {
		rec.ProviderID = "p1"
		rec.ObjectIDs = []string{"1"}
		rec.Status = asyncop.StatusExecuting
		rec.Acked = asyncop.TimePtr(overdue)
		rec.Scheduled = asyncop.TimePtr(overdue.Add(time.Duration(i) * time.Minute))
	}
	bad.AckGUID = "ack-bad"
	good.AckGUID = "ack-good"
	require.NoError(t, f.store.Save(ctx, bad))
	require.NoError(t, f.store.Save(ctx, good))

	n, err := f.engine.Sweep(ctx)
	assert.Equal(t, 2, n)
	assert.Error(t, err)

	assert.Equal(t, asyncop.StatusError, f.load(t, bad.ID).Status)
	rec := f.load(t, good.ID)
	assert.Equal(t, asyncop.StatusDone, rec.Status)
	assert.Empty(t, rec.Error)
}
