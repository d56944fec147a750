package operation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-asyncop"
	"github.com/goliatone/go-asyncop/ledger"
)

func TestPrepareShapesRequest(t *testing.T) {
	f := newFixture(t, newGateway(), []Descriptor{{Name: "exportMeters"}})
	op, err := f.engine.Create("exportMeters", scoped, nil)
	require.NoError(t, err)

	err = op.Prepare(context.Background(), []string{" 1", "", "2"}, asyncop.Payload{
		"objectType": "meter",
		"period":     map[string]any{"from": "2026-01-01", "to": "2026-01-31T00:00:00Z"},
		"note":       "monthly",
	})
	require.NoError(t, err)

	rec := f.load(t, op.ID())
	assert.Equal(t, asyncop.StatusPrepared, rec.Status)
	assert.Equal(t, []string{"1", "2"}, rec.ObjectIDs)
	assert.Equal(t, "meter", rec.ObjectType)
	require.NotNil(t, rec.Period)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), rec.Period.From)
	assert.Equal(t, time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC), rec.Period.To)
	assert.Equal(t, asyncop.Payload{"note": "monthly"}, rec.Request)
}

func TestPrepareKeepsNilObjectIDs(t *testing.T) {
	f := newFixture(t, newGateway(), []Descriptor{{Name: "exportHouse"}})
	op := f.prepared(t, "exportHouse", scoped, nil)
	assert.Nil(t, f.load(t, op.ID()).ObjectIDs)

	empty := f.prepared(t, "exportHouse", scoped, []string{})
	ids := f.load(t, empty.ID()).ObjectIDs
	assert.NotNil(t, ids)
	assert.Empty(t, ids)
}

func TestPrepareOnPersistedRecordClones(t *testing.T) {
	f := newFixture(t, newGateway(), []Descriptor{{Name: "exportMeters"}})
	op := f.prepared(t, "exportMeters", scoped, []string{"1"})
	first := op.ID()

	require.NoError(t, op.Prepare(context.Background(), []string{"2"}, nil))
	assert.NotEqual(t, first, op.ID())
	assert.Equal(t, []string{"1"}, f.load(t, first).ObjectIDs)
	assert.Equal(t, []string{"2"}, f.load(t, op.ID()).ObjectIDs)
}

func TestMakeRequestSplitsSurplusIntoChild(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newGateway(), []Descriptor{{Name: "exportMeters", ElementLimit: 2}})
	op := f.prepared(t, "exportMeters", scoped, []string{"1", "2", "3", "4", "5"})

	require.NoError(t, op.MakeRequest(ctx))

	parent := f.load(t, op.ID())
	require.NotEmpty(t, parent.ChildID)
	child := f.load(t, parent.ChildID)

	assert.Equal(t, []string{"1", "2"}, parent.ObjectIDs)
	assert.Equal(t, []string{"3", "4", "5"}, child.ObjectIDs)
	assert.Equal(t, parent.ID, child.ParentID)
	assert.Equal(t, asyncop.StatusPrepared, child.Status)
	assert.Equal(t, parent.ProviderID, child.ProviderID)
	assert.Equal(t, parent.Request, child.Request)
	assert.Len(t, parent.ObjectIDs, 2)

	family, err := f.store.QueryFamily(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, family, 1)

	sent := f.gateway.requests("exportMeters")
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"1", "2"}, sent[0].Payload["object_ids"])
	assert.Equal(t, "p1", sent[0].Header.OrgGUID)

	assert.Equal(t, []asyncop.Task{
		{RecordID: child.ID, Step: asyncop.StepRequest},
		{RecordID: parent.ID, Step: asyncop.StepResult},
	}, f.queue.pending())
}

func TestEndToEndSplitAndPoll(t *testing.T) {
	ctx := context.Background()
	gw := newGateway(asyncop.StateProcessing, asyncop.StateProcessing)
	f := newFixture(t, gw, []Descriptor{{Name: "exportMeters", ElementLimit: 2}})
	op := f.prepared(t, "exportMeters", scoped, []string{"1", "2", "3"})

	require.NoError(t, op.MakeRequest(ctx))
	f.queue.drain(t, ctx)

	parent := f.load(t, op.ID())
	child := f.load(t, parent.ChildID)
	for _, rec := range []*asyncop.Record{parent, child} {
		assert.Equal(t, asyncop.StatusDone, rec.Status)
		assert.NotNil(t, rec.Stored)
		assert.NotNil(t, rec.Stated)
		assert.Nil(t, rec.Scheduled)
	}
	assert.Equal(t, []string{"1", "2"}, parent.ObjectIDs)
	assert.Equal(t, []string{"3"}, child.ObjectIDs)

	cfg := f.engine.Config()
	assert.Equal(t,
		[]time.Duration{cfg.PollSchedule[0], cfg.ProcessingDelay, cfg.ProcessingDelay},
		f.queue.wakeTimes(parent.ID, asyncop.StepResult))
	assert.Len(t, gw.requests(asyncop.OperationGetState), 6)

	loaded, err := f.engine.Load(ctx, parent.ID)
	require.NoError(t, err)
	complete, err := loaded.IsComplete(ctx)
	require.NoError(t, err)
	assert.True(t, complete)
}

func TestSynchronousRunCompletesInline(t *testing.T) {
	ctx := context.Background()
	gw := newGateway(asyncop.StateProcessing)
	f := newFixture(t, gw, []Descriptor{{Name: "exportMeters", ElementLimit: 2, Synchronous: true}})
	op := f.prepared(t, "exportMeters", scoped, []string{"1", "2", "3"})

	require.NoError(t, f.engine.Start(ctx, op))

	assert.Empty(t, f.queue.pending())
	assert.Equal(t, asyncop.StatusDone, op.Record().Status)
	child := f.load(t, op.Record().ChildID)
	assert.Equal(t, asyncop.StatusDone, child.Status)
}

func TestStoredRecordIsNeverReprocessed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newGateway(), []Descriptor{{Name: "exportMeters"}})
	op := f.prepared(t, "exportMeters", scoped, []string{"1"})
	require.NoError(t, op.MakeRequest(ctx))
	f.queue.drain(t, ctx)

	done, err := f.engine.Load(ctx, op.ID())
	require.NoError(t, err)
	stored := done.Record().Stored
	require.NotNil(t, stored)

	err = done.MakeRequest(ctx)
	assert.Equal(t, asyncop.KindConsistency, asyncop.KindOf(err))
	err = done.GetResult(ctx)
	assert.Equal(t, asyncop.KindConsistency, asyncop.KindOf(err))

	rec := f.load(t, op.ID())
	assert.Equal(t, stored, rec.Stored)
	assert.Equal(t, asyncop.StatusDone, rec.Status)
	assert.Len(t, f.gateway.requests("exportMeters"), 1)
}

func TestTransientFaultsRetriedWithinBudget(t *testing.T) {
	ctx := context.Background()
	gw := newGateway()
	gw.failures = []error{asyncop.TransientFault("reset", nil)}
	cfg := asyncop.DefaultConfig()
	cfg.MaxRestartCount = 2
	f := newFixture(t, gw, []Descriptor{{Name: "exportMeters"}}, WithConfig(cfg))
	op := f.prepared(t, "exportMeters", scoped, []string{"1"})

	require.NoError(t, op.MakeRequest(ctx))

	rec := f.load(t, op.ID())
	assert.Equal(t, asyncop.StatusExecuting, rec.Status)
	assert.Equal(t, 1, rec.Restarts)
	assert.Len(t, gw.requests("exportMeters"), 2)
}

func TestTransientFaultSurfacesAfterBudget(t *testing.T) {
	ctx := context.Background()
	last := asyncop.TransientFault("gateway timeout", nil)
	gw := newGateway()
	gw.failures = []error{
		asyncop.TransientFault("reset", nil),
		asyncop.TransientFault("reset", nil),
		last,
	}
	cfg := asyncop.DefaultConfig()
	cfg.MaxRestartCount = 2
	f := newFixture(t, gw, []Descriptor{{Name: "exportMeters"}}, WithConfig(cfg))
	op := f.prepared(t, "exportMeters", scoped, []string{"1"})

	err := op.MakeRequest(ctx)
	require.Error(t, err)
	assert.Same(t, last, err)

	rec := f.load(t, op.ID())
	assert.Equal(t, asyncop.StatusError, rec.Status)
	assert.Equal(t, 2, rec.Restarts)
	assert.Equal(t, "gateway timeout", rec.Error)
	assert.Len(t, gw.requests("exportMeters"), 3)
}

func TestPollExhaustionFails(t *testing.T) {
	ctx := context.Background()
	gw := newGateway(asyncop.StateQueued, asyncop.StateQueued, asyncop.StateQueued, asyncop.StateQueued)
	cfg := asyncop.DefaultConfig()
	cfg.MaxPollRetries = 3
	f := newFixture(t, gw, []Descriptor{{Name: "exportMeters"}}, WithConfig(cfg))
	op := f.prepared(t, "exportMeters", scoped, []string{"1"})

	require.NoError(t, op.MakeRequest(ctx))
	var lastErr error
	for {
		_, ok, err := f.queue.runNext(ctx)
		if !ok {
			break
		}
		lastErr = err
	}

	assert.Equal(t, asyncop.KindInternal, asyncop.KindOf(lastErr))
	rec := f.load(t, op.ID())
	assert.Equal(t, asyncop.StatusError, rec.Status)
	assert.Equal(t, 3, rec.Retries)
	assert.Equal(t, "internal error", rec.Error)
	assert.Contains(t, asyncop.FaultMessage(lastErr), "poll attempts exhausted")
	assert.Len(t, gw.requests(asyncop.OperationGetState), 3)
}

func TestProcessedObjectErrorsDowngradeToWarning(t *testing.T) {
	ctx := context.Background()
	gw := newGateway()
	gw.errors = []asyncop.ResultError{{ObjectID: "2", Code: "INT002", Message: "unknown meter"}}
	f := newFixture(t, gw, []Descriptor{{Name: "exportMeters"}})
	op := f.prepared(t, "exportMeters", scoped, []string{"1", "2"})

	require.NoError(t, op.MakeRequest(ctx))
	f.queue.drain(t, ctx)

	rec := f.load(t, op.ID())
	assert.Equal(t, asyncop.StatusWarning, rec.Status)
	assert.Equal(t, 1, rec.FailuresCount)
	assert.NotNil(t, rec.Stored)
}

func TestProcessedGeneralErrorFails(t *testing.T) {
	ctx := context.Background()
	gw := newGateway()
	gw.errors = []asyncop.ResultError{{Code: "INT009", Message: "house unknown", Detail: "fias missing"}}
	f := newFixture(t, gw, []Descriptor{{Name: "exportMeters"}})
	op := f.prepared(t, "exportMeters", scoped, []string{"1"})

	require.NoError(t, op.MakeRequest(ctx))
	_, ok, err := f.queue.runNext(ctx)
	require.True(t, ok)
	assert.Equal(t, asyncop.KindProtocol, asyncop.KindOf(err))

	rec := f.load(t, op.ID())
	assert.Equal(t, asyncop.StatusError, rec.Status)
	assert.Equal(t, "house unknown", rec.Error)
	assert.Contains(t, rec.Trace, "INT009")
	assert.Nil(t, rec.Stored)
}

func TestEmptyResultIsWarning(t *testing.T) {
	ctx := context.Background()
	gw := newGateway()
	gw.payload = nil
	f := newFixture(t, gw, []Descriptor{{Name: "exportMeters"}})
	op := f.prepared(t, "exportMeters", scoped, []string{"1"})

	require.NoError(t, op.MakeRequest(ctx))
	f.queue.drain(t, ctx)

	rec := f.load(t, op.ID())
	assert.Equal(t, asyncop.StatusWarning, rec.Status)
	assert.Equal(t, 1, rec.WarningsCount)
	assert.Nil(t, rec.Stored)
}

func TestComposeRejectsEmptyField(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newGateway(), []Descriptor{{
		Name: "exportMeters",
		Hooks: Hooks{
			ComposeRequestBody: func(context.Context, *Operation) (asyncop.Payload, error) {
				return asyncop.Payload{"fias": ""}, nil
			},
		},
	}})
	op := f.prepared(t, "exportMeters", scoped, []string{"1"})

	err := op.MakeRequest(ctx)
	assert.Equal(t, asyncop.KindAssertion, asyncop.KindOf(err))
	rec := f.load(t, op.ID())
	assert.Equal(t, asyncop.StatusError, rec.Status)
	assert.Equal(t, "internal error", rec.Error)
	assert.Empty(t, f.gateway.requests("exportMeters"))
}

func TestLedgerRoundTripThroughHooks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newGateway(), []Descriptor{{
		Name: "exportMeters",
		Hooks: Hooks{
			ComposeRequestBody: func(ctx context.Context, op *Operation) (asyncop.Payload, error) {
				guids := make([]string, 0)
				for _, id := range op.Record().ObjectIDs {
					ident, err := op.MappedGUID(ctx, "meter", id)
					if err != nil {
						return nil, err
					}
					guids = append(guids, ident.TransportID)
				}
				return asyncop.Payload{"transport_guids": guids}, nil
			},
			StoreResult: func(_ context.Context, op *Operation, _ []asyncop.Payload) error {
				for _, id := range op.Record().ObjectIDs {
					if err := op.Success(op.Key("meter", id), ledger.Remote{RemoteID: "remote-" + id}); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}})
	op := f.prepared(t, "exportMeters", scoped, []string{"1", "2"})

	require.NoError(t, op.MakeRequest(ctx))
	checkedOut, err := f.store.Find(ctx, "meter", "1", "p1")
	require.NoError(t, err)
	assert.Equal(t, op.ID(), checkedOut.RecordID)

	f.queue.drain(t, ctx)

	for _, id := range []string{"1", "2"} {
		ident, err := f.store.Find(ctx, "meter", id, "p1")
		require.NoError(t, err)
		assert.Equal(t, "remote-"+id, ident.RemoteID)
		assert.Empty(t, ident.RecordID)
	}
	assert.Equal(t, asyncop.StatusDone, f.load(t, op.ID()).Status)
}

func TestRetryRerunsTerminalRecord(t *testing.T) {
	ctx := context.Background()
	gw := newGateway()
	gw.failures = []error{asyncop.PublicFault("house archived")}
	f := newFixture(t, gw, []Descriptor{{Name: "exportMeters"}})
	op := f.prepared(t, "exportMeters", scoped, []string{"1"})
	require.Error(t, op.MakeRequest(ctx))

	next, err := f.engine.Retry(ctx, op.ID())
	require.NoError(t, err)
	assert.NotEqual(t, op.ID(), next.ID())

	original := f.load(t, op.ID())
	assert.Equal(t, asyncop.StatusError, original.Status)
	assert.Contains(t, original.Log[len(original.Log)-1].Message, next.ID())

	assert.Equal(t, []asyncop.Task{{RecordID: next.ID(), Step: asyncop.StepRequest}}, f.queue.pending())
	f.queue.drain(t, ctx)
	assert.Equal(t, asyncop.StatusDone, f.load(t, next.ID()).Status)
}

func TestRetryRejectsRunningRecord(t *testing.T) {
	f := newFixture(t, newGateway(), []Descriptor{{Name: "exportMeters"}})
	op := f.prepared(t, "exportMeters", scoped, []string{"1"})

	_, err := op.Retry(context.Background())
	assert.Equal(t, asyncop.KindConsistency, asyncop.KindOf(err))
}

func TestStartWithDelayArmsWakeTime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newGateway(), []Descriptor{{Name: "exportMeters"}})
	op, err := f.engine.Create("exportMeters", scoped, asyncop.Options{asyncop.OptDelay: "90s"})
	require.NoError(t, err)
	require.NoError(t, op.Prepare(ctx, []string{"1"}, nil))

	require.NoError(t, f.engine.Start(ctx, op))

	rec := f.load(t, op.ID())
	require.NotNil(t, rec.Scheduled)
	assert.Equal(t, testNow.Add(90*time.Second), *rec.Scheduled)
	f.queue.drain(t, ctx)
	assert.Equal(t, []time.Duration{90 * time.Second}, f.queue.wakeTimes(op.ID(), asyncop.StepRequest))
}

func TestStartRequiresPreparedOperation(t *testing.T) {
	f := newFixture(t, newGateway(), []Descriptor{{Name: "exportMeters"}})
	op, err := f.engine.Create("exportMeters", scoped, nil)
	require.NoError(t, err)

	err = f.engine.Start(context.Background(), op)
	assert.Equal(t, asyncop.KindAssertion, asyncop.KindOf(err))
}

func TestAnonymousOperationSendsNoOrganisation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newGateway(), []Descriptor{{Name: "exportNsi", Anonymous: true, Version: "13.1"}})
	op := f.prepared(t, "exportNsi", Scope{}, []string{"1"})

	require.NoError(t, op.MakeRequest(ctx))
	sent := f.gateway.requests("exportNsi")
	require.Len(t, sent, 1)
	assert.Empty(t, sent[0].Header.OrgGUID)
	assert.Equal(t, "13.1", sent[0].Header.Version)
	assert.NotEmpty(t, sent[0].Header.MessageGUID)
	assert.Equal(t, sent[0].Header.MessageGUID, f.load(t, op.ID()).MessageGUID)
}

func TestEngineRequiresDependencies(t *testing.T) {
	_, err := New()
	assert.Error(t, err)
}

func TestSynchronousChainStartsFollowerOnce(t *testing.T) {
	ctx := context.Background()
	gw := newGateway(asyncop.StateQueued, asyncop.StateProcessing)
	f := newFixture(t, gw, []Descriptor{{Name: "exportMeters", Synchronous: true}})
	head := f.prepared(t, "exportMeters", scoped, []string{"1"})
	tail := f.prepared(t, "exportMeters", scoped, []string{"9"})
	require.NoError(t, head.Lead(ctx, tail))

	require.NoError(t, f.engine.Start(ctx, head))

	assert.Empty(t, f.queue.pending())
	assert.Equal(t, asyncop.StatusDone, f.load(t, head.ID()).Status)
	assert.Equal(t, asyncop.StatusDone, f.load(t, tail.ID()).Status)
	assert.Len(t, f.gateway.requests("exportMeters"), 2)
	assert.Len(t, f.gateway.requests(asyncop.OperationGetState), 6)
}
