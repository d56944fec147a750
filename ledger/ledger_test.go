package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/goliatone/go-asyncop"
	"github.com/goliatone/go-asyncop/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func TestLedgerRoundTrip(t *testing.T) {
	ctx := context.Background()
	ids := store.NewMemory()
	l := New(ids, "rec-1", WithClock(clock))

	ident, err := l.Mapped(ctx, "account", "42", "p1")
	require.NoError(t, err)
	assert.Equal(t, "rec-1", ident.RecordID)
	assert.NotEmpty(t, ident.TransportID)

	require.NoError(t, l.Success(ident.Key(), Remote{RemoteID: "R-42", UniqueNumber: "U-42"}))
	res, err := l.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, asyncop.BatchResult{Inserted: 1}, res)
	assert.Zero(t, l.Len())

	loaded, err := ids.Find(ctx, "account", "42", "p1")
	require.NoError(t, err)
	assert.Equal(t, "R-42", loaded.RemoteID)
	assert.Equal(t, "U-42", loaded.UniqueNumber)
}

func TestLedgerMappedRegeneratesTransportID(t *testing.T) {
	ctx := context.Background()
	ids := store.NewMemory()
	first := New(ids, "rec-1", WithClock(clock))
	ident, err := first.Mapped(ctx, "house", "1", "")
	require.NoError(t, err)
	transport := ident.TransportID
	_, err = first.Release(ctx)
	require.NoError(t, err)

	second := New(ids, "rec-2", WithClock(clock))
	again, err := second.Mapped(ctx, "house", "1", "")
	require.NoError(t, err)
	assert.NotEqual(t, transport, again.TransportID)
	assert.Equal(t, 1, again.Version)
}

func TestLedgerCheckoutAssertion(t *testing.T) {
	ctx := context.Background()
	ids := store.NewMemory()
	owner := New(ids, "rec-1", WithClock(clock))
	_, err := owner.Mapped(ctx, "house", "1", "")
	require.NoError(t, err)
	_, err = owner.Flush(ctx)
	require.NoError(t, err)

	other := New(ids, "rec-2", WithClock(clock))
	_, err = other.Mapped(ctx, "house", "1", "")
	require.Error(t, err)
	assert.Equal(t, asyncop.KindAssertion, asyncop.KindOf(err))

	// the owner can re-map its own checkout
	_, err = owner.Mapped(ctx, "house", "1", "")
	assert.NoError(t, err)
}

func TestLedgerSharedFallsBackToLatestPrivate(t *testing.T) {
	ctx := context.Background()
	ids := store.NewMemory()
	_, err := ids.BatchWrite(ctx, []asyncop.BatchOp{
		{Kind: asyncop.BatchInsert, Identifier: &asyncop.Identifier{Tag: "house", ObjectID: "7", ProviderID: "p1", RemoteID: "old", UpdatedAt: fixedNow.Add(-time.Hour)}},
		{Kind: asyncop.BatchInsert, Identifier: &asyncop.Identifier{Tag: "house", ObjectID: "7", ProviderID: "p2", RemoteID: "new", UpdatedAt: fixedNow}},
	})
	require.NoError(t, err)

	l := New(ids, "rec-1", WithClock(clock))
	ident, err := l.Mapped(ctx, "house", "7", "")
	require.NoError(t, err)
	assert.Equal(t, "new", ident.RemoteID)
	assert.Equal(t, "p2", ident.ProviderID)

	shared := asyncop.IdentifierKey{Tag: "house", ObjectID: "7"}
	require.NoError(t, l.Failure(shared, "rejected"))
	got, ok := l.Get(shared)
	require.True(t, ok)
	assert.Equal(t, "rejected", got.LastError)
}

func TestLedgerDeletedFlagsWithoutRemoving(t *testing.T) {
	ctx := context.Background()
	ids := store.NewMemory()
	l := New(ids, "rec-1", WithClock(clock))
	ident, err := l.Mapped(ctx, "house", "1", "")
	require.NoError(t, err)
	require.NoError(t, l.Success(ident.Key(), Remote{RemoteID: "R1"}))
	_, err = l.Flush(ctx)
	require.NoError(t, err)

	ident, err = l.Mapped(ctx, "house", "1", "")
	require.NoError(t, err)
	require.NoError(t, l.Deleted(ident.Key()))
	res, err := l.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, asyncop.BatchResult{Updated: 1}, res)

	row, err := ids.Find(ctx, "house", "1", "")
	require.NoError(t, err)
	require.NotNil(t, row.DeletedAt)
	assert.Equal(t, "R1", row.RemoteID)
}

func TestLedgerForgetAndAnnul(t *testing.T) {
	ctx := context.Background()
	ids := store.NewMemory()
	l := New(ids, "rec-1", WithClock(clock))
	kept, err := l.Mapped(ctx, "house", "1", "")
	require.NoError(t, err)
	require.NoError(t, l.Success(kept.Key(), Remote{RemoteID: "R1"}))
	fresh, err := l.Mapped(ctx, "house", "2", "")
	require.NoError(t, err)
	require.NoError(t, l.Forget(fresh.Key()))

	res, err := l.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, asyncop.BatchResult{Inserted: 1}, res)

	kept, err = l.Mapped(ctx, "house", "1", "")
	require.NoError(t, err)
	require.NoError(t, l.Annul(kept.Key()))
	_, err = l.Flush(ctx)
	require.NoError(t, err)

	row, err := ids.Find(ctx, "house", "1", "")
	require.NoError(t, err)
	assert.Empty(t, row.RemoteID)
}

func TestLedgerFlushValidatesBeforeWriting(t *testing.T) {
	ctx := context.Background()
	ids := store.NewMemory()
	l := New(ids, "rec-1", WithClock(clock))
	ok, err := l.Mapped(ctx, "house", "1", "")
	require.NoError(t, err)
	bad, err := l.Mapped(ctx, "house", "2", "")
	require.NoError(t, err)
	require.NoError(t, l.Success(ok.Key(), Remote{RemoteID: "R1"}))
	require.NoError(t, l.Success(bad.Key(), Remote{RootID: "not-for-houses"}))

	_, err = l.Flush(ctx)
	require.Error(t, err)
	assert.Equal(t, asyncop.KindAssertion, asyncop.KindOf(err))

	_, err = ids.Find(ctx, "house", "1", "")
	assert.ErrorIs(t, err, asyncop.ErrNotFound)
}

func TestLedgerRestoreAndRelease(t *testing.T) {
	ctx := context.Background()
	ids := store.NewMemory()
	l := New(ids, "rec-1", WithClock(clock))
	for _, objectID := range []string{"1", "2"} {
		_, err := l.Mapped(ctx, "house", objectID, "")
		require.NoError(t, err)
	}
	_, err := l.Flush(ctx)
	require.NoError(t, err)

	restored := New(ids, "rec-1", WithClock(clock))
	n, err := restored.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	res, err := restored.Release(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Updated)

	rows, err := ids.FindByRecord(ctx, "rec-1")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestLedgerRestoreResolvesSharedKey(t *testing.T) {
	ctx := context.Background()
	ids := store.NewMemory()
	l := New(ids, "rec-1", WithClock(clock))
	_, err := l.Mapped(ctx, "document", "7", "p1")
	require.NoError(t, err)
	_, err = l.Flush(ctx)
	require.NoError(t, err)

	restored := New(ids, "rec-1", WithClock(clock))
	_, err = restored.Restore(ctx)
	require.NoError(t, err)

	require.NoError(t, restored.Success(asyncop.IdentifierKey{Tag: "document", ObjectID: "7"}, Remote{RemoteID: "D-7"}))
	ident, ok := restored.Get(asyncop.IdentifierKey{Tag: "document", ObjectID: "7", ProviderID: "p1"})
	require.True(t, ok)
	assert.Equal(t, "D-7", ident.RemoteID)
}

func TestLedgerUnmappedKeyIsAssertion(t *testing.T) {
	l := New(store.NewMemory(), "rec-1")
	err := l.Success(asyncop.IdentifierKey{Tag: "house", ObjectID: "9"}, Remote{RemoteID: "x"})
	assert.Equal(t, asyncop.KindAssertion, asyncop.KindOf(err))
}

func TestRequiredCoverage(t *testing.T) {
	ctx := context.Background()
	ids := store.NewMemory()
	_, err := ids.BatchWrite(ctx, []asyncop.BatchOp{
		{Kind: asyncop.BatchInsert, Identifier: &asyncop.Identifier{Tag: "device", ObjectID: "1", RootID: "A", UpdatedAt: fixedNow}},
		{Kind: asyncop.BatchInsert, Identifier: &asyncop.Identifier{Tag: "device", ObjectID: "2", UpdatedAt: fixedNow}},
	})
	require.NoError(t, err)

	l := New(ids, "rec-1", WithClock(clock))
	cov, err := l.Required(ctx, Requirement{Tag: "device", ObjectIDs: []string{"1", "2"}, Percent: 50})
	require.NoError(t, err)
	assert.Equal(t, 50.0, cov.Percent)
	assert.Equal(t, []string{"2"}, cov.Missing)

	refreshed := 0
	_, err = l.Required(ctx, Requirement{
		Tag:       "device",
		ObjectIDs: []string{"1", "2"},
		Percent:   100,
		Refresh: func(ctx context.Context, missing []string) error {
			refreshed++
			assert.Equal(t, []string{"2"}, missing)
			row, err := ids.Find(ctx, "device", "2", "")
			require.NoError(t, err)
			row.RootID = "B"
			_, err = ids.BatchWrite(ctx, []asyncop.BatchOp{{Kind: asyncop.BatchReplace, Identifier: row}})
			return err
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, refreshed)

	_, err = l.Required(ctx, Requirement{Tag: "device", ObjectIDs: []string{"1", "3"}, Percent: 100})
	require.Error(t, err)
	assert.Equal(t, asyncop.KindPrecondition, asyncop.KindOf(err))
	assert.False(t, asyncop.PreconditionSatisfied(err))
}
