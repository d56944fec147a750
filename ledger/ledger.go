// Package ledger keeps the per-operation view of external identifiers.
//
// A Ledger accumulates identifier changes during a phase and writes them to
// the IdentifierStore as one batch at a checkpoint, after which the
// in-memory state is purged.
package ledger

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goliatone/go-asyncop"
	"github.com/google/uuid"
)

// Remote carries the correlation fields returned by the remote system.
// Empty fields leave the stored value untouched.
type Remote struct {
	RemoteID      string
	RootID        string
	VersionID     string
	UniqueNumber  string
	DisplayNumber string
}

// Ledger is not safe for concurrent use; it belongs to one operation.
type Ledger struct {
	store    asyncop.IdentifierStore
	recordID string
	now      func() time.Time
	logger   asyncop.Logger

	entries map[asyncop.IdentifierKey]*asyncop.Identifier
	aliases map[asyncop.IdentifierKey]asyncop.IdentifierKey
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger asyncop.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates an empty ledger for the record.
func New(store asyncop.IdentifierStore, recordID string, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		recordID: recordID,
		now:      time.Now,
		logger:   asyncop.NopLogger{},
	}
	for _, opt := range opts {
		opt(l)
	}
	l.reset()
	return l
}

func (l *Ledger) reset() {
	l.entries = make(map[asyncop.IdentifierKey]*asyncop.Identifier)
	l.aliases = make(map[asyncop.IdentifierKey]asyncop.IdentifierKey)
}

// RecordID returns the owning record id.
func (l *Ledger) RecordID() string { return l.recordID }

// Rebind moves the ledger to another record id. Pending state is dropped.
func (l *Ledger) Rebind(recordID string) {
	l.recordID = recordID
	l.reset()
}

// Len returns the number of identifiers held in memory.
func (l *Ledger) Len() int { return len(l.entries) }

// Clear drops in-memory state without writing.
func (l *Ledger) Clear() { l.reset() }

// Entries returns copies of the held identifiers sorted by key.
func (l *Ledger) Entries() []*asyncop.Identifier {
	out := make([]*asyncop.Identifier, 0, len(l.entries))
	for _, ident := range l.entries {
		out = append(out, ident.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key().String() < out[j].Key().String()
	})
	return out
}

// Get returns the held identifier for key without touching the store.
func (l *Ledger) Get(key asyncop.IdentifierKey) (*asyncop.Identifier, bool) {
	ident, ok := l.entries[l.resolveKey(key)]
	return ident, ok
}

func (l *Ledger) resolveKey(key asyncop.IdentifierKey) asyncop.IdentifierKey {
	if target, ok := l.aliases[key]; ok {
		return target
	}
	return key
}

// Mapped resolves or creates the identifier for the key and checks it out to
// the ledger's record with a fresh transport id. A row checked out by a
// different record is an assertion failure.
func (l *Ledger) Mapped(ctx context.Context, tag, objectID, providerID string) (*asyncop.Identifier, error) {
	key := asyncop.IdentifierKey{Tag: strings.TrimSpace(tag), ObjectID: strings.TrimSpace(objectID), ProviderID: strings.TrimSpace(providerID)}
	if key.Tag == "" || key.ObjectID == "" {
		return nil, asyncop.AssertionFailed("identifier requires tag and object id")
	}
	if ident, ok := l.entries[l.resolveKey(key)]; ok {
		return ident, nil
	}

	ident, err := l.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if ident == nil {
		ident = &asyncop.Identifier{Tag: key.Tag, ObjectID: key.ObjectID, ProviderID: key.ProviderID}
	}
	if ident.RecordID != "" && ident.RecordID != l.recordID {
		return nil, asyncop.AssertionFailed(fmt.Sprintf("identifier %s checked out by %s", ident.Key(), ident.RecordID))
	}

	ident.RecordID = l.recordID
	ident.TransportID = uuid.NewString()
	ident.UpdatedAt = l.now().UTC()
	ident.PendingWrite = true

	actual := ident.Key()
	l.entries[actual] = ident
	if actual != key {
		l.aliases[key] = actual
	}
	l.logger.Debug("identifier mapped key=%s transport=%s", actual, ident.TransportID)
	return ident, nil
}

// lookup finds the stored row. A shared key falls back to the most recently
// updated provider-scoped row.
func (l *Ledger) lookup(ctx context.Context, key asyncop.IdentifierKey) (*asyncop.Identifier, error) {
	ident, err := l.store.Find(ctx, key.Tag, key.ObjectID, key.ProviderID)
	if err == nil {
		return ident, nil
	}
	if !stderrors.Is(err, asyncop.ErrNotFound) {
		return nil, fmt.Errorf("find identifier %s: %w", key, err)
	}
	if key.ProviderID != "" {
		return nil, nil
	}
	ident, err = l.store.FindLatest(ctx, key.Tag, key.ObjectID)
	if err == nil {
		return ident, nil
	}
	if stderrors.Is(err, asyncop.ErrNotFound) {
		return nil, nil
	}
	return nil, fmt.Errorf("find latest identifier %s: %w", key, err)
}

func (l *Ledger) held(key asyncop.IdentifierKey) (*asyncop.Identifier, error) {
	ident, ok := l.entries[l.resolveKey(key)]
	if !ok {
		return nil, asyncop.AssertionFailed(fmt.Sprintf("identifier %s is not mapped", key))
	}
	return ident, nil
}

func (l *Ledger) touch(ident *asyncop.Identifier) {
	ident.UpdatedAt = l.now().UTC()
	ident.PendingWrite = true
}

// Success applies the remote correlation fields and clears any error or
// deletion flag.
func (l *Ledger) Success(key asyncop.IdentifierKey, remote Remote) error {
	ident, err := l.held(key)
	if err != nil {
		return err
	}
	setIf(&ident.RemoteID, remote.RemoteID)
	setIf(&ident.RootID, remote.RootID)
	setIf(&ident.VersionID, remote.VersionID)
	setIf(&ident.UniqueNumber, remote.UniqueNumber)
	setIf(&ident.DisplayNumber, remote.DisplayNumber)
	ident.LastError = ""
	ident.DeletedAt = nil
	ident.Discard = false
	l.touch(ident)
	return nil
}

// Annul clears the remote correlation fields after the remote object was
// annulled. The row itself is kept.
func (l *Ledger) Annul(key asyncop.IdentifierKey) error {
	ident, err := l.held(key)
	if err != nil {
		return err
	}
	ident.RemoteID = ""
	ident.RootID = ""
	ident.VersionID = ""
	ident.UniqueNumber = ""
	ident.DisplayNumber = ""
	ident.LastError = ""
	l.touch(ident)
	return nil
}

// Deleted flags the identifier as removed on the remote side.
func (l *Ledger) Deleted(key asyncop.IdentifierKey) error {
	ident, err := l.held(key)
	if err != nil {
		return err
	}
	at := l.now().UTC()
	ident.DeletedAt = &at
	l.touch(ident)
	return nil
}

// Failure records a per-object rejection.
func (l *Ledger) Failure(key asyncop.IdentifierKey, message string) error {
	ident, err := l.held(key)
	if err != nil {
		return err
	}
	ident.LastError = strings.TrimSpace(message)
	l.touch(ident)
	return nil
}

// Forget drops the mapping: a stored row is deleted at flush, an unsaved one
// is skipped.
func (l *Ledger) Forget(key asyncop.IdentifierKey) error {
	ident, err := l.held(key)
	if err != nil {
		return err
	}
	ident.Discard = true
	l.touch(ident)
	return nil
}

// Restore reloads the rows checked out by the record. Used when a result is
// processed in a different process than the request.
func (l *Ledger) Restore(ctx context.Context) (int, error) {
	rows, err := l.store.FindByRecord(ctx, l.recordID)
	if err != nil {
		return 0, fmt.Errorf("restore ledger for %s: %w", l.recordID, err)
	}
	restored := 0
	for _, ident := range rows {
		key := ident.Key()
		if _, ok := l.entries[key]; ok {
			continue
		}
		ident.PendingWrite = false
		l.entries[key] = ident
		if !ident.Shared() {
			shared := asyncop.IdentifierKey{Tag: key.Tag, ObjectID: key.ObjectID}
			if _, held := l.entries[shared]; !held {
				l.aliases[shared] = key
			}
		}
		restored++
	}
	if restored > 0 {
		l.logger.Debug("ledger restored record=%s identifiers=%d", l.recordID, restored)
	}
	return restored, nil
}

// Release returns every identifier checked out by the record and flushes.
func (l *Ledger) Release(ctx context.Context) (asyncop.BatchResult, error) {
	if _, err := l.Restore(ctx); err != nil {
		return asyncop.BatchResult{}, err
	}
	for _, ident := range l.entries {
		if ident.RecordID != l.recordID {
			continue
		}
		ident.RecordID = ""
		ident.PendingWrite = true
	}
	return l.Flush(ctx)
}

// Flush validates dirty entries, writes them as one batch and purges the
// in-memory state. Nothing is written when validation fails.
func (l *Ledger) Flush(ctx context.Context) (asyncop.BatchResult, error) {
	keys := make([]asyncop.IdentifierKey, 0, len(l.entries))
	for key, ident := range l.entries {
		if ident.PendingWrite {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	ops := make([]asyncop.BatchOp, 0, len(keys))
	for _, key := range keys {
		ident := l.entries[key]
		if ident.Discard {
			if ident.Version > 0 {
				ops = append(ops, asyncop.BatchOp{Kind: asyncop.BatchDelete, Identifier: ident.Clone()})
			}
			continue
		}
		if err := ident.Validate(); err != nil {
			return asyncop.BatchResult{}, asyncop.AssertionFailed(err.Error())
		}
		kind := asyncop.BatchReplace
		if ident.Version == 0 {
			kind = asyncop.BatchInsert
		}
		ops = append(ops, asyncop.BatchOp{Kind: kind, Identifier: ident.Clone()})
	}

	var result asyncop.BatchResult
	if len(ops) > 0 {
		var err error
		result, err = l.store.BatchWrite(ctx, ops)
		if err != nil {
			return result, fmt.Errorf("flush ledger for %s: %w", l.recordID, err)
		}
		l.logger.Debug("ledger flushed record=%s inserted=%d updated=%d deleted=%d",
			l.recordID, result.Inserted, result.Updated, result.Deleted)
	}
	l.reset()
	return result, nil
}

func setIf(dst *string, value string) {
	if value = strings.TrimSpace(value); value != "" {
		*dst = value
	}
}
