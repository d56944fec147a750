package operation

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-asyncop"
	"github.com/goliatone/go-asyncop/ledger"
)

// Key builds the provider-scoped identifier key for an object.
func (o *Operation) Key(tag, objectID string) asyncop.IdentifierKey {
	return asyncop.IdentifierKey{
		Tag:        strings.TrimSpace(tag),
		ObjectID:   strings.TrimSpace(objectID),
		ProviderID: o.rec.ProviderID,
	}
}

// MappedGUID resolves or creates the provider-scoped identifier of an
// object and checks it out to this operation.
func (o *Operation) MappedGUID(ctx context.Context, tag, objectID string) (*asyncop.Identifier, error) {
	return o.ledger.Mapped(ctx, tag, objectID, o.rec.ProviderID)
}

// SharedGUID is MappedGUID for identifiers shared across providers.
func (o *Operation) SharedGUID(ctx context.Context, tag, objectID string) (*asyncop.Identifier, error) {
	return o.ledger.Mapped(ctx, tag, objectID, "")
}

// RequiredGUIDs loads the identifiers the request depends on and fails
// when their coverage stays below the requirement after refresh.
func (o *Operation) RequiredGUIDs(
	ctx context.Context,
	tag string,
	objectIDs []string,
	refresh func(ctx context.Context, missing []string) error,
) (map[string]*asyncop.Identifier, error) {
	cov, err := o.ledger.Required(ctx, ledger.Requirement{
		Tag:        tag,
		ProviderID: o.rec.ProviderID,
		ObjectIDs:  objectIDs,
		Percent:    o.requirement(),
		Refresh:    refresh,
	})
	if err != nil {
		return cov.Found, err
	}
	if len(cov.Missing) > 0 {
		o.Logf(asyncop.LogWarning, "identifiers %s missing for %s", tag, strings.Join(cov.Missing, ", "))
	}
	return cov.Found, nil
}

// Success applies remote identifiers returned for an object.
func (o *Operation) Success(key asyncop.IdentifierKey, remote ledger.Remote) error {
	return o.ledger.Success(key, remote)
}

// Annul clears the remote identifiers of an annulled object.
func (o *Operation) Annul(key asyncop.IdentifierKey) error {
	return o.ledger.Annul(key)
}

// Deleted flags an object as deleted on the remote side.
func (o *Operation) Deleted(key asyncop.IdentifierKey) error {
	return o.ledger.Deleted(key)
}

// Failure records a rejected object on its identifier and counts it
// against the record.
func (o *Operation) Failure(key asyncop.IdentifierKey, message string) error {
	if err := o.ledger.Failure(key, message); err != nil {
		return err
	}
	o.rec.FailuresCount++
	o.rec.AddLog(o.now(), asyncop.LogError, fmt.Sprintf("%s: %s", key, message))
	return nil
}

// FlushLedger writes pending identifier changes as one batch.
func (o *Operation) FlushLedger(ctx context.Context) (asyncop.BatchResult, error) {
	res, err := o.ledger.Flush(ctx)
	if err != nil {
		return res, err
	}
	o.engine.observer.LedgerFlushed(o.desc.Name, res)
	return res, nil
}

func (o *Operation) releaseLedger(ctx context.Context) (asyncop.BatchResult, error) {
	res, err := o.ledger.Release(ctx)
	if err != nil {
		return res, err
	}
	o.engine.observer.LedgerFlushed(o.desc.Name, res)
	return res, nil
}
