package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-asyncop"
)

// Requirement describes the identifiers a request depends on.
type Requirement struct {
	Tag        string
	ProviderID string
	ObjectIDs  []string
	// Percent is the minimum share of ObjectIDs that must resolve (0-100).
	Percent float64
	// Refresh runs between the two attempts, typically to import the
	// missing identifiers from the remote side.
	Refresh func(ctx context.Context, missing []string) error
}

// Coverage is the outcome of a requirement check.
type Coverage struct {
	Found   map[string]*asyncop.Identifier
	Missing []string
	Percent float64
}

// Required loads existing mappings for the objects and checks their coverage.
// When the first pass falls short, Refresh runs and the store is read again;
// a second shortfall is a precondition failure.
func (l *Ledger) Required(ctx context.Context, req Requirement) (Coverage, error) {
	cov, err := l.coverage(ctx, req)
	if err != nil || cov.Percent >= req.Percent {
		return cov, err
	}
	l.logger.Debug("identifier coverage tag=%s %.1f%% below %.1f%%, retrying", req.Tag, cov.Percent, req.Percent)
	if req.Refresh != nil {
		if err := req.Refresh(ctx, cov.Missing); err != nil {
			return cov, err
		}
	}
	cov, err = l.coverage(ctx, req)
	if err != nil {
		return cov, err
	}
	if cov.Percent < req.Percent {
		return cov, asyncop.PreconditionUnmet(fmt.Sprintf(
			"identifier coverage for %s is %.1f%%, %.1f%% required (missing %s)",
			req.Tag, cov.Percent, req.Percent, strings.Join(cov.Missing, ", ")), false)
	}
	return cov, nil
}

func (l *Ledger) coverage(ctx context.Context, req Requirement) (Coverage, error) {
	cov := Coverage{Found: make(map[string]*asyncop.Identifier), Percent: 100}
	total := 0
	for _, objectID := range req.ObjectIDs {
		objectID = strings.TrimSpace(objectID)
		if objectID == "" {
			continue
		}
		total++
		key := asyncop.IdentifierKey{Tag: req.Tag, ObjectID: objectID, ProviderID: req.ProviderID}
		ident, ok := l.Get(key)
		if !ok {
			var err error
			ident, err = l.lookup(ctx, key)
			if err != nil {
				return cov, err
			}
		}
		if ident == nil || ident.DeletedAt != nil || ident.Authoritative() == "" {
			cov.Missing = append(cov.Missing, objectID)
			continue
		}
		cov.Found[objectID] = ident.Clone()
	}
	if total > 0 {
		cov.Percent = float64(len(cov.Found)) * 100 / float64(total)
	}
	return cov, nil
}
