// Package store provides RecordStore and IdentifierStore implementations.
package store

import (
	"context"
	stderrors "errors"
	"sort"

	"github.com/goliatone/go-asyncop"
)

func familyLinks(rec *asyncop.Record) []string {
	return nonEmpty(rec.ParentID, rec.ChildID)
}

func chainLinks(rec *asyncop.Record) []string {
	return nonEmpty(rec.PendingID, rec.FollowerID)
}

func nonEmpty(ids ...string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

// walk does a breadth-first traversal from id over links, returning every
// reachable record except the start. Dangling links are skipped.
func walk(
	ctx context.Context,
	id string,
	load func(context.Context, string) (*asyncop.Record, error),
	links func(*asyncop.Record) []string,
) ([]*asyncop.Record, error) {
	start, err := load(ctx, id)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{id: true}
	queue := links(start)
	var out []*asyncop.Record
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		rec, err := load(ctx, next)
		if stderrors.Is(err, asyncop.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
		queue = append(queue, links(rec)...)
	}
	return out, nil
}

func sortByCreated(recs []*asyncop.Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Created.Equal(recs[j].Created) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].Created.Before(recs[j].Created)
	})
}
