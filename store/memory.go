package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-asyncop"
)

// Memory is a thread-safe in-memory record and identifier store.
type Memory struct {
	mu          sync.RWMutex
	records     map[string]*asyncop.Record
	identifiers map[asyncop.IdentifierKey]*asyncop.Identifier
	now         func() time.Time
}

// NewMemory constructs an empty store.
func NewMemory() *Memory {
	return &Memory{
		records:     make(map[string]*asyncop.Record),
		identifiers: make(map[asyncop.IdentifierKey]*asyncop.Identifier),
		now:         time.Now,
	}
}

// WithClock overrides the time source used for UpdatedAt stamps.
func (s *Memory) WithClock(now func() time.Time) *Memory {
	if now != nil {
		s.now = now
	}
	return s
}

// Load returns a cloned record.
func (s *Memory) Load(_ context.Context, id string) (*asyncop.Record, error) {
	if s == nil {
		return nil, errors.New("in-memory store not configured")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadUnlocked(id)
}

func (s *Memory) loadUnlocked(id string) (*asyncop.Record, error) {
	rec, ok := s.records[strings.TrimSpace(id)]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", id, asyncop.ErrNotFound)
	}
	return rec.Clone(), nil
}

// Save upserts a clone of rec and bumps its version. The last writer wins.
func (s *Memory) Save(_ context.Context, rec *asyncop.Record) error {
	if s == nil {
		return errors.New("in-memory store not configured")
	}
	if rec == nil {
		return errors.New("record required")
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.records[rec.ID]; ok && current.Version > rec.Version {
		rec.Version = current.Version
	}
	rec.Version++
	rec.UpdatedAt = s.now().UTC()
	s.records[rec.ID] = rec.Clone()
	return nil
}

func (s *Memory) QueryFamily(ctx context.Context, id string) ([]*asyncop.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return walk(ctx, id, func(_ context.Context, id string) (*asyncop.Record, error) {
		return s.loadUnlocked(id)
	}, familyLinks)
}

func (s *Memory) QueryChain(ctx context.Context, id string) ([]*asyncop.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return walk(ctx, id, func(_ context.Context, id string) (*asyncop.Record, error) {
		return s.loadUnlocked(id)
	}, chainLinks)
}

func (s *Memory) QueryByScope(_ context.Context, houseID, providerID string) ([]*asyncop.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*asyncop.Record
	for _, rec := range s.records {
		if houseID != "" && rec.HouseID != houseID {
			continue
		}
		if providerID != "" && rec.ProviderID != providerID {
			continue
		}
		out = append(out, rec.Clone())
	}
	sortByCreated(out)
	return out, nil
}

func (s *Memory) QueryDue(_ context.Context, before time.Time, limit int) ([]*asyncop.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*asyncop.Record
	for _, rec := range s.records {
		if rec.Status.IsTerminal() || rec.Scheduled == nil || rec.Scheduled.After(before) {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Scheduled.Before(*out[j].Scheduled)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Find returns a cloned identifier row.
func (s *Memory) Find(_ context.Context, tag, objectID, providerID string) (*asyncop.Identifier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := asyncop.IdentifierKey{Tag: tag, ObjectID: objectID, ProviderID: providerID}
	ident, ok := s.identifiers[key]
	if !ok {
		return nil, fmt.Errorf("identifier %s: %w", key, asyncop.ErrNotFound)
	}
	return ident.Clone(), nil
}

func (s *Memory) FindLatest(_ context.Context, tag, objectID string) (*asyncop.Identifier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *asyncop.Identifier
	for key, ident := range s.identifiers {
		if key.Tag != tag || key.ObjectID != objectID || key.ProviderID == "" || ident.DeletedAt != nil {
			continue
		}
		if latest == nil || ident.UpdatedAt.After(latest.UpdatedAt) {
			latest = ident
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("identifier %s:%s: %w", tag, objectID, asyncop.ErrNotFound)
	}
	return latest.Clone(), nil
}

func (s *Memory) FindByRecord(_ context.Context, recordID string) ([]*asyncop.Identifier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*asyncop.Identifier
	if recordID == "" {
		return out, nil
	}
	for _, ident := range s.identifiers {
		if ident.RecordID == recordID {
			out = append(out, ident.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out, nil
}

// BatchWrite applies ops to a copy and swaps it in only when every op succeeds.
func (s *Memory) BatchWrite(_ context.Context, ops []asyncop.BatchOp) (asyncop.BatchResult, error) {
	var result asyncop.BatchResult
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[asyncop.IdentifierKey]*asyncop.Identifier, len(s.identifiers)+len(ops))
	for k, v := range s.identifiers {
		next[k] = v
	}
	now := s.now().UTC()
	for _, op := range ops {
		if op.Identifier == nil {
			return asyncop.BatchResult{}, errors.New("batch op without identifier")
		}
		ident := op.Identifier.Clone()
		key := ident.Key()
		current, exists := next[key]
		switch op.Kind {
		case asyncop.BatchInsert:
			if exists {
				return asyncop.BatchResult{}, fmt.Errorf("identifier %s already exists", key)
			}
			ident.Version = 1
			result.Inserted++
		case asyncop.BatchReplace:
			if !exists {
				return asyncop.BatchResult{}, fmt.Errorf("identifier %s: %w", key, asyncop.ErrNotFound)
			}
			if current.Version != ident.Version {
				return asyncop.BatchResult{}, fmt.Errorf("identifier %s: version conflict (have %d, stored %d)", key, ident.Version, current.Version)
			}
			ident.Version++
			result.Updated++
		case asyncop.BatchDelete:
			if exists {
				delete(next, key)
				result.Deleted++
			}
			continue
		default:
			return asyncop.BatchResult{}, fmt.Errorf("unknown batch op %q", op.Kind)
		}
		ident.PendingWrite = false
		ident.Discard = false
		if ident.UpdatedAt.IsZero() {
			ident.UpdatedAt = now
		}
		next[key] = ident
	}
	s.identifiers = next
	return result, nil
}
