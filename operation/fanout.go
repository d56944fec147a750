package operation

import (
	"context"
	"fmt"

	"github.com/goliatone/go-asyncop"
)

// split moves the object ids beyond the element limit into a child record
// that is persisted and dispatched on its own.
func (o *Operation) split(ctx context.Context) error {
	limit := o.desc.ElementLimit
	if limit <= 0 || len(o.rec.ObjectIDs) <= limit || o.rec.ChildID != "" {
		return nil
	}
	now := o.now()
	head := append([]string{}, o.rec.ObjectIDs[:limit]...)
	surplus := append([]string{}, o.rec.ObjectIDs[limit:]...)

	child := asyncop.NewRecord(o.rec.OperationName, now)
	child.HouseID = o.rec.HouseID
	child.ProviderID = o.rec.ProviderID
	child.AgentID = o.rec.AgentID
	child.RelationID = o.rec.RelationID
	child.ObjectType = o.rec.ObjectType
	child.ObjectIDs = surplus
	if o.rec.Period != nil {
		p := *o.rec.Period
		child.Period = &p
	}
	child.Request = o.rec.Request.Clone()
	child.Options = o.rec.Options.Clone()
	child.ParentID = o.rec.ID
	child.SetStatus(asyncop.StatusPrepared, now)
	child.AddLog(now, asyncop.LogInfo, fmt.Sprintf("split from %s", o.rec.ID))

	o.rec.ObjectIDs = head
	o.rec.ChildID = child.ID
	o.rec.AddLog(now, asyncop.LogInfo, fmt.Sprintf("split %d objects into %s", len(surplus), child.ID))

	if err := o.engine.records.Save(ctx, child); err != nil {
		return fmt.Errorf("save split child: %w", err)
	}
	if err := o.save(ctx); err != nil {
		return err
	}
	o.log().Info("split limit=%d head=%d child=%s surplus=%d", limit, len(head), child.ID, len(surplus))
	o.enqueue(child.ID, asyncop.StepRequest, nil)
	return nil
}

// spread resolves an unscoped operation. An agent with several managed
// providers, or a per-house operation without a house, is replaced by one
// prepared sibling per provider or house and this operation is swallowed.
// A single candidate narrows the scope in place.
func (o *Operation) spread(ctx context.Context, objectIDs []string, request asyncop.Payload) error {
	if o.rec.AgentID != "" && o.rec.ProviderID == "" {
		dir, err := o.directory()
		if err != nil {
			return err
		}
		providers, err := dir.ManagedProviders(ctx, o.rec.AgentID)
		if err != nil {
			return fmt.Errorf("managed providers of %s: %w", o.rec.AgentID, err)
		}
		providers = cleanIDs(providers)
		switch len(providers) {
		case 0:
			return asyncop.PublicFault(fmt.Sprintf("agent %s manages no providers", o.rec.AgentID))
		case 1:
			o.rec.ProviderID = providers[0]
		default:
			return o.spawn(ctx, providers, objectIDs, request, func(s *Scope, id string) { s.ProviderID = id })
		}
	}

	if o.desc.PerHouse && o.rec.HouseID == "" {
		if o.rec.ProviderID == "" {
			return asyncop.PublicFault(fmt.Sprintf("%s requires a house or provider scope", o.desc.Name))
		}
		dir, err := o.directory()
		if err != nil {
			return err
		}
		houses, err := dir.Houses(ctx, o.rec.ProviderID)
		if err != nil {
			return fmt.Errorf("houses of %s: %w", o.rec.ProviderID, err)
		}
		houses = cleanIDs(houses)
		switch len(houses) {
		case 0:
			return asyncop.PublicFault(fmt.Sprintf("no houses found for provider %s", o.rec.ProviderID))
		case 1:
			o.rec.HouseID = houses[0]
		default:
			return o.spawn(ctx, houses, objectIDs, request, func(s *Scope, id string) { s.HouseID = id })
		}
	}
	return nil
}

func (o *Operation) directory() (asyncop.Directory, error) {
	if o.engine.directory == nil {
		return nil, asyncop.AssertionFailed(fmt.Sprintf("%s needs a directory to resolve its scope", o.desc.Name))
	}
	return o.engine.directory, nil
}

func (o *Operation) spawn(
	ctx context.Context,
	targets []string,
	objectIDs []string,
	request asyncop.Payload,
	narrow func(*Scope, string),
) error {
	base := Scope{
		HouseID:    o.rec.HouseID,
		ProviderID: o.rec.ProviderID,
		AgentID:    o.rec.AgentID,
		RelationID: o.rec.RelationID,
	}
	o.swallowed = true
	for _, target := range targets {
		scope := base
		narrow(&scope, target)
		sibling, err := o.engine.Create(o.desc.Name, scope, o.rec.Options)
		if err != nil {
			return err
		}
		var ids []string
		if objectIDs != nil {
			ids = append([]string{}, objectIDs...)
		}
		if err := sibling.Prepare(ctx, ids, request.Clone()); err != nil {
			o.log().Warn("sibling %s for %s failed to prepare: %v", sibling.ID(), target, err)
		}
		o.siblings = append(o.siblings, sibling)
	}
	o.log().Info("spread into %d siblings", len(o.siblings))
	return nil
}

// Lead queues next after o in the chain. An existing successor of o moves
// behind next. next becomes PENDING and all touched records are saved, so
// both operations should be prepared before they are chained.
func (o *Operation) Lead(ctx context.Context, next *Operation) error {
	if next == nil || next.ID() == o.ID() {
		return asyncop.AssertionFailed("an operation cannot lead itself")
	}
	if o.swallowed || next.swallowed {
		return asyncop.AssertionFailed("spread operations cannot be chained")
	}

	if previous := o.rec.FollowerID; previous != "" && previous != next.ID() {
		successor, err := o.engine.records.Load(ctx, previous)
		switch {
		case isNotFound(err):
		case err != nil:
			return fmt.Errorf("load follower %s: %w", previous, err)
		default:
			next.rec.FollowerID = successor.ID
			successor.PendingID = next.ID()
			if err := o.engine.records.Save(ctx, successor); err != nil {
				return fmt.Errorf("save follower %s: %w", successor.ID, err)
			}
		}
	}

	o.rec.FollowerID = next.ID()
	next.rec.PendingID = o.ID()
	next.setStatus(asyncop.StatusPending)
	o.rec.AddLog(o.now(), asyncop.LogInfo, fmt.Sprintf("leads %s", next.ID()))

	if err := o.save(ctx); err != nil {
		return err
	}
	return next.save(ctx)
}

// awaitPrerequisite chains o behind the first prerequisite of a deferral so
// the prerequisite's conclusion restarts it.
func (o *Operation) awaitPrerequisite(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	prereq, err := o.engine.Load(ctx, ids[0])
	if err != nil {
		return fmt.Errorf("load prerequisite %s: %w", ids[0], err)
	}
	if prereq.rec.Status.IsTerminal() {
		return asyncop.AssertionFailed(fmt.Sprintf("prerequisite %s is already %s", prereq.ID(), prereq.rec.Status))
	}
	return prereq.Lead(ctx, o)
}

// Follow queues o after prev in the chain.
func (o *Operation) Follow(ctx context.Context, prev *Operation) error {
	if prev == nil {
		return asyncop.AssertionFailed("follow requires a predecessor")
	}
	return prev.Lead(ctx, o)
}
