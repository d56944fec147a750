package operation

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-asyncop"
)

// scopeCache resolves organisation GUIDs once per operation instance.
// It is never shared, so a new instance always sees fresh directory data.
type scopeCache struct {
	directory asyncop.Directory
	providers map[string]string
	houses    map[string]string
}

func newScopeCache(directory asyncop.Directory) *scopeCache {
	return &scopeCache{
		directory: directory,
		providers: make(map[string]string),
		houses:    make(map[string]string),
	}
}

// providerGUID falls back to the provider id when no directory is set.
func (c *scopeCache) providerGUID(ctx context.Context, providerID string) (string, error) {
	return c.resolve(ctx, c.providers, providerID, "provider", func(ctx context.Context, id string) (string, error) {
		return c.directory.ProviderGUID(ctx, id)
	})
}

func (c *scopeCache) houseGUID(ctx context.Context, houseID string) (string, error) {
	return c.resolve(ctx, c.houses, houseID, "house", func(ctx context.Context, id string) (string, error) {
		return c.directory.HouseGUID(ctx, id)
	})
}

func (c *scopeCache) resolve(
	ctx context.Context,
	cache map[string]string,
	id, kind string,
	lookup func(context.Context, string) (string, error),
) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", nil
	}
	if guid, ok := cache[id]; ok {
		return guid, nil
	}
	if c.directory == nil {
		cache[id] = id
		return id, nil
	}
	guid, err := lookup(ctx, id)
	if err != nil {
		return "", fmt.Errorf("resolve %s guid %s: %w", kind, id, err)
	}
	guid = strings.TrimSpace(guid)
	if guid == "" {
		return "", asyncop.PreconditionUnmet(fmt.Sprintf("%s %s has no registered guid", kind, id), false)
	}
	cache[id] = guid
	return guid, nil
}

// ProviderGUID returns the remote GUID of the operation's provider.
func (o *Operation) ProviderGUID(ctx context.Context) (string, error) {
	return o.scope.providerGUID(ctx, o.rec.ProviderID)
}

// HouseGUID returns the remote GUID of the operation's house.
func (o *Operation) HouseGUID(ctx context.Context) (string, error) {
	return o.scope.houseGUID(ctx, o.rec.HouseID)
}
