// Package operation drives asynchronous remote operations through their
// phases: prepare, request, poll, store and conclude.
package operation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-asyncop"
)

// Hooks are the business callbacks of one operation type. Every hook is
// optional; errors are classified by the phase that called them.
type Hooks struct {
	// Validate checks the raw request before it is shaped.
	Validate func(ctx context.Context, op *Operation, request asyncop.Payload) error
	// Preload runs before the request is composed. Returning a Deferred
	// error parks the operation until its prerequisites finish.
	Preload func(ctx context.Context, op *Operation) error
	// ComposeRequestBody returns the fields merged over the base request.
	ComposeRequestBody func(ctx context.Context, op *Operation) (asyncop.Payload, error)
	// ParseResult turns a processed result into items for StoreResult.
	ParseResult func(ctx context.Context, op *Operation, result *asyncop.Result) ([]asyncop.Payload, error)
	// StoreResult persists parsed items, usually through the ledger helpers.
	StoreResult func(ctx context.Context, op *Operation, items []asyncop.Payload) error
}

// Descriptor declares the capabilities of one operation type.
type Descriptor struct {
	Name    string
	Version string
	// ElementLimit caps ObjectIDs per request. Zero disables splitting.
	ElementLimit int
	// Requirement is the identifier coverage percentage. Zero selects the
	// engine default.
	Requirement float64
	// GetStateDelay is the poll delay while the remote side is processing.
	// Zero selects the engine default.
	GetStateDelay time.Duration
	// PerHouse requires a house scope; unscoped runs spread per house.
	PerHouse bool
	// Anonymous operations send no organisation GUID.
	Anonymous   bool
	Synchronous bool
	Hooks       Hooks
}

// Registry resolves descriptors by operation name and applies configured
// overrides at registration.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
	overrides   map[string]asyncop.Override
	logger      asyncop.Logger
}

// NewRegistry builds a registry applying overrides keyed by operation name.
func NewRegistry(overrides map[string]asyncop.Override, logger asyncop.Logger) *Registry {
	if logger == nil {
		logger = asyncop.NopLogger{}
	}
	copied := make(map[string]asyncop.Override, len(overrides))
	for name, o := range overrides {
		copied[strings.TrimSpace(name)] = o
	}
	return &Registry{
		descriptors: make(map[string]Descriptor),
		overrides:   copied,
		logger:      logger,
	}
}

// Register adds a descriptor. Names must be unique.
func (r *Registry) Register(desc Descriptor) error {
	desc.Name = strings.TrimSpace(desc.Name)
	if desc.Name == "" {
		return fmt.Errorf("descriptor name required")
	}
	if desc.ElementLimit < 0 {
		return fmt.Errorf("descriptor %s: element limit must be >= 0", desc.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.descriptors[desc.Name]; exists {
		return fmt.Errorf("descriptor %s already registered", desc.Name)
	}
	if o, ok := r.overrides[desc.Name]; ok && !o.Empty() {
		desc = r.applyOverride(desc, o)
	}
	r.descriptors[desc.Name] = desc
	return nil
}

// MustRegister registers descriptors and panics on error.
func (r *Registry) MustRegister(descs ...Descriptor) {
	for _, desc := range descs {
		if err := r.Register(desc); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.descriptors[strings.TrimSpace(name)]
	return desc, ok
}

// Names lists registered operation names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.descriptors))
	for name := range r.descriptors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) applyOverride(desc Descriptor, o asyncop.Override) Descriptor {
	if o.ElementLimit != nil {
		desc.ElementLimit = overrideValue(r.logger, desc.Name, "element_limit", desc.ElementLimit, *o.ElementLimit)
	}
	if o.GetStateDelay != nil {
		desc.GetStateDelay = overrideValue(r.logger, desc.Name, "get_state_delay", desc.GetStateDelay, *o.GetStateDelay)
	}
	if o.Requirement != nil {
		desc.Requirement = overrideValue(r.logger, desc.Name, "requirement", desc.Requirement, *o.Requirement)
	}
	if o.Version != nil {
		desc.Version = overrideValue(r.logger, desc.Name, "version", desc.Version, strings.TrimSpace(*o.Version))
	}
	if o.Synchronous != nil {
		desc.Synchronous = overrideValue(r.logger, desc.Name, "synchronous", desc.Synchronous, *o.Synchronous)
	}
	return desc
}

func overrideValue[T comparable](logger asyncop.Logger, name, field string, current, next T) T {
	if current == next {
		logger.Warn("override %s.%s identical to default %v, dropped", name, field, current)
		return current
	}
	logger.Info("override %s.%s: %v -> %v", name, field, current, next)
	return next
}
