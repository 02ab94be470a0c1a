// Package registry maps work types to the handlers that compute them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mattjoyce/hapiq/internal/protocol"
)

var (
	ErrUnregistered = errors.New("no handler registered")
	ErrSealed       = errors.New("registry is sealed")
	ErrNotSealed    = errors.New("registry is not sealed")
)

// Handler computes one work type. It may return an error or panic; the worker
// converts both into failure results.
type Handler func(ctx context.Context, args protocol.Args) (any, error)

// Registry holds handlers indexed by work type. It is populated once and
// becomes read-only after Seal.
type Registry struct {
	handlers map[protocol.WorkType]Handler
	sealed   bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{handlers: make(map[protocol.WorkType]Handler)}
}

// Register binds h to workType.
func (r *Registry) Register(workType protocol.WorkType, h Handler) error {
	if r.sealed {
		return ErrSealed
	}
	if !workType.Valid() {
		return fmt.Errorf("unknown work type %q", workType)
	}
	if h == nil {
		return fmt.Errorf("nil handler for %s", workType)
	}
	if _, exists := r.handlers[workType]; exists {
		return fmt.Errorf("handler for %s already registered", workType)
	}
	r.handlers[workType] = h
	return nil
}

// Seal freezes the registry. It fails if any work type has no handler.
func (r *Registry) Seal() error {
	if r.sealed {
		return nil
	}
	var missing []string
	for _, wt := range protocol.WorkTypes() {
		if _, ok := r.handlers[wt]; !ok {
			missing = append(missing, string(wt))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing handlers for work types: %s", strings.Join(missing, ", "))
	}
	r.sealed = true
	return nil
}

// Sealed reports whether Seal has succeeded.
func (r *Registry) Sealed() bool {
	return r.sealed
}

// Lookup returns the handler for workType.
func (r *Registry) Lookup(workType protocol.WorkType) (Handler, error) {
	h, ok := r.handlers[workType]
	if !ok {
		return nil, fmt.Errorf("%w for work type %q", ErrUnregistered, workType)
	}
	return h, nil
}

// WorkTypes lists the registered work types in sorted order.
func (r *Registry) WorkTypes() []protocol.WorkType {
	out := make([]protocol.WorkType, 0, len(r.handlers))
	for wt := range r.handlers {
		out = append(out, wt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
