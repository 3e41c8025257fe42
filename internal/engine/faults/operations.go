package faults

import (
	"context"
	"sort"
	"sync"
)

// Known operation keys carried in ErrorContext.Operation.
const (
	OperationWebhookDelivery = "webhook_delivery"
	OperationDataSync        = "data_sync"
	OperationAPIRequest      = "api_request"
)

type OperationResult struct {
	Success bool
	Message string
}

// OperationFunc re-attempts the operation described by an error context.
type OperationFunc func(ctx context.Context, ectx ErrorContext) OperationResult

// OperationRegistry maps operation keys to retry handlers.
type OperationRegistry struct {
	mu  sync.RWMutex
	ops map[string]OperationFunc
}

func NewOperationRegistry() *OperationRegistry {
	return &OperationRegistry{ops: make(map[string]OperationFunc)}
}

func (r *OperationRegistry) Register(name string, fn OperationFunc) {
	r.mu.Lock()
	r.ops[name] = fn
	r.mu.Unlock()
}

func (r *OperationRegistry) Lookup(name string) (OperationFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.ops[name]
	return fn, ok
}

func (r *OperationRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
