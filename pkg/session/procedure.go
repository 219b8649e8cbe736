package session

import (
	"context"
	"sync"

	"github.com/liveframe/liveframe/pkg/wire"
)

// ProcedureHandler implements a custom mutation procedure: spec.md §4.6
// says these "bypass LWW" entirely, running against a transactional
// storage view instead of the merge codec. The handler returns the
// payload to broadcast to subscribers in place of an echoed delta; if it
// returns an error, the framework rolls back the transaction and sends
// REJECT to the origin instead of broadcasting.
type ProcedureHandler func(ctx context.Context, tx *Transaction, resourceID string, payload wire.Payload) (wire.Payload, error)

type procedureKey struct {
	resource  string
	procedure string
}

// ProcedureRegistry maps (resource, procedure) to its handler, the same
// build-once/look-up-by-key shape as queryengine.Router.
type ProcedureRegistry struct {
	mu       sync.RWMutex
	handlers map[procedureKey]ProcedureHandler
}

// NewProcedureRegistry returns an empty registry.
func NewProcedureRegistry() *ProcedureRegistry {
	return &ProcedureRegistry{handlers: make(map[procedureKey]ProcedureHandler)}
}

// Register installs handler for (resource, procedure), replacing any
// prior registration.
func (r *ProcedureRegistry) Register(resource, procedure string, handler ProcedureHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[procedureKey{resource, procedure}] = handler
}

// Lookup returns the handler for (resource, procedure), or ok=false if
// none is registered.
func (r *ProcedureRegistry) Lookup(resource, procedure string) (ProcedureHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[procedureKey{resource, procedure}]
	return h, ok
}
