package queryengine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/liveframe/liveframe/pkg/queryshape"
)

// ActionRead is the Router action key for query-step authorisation.
// pkg/session registers "preMutation"/"postMutation" guards under the
// same Router for mutation handling.
const ActionRead = "read"

// ErrUnauthorised is wrapped into the error incrementQueryStep returns
// when a Guard rejects a step, per spec.md §4.5's failure semantics.
var ErrUnauthorised = errors.New("queryengine: unauthorised")

// Guard is the route-level authorisation hook spec.md §9's "Dynamic
// dispatch" describes: a closure-shaped check modelled as an interface so
// it composes uniformly whether backed by a closure (GuardFunc) or a
// stateful type. It returns an additional where predicate to AND into the
// step being checked, or an error to fail the whole query.
type Guard interface {
	Check(ctx context.Context) (queryshape.Where, error)
}

// GuardFunc adapts a plain function to Guard.
type GuardFunc func(ctx context.Context) (queryshape.Where, error)

func (f GuardFunc) Check(ctx context.Context) (queryshape.Where, error) { return f(ctx) }

type routeKey struct {
	resource string
	action   string
}

// Router is the registry of guards keyed by (resource, action), grounded
// on the teacher's registry-of-handlers pattern (build once at startup,
// look up by key, nothing found means "no guard registered" rather than
// an error — an unguarded route is the caller's explicit choice).
type Router struct {
	mu     sync.RWMutex
	guards map[routeKey]Guard
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{guards: make(map[routeKey]Guard)}
}

// Register installs g for (resource, action), replacing any prior guard.
func (r *Router) Register(resource, action string, g Guard) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.guards[routeKey{resource, action}] = g
}

// incrementQueryStep is the rewrite hook spec.md §4.5 names: it looks up
// the guard for (step's resource, action) and, if one is registered, ANDs
// its returned predicate into the step's where clause. A Guard error fails
// the whole query with ErrUnauthorised.
func (r *Router) incrementQueryStep(ctx context.Context, step QueryStep, action string) (QueryStep, error) {
	extra, err := r.Check(ctx, step.Query.Resource, action)
	if err != nil {
		return QueryStep{}, err
	}
	step.Query.Where = andWhere(step.Query.Where, extra)
	return step, nil
}

// Check looks up the guard registered for (resource, action) and runs
// it, returning the extra where predicate it yields (nil if none is
// registered). pkg/session calls this directly — without a QueryStep —
// to run preMutation/postMutation guards on the same Router instance
// that authorises reads.
func (r *Router) Check(ctx context.Context, resource, action string) (queryshape.Where, error) {
	r.mu.RLock()
	g, ok := r.guards[routeKey{resource, action}]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	extra, err := g.Check(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %v", ErrUnauthorised, resource, action, err)
	}
	return extra, nil
}

func andWhere(base, extra queryshape.Where) queryshape.Where {
	if base == nil {
		return extra
	}
	if extra == nil {
		return base
	}
	return queryshape.Where{queryshape.OpAnd: []queryshape.Where{base, extra}}
}
