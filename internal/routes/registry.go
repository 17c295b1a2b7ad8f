// ABOUTME: Thread-safe registry of open output routes keyed by device id
// ABOUTME: The fan-out target of the capture loop
package routes

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrRouteExists is returned when inserting a second route for a device
var ErrRouteExists = errors.New("route already exists")

// Registry maps device ids to open routes. Every method takes the same
// mutex, so a ForEachOpen pass never interleaves with a mutation.
type Registry struct {
	mu     sync.Mutex
	routes map[string]*Route
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{routes: make(map[string]*Route)}
}

// Insert adds an open route. Closed routes are rejected.
func (r *Registry) Insert(route *Route) error {
	if route.Status() != StatusOpen {
		return fmt.Errorf("insert %s: %w", route.DeviceID, ErrRouteClosed)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.routes[route.DeviceID]; exists {
		return fmt.Errorf("%w: %s", ErrRouteExists, route.DeviceID)
	}
	r.routes[route.DeviceID] = route
	return nil
}

// Remove detaches and returns the route for id, or nil. The caller owns
// the returned route and must close it.
func (r *Registry) Remove(id string) *Route {
	r.mu.Lock()
	defer r.mu.Unlock()

	route, ok := r.routes[id]
	if !ok {
		return nil
	}
	delete(r.routes, id)
	return route
}

// RemoveIf detaches the route for id only if it is exactly route
func (r *Registry) RemoveIf(id string, route *Route) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.routes[id] != route {
		return false
	}
	delete(r.routes, id)
	return true
}

// Get returns the route for id, or nil
func (r *Registry) Get(id string) *Route {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.routes[id]
}

// ForEachOpen calls fn for every open route while holding the registry
// lock. fn must not call back into the registry.
func (r *Registry) ForEachOpen(fn func(*Route)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, route := range r.routes {
		if route.Status() == StatusOpen {
			fn(route)
		}
	}
}

// CloseAll closes and removes every route, returning the ids removed
func (r *Registry) CloseAll() ([]string, error) {
	r.mu.Lock()
	removed := r.routes
	r.routes = make(map[string]*Route)
	r.mu.Unlock()

	ids := make([]string, 0, len(removed))
	var errs []error
	for id, route := range removed {
		ids = append(ids, id)
		if err := route.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close route %s: %w", id, err))
		}
	}
	sort.Strings(ids)
	return ids, errors.Join(errs...)
}

// IDs returns the keys of the registry in sorted order
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.routes))
	for id := range r.routes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of routes
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.routes)
}
