package shell

import "sync"

// Route is one of the two composed views.
type Route int

const (
	// Anonymous shows the login context.
	Anonymous Route = iota
	// Authenticated shows the authenticated area.
	Authenticated
)

// Canonical entry paths for each route.
const (
	PathAnonymous     = "/"
	PathAuthenticated = "/dashboard"
)

// Path returns the canonical path of the route.
func (r Route) Path() string {
	if r == Authenticated {
		return PathAuthenticated
	}
	return PathAnonymous
}

func (r Route) String() string {
	if r == Authenticated {
		return "authenticated"
	}
	return "anonymous"
}

// Resolve maps a requested path and the presence of a session to the route
// that must be shown. Only the two entry paths can lead to Authenticated;
// every other path falls back to Anonymous even when a session exists.
func Resolve(path string, hasSession bool) Route {
	switch path {
	case PathAuthenticated, PathAnonymous:
		if hasSession {
			return Authenticated
		}
		return Anonymous
	default:
		return Anonymous
	}
}

// Router holds the current route and tells listeners about every
// navigation, including navigations to the route already shown.
type Router struct {
	mu        sync.RWMutex
	current   Route
	listeners []func(Route)
}

// NewRouter creates a router showing initial.
func NewRouter(initial Route) *Router {
	return &Router{current: initial}
}

// OnNavigate registers fn to be called after each navigation. Listeners run
// synchronously in registration order.
func (r *Router) OnNavigate(fn func(Route)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Navigate makes route current and notifies listeners.
func (r *Router) Navigate(route Route) {
	r.mu.Lock()
	r.current = route
	listeners := make([]func(Route), len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(route)
	}
}

// Current returns the route last navigated to.
func (r *Router) Current() Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}
