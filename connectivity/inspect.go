package connectivity

import (
	"iter"
	"sort"
)

// ServiceInfo is a snapshot of how a capability is routed.
type ServiceInfo struct {
	Name      string `json:"name"`
	Strategy  string `json:"strategy"`
	Endpoint  string `json:"endpoint,omitempty"`
	HasLocal  bool   `json:"has_local"`
	Available bool   `json:"available"`
}

// ListServices iterates over every service known to the router, in name
// order: routed services and local-only handlers.
func (r *Router) ListServices() iter.Seq[ServiceInfo] {
	return func(yield func(ServiceInfo) bool) {
		r.mu.RLock()
		names := make([]string, 0, len(r.routeSnap)+len(r.localHandlers))
		for name := range r.routeSnap {
			names = append(names, name)
		}
		for name := range r.localHandlers {
			if _, routed := r.routeSnap[name]; !routed {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		infos := make([]ServiceInfo, 0, len(names))
		for _, name := range names {
			infos = append(infos, r.inspectLocked(name))
		}
		r.mu.RUnlock()

		for _, info := range infos {
			if !yield(info) {
				return
			}
		}
	}
}

// Inspect returns routing details for one service. ok is false when the
// service has neither a route nor a local handler.
func (r *Router) Inspect(service string) (info ServiceInfo, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, hasRoute := r.routeSnap[service]
	_, hasLocal := r.localHandlers[service]
	if !hasRoute && !hasLocal {
		return ServiceInfo{}, false
	}
	return r.inspectLocked(service), true
}

func (r *Router) inspectLocked(service string) ServiceInfo {
	rt, hasRoute := r.routeSnap[service]
	_, hasLocal := r.localHandlers[service]
	_, hasRemote := r.remoteEntries[service]
	info := ServiceInfo{Name: service, HasLocal: hasLocal, Strategy: "local"}
	if hasRoute {
		info.Strategy = rt.Strategy
		info.Endpoint = rt.Endpoint
	}
	info.Available = info.Strategy != "noop" && (hasRemote || hasLocal)
	return info
}
