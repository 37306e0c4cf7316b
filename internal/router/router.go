// Package router matches request paths against configured routes and
// dispatches to the handler each route names.
package router

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"example.com/h3engine/internal/config"
	"example.com/h3engine/internal/logger"
	"example.com/h3engine/internal/server"
)

// Router holds the routing table. Exact matches take precedence over prefix
// matches; among prefix matches the longest pattern wins. Handlers are
// instantiated once per route at construction time.
type Router struct {
	exactRoutes  map[string]routeEntry
	prefixRoutes []routeEntry
	log          *logger.Logger
}

type routeEntry struct {
	route   config.Route
	handler server.Handler
}

// NewRouter builds the routing table from routes, creating every handler
// through the registry up front so misconfiguration surfaces at startup.
func NewRouter(routes []config.Route, registry *server.HandlerRegistry, log *logger.Logger) (*Router, error) {
	if registry == nil {
		return nil, fmt.Errorf("router: handler registry cannot be nil")
	}
	if log == nil {
		return nil, fmt.Errorf("router: logger cannot be nil")
	}

	exact := make(map[string]routeEntry)
	var prefixes []routeEntry
	for _, route := range routes {
		h, err := registry.CreateHandler(route.HandlerType, route.HandlerConfig, log)
		if err != nil {
			return nil, fmt.Errorf("router: creating %q handler for %s: %w", route.HandlerType, route.PathPattern, err)
		}
		entry := routeEntry{route: route, handler: h}
		switch route.MatchType {
		case config.MatchTypeExact:
			exact[route.PathPattern] = entry
		case config.MatchTypePrefix:
			prefixes = append(prefixes, entry)
		default:
			return nil, fmt.Errorf("router: route %s has unknown match type %q", route.PathPattern, route.MatchType)
		}
	}

	// Longest pattern first, so the most specific prefix wins.
	sort.Slice(prefixes, func(i, j int) bool {
		return len(prefixes[i].route.PathPattern) > len(prefixes[j].route.PathPattern)
	})

	return &Router{exactRoutes: exact, prefixRoutes: prefixes, log: log}, nil
}

// FindRoute returns the handler for path, or nil when no route matches.
func (r *Router) FindRoute(path string) (server.Handler, *config.Route) {
	if entry, ok := r.exactRoutes[path]; ok {
		return entry.handler, &entry.route
	}
	for _, entry := range r.prefixRoutes {
		if strings.HasPrefix(path, entry.route.PathPattern) {
			return entry.handler, &entry.route
		}
	}
	return nil, nil
}

// ServeHTTP3 dispatches the request by path, answering 404 when nothing
// matches. It implements server.Handler so the connection layer can use the
// router as its root handler. Matching ignores the query string.
func (r *Router) ServeHTTP3(rw server.ResponseWriterStream, req *server.Request) {
	requestPath := req.Path
	if i := strings.IndexByte(requestPath, '?'); i >= 0 {
		requestPath = requestPath[:i]
	}

	handler, route := r.FindRoute(requestPath)
	if handler == nil {
		r.log.Info("no route matched", logger.LogFields{
			"path": requestPath, "stream_id": req.StreamID,
		})
		server.SendDefaultErrorResponse(rw, http.StatusNotFound, req, "The requested resource was not found.", r.log)
		return
	}

	r.log.Debug("route matched", logger.LogFields{
		"path": requestPath, "pattern": route.PathPattern, "handler": route.HandlerType,
	})
	req.RoutePattern = route.PathPattern
	handler.ServeHTTP3(rw, req)
}
