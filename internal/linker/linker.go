// Vigil - Process Supervision and Self-Healing Runtime Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package linker provides the service registry, dependency graph, and the
// process-wide typed event bus that connect features to each other.
//
// Features discover each other through registered service handles and
// communicate exclusively over the bus. The shared-state map is
// last-writer-wins; readers must treat values as eventually-consistent
// snapshots.
package linker

import (
	"errors"
	"fmt"
	"sync"
)

// Sentinel errors returned by the registry.
var (
	ErrDuplicateService = errors.New("service already registered")
	ErrUnknownService   = errors.New("service not registered")
	ErrCyclicDependency = errors.New("dependency cycle detected")
	ErrSelfLink         = errors.New("cannot link a service to itself")
)

// ServiceEntry is a registered, discoverable endpoint.
type ServiceEntry struct {
	Name      string
	Handle    any
	DependsOn []string
}

// Linker owns the service registry, the link graph, the shared-state map,
// and the event bus. A single mutex guards each map, preserving the
// one-writer-at-a-time invariant.
type Linker struct {
	bus *Bus

	mu       sync.RWMutex
	services map[string]*ServiceEntry
	links    map[string]map[string]struct{}

	sharedMu sync.RWMutex
	shared   map[string]any
}

// New creates a Linker around the given bus.
func New(bus *Bus) *Linker {
	return &Linker{
		bus:      bus,
		services: make(map[string]*ServiceEntry),
		links:    make(map[string]map[string]struct{}),
		shared:   make(map[string]any),
	}
}

// Bus returns the event bus shared by all linked services.
func (l *Linker) Bus() *Bus {
	return l.bus
}

// RegisterService adds a discoverable service. Dependencies may name
// services that are not registered yet; the edge is still checked so a
// later registration cannot silently close a dependency cycle.
func (l *Linker) RegisterService(name string, handle any, dependsOn ...string) error {
	if name == "" {
		return fmt.Errorf("register service: name must not be empty")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.services[name]; exists {
		return fmt.Errorf("register service %q: %w", name, ErrDuplicateService)
	}

	deps := make([]string, 0, len(dependsOn))
	deps = append(deps, dependsOn...)

	if cycle := l.findCycle(name, deps); cycle != nil {
		return fmt.Errorf("register service %q (%v): %w", name, cycle, ErrCyclicDependency)
	}

	l.services[name] = &ServiceEntry{Name: name, Handle: handle, DependsOn: deps}
	return nil
}

// findCycle runs a DFS from the candidate node over the existing graph
// plus the candidate's edges. It returns the cycle path if following
// dependsOn edges leads back to the candidate. Caller holds l.mu.
func (l *Linker) findCycle(name string, deps []string) []string {
	visited := make(map[string]bool)
	var path []string

	var visit func(node string, edges []string) []string
	visit = func(node string, edges []string) []string {
		path = append(path, node)
		for _, dep := range edges {
			if dep == name {
				return append(path, dep)
			}
			if visited[dep] {
				continue
			}
			visited[dep] = true
			if entry, ok := l.services[dep]; ok {
				if cycle := visit(dep, entry.DependsOn); cycle != nil {
					return cycle
				}
			}
		}
		path = path[:len(path)-1]
		return nil
	}

	return visit(name, deps)
}

// Service returns the handle registered under name.
func (l *Linker) Service(name string) (any, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.services[name]
	if !ok {
		return nil, false
	}
	return entry.Handle, true
}

// Services returns the names of all registered services.
func (l *Linker) Services() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.services))
	for name := range l.services {
		names = append(names, name)
	}
	return names
}

// Link establishes a bidirectional discovery relationship between two
// registered services. Linking implies no ownership and no dependency.
func (l *Linker) Link(a, b string) error {
	if a == b {
		return fmt.Errorf("link %q: %w", a, ErrSelfLink)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, name := range []string{a, b} {
		if _, ok := l.services[name]; !ok {
			return fmt.Errorf("link %q<->%q: %q: %w", a, b, name, ErrUnknownService)
		}
	}

	l.addLink(a, b)
	l.addLink(b, a)
	return nil
}

func (l *Linker) addLink(from, to string) {
	if l.links[from] == nil {
		l.links[from] = make(map[string]struct{})
	}
	l.links[from][to] = struct{}{}
}

// Linked returns the names of services linked to name.
func (l *Linker) Linked(name string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	peers := make([]string, 0, len(l.links[name]))
	for peer := range l.links[name] {
		peers = append(peers, peer)
	}
	return peers
}

// Publish emits an event on the shared bus.
func (l *Linker) Publish(eventType EventType, payload any) error {
	return l.bus.Publish(eventType, payload)
}

// Subscribe registers a handler for one event type on the shared bus.
func (l *Linker) Subscribe(name string, eventType EventType, handler Handler) error {
	return l.bus.Subscribe(name, eventType, handler)
}

// SetShared stores a value in the cross-feature shared-state map.
// Last writer wins.
func (l *Linker) SetShared(key string, value any) {
	l.sharedMu.Lock()
	defer l.sharedMu.Unlock()
	l.shared[key] = value
}

// Shared returns the value stored under key.
func (l *Linker) Shared(key string) (any, bool) {
	l.sharedMu.RLock()
	defer l.sharedMu.RUnlock()
	v, ok := l.shared[key]
	return v, ok
}

// DeleteShared removes a key from the shared-state map.
func (l *Linker) DeleteShared(key string) {
	l.sharedMu.Lock()
	defer l.sharedMu.Unlock()
	delete(l.shared, key)
}
