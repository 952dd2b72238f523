// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

package module

import (
	"context"
	"fmt"
)

// InitContext carries the per-session information a module's Init sees.
type InitContext struct {
	// Protocol is the negotiated websocket subprotocol.
	Protocol string
}

// Init constructs one module instance for a new session. Returning
// (nil, nil) disables the module for this session; an error aborts the
// session with an internal close code. Startup-time parameters are
// closed over when the Init is registered.
type Init func(ctx context.Context, mctx *Context, init InitContext) (Module, error)

// Registration is one registered module: its namespace plus its
// per-session constructor.
type Registration struct {
	Namespace string
	Init      Init
}

// Registry holds the registered signaling modules. It is built once at
// startup and read-only afterwards; namespace lookup resolves to an
// index so per-frame routing avoids string-keyed dispatch.
type Registry struct {
	entries []Registration
	index   map[string]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{index: make(map[string]int)}
}

// Register adds one module. Registration order is init order; modules
// destroy in reverse. Duplicate namespaces are a startup error.
func (r *Registry) Register(namespace string, init Init) error {
	if namespace == "" {
		return fmt.Errorf("module namespace must not be empty")
	}
	if _, exists := r.index[namespace]; exists {
		return fmt.Errorf("module namespace %q registered twice", namespace)
	}
	r.index[namespace] = len(r.entries)
	r.entries = append(r.entries, Registration{Namespace: namespace, Init: init})
	return nil
}

// MustRegister is Register that panics. For static startup wiring.
func (r *Registry) MustRegister(namespace string, init Init) {
	if err := r.Register(namespace, init); err != nil {
		panic(err)
	}
}

// Resolve maps a namespace to its registration index.
func (r *Registry) Resolve(namespace string) (int, bool) {
	i, ok := r.index[namespace]
	return i, ok
}

// Entries returns the registrations in registration order. The returned
// slice must not be modified.
func (r *Registry) Entries() []Registration { return r.entries }

// Len returns the number of registered modules.
func (r *Registry) Len() int { return len(r.entries) }
