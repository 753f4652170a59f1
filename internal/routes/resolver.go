// Package routes maps inbound request paths to the action they represent.
// The table is assembled explicitly at startup; a path absent from the
// table bypasses the idempotency protocol entirely.
package routes

import (
	"fmt"
	"sort"
	"strings"

	"github.com/paygate/idempotency-gateway/internal/record"
	apperrors "github.com/paygate/idempotency-gateway/pkg/errors"
)

// Resolver answers, for a method and path, which action the request
// represents. Immutable after Build, so lookups need no locking.
type Resolver struct {
	table map[string]record.Action
}

// Builder collects route registrations and validates them at Build time.
type Builder struct {
	table map[string]record.Action
	errs  []error
}

func NewBuilder() *Builder {
	return &Builder{table: make(map[string]record.Action)}
}

// Register associates method+path with an action. Registering the same
// route twice is a configuration error reported by Build.
func (b *Builder) Register(method, path string, action record.Action) *Builder {
	key := routeKey(method, path)
	if existing, ok := b.table[key]; ok {
		b.errs = append(b.errs, apperrors.Newf(apperrors.CodeDuplicateRoute,
			"route %s already mapped to action %s", key, existing))
		return b
	}
	b.table[key] = action
	return b
}

// Build returns the immutable resolver, or the first registration error.
func (b *Builder) Build() (*Resolver, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	table := make(map[string]record.Action, len(b.table))
	for k, v := range b.table {
		table[k] = v
	}
	return &Resolver{table: table}, nil
}

// Resolve returns the action for method+path, or false if the route is not
// under idempotency protection.
func (r *Resolver) Resolve(method, path string) (record.Action, bool) {
	action, ok := r.table[routeKey(method, path)]
	return action, ok
}

// Actions returns the distinct actions the table maps to, sorted. Startup
// wiring uses it to verify every routed action has a compensation handler.
func (r *Resolver) Actions() []record.Action {
	seen := make(map[record.Action]struct{})
	for _, a := range r.table {
		seen[a] = struct{}{}
	}
	actions := make([]record.Action, 0, len(seen))
	for a := range seen {
		actions = append(actions, a)
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i] < actions[j] })
	return actions
}

func routeKey(method, path string) string {
	return fmt.Sprintf("%s %s", strings.ToUpper(method), path)
}
