// Package compensation maps actions to their compensating handlers and
// drives compensation for records left in a needs-undo state.
package compensation

import (
	"context"

	"github.com/paygate/idempotency-gateway/internal/record"
	apperrors "github.com/paygate/idempotency-gateway/pkg/errors"
)

// Handler undoes the effect of one action. Handle is invoked with the
// idempotency key of the record being compensated and must itself be safe
// to invoke more than once.
type Handler interface {
	SupportedAction() record.Action
	Handle(ctx context.Context, key string) error
}

// Registry holds exactly one handler per action. It is assembled once at
// startup and read-only afterwards, so lookups need no locking.
type Registry struct {
	handlers map[record.Action]Handler
}

// NewRegistry builds a registry from the given handlers. Two handlers
// claiming the same action is a configuration error and fails fast.
func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[record.Action]Handler, len(handlers))}
	for _, h := range handlers {
		action := h.SupportedAction()
		if _, ok := r.handlers[action]; ok {
			return nil, apperrors.Newf(apperrors.CodeDuplicateCompHandler,
				"duplicate compensation handler for action %s", action)
		}
		r.handlers[action] = h
	}
	return r, nil
}

// Resolve returns the handler registered for action.
func (r *Registry) Resolve(action record.Action) (Handler, error) {
	h, ok := r.handlers[action]
	if !ok {
		return nil, apperrors.Newf(apperrors.CodeMissingCompHandler,
			"no compensation handler registered for action %s", action)
	}
	return h, nil
}

// Actions lists the registered actions. Used at startup to validate that
// every routed action has a handler before traffic is accepted.
func (r *Registry) Actions() []record.Action {
	actions := make([]record.Action, 0, len(r.handlers))
	for a := range r.handlers {
		actions = append(actions, a)
	}
	return actions
}
