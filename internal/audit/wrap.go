package audit

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/toolaudit/internal/domain"
)

type contextKey string

const contextKeyCallContext contextKey = "call_context"

// WithCallContext attaches the agent conversation details of the current
// request. Wrapped handlers called with the returned context log them
// instead of the configured defaults.
func WithCallContext(ctx context.Context, cc domain.CallContext) context.Context {
	return context.WithValue(ctx, contextKeyCallContext, cc)
}

// CallContextFrom returns the call context stored by WithCallContext.
func CallContextFrom(ctx context.Context) (domain.CallContext, bool) {
	v, ok := ctx.Value(contextKeyCallContext).(domain.CallContext)
	return v, ok
}

// Handler is a tool implementation taking JSON-style arguments.
type Handler[T any] func(ctx context.Context, params map[string]any) (T, error)

// Wrapped is a Handler instrumented with audit logging. user identifies the
// caller the entry is attributed to.
type Wrapped[T any] func(ctx context.Context, user string, params map[string]any) (T, error)

// Wrap instruments handler so that every call produces exactly one audit
// entry for action. The handler runs once; its result and error are
// returned unchanged. A panicking handler is recorded as an error and the
// panic continues. Failing to write the entry is logged and does not
// affect the outcome.
func Wrap[T any](a *Auditor, action string, handler Handler[T]) Wrapped[T] {
	return func(ctx context.Context, user string, params map[string]any) (result T, err error) {
		defer func() {
			if r := recover(); r != nil {
				a.record(ctx, action, user, params, fmt.Errorf("panic: %v", r))
				panic(r)
			}
		}()

		result, err = handler(ctx, params)
		a.record(ctx, action, user, params, err)
		return result, err
	}
}

func (a *Auditor) record(ctx context.Context, action, user string, params map[string]any, callErr error) {
	p := domain.PartialEntry{
		User:       user,
		Action:     action,
		Parameters: params,
		Result:     domain.ResultSuccess,
	}
	if cc, ok := CallContextFrom(ctx); ok {
		p.Context = cc
	}
	if callErr != nil {
		p.Result = domain.ResultError
		p.ErrorMessage = callErr.Error()
	}

	// The entry is written even when the caller's context was canceled.
	if _, logErr := a.Log(context.WithoutCancel(ctx), p); logErr != nil {
		log.Error().Err(logErr).
			Str("source", a.cfg.Source).
			Str("action", action).
			Str("user", user).
			Msg("audit: failed to record tool call")
	}
}
