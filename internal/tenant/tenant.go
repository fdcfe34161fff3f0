package tenant

import (
	"context"
	"errors"
	"strings"
)

var ErrMissing = errors.New("tenant: missing tenant id")

// Context identifies the merchant a checkout belongs to. It is passed
// explicitly into pricing, ledger and settlement calls.
type Context struct {
	ID string
}

func New(id string) (Context, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Context{}, ErrMissing
	}
	return Context{ID: id}, nil
}

type ctxKey struct{}

// WithContext is used by the HTTP layer only; core packages take Context as an argument.
func WithContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

func FromContext(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(ctxKey{}).(Context)
	return tc, ok && tc.ID != ""
}
