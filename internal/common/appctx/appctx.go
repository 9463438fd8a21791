// Package appctx provides context helpers for work that must outlive a
// request.
package appctx

import (
	"context"
	"time"
)

// Detached returns a context that keeps the parent's values (trace spans,
// request metadata) but not its cancellation, bounded by timeout. Teardown
// sequences run under a detached context so a client disconnect cannot abort
// them halfway through.
func Detached(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}
