package middleware

import (
	"context"
	"time"

	"github.com/dedalus-labs/openmcp-go/protocol"
)

// Timeout returns middleware that gives each request a deadline of d.
// When the deadline passes, the handler's context is cancelled; the
// middleware returns whatever the handler returns, so a handler that
// honours ctx returns context.DeadlineExceeded, while one that ignores it
// runs to completion.
func Timeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}
