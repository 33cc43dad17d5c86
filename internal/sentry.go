package internal

import (
	"context"

	"github.com/getsentry/sentry-go"
)

// ReportError sends err to sentry, tagged with whatever call context ctx carries. Contexts
// from sentryhttp carry their own hub; everything else reports through the current hub.
func ReportError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.WithScope(func(scope *sentry.Scope) {
		if d, ok := ctx.Value(ctxData).(*data); ok {
			if d.op != "" {
				scope.SetTag("op", d.op)
			}
			if d.roomID != "" {
				scope.SetTag("room_id", d.roomID)
			}
			if d.userID != "" {
				scope.SetUser(sentry.User{ID: d.userID})
			}
		}
		hub.CaptureException(err)
	})
}
