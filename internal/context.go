package internal

import (
	"context"

	"github.com/rs/zerolog"
)

type ctx string

var (
	ctxData ctx = "syncbridge_data"
)

// logging metadata for a single consumer call
type data struct {
	op     string
	userID string
	roomID string
	subID  string
}

// prepare a call context so it can contain syncbridge info
func CallContext(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, ctxData, &data{op: op})
}

func SetContextUserID(ctx context.Context, userID string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	d.(*data).userID = userID
}

func SetContextRoomID(ctx context.Context, roomID string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	d.(*data).roomID = roomID
}

// SetContextSubscriptionID tags a long-lived subscription so its log lines can be correlated.
func SetContextSubscriptionID(ctx context.Context, subID string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	d.(*data).subID = subID
}

func DecorateLogger(ctx context.Context, l *zerolog.Event) *zerolog.Event {
	d := ctx.Value(ctxData)
	if d == nil {
		return l
	}
	da := d.(*data)
	if da.op != "" {
		l = l.Str("op", da.op)
	}
	if da.userID != "" {
		l = l.Str("u", da.userID)
	}
	if da.roomID != "" {
		l = l.Str("room", da.roomID)
	}
	if da.subID != "" {
		l = l.Str("sub", da.subID)
	}
	return l
}
