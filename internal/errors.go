package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Kind is the category of a failure. Callers branch on the kind, never on the message text.
type Kind string

const (
	KindNotInitialized   Kind = "not_initialized"
	KindNotAuthenticated Kind = "not_authenticated"
	KindRoomNotFound     Kind = "room_not_found"
	KindProtocolFailure  Kind = "protocol_failure"
	KindMalformedInput   Kind = "malformed_input"
)

var (
	ErrNotInitialized   = &Error{Kind: KindNotInitialized}
	ErrNotAuthenticated = &Error{Kind: KindNotAuthenticated}
	ErrRoomNotFound     = &Error{Kind: KindRoomNotFound}
	ErrProtocolFailure  = &Error{Kind: KindProtocolFailure}
	ErrMalformedInput   = &Error{Kind: KindMalformedInput}
)

// Error is a categorised failure. errors.Is(err, ErrRoomNotFound) matches any *Error of the same
// kind, regardless of Op or the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func NotInitialized(op string) error {
	return &Error{Kind: KindNotInitialized, Op: op}
}

func NotAuthenticated(op string) error {
	return &Error{Kind: KindNotAuthenticated, Op: op}
}

func RoomNotFound(op, roomID string) error {
	return &Error{Kind: KindRoomNotFound, Op: op, Err: fmt.Errorf("unknown room %s", roomID)}
}

func Malformed(op string, err error) error {
	return &Error{Kind: KindMalformedInput, Op: op, Err: err}
}

// ProtocolFailure wraps an error returned by the protocol engine. Errors which are already
// categorised keep their kind.
func ProtocolFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindProtocolFailure, Op: op, Err: err}
}

// KindOf returns the kind of err, or "" if it is not categorised.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

type HandlerError struct {
	StatusCode int
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("HTTP %d : %s", e.StatusCode, e.Err.Error())
}

type jsonError struct {
	Err  string `json:"error"`
	Kind Kind   `json:"kind,omitempty"`
}

func (e HandlerError) JSON() []byte {
	je := jsonError{Err: e.Error(), Kind: KindOf(e.Err)}
	b, _ := json.Marshal(je)
	return b
}

// NewHandlerError maps a categorised error onto an HTTP status code.
func NewHandlerError(err error) *HandlerError {
	code := http.StatusInternalServerError
	switch KindOf(err) {
	case KindNotInitialized:
		code = http.StatusServiceUnavailable
	case KindNotAuthenticated:
		code = http.StatusUnauthorized
	case KindRoomNotFound:
		code = http.StatusNotFound
	case KindMalformedInput:
		code = http.StatusBadRequest
	case KindProtocolFailure:
		code = http.StatusBadGateway
	}
	return &HandlerError{StatusCode: code, Err: err}
}

// Assert that the expression is true, similar to assert() in C. If expr is false, print or panic.
//
// If expr is false and SYNCBRIDGE_DEBUG=1 then the program panics.
// If expr is false and SYNCBRIDGE_DEBUG is unset or not '1' then the program logs an error along
// with the file/line number of the caller of Assert.
// Assert verifies invariants which should never be broken during normal functioning, and
// shouldn't be used to log a normal error e.g network errors.
//
// The msg provided should be the expectation of the assert e.g:
//
//	Assert("room IDs are unique", len(seen) == len(rooms))
//
// Which then produces:
//
//	assertion failed: room IDs are unique
func Assert(msg string, expr bool) {
	if expr {
		return
	}
	if os.Getenv("SYNCBRIDGE_DEBUG") == "1" {
		panic(fmt.Sprintf("assert: %s", msg))
	}
	l := logger.Error()
	_, file, line, ok := runtime.Caller(1)
	if ok {
		l = l.Str("assertion", fmt.Sprintf("%s:%d", file, line))
	}
	_, file, line, ok = runtime.Caller(2)
	if ok {
		l = l.Str("caller", fmt.Sprintf("%s:%d", file, line))
	}
	l.Msg("assertion failed: " + msg)
}
