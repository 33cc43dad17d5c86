package testutils

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
)

var (
	eventIDCounter = 0
	eventIDMu      sync.Mutex
)

func generateEventID() string {
	eventIDMu.Lock()
	defer eventIDMu.Unlock()
	eventIDCounter++
	return fmt.Sprintf("$event_%d", eventIDCounter)
}

// eventMock is a client event as it appears in /sync and /messages responses.
type eventMock struct {
	Type           string      `json:"type"`
	StateKey       *string     `json:"state_key,omitempty"`
	Sender         string      `json:"sender"`
	Content        interface{} `json:"content"`
	EventID        string      `json:"event_id"`
	OriginServerTS int64       `json:"origin_server_ts,omitempty"`
}

type eventMockModifier func(e *eventMock)

func WithTimestamp(ts int64) eventMockModifier {
	return func(e *eventMock) {
		e.OriginServerTS = ts
	}
}

func WithEventID(eventID string) eventMockModifier {
	return func(e *eventMock) {
		e.EventID = eventID
	}
}

func NewStateEvent(t *testing.T, evType, stateKey, sender string, content interface{}, modifiers ...eventMockModifier) json.RawMessage {
	t.Helper()
	e := &eventMock{
		Type:     evType,
		StateKey: &stateKey,
		Sender:   sender,
		Content:  content,
		EventID:  generateEventID(),
	}
	return marshalEvent(t, e, modifiers)
}

func NewEvent(t *testing.T, evType, sender string, content interface{}, modifiers ...eventMockModifier) json.RawMessage {
	t.Helper()
	e := &eventMock{
		Type:    evType,
		Sender:  sender,
		Content: content,
		EventID: generateEventID(),
	}
	return marshalEvent(t, e, modifiers)
}

// NewMessageEvent makes an m.text room message.
func NewMessageEvent(t *testing.T, sender, body string, modifiers ...eventMockModifier) json.RawMessage {
	t.Helper()
	return NewEvent(t, "m.room.message", sender, map[string]interface{}{
		"msgtype": "m.text",
		"body":    body,
	}, modifiers...)
}

func marshalEvent(t *testing.T, e *eventMock, modifiers []eventMockModifier) json.RawMessage {
	t.Helper()
	for _, mod := range modifiers {
		mod(e)
	}
	j, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("failed to make event JSON: %s", err)
	}
	return j
}
