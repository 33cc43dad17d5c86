package timeline

import (
	"fmt"

	"github.com/matrix-org/syncbridge/engine"
	"github.com/matrix-org/syncbridge/vecdiff"
)

type MessageType string

const (
	TypeMessage       MessageType = "message"
	TypeDateDivider   MessageType = "date_divider"
	TypeReadMarker    MessageType = "read_marker"
	TypeTimelineStart MessageType = "timeline_start"
)

// Message is the consumer facing form of a timeline item.
type Message struct {
	EventID   string      `json:"event_id" cbor:"event_id" msgpack:"event_id"`
	Sender    string      `json:"sender" cbor:"sender" msgpack:"sender"`
	Content   string      `json:"content" cbor:"content" msgpack:"content"`
	Timestamp int64       `json:"timestamp" cbor:"timestamp" msgpack:"timestamp"`
	Type      MessageType `json:"message_type" cbor:"message_type" msgpack:"message_type"`
}

// ToMessage maps a timeline item. Events keep their identity and, for room messages, their
// body. Virtual items only carry their type, except date dividers which also carry the day
// they mark.
func ToMessage(item engine.TimelineItem) Message {
	switch item.Kind {
	case engine.ItemEvent:
		msg := Message{
			EventID:   item.Event.ID,
			Sender:    item.Event.Sender,
			Timestamp: item.Event.Timestamp,
			Type:      TypeMessage,
		}
		if item.Event.Type == "m.room.message" {
			msg.Content = item.Event.Body
		}
		return msg
	case engine.ItemDateDivider:
		return Message{
			Content:   fmt.Sprintf("Date: %d", item.Timestamp),
			Timestamp: item.Timestamp,
			Type:      TypeDateDivider,
		}
	case engine.ItemReadMarker:
		return Message{Type: TypeReadMarker}
	}
	return Message{Type: TypeTimelineStart}
}

func ToMessages(items []engine.TimelineItem) []Message {
	out := make([]Message, len(items))
	for i := range items {
		out[i] = ToMessage(items[i])
	}
	return out
}

// MessageUpdate is one timeline diff as sent to the consumer. Messages is set for ops which
// carry items, Index for positional ops and Length for truncation.
type MessageUpdate struct {
	Op       vecdiff.Op `json:"op" cbor:"op" msgpack:"op"`
	Messages []Message  `json:"messages,omitempty" cbor:"messages,omitempty" msgpack:"messages,omitempty"`
	Index    *int       `json:"index,omitempty" cbor:"index,omitempty" msgpack:"index,omitempty"`
	Length   *int       `json:"length,omitempty" cbor:"length,omitempty" msgpack:"length,omitempty"`
}

func ToMessageUpdate(d vecdiff.Diff[engine.TimelineItem]) MessageUpdate {
	u := MessageUpdate{Op: d.Op}
	m := vecdiff.Map(d, ToMessage)
	switch d.Op {
	case vecdiff.OpAppend, vecdiff.OpReset:
		u.Messages = m.Values
	case vecdiff.OpPushFront, vecdiff.OpPushBack:
		u.Messages = []Message{m.Value}
	case vecdiff.OpInsert, vecdiff.OpSet:
		idx := d.Index
		u.Index = &idx
		u.Messages = []Message{m.Value}
	case vecdiff.OpRemove:
		idx := d.Index
		u.Index = &idx
	case vecdiff.OpTruncate:
		length := d.Length
		u.Length = &length
	}
	return u
}
