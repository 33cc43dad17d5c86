package rooms

import (
	"github.com/matrix-org/syncbridge/engine"
	"github.com/matrix-org/syncbridge/timeline"
	"github.com/matrix-org/syncbridge/vecdiff"
)

// Info is a point-in-time view of a room for the consumer.
type Info struct {
	RoomID      string              `json:"room_id" cbor:"room_id" msgpack:"room_id"`
	Name        string              `json:"name,omitempty" cbor:"name,omitempty" msgpack:"name,omitempty"`
	DisplayName string              `json:"display_name,omitempty" cbor:"display_name,omitempty" msgpack:"display_name,omitempty"`
	IsDM        *bool               `json:"is_dm,omitempty" cbor:"is_dm,omitempty" msgpack:"is_dm,omitempty"`
	Membership  engine.Membership   `json:"membership" cbor:"membership" msgpack:"membership"`
	Unread      engine.UnreadCounts `json:"unread" cbor:"unread" msgpack:"unread"`
	Latest      *timeline.Message   `json:"latest_message,omitempty" cbor:"latest_message,omitempty" msgpack:"latest_message,omitempty"`
}

// Update is one room list diff as sent to the consumer.
type Update struct {
	Op     vecdiff.Op `json:"op" cbor:"op" msgpack:"op"`
	Rooms  []Info     `json:"rooms,omitempty" cbor:"rooms,omitempty" msgpack:"rooms,omitempty"`
	Index  *int       `json:"index,omitempty" cbor:"index,omitempty" msgpack:"index,omitempty"`
	Length *int       `json:"length,omitempty" cbor:"length,omitempty" msgpack:"length,omitempty"`
}

func (u *Update) Type() string { return "room_list_" + string(u.Op) }

func toUpdate(d vecdiff.Diff[engine.Room], info func(engine.Room) Info) *Update {
	u := &Update{Op: d.Op}
	switch d.Op {
	case vecdiff.OpAppend, vecdiff.OpReset:
		u.Rooms = make([]Info, len(d.Values))
		for i, r := range d.Values {
			u.Rooms[i] = info(r)
		}
	case vecdiff.OpPushFront, vecdiff.OpPushBack:
		u.Rooms = []Info{info(d.Value)}
	case vecdiff.OpInsert, vecdiff.OpSet:
		idx := d.Index
		u.Index = &idx
		u.Rooms = []Info{info(d.Value)}
	case vecdiff.OpRemove:
		idx := d.Index
		u.Index = &idx
	case vecdiff.OpTruncate:
		length := d.Length
		u.Length = &length
	}
	return u
}
