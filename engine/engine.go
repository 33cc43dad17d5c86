// Package engine describes the protocol engine which the coordinator drives: connecting to a
// homeserver, authenticating, and producing ordered diff feeds for the room list and for each
// room's timeline. sync2 provides an implementation over the client-server API and testutils
// provides an in-memory fake.
package engine

import (
	"context"

	"github.com/matrix-org/syncbridge/vecdiff"
)

// Config is everything needed to build a client for one homeserver.
type Config struct {
	HomeserverURL string
	// StoragePath is a directory owned by this session. Engines may keep caches here.
	StoragePath string
	// Proxy is an optional http(s) proxy URL used for all homeserver requests.
	Proxy string
	// TrustedCertificates is an optional PEM bundle added to the system roots.
	TrustedCertificates []byte
}

// Credential is an authenticated session which can be serialised and later restored.
type Credential struct {
	UserID        string `json:"user_id"`
	DeviceID      string `json:"device_id"`
	AccessToken   string `json:"access_token"`
	RefreshToken  string `json:"refresh_token,omitempty"`
	HomeserverURL string `json:"homeserver"`
}

type Engine interface {
	Connect(ctx context.Context, cfg Config) (Client, error)
}

// Feed yields ordered batches of diffs. Next blocks until a batch is available, the feed ends
// (io.EOF) or ctx is done. Errors other than io.EOF and context errors are transient: the
// caller may keep calling Next.
type Feed[T any] interface {
	Next(ctx context.Context) ([]vecdiff.Diff[T], error)
	Close()
}

type Client interface {
	Login(ctx context.Context, user, password string) (Credential, error)
	Register(ctx context.Context, user, password string) (Credential, error)
	RestoreSession(ctx context.Context, cred Credential) error
	// Session returns the current credential, if authenticated.
	Session() (Credential, bool)
	// Logout invalidates the credential on the homeserver.
	Logout(ctx context.Context) error
	// Sync starts syncing with the homeserver and blocks until ctx is done or syncing fails
	// permanently.
	Sync(ctx context.Context) error
	// RoomList opens a new feed of room list changes. The first batch resets the list.
	RoomList(ctx context.Context) (Feed[Room], error)
	GetRoom(roomID string) (Room, bool)
	CreateRoom(ctx context.Context, req CreateRoomRequest) (string, error)
	SearchUsers(ctx context.Context, query string, limit int) (UserSearchResult, error)
	Close() error
}

type Membership string

const (
	MembershipJoined  Membership = "joined"
	MembershipInvited Membership = "invited"
	MembershipKnocked Membership = "knocked"
	MembershipBanned  Membership = "banned"
	MembershipLeft    Membership = "left"
)

type UnreadCounts struct {
	Notifications int `json:"notifications"`
	Highlights    int `json:"highlights"`
	Mentions      int `json:"mentions"`
	Messages      int `json:"messages"`
}

type Room interface {
	ID() string
	// Name is the raw m.room.name, which may be empty.
	Name() string
	DisplayName(ctx context.Context) (string, error)
	IsDirect(ctx context.Context) (bool, error)
	Membership() Membership
	UnreadCounts() UnreadCounts
	LatestEvent() (EventItem, bool)
	Timeline(ctx context.Context) (Timeline, error)
	Send(ctx context.Context, body string) (string, error)
	Join(ctx context.Context) error
	Leave(ctx context.Context) error
}

type Timeline interface {
	// Subscribe returns the items currently known plus a feed of every change after them.
	Subscribe(ctx context.Context) ([]TimelineItem, Feed[TimelineItem], error)
	// PaginateBackwards loads up to limit older events. The new items arrive through feeds.
	PaginateBackwards(ctx context.Context, limit int) (reachedStart bool, err error)
}

type ItemKind string

const (
	ItemEvent         ItemKind = "event"
	ItemDateDivider   ItemKind = "date_divider"
	ItemReadMarker    ItemKind = "read_marker"
	ItemTimelineStart ItemKind = "timeline_start"
)

// TimelineItem is either an event or a virtual marker. Only date dividers carry a timestamp
// without an event.
type TimelineItem struct {
	Kind      ItemKind
	Event     EventItem
	Timestamp int64
}

type EventItem struct {
	ID        string
	Sender    string
	Type      string
	MsgType   string
	Body      string
	Timestamp int64
}

func EventTimelineItem(ev EventItem) TimelineItem {
	return TimelineItem{Kind: ItemEvent, Event: ev, Timestamp: ev.Timestamp}
}

func DateDivider(ts int64) TimelineItem {
	return TimelineItem{Kind: ItemDateDivider, Timestamp: ts}
}

func ReadMarker() TimelineItem {
	return TimelineItem{Kind: ItemReadMarker}
}

func TimelineStart() TimelineItem {
	return TimelineItem{Kind: ItemTimelineStart}
}

const (
	PresetPrivateChat        = "private_chat"
	PresetTrustedPrivateChat = "trusted_private_chat"
	PresetPublicChat         = "public_chat"
)

type CreateRoomRequest struct {
	Name     string   `json:"name,omitempty"`
	Preset   string   `json:"preset,omitempty"`
	Invite   []string `json:"invite,omitempty"`
	IsDirect bool     `json:"is_direct,omitempty"`
}

type User struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

type UserSearchResult struct {
	Users   []User `json:"results"`
	Limited bool   `json:"limited"`
}
