package sync2

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/tidwall/gjson"
	"golang.org/x/exp/slices"

	"github.com/matrix-org/syncbridge/engine"
	"github.com/matrix-org/syncbridge/internal"
	"github.com/matrix-org/syncbridge/vecdiff"
)

const (
	maxHeroes = 5
	dayMillis = int64(24 * time.Hour / time.Millisecond)
)

type member struct {
	membership  string
	displayName string
}

// Room is one room as seen through /sync. It implements both engine.Room and engine.Timeline.
type Room struct {
	id     string
	client *Client

	mu             sync.Mutex
	name           string
	canonicalAlias string
	members        map[string]member
	heroes         []string
	joinedCount    *int
	invitedCount   *int
	membership     engine.Membership
	unread         engine.UnreadCounts
	latestTS       int64

	items        []engine.TimelineItem
	eventIDs     map[string]struct{}
	prevBatch    string
	reachedStart bool
	feeds        []*engine.Queue[engine.TimelineItem]
}

func newRoom(id string, client *Client) *Room {
	return &Room{
		id:         id,
		client:     client,
		members:    make(map[string]member),
		eventIDs:   make(map[string]struct{}),
		membership: engine.MembershipJoined,
	}
}

func (r *Room) ID() string { return r.id }

// Name is the explicit m.room.name, if any.
func (r *Room) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.name
}

func (r *Room) DisplayName(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	self := r.client.userID()
	summary := internal.RoomSummary{
		Name:           r.name,
		CanonicalAlias: r.canonicalAlias,
	}
	heroIDs := r.heroes
	if len(heroIDs) == 0 {
		for userID, m := range r.members {
			if userID != self && (m.membership == spec.Join || m.membership == spec.Invite) {
				heroIDs = append(heroIDs, userID)
			}
		}
		sort.Strings(heroIDs)
		if len(heroIDs) > maxHeroes {
			heroIDs = heroIDs[:maxHeroes]
		}
	}
	for _, userID := range heroIDs {
		summary.Heroes = append(summary.Heroes, internal.Hero{ID: userID, Name: r.members[userID].displayName})
	}
	if r.joinedCount != nil {
		summary.JoinedCount = *r.joinedCount
	} else {
		summary.JoinedCount = r.countMembers(spec.Join)
	}
	if r.invitedCount != nil {
		summary.InvitedCount = *r.invitedCount
	} else {
		summary.InvitedCount = r.countMembers(spec.Invite)
	}
	return internal.DisplayName(summary, maxHeroes), nil
}

func (r *Room) countMembers(membership string) int {
	n := 0
	for _, m := range r.members {
		if m.membership == membership {
			n++
		}
	}
	return n
}

// IsDirect reports whether m.direct account data lists this room.
func (r *Room) IsDirect(ctx context.Context) (bool, error) {
	return r.client.acc.isDirect(r.id), nil
}

func (r *Room) Membership() engine.Membership {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.membership
}

func (r *Room) UnreadCounts() engine.UnreadCounts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unread
}

func (r *Room) LatestEvent() (engine.EventItem, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.items) - 1; i >= 0; i-- {
		if r.items[i].Kind == engine.ItemEvent {
			return r.items[i].Event, true
		}
	}
	return engine.EventItem{}, false
}

func (r *Room) Timeline(ctx context.Context) (engine.Timeline, error) {
	return r, nil
}

// Subscribe returns the current items and a feed of every change after them.
func (r *Room) Subscribe(ctx context.Context) ([]engine.TimelineItem, engine.Feed[engine.TimelineItem], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var q *engine.Queue[engine.TimelineItem]
	q = engine.NewQueue[engine.TimelineItem](func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if i := slices.Index(r.feeds, q); i >= 0 {
			r.feeds = slices.Delete(r.feeds, i, i+1)
		}
	})
	r.feeds = append(r.feeds, q)
	return slices.Clone(r.items), q, nil
}

func (r *Room) Send(ctx context.Context, body string) (string, error) {
	cred, ok := r.client.Session()
	if !ok {
		return "", fmt.Errorf("send: not logged in")
	}
	txnID := "sb" + util.RandomString(16)
	eventID, err := r.client.http.SendMessage(ctx, cred.AccessToken, r.id, txnID, body)
	if err != nil {
		return "", err
	}
	r.client.txnIDs.Store(cred.UserID, eventID, txnID)
	// local echo, replaced when the event comes down /sync
	r.mu.Lock()
	var diffs []vecdiff.Diff[engine.TimelineItem]
	r.appendEventLocked(&diffs, engine.EventItem{
		ID:        eventID,
		Sender:    cred.UserID,
		Type:      "m.room.message",
		MsgType:   "m.text",
		Body:      body,
		Timestamp: time.Now().UnixMilli(),
	})
	feeds := r.pushLocked(diffs)
	r.mu.Unlock()
	broadcast(feeds, diffs)
	return eventID, nil
}

func (r *Room) Join(ctx context.Context) error {
	cred, ok := r.client.Session()
	if !ok {
		return fmt.Errorf("join: not logged in")
	}
	if _, err := r.client.http.JoinRoom(ctx, cred.AccessToken, r.id); err != nil {
		return err
	}
	r.mu.Lock()
	r.membership = engine.MembershipJoined
	r.mu.Unlock()
	return nil
}

func (r *Room) Leave(ctx context.Context) error {
	cred, ok := r.client.Session()
	if !ok {
		return fmt.Errorf("leave: not logged in")
	}
	if err := r.client.http.LeaveRoom(ctx, cred.AccessToken, r.id); err != nil {
		return err
	}
	r.mu.Lock()
	r.membership = engine.MembershipLeft
	r.mu.Unlock()
	return nil
}

// PaginateBackwards fetches up to limit older events and prepends them to the timeline.
func (r *Room) PaginateBackwards(ctx context.Context, limit int) (bool, error) {
	cred, ok := r.client.Session()
	if !ok {
		return false, fmt.Errorf("paginate: not logged in")
	}
	r.mu.Lock()
	from, done := r.prevBatch, r.reachedStart
	r.mu.Unlock()
	if done {
		return true, nil
	}
	chunk, end, err := r.client.http.Messages(ctx, cred.AccessToken, r.id, from, limit)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	var diffs []vecdiff.Diff[engine.TimelineItem]
	// chunk is most recent first, so each event goes in front of the previous one
	for _, raw := range chunk {
		ev, ok := parseEvent(raw)
		if !ok {
			continue
		}
		if _, seen := r.eventIDs[ev.ID]; seen {
			continue
		}
		r.prependEventLocked(&diffs, ev)
	}
	r.prevBatch = end
	if end == "" || len(chunk) == 0 {
		r.reachedStart = true
		r.emitLocked(&diffs, vecdiff.PushFront(engine.TimelineStart()))
	}
	reachedStart := r.reachedStart
	feeds := r.pushLocked(diffs)
	r.mu.Unlock()
	broadcast(feeds, diffs)
	return reachedStart, nil
}

// emitLocked applies d to the items and records it for the feeds.
func (r *Room) emitLocked(diffs *[]vecdiff.Diff[engine.TimelineItem], d vecdiff.Diff[engine.TimelineItem]) {
	items, err := vecdiff.Apply(r.items, d)
	if err != nil {
		// the diffs are computed from r.items under the same lock
		internal.Assert("timeline diff applies to the room's own items: "+err.Error(), false)
		return
	}
	r.items = items
	*diffs = append(*diffs, d)
}

func dayStart(ts int64) int64 {
	return ts - ts%dayMillis
}

// appendEventLocked adds ev at the end, preceded by a date divider when it starts a new day.
func (r *Room) appendEventLocked(diffs *[]vecdiff.Diff[engine.TimelineItem], ev engine.EventItem) {
	if _, seen := r.eventIDs[ev.ID]; seen {
		return
	}
	r.eventIDs[ev.ID] = struct{}{}
	last, ok := lastEvent(r.items)
	if !ok || dayStart(last.Timestamp) != dayStart(ev.Timestamp) {
		r.emitLocked(diffs, vecdiff.PushBack(engine.DateDivider(dayStart(ev.Timestamp))))
	}
	r.emitLocked(diffs, vecdiff.PushBack(engine.EventTimelineItem(ev)))
	if ev.Timestamp > r.latestTS {
		r.latestTS = ev.Timestamp
	}
}

// prependEventLocked adds an older ev at the front. Every day's events start with a divider,
// so ev either joins the day of the divider in front or gets a divider of its own.
func (r *Room) prependEventLocked(diffs *[]vecdiff.Diff[engine.TimelineItem], ev engine.EventItem) {
	r.eventIDs[ev.ID] = struct{}{}
	divider := engine.DateDivider(dayStart(ev.Timestamp))
	if len(r.items) > 0 && r.items[0].Kind == engine.ItemDateDivider && r.items[0].Timestamp == divider.Timestamp {
		r.emitLocked(diffs, vecdiff.PopFront[engine.TimelineItem]())
	}
	r.emitLocked(diffs, vecdiff.PushFront(engine.EventTimelineItem(ev)))
	r.emitLocked(diffs, vecdiff.PushFront(divider))
}

// replaceEchoLocked swaps a local echo for the copy from the server.
func (r *Room) replaceEchoLocked(diffs *[]vecdiff.Diff[engine.TimelineItem], ev engine.EventItem) bool {
	for i, item := range r.items {
		if item.Kind == engine.ItemEvent && item.Event.ID == ev.ID {
			r.emitLocked(diffs, vecdiff.Set(i, engine.EventTimelineItem(ev)))
			return true
		}
	}
	return false
}

func lastEvent(items []engine.TimelineItem) (engine.EventItem, bool) {
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].Kind == engine.ItemEvent {
			return items[i].Event, true
		}
	}
	return engine.EventItem{}, false
}

// pushLocked returns the feeds which should receive diffs.
func (r *Room) pushLocked(diffs []vecdiff.Diff[engine.TimelineItem]) []*engine.Queue[engine.TimelineItem] {
	if len(diffs) == 0 {
		return nil
	}
	return slices.Clone(r.feeds)
}

func broadcast(feeds []*engine.Queue[engine.TimelineItem], diffs []vecdiff.Diff[engine.TimelineItem]) {
	for _, f := range feeds {
		f.Push(diffs...)
	}
}

func (r *Room) closeFeeds() {
	r.mu.Lock()
	feeds := r.feeds
	r.feeds = nil
	r.mu.Unlock()
	for _, f := range feeds {
		f.Close()
	}
}

// applyStateLocked updates room metadata from a state event.
func (r *Room) applyStateLocked(raw json.RawMessage) {
	ev := gjson.ParseBytes(raw)
	stateKey := ev.Get("state_key")
	if !stateKey.Exists() {
		return
	}
	content := ev.Get("content")
	switch ev.Get("type").Str {
	case "m.room.name":
		r.name = content.Get("name").Str
	case "m.room.canonical_alias":
		r.canonicalAlias = content.Get("alias").Str
	case "m.room.member":
		m := member{
			membership:  content.Get("membership").Str,
			displayName: content.Get("displayname").Str,
		}
		r.members[stateKey.Str] = m
		if stateKey.Str == r.client.userID() {
			r.membership = toMembership(m.membership)
		}
	}
}

func toMembership(m string) engine.Membership {
	switch m {
	case spec.Join:
		return engine.MembershipJoined
	case spec.Invite:
		return engine.MembershipInvited
	case spec.Knock:
		return engine.MembershipKnocked
	case spec.Ban:
		return engine.MembershipBanned
	default:
		return engine.MembershipLeft
	}
}

// parseEvent turns a client event into a timeline event item.
func parseEvent(raw json.RawMessage) (engine.EventItem, bool) {
	ev := gjson.ParseBytes(raw)
	id := ev.Get("event_id").Str
	if id == "" {
		return engine.EventItem{}, false
	}
	return engine.EventItem{
		ID:        id,
		Sender:    ev.Get("sender").Str,
		Type:      ev.Get("type").Str,
		MsgType:   ev.Get("content.msgtype").Str,
		Body:      ev.Get("content.body").Str,
		Timestamp: ev.Get("origin_server_ts").Int(),
	}, true
}
