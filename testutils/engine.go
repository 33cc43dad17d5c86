package testutils

import (
	"context"
	"fmt"
	"sync"

	"github.com/matrix-org/syncbridge/engine"
	"github.com/matrix-org/syncbridge/vecdiff"
)

// Engine is an in-memory protocol engine. Tests drive it by pushing diffs into the room list
// and timelines, and inspect the calls it received.
type Engine struct {
	mu         sync.Mutex
	connects   int
	lastConfig engine.Config
	ConnectErr error
	Client     *Client
}

func NewEngine() *Engine {
	return &Engine{Client: NewClient()}
}

func (e *Engine) Connect(ctx context.Context, cfg engine.Config) (engine.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connects++
	e.lastConfig = cfg
	if e.ConnectErr != nil {
		return nil, e.ConnectErr
	}
	return e.Client, nil
}

// Connects is how many times Connect has been called.
func (e *Engine) Connects() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connects
}

func (e *Engine) LastConfig() engine.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastConfig
}

type Client struct {
	mu        sync.Mutex
	cred      *engine.Credential
	passwords map[string]string
	rooms     map[string]*Room
	listFeeds []*engine.Queue[engine.Room]

	LogoutErr   error
	// LogoutBlock, if set, holds Logout until it is closed.
	LogoutBlock chan struct{}
	SearchErr   error
	CreateErr   error
	Users       []engine.User
	Created     []engine.CreateRoomRequest
	Logouts     int
	Searches    int
	Closed      bool
	Restored    []engine.Credential
	SyncStarted int
}

func NewClient() *Client {
	return &Client{
		passwords: make(map[string]string),
		rooms:     make(map[string]*Room),
	}
}

func (c *Client) credentialFor(user string) engine.Credential {
	return engine.Credential{
		UserID:        user,
		DeviceID:      "FAKEDEVICE",
		AccessToken:   "token_" + user,
		HomeserverURL: "https://example.org",
	}
}

// SetPassword lets Login succeed for user.
func (c *Client) SetPassword(user, password string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.passwords[user] = password
}

func (c *Client) Login(ctx context.Context, user, password string) (engine.Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pw, ok := c.passwords[user]; !ok || pw != password {
		return engine.Credential{}, fmt.Errorf("M_FORBIDDEN: invalid username or password")
	}
	cred := c.credentialFor(user)
	c.cred = &cred
	return cred, nil
}

func (c *Client) Register(ctx context.Context, user, password string) (engine.Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.passwords[user]; exists {
		return engine.Credential{}, fmt.Errorf("M_USER_IN_USE: user ID already taken")
	}
	c.passwords[user] = password
	cred := c.credentialFor(user)
	c.cred = &cred
	return cred, nil
}

func (c *Client) RestoreSession(ctx context.Context, cred engine.Credential) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Restored = append(c.Restored, cred)
	c.cred = &cred
	return nil
}

func (c *Client) Session() (engine.Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cred == nil {
		return engine.Credential{}, false
	}
	return *c.cred, true
}

func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	block := c.LogoutBlock
	c.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Logouts++
	if c.LogoutErr != nil {
		return c.LogoutErr
	}
	c.cred = nil
	return nil
}

func (c *Client) Sync(ctx context.Context) error {
	c.mu.Lock()
	c.SyncStarted++
	c.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (c *Client) RoomList(ctx context.Context) (engine.Feed[engine.Room], error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var q *engine.Queue[engine.Room]
	q = engine.NewQueue[engine.Room](func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i := range c.listFeeds {
			if c.listFeeds[i] == q {
				c.listFeeds = append(c.listFeeds[:i], c.listFeeds[i+1:]...)
				break
			}
		}
	})
	c.listFeeds = append(c.listFeeds, q)
	return q, nil
}

// RoomListFeeds is how many room list feeds are open.
func (c *Client) RoomListFeeds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listFeeds)
}

// PushRoomList delivers a batch to every open room list feed. Rooms named in the batch become
// resolvable through GetRoom.
func (c *Client) PushRoomList(diffs ...vecdiff.Diff[engine.Room]) {
	c.mu.Lock()
	for _, d := range diffs {
		if fr, ok := d.Value.(*Room); ok {
			c.rooms[fr.id] = fr
		}
		for _, r := range d.Values {
			if fr, ok := r.(*Room); ok {
				c.rooms[fr.id] = fr
			}
		}
	}
	feeds := append([]*engine.Queue[engine.Room](nil), c.listFeeds...)
	c.mu.Unlock()
	for _, f := range feeds {
		f.Push(diffs...)
	}
}

// FailRoomList delivers a transient error to every open room list feed.
func (c *Client) FailRoomList(err error) {
	c.mu.Lock()
	feeds := append([]*engine.Queue[engine.Room](nil), c.listFeeds...)
	c.mu.Unlock()
	for _, f := range feeds {
		f.Fail(err)
	}
}

// AddRoom makes a room resolvable without announcing it on the room list.
func (c *Client) AddRoom(r *Room) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[r.id] = r
}

func (c *Client) GetRoom(roomID string) (engine.Room, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[roomID]
	if !ok {
		return nil, false
	}
	return r, true
}

func (c *Client) CreateRoom(ctx context.Context, req engine.CreateRoomRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CreateErr != nil {
		return "", c.CreateErr
	}
	c.Created = append(c.Created, req)
	roomID := fmt.Sprintf("!created%d:example.org", len(c.Created))
	c.rooms[roomID] = NewRoom(roomID, req.Name)
	return roomID, nil
}

func (c *Client) SearchUsers(ctx context.Context, query string, limit int) (engine.UserSearchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Searches++
	if c.SearchErr != nil {
		return engine.UserSearchResult{}, c.SearchErr
	}
	var res engine.UserSearchResult
	for _, u := range c.Users {
		if len(res.Users) == limit {
			res.Limited = true
			break
		}
		res.Users = append(res.Users, u)
	}
	return res, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	feeds := c.listFeeds
	c.listFeeds = nil
	c.Closed = true
	c.mu.Unlock()
	for _, f := range feeds {
		f.Close()
	}
	return nil
}

// Room is an in-memory room. All fields are guarded by mu and set through methods.
type Room struct {
	id string

	mu          sync.Mutex
	name        string
	isDirect    bool
	isDirectErr error
	membership  engine.Membership
	unread      engine.UnreadCounts
	timeline    *Timeline
	Sent        []string
	Joins       int
	Leaves      int
	DirectCalls int
}

func NewRoom(id, name string) *Room {
	return &Room{
		id:         id,
		name:       name,
		membership: engine.MembershipJoined,
		timeline:   NewTimeline(),
	}
}

func (r *Room) ID() string { return r.id }

func (r *Room) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.name
}

func (r *Room) SetName(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.name = name
}

func (r *Room) DisplayName(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.name == "" {
		return "Empty Room", nil
	}
	return r.name, nil
}

// SetDirect sets the result of IsDirect. A non-nil err makes IsDirect fail.
func (r *Room) SetDirect(isDirect bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.isDirect = isDirect
	r.isDirectErr = err
}

func (r *Room) IsDirect(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.DirectCalls++
	return r.isDirect, r.isDirectErr
}

func (r *Room) SetMembership(m engine.Membership) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.membership = m
}

func (r *Room) Membership() engine.Membership {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.membership
}

func (r *Room) SetUnreadCounts(u engine.UnreadCounts) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unread = u
}

func (r *Room) UnreadCounts() engine.UnreadCounts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unread
}

func (r *Room) LatestEvent() (engine.EventItem, bool) {
	items := r.timeline.Items()
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].Kind == engine.ItemEvent {
			return items[i].Event, true
		}
	}
	return engine.EventItem{}, false
}

func (r *Room) Timeline(ctx context.Context) (engine.Timeline, error) {
	return r.timeline, nil
}

// FakeTimeline exposes the room's timeline so tests can push diffs.
func (r *Room) FakeTimeline() *Timeline {
	return r.timeline
}

func (r *Room) Send(ctx context.Context, body string) (string, error) {
	r.mu.Lock()
	r.Sent = append(r.Sent, body)
	n := len(r.Sent)
	r.mu.Unlock()
	eventID := fmt.Sprintf("$sent%d", n)
	r.timeline.Push(vecdiff.PushBack(engine.EventTimelineItem(engine.EventItem{
		ID: eventID, Sender: "@me:example.org", Type: "m.room.message", MsgType: "m.text", Body: body,
	})))
	return eventID, nil
}

func (r *Room) Join(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Joins++
	r.membership = engine.MembershipJoined
	return nil
}

func (r *Room) Leave(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Leaves++
	r.membership = engine.MembershipLeft
	return nil
}

// Timeline keeps its own copy of the items so that new subscribers get the current state, and
// fans every pushed batch out to the open feeds.
type Timeline struct {
	mu            sync.Mutex
	items         []engine.TimelineItem
	feeds         []*engine.Queue[engine.TimelineItem]
	subscriptions int
	Older         []engine.TimelineItem
	Paginations   int
}

func NewTimeline() *Timeline {
	return &Timeline{}
}

func (t *Timeline) Subscribe(ctx context.Context) ([]engine.TimelineItem, engine.Feed[engine.TimelineItem], error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscriptions++
	var q *engine.Queue[engine.TimelineItem]
	q = engine.NewQueue[engine.TimelineItem](func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i := range t.feeds {
			if t.feeds[i] == q {
				t.feeds = append(t.feeds[:i], t.feeds[i+1:]...)
				break
			}
		}
	})
	t.feeds = append(t.feeds, q)
	return append([]engine.TimelineItem(nil), t.items...), q, nil
}

// Push applies diffs to the fake's own copy and delivers them to every open feed. It panics
// on an index violation, as that is a bug in the test.
func (t *Timeline) Push(diffs ...vecdiff.Diff[engine.TimelineItem]) {
	t.mu.Lock()
	items, err := vecdiff.ApplyAll(t.items, diffs)
	if err != nil {
		t.mu.Unlock()
		panic(err)
	}
	t.items = items
	feeds := append([]*engine.Queue[engine.TimelineItem](nil), t.feeds...)
	t.mu.Unlock()
	for _, f := range feeds {
		f.Push(diffs...)
	}
}

// PushRaw delivers diffs without applying them locally, e.g. to simulate a broken upstream.
func (t *Timeline) PushRaw(diffs ...vecdiff.Diff[engine.TimelineItem]) {
	t.mu.Lock()
	feeds := append([]*engine.Queue[engine.TimelineItem](nil), t.feeds...)
	t.mu.Unlock()
	for _, f := range feeds {
		f.Push(diffs...)
	}
}

func (t *Timeline) Fail(err error) {
	t.mu.Lock()
	feeds := append([]*engine.Queue[engine.TimelineItem](nil), t.feeds...)
	t.mu.Unlock()
	for _, f := range feeds {
		f.Fail(err)
	}
}

func (t *Timeline) Items() []engine.TimelineItem {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]engine.TimelineItem(nil), t.items...)
}

// OpenFeeds is how many subscriptions have not been closed yet.
func (t *Timeline) OpenFeeds() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.feeds)
}

func (t *Timeline) Subscriptions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subscriptions
}

// PaginateBackwards prepends up to limit items from Older, most recent first.
func (t *Timeline) PaginateBackwards(ctx context.Context, limit int) (bool, error) {
	t.mu.Lock()
	t.Paginations++
	var diffs []vecdiff.Diff[engine.TimelineItem]
	for i := 0; i < limit && len(t.Older) > 0; i++ {
		last := t.Older[len(t.Older)-1]
		t.Older = t.Older[:len(t.Older)-1]
		diffs = append(diffs, vecdiff.PushFront(last))
	}
	reachedStart := len(t.Older) == 0
	t.mu.Unlock()
	t.Push(diffs...)
	return reachedStart, nil
}

// Event builds a plain text event item.
func Event(id, sender, body string, ts int64) engine.TimelineItem {
	return engine.EventTimelineItem(engine.EventItem{
		ID: id, Sender: sender, Type: "m.room.message", MsgType: "m.text", Body: body, Timestamp: ts,
	})
}
