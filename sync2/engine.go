package sync2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/exp/slices"

	"github.com/matrix-org/syncbridge/engine"
	"github.com/matrix-org/syncbridge/internal"
	"github.com/matrix-org/syncbridge/vecdiff"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var errNotLoggedIn = errors.New("not logged in")

// Engine is an engine.Engine which speaks the client-server API over HTTP.
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

func (e *Engine) Connect(ctx context.Context, cfg engine.Config) (engine.Client, error) {
	httpClient, err := NewHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	c := &Client{
		http:   httpClient,
		txnIDs: NewTransactionIDCache(),
	}
	c.acc = newAccumulator(c)
	return c, nil
}

// Client is a connection to one homeserver for at most one account at a time.
type Client struct {
	http   *HTTPClient
	txnIDs *TransactionIDCache
	acc    *accumulator

	mu     sync.Mutex
	cred   *engine.Credential
	closed bool
}

func (c *Client) setCredential(cred engine.Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cred = &cred
}

func (c *Client) userID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cred == nil {
		return ""
	}
	return c.cred.UserID
}

func (c *Client) Login(ctx context.Context, user, password string) (engine.Credential, error) {
	cred, err := c.http.Login(ctx, user, password)
	if err != nil {
		return engine.Credential{}, err
	}
	c.setCredential(cred)
	return cred, nil
}

func (c *Client) Register(ctx context.Context, user, password string) (engine.Credential, error) {
	cred, err := c.http.Register(ctx, user, password)
	if err != nil {
		return engine.Credential{}, err
	}
	c.setCredential(cred)
	return cred, nil
}

// RestoreSession adopts a previously issued credential. The token is checked on the next Sync.
func (c *Client) RestoreSession(ctx context.Context, cred engine.Credential) error {
	if cred.UserID == "" || cred.AccessToken == "" {
		return fmt.Errorf("restore session: credential is missing user_id or access_token")
	}
	c.setCredential(cred)
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

// Logout invalidates the access token. A token the server no longer knows counts as logged out.
func (c *Client) Logout(ctx context.Context) error {
	cred, ok := c.Session()
	if !ok {
		return errNotLoggedIn
	}
	if err := c.http.Logout(ctx, cred.AccessToken); err != nil && !errors.Is(err, HTTP401) {
		return err
	}
	c.mu.Lock()
	c.cred = nil
	c.mu.Unlock()
	c.acc.reset()
	return nil
}

// Sync polls /sync until ctx is done. It returns an error if the access token is rejected.
func (c *Client) Sync(ctx context.Context) error {
	cred, ok := c.Session()
	if !ok {
		return errNotLoggedIn
	}
	since := c.acc.nextBatch()
	if since == "" {
		// fail fast on a bad token rather than backing off through a 401 sync
		userID, _, err := c.http.WhoAmI(ctx, cred.AccessToken)
		if err != nil {
			return fmt.Errorf("whoami: %w", err)
		}
		if userID != cred.UserID {
			return fmt.Errorf("whoami: token belongs to %s not %s", userID, cred.UserID)
		}
	}
	poller := NewPoller(cred.AccessToken, c.http, c.acc, logger.With().Str("user", cred.UserID).Logger())
	return poller.Poll(ctx, since)
}

func (c *Client) RoomList(ctx context.Context) (engine.Feed[engine.Room], error) {
	return c.acc.subscribe(), nil
}

func (c *Client) GetRoom(roomID string) (engine.Room, bool) {
	room := c.acc.room(roomID)
	if room == nil {
		return nil, false
	}
	return room, true
}

func (c *Client) CreateRoom(ctx context.Context, req engine.CreateRoomRequest) (string, error) {
	cred, ok := c.Session()
	if !ok {
		return "", errNotLoggedIn
	}
	return c.http.CreateRoom(ctx, cred.AccessToken, req)
}

func (c *Client) SearchUsers(ctx context.Context, query string, limit int) (engine.UserSearchResult, error) {
	cred, ok := c.Session()
	if !ok {
		return engine.UserSearchResult{}, errNotLoggedIn
	}
	return c.http.SearchUsers(ctx, cred.AccessToken, query, limit)
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.acc.close()
	c.txnIDs.Stop()
	return nil
}

// accumulator folds /sync responses into rooms and keeps the room list ordered by recent
// activity, most recent first. Changes are collected per response and published as one batch
// of diffs in OnSyncComplete.
type accumulator struct {
	client *Client

	mu     sync.Mutex
	rooms  map[string]*Room
	order  []engine.Room
	direct map[string]struct{}
	since  string
	feeds  []*engine.Queue[engine.Room]

	// reset after every response
	touched map[string]int64
	changed map[string]struct{}
	left    map[string]struct{}
}

func newAccumulator(c *Client) *accumulator {
	a := &accumulator{
		client: c,
		rooms:  make(map[string]*Room),
		direct: make(map[string]struct{}),
	}
	a.resetPending()
	return a
}

func (a *accumulator) resetPending() {
	a.touched = make(map[string]int64)
	a.changed = make(map[string]struct{})
	a.left = make(map[string]struct{})
}

func (a *accumulator) nextBatch() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.since
}

func (a *accumulator) room(roomID string) *Room {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rooms[roomID]
}

func (a *accumulator) isDirect(roomID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.direct[roomID]
	return ok
}

func (a *accumulator) getOrCreateLocked(roomID string) *Room {
	room, ok := a.rooms[roomID]
	if !ok {
		room = newRoom(roomID, a.client)
		a.rooms[roomID] = room
	}
	return room
}

func (a *accumulator) Initialise(roomID string, summary RoomSummary, state []json.RawMessage) {
	a.mu.Lock()
	room := a.getOrCreateLocked(roomID)
	a.changed[roomID] = struct{}{}
	a.mu.Unlock()

	room.mu.Lock()
	defer room.mu.Unlock()
	for _, ev := range state {
		room.applyStateLocked(ev)
	}
	if len(summary.Heroes) > 0 {
		room.heroes = summary.Heroes
	}
	if summary.JoinedMemberCount != nil {
		room.joinedCount = summary.JoinedMemberCount
	}
	if summary.InvitedMemberCount != nil {
		room.invitedCount = summary.InvitedMemberCount
	}
}

func (a *accumulator) Accumulate(roomID, prevBatch string, limited bool, timeline []json.RawMessage) {
	self := a.client.userID()
	a.mu.Lock()
	room := a.getOrCreateLocked(roomID)
	a.mu.Unlock()

	room.mu.Lock()
	var diffs []vecdiff.Diff[engine.TimelineItem]
	if limited && len(room.items) > 0 {
		// there is a gap between what we hold and the new events
		room.items = nil
		room.eventIDs = make(map[string]struct{})
		room.reachedStart = false
		diffs = append(diffs, vecdiff.Reset[engine.TimelineItem]())
	}
	if limited || room.prevBatch == "" {
		room.prevBatch = prevBatch
	}
	var latest int64
	for _, raw := range timeline {
		room.applyStateLocked(raw)
		ev, ok := parseEvent(raw)
		if !ok {
			continue
		}
		if _, seen := room.eventIDs[ev.ID]; seen {
			if txnID := a.client.txnIDs.Get(self, ev.ID); txnID != "" {
				room.replaceEchoLocked(&diffs, ev)
			}
			continue
		}
		room.appendEventLocked(&diffs, ev)
		if ev.Timestamp > latest {
			latest = ev.Timestamp
		}
	}
	feeds := room.pushLocked(diffs)
	room.mu.Unlock()
	broadcast(feeds, diffs)

	if len(diffs) > 0 {
		a.mu.Lock()
		if latest > a.touched[roomID] {
			a.touched[roomID] = latest
		} else if _, ok := a.touched[roomID]; !ok {
			a.changed[roomID] = struct{}{}
		}
		a.mu.Unlock()
	}
}

func (a *accumulator) UpdateUnreadCounts(roomID string, highlightCount, notifCount *int) {
	a.mu.Lock()
	room := a.rooms[roomID]
	a.mu.Unlock()
	if room == nil {
		return
	}
	room.mu.Lock()
	before := room.unread
	if highlightCount != nil {
		room.unread.Highlights = *highlightCount
	}
	if notifCount != nil {
		room.unread.Notifications = *notifCount
	}
	changed := before != room.unread
	room.mu.Unlock()
	if changed {
		a.mu.Lock()
		a.changed[roomID] = struct{}{}
		a.mu.Unlock()
	}
}

// OnAccountData tracks m.direct. Room account data is not used.
func (a *accumulator) OnAccountData(roomID string, events []json.RawMessage) {
	if roomID != "" {
		return
	}
	for _, ev := range events {
		parsed := gjson.ParseBytes(ev)
		if parsed.Get("type").Str != "m.direct" {
			continue
		}
		direct := make(map[string]struct{})
		parsed.Get("content").ForEach(func(_, roomIDs gjson.Result) bool {
			for _, id := range roomIDs.Array() {
				direct[id.Str] = struct{}{}
			}
			return true
		})
		a.mu.Lock()
		for id := range a.direct {
			a.changed[id] = struct{}{}
		}
		for id := range direct {
			a.changed[id] = struct{}{}
		}
		a.direct = direct
		a.mu.Unlock()
	}
}

func (a *accumulator) OnInvite(roomID string, inviteState []json.RawMessage) {
	a.mu.Lock()
	room := a.getOrCreateLocked(roomID)
	a.changed[roomID] = struct{}{}
	a.mu.Unlock()

	room.mu.Lock()
	defer room.mu.Unlock()
	for _, ev := range inviteState {
		room.applyStateLocked(ev)
	}
	room.membership = engine.MembershipInvited
}

func (a *accumulator) OnLeave(roomID string, timeline []json.RawMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.rooms[roomID]; ok {
		a.left[roomID] = struct{}{}
	}
}

// OnSyncComplete turns everything accumulated for this response into room list diffs.
func (a *accumulator) OnSyncComplete(since string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.since = since

	var diffs []vecdiff.Diff[engine.Room]
	apply := func(d vecdiff.Diff[engine.Room]) {
		order, err := vecdiff.Apply(a.order, d)
		if err != nil {
			internal.Assert("room list diff applies to the current order: "+err.Error(), false)
			return
		}
		a.order = order
		diffs = append(diffs, d)
	}

	for _, roomID := range sortedKeys(a.left) {
		if i := a.indexLocked(roomID); i >= 0 {
			apply(vecdiff.Remove[engine.Room](i))
		}
		a.rooms[roomID].closeFeeds()
		delete(a.rooms, roomID)
		delete(a.touched, roomID)
		delete(a.changed, roomID)
	}

	// oldest first so the most recently active room ends up at the front
	moved := internal.Keys(a.touched)
	sort.Slice(moved, func(i, j int) bool {
		if a.touched[moved[i]] == a.touched[moved[j]] {
			return moved[i] < moved[j]
		}
		return a.touched[moved[i]] < a.touched[moved[j]]
	})
	for _, roomID := range moved {
		if i := a.indexLocked(roomID); i >= 0 {
			apply(vecdiff.Remove[engine.Room](i))
		}
		apply(vecdiff.PushFront[engine.Room](a.rooms[roomID]))
		delete(a.changed, roomID)
	}

	for _, roomID := range sortedKeys(a.changed) {
		room, ok := a.rooms[roomID]
		if !ok {
			continue
		}
		if i := a.indexLocked(roomID); i >= 0 {
			apply(vecdiff.Set[engine.Room](i, room))
		} else {
			apply(vecdiff.PushBack[engine.Room](room))
		}
	}
	a.resetPending()

	if len(diffs) == 0 {
		return
	}
	logger.Trace().Int("diffs", len(diffs)).Int("rooms", len(a.order)).Str("since", since).Msg("room list updated")
	for _, q := range a.feeds {
		q.Push(diffs...)
	}
}

func (a *accumulator) indexLocked(roomID string) int {
	return slices.IndexFunc(a.order, func(r engine.Room) bool {
		return r.ID() == roomID
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := internal.Keys(m)
	sort.Strings(keys)
	return keys
}

// subscribe opens a room list feed which starts with the current order.
func (a *accumulator) subscribe() *engine.Queue[engine.Room] {
	a.mu.Lock()
	defer a.mu.Unlock()
	var q *engine.Queue[engine.Room]
	q = engine.NewQueue[engine.Room](func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if i := slices.Index(a.feeds, q); i >= 0 {
			a.feeds = slices.Delete(a.feeds, i, i+1)
		}
	})
	q.Push(vecdiff.Reset(slices.Clone(a.order)...))
	a.feeds = append(a.feeds, q)
	return q
}

// reset forgets every room, for example after logging out. Open feeds see an empty list.
func (a *accumulator) reset() {
	a.mu.Lock()
	rooms := a.rooms
	a.rooms = make(map[string]*Room)
	a.direct = make(map[string]struct{})
	a.order = nil
	a.since = ""
	a.resetPending()
	for _, q := range a.feeds {
		q.Push(vecdiff.Reset[engine.Room]())
	}
	a.mu.Unlock()
	for _, room := range rooms {
		room.closeFeeds()
	}
}

func (a *accumulator) close() {
	a.mu.Lock()
	feeds := a.feeds
	a.feeds = nil
	rooms := internal.Keys(a.rooms)
	a.mu.Unlock()
	for _, q := range feeds {
		q.Close()
	}
	for _, roomID := range rooms {
		if room := a.room(roomID); room != nil {
			room.closeFeeds()
		}
	}
}
