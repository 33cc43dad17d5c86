// Package syncbridge keeps a consumer's view of a Matrix account in step with the homeserver:
// the ordered room list, per-room timelines and a short-lived status line, all fed by a
// protocol engine and exposed through blocking calls and push subscriptions.
package syncbridge

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/rs/zerolog"

	"github.com/matrix-org/syncbridge/bridge"
	"github.com/matrix-org/syncbridge/engine"
	"github.com/matrix-org/syncbridge/internal"
	"github.com/matrix-org/syncbridge/rooms"
	"github.com/matrix-org/syncbridge/session"
	"github.com/matrix-org/syncbridge/status"
	"github.com/matrix-org/syncbridge/timeline"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	// DefaultSearchLimit caps user directory results.
	DefaultSearchLimit = 100
	defaultSearchTTL   = time.Minute

	minSyncBackoff = 100 * time.Millisecond
	maxSyncBackoff = 30 * time.Second
)

type Options struct {
	Engine           engine.Engine
	EnablePrometheus bool
	// StatusDecay is how long a status message stays visible. Defaults to status.DefaultDecay.
	StatusDecay time.Duration
	// MetadataConcurrency bounds how many rooms have their metadata computed at once.
	MetadataConcurrency int
	// SearchCacheTTL is how long user search results are reused. Defaults to one minute.
	SearchCacheTTL time.Duration
}

// SyncStatus is a point-in-time summary of the sync state.
type SyncStatus struct {
	IsSyncing     bool `json:"is_syncing"`
	RoomsCount    int  `json:"rooms_count"`
	MessagesCount int  `json:"messages_count"`
	// LastSyncTime is unix milliseconds of the last applied room list batch.
	LastSyncTime *int64 `json:"last_sync_time,omitempty"`
}

type syncRun struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// App is the application context. Everything that would otherwise be process-global lives
// here, so several Apps can coexist in one process and in tests.
type App struct {
	rt        *bridge.Runtime
	sessions  *session.Registry
	rooms     *rooms.Registry
	timelines *timeline.Manager
	status    *status.Channel
	searches  *ttlcache.Cache[string, engine.UserSearchResult]

	syncMu  sync.Mutex
	running *syncRun

	closeOnce sync.Once
}

func New(opts Options) *App {
	if opts.StatusDecay <= 0 {
		opts.StatusDecay = status.DefaultDecay
	}
	if opts.MetadataConcurrency <= 0 {
		opts.MetadataConcurrency = 8
	}
	if opts.SearchCacheTTL <= 0 {
		opts.SearchCacheTTL = defaultSearchTTL
	}
	a := &App{
		rt:       bridge.NewRuntime(),
		sessions: session.NewRegistry(opts.Engine),
		status:   status.NewChannel(opts.StatusDecay),
		searches: ttlcache.New[string, engine.UserSearchResult](
			ttlcache.WithTTL[string, engine.UserSearchResult](opts.SearchCacheTTL),
			ttlcache.WithDisableTouchOnHit[string, engine.UserSearchResult](),
		),
	}
	// the timeline manager resolves rooms through the registry, which is created after it
	a.timelines = timeline.NewManager(timeline.RoomLookupFunc(func(roomID string) (engine.Room, bool) {
		return a.rooms.RoomByID(roomID)
	}), opts.EnablePrometheus)
	a.rooms = rooms.NewRegistry(a.timelines, opts.MetadataConcurrency, opts.EnablePrometheus)
	a.sessions.OnSignOut(a.reset)
	go a.searches.Start()
	return a
}

// reset drops everything derived from the session which just ended.
func (a *App) reset() {
	a.stopSync()
	// rooms go first so no timeline can be created for them once the listeners are retired
	a.rooms.Clear()
	a.timelines.RetireAll()
	a.status.Clear()
	a.searches.DeleteAll()
}

func validRoomID(op, roomID string) error {
	if _, err := spec.NewRoomID(roomID); err != nil {
		return internal.Malformed(op, fmt.Errorf("room id %q: %w", roomID, err))
	}
	return nil
}

func validUserID(op, userID string) error {
	if _, err := spec.NewUserID(userID, true); err != nil {
		return internal.Malformed(op, fmt.Errorf("user id %q: %w", userID, err))
	}
	return nil
}

// Configure creates the session from cfg. Repeated calls keep the first session and return true.
func (a *App) Configure(ctx context.Context, cfg session.Config) (bool, error) {
	ctx = internal.CallContext(ctx, "configure")
	return bridge.Block(ctx, a.rt, "configure", func(ctx context.Context) (bool, error) {
		return a.sessions.Configure(ctx, cfg)
	})
}

func (a *App) Login(ctx context.Context, user, password string) (bool, error) {
	ctx = internal.CallContext(ctx, "login")
	return bridge.Block(ctx, a.rt, "login", func(ctx context.Context) (bool, error) {
		cred, err := a.sessions.Login(ctx, user, password)
		if err != nil {
			return false, err
		}
		internal.SetContextUserID(ctx, cred.UserID)
		return true, nil
	})
}

func (a *App) Register(ctx context.Context, user, password string) (bool, error) {
	ctx = internal.CallContext(ctx, "register")
	return bridge.Block(ctx, a.rt, "register", func(ctx context.Context) (bool, error) {
		cred, err := a.sessions.Register(ctx, user, password)
		if err != nil {
			return false, err
		}
		internal.SetContextUserID(ctx, cred.UserID)
		return true, nil
	})
}

func (a *App) IsAuthenticated(ctx context.Context) (bool, error) {
	return bridge.Block(ctx, a.rt, "is_authenticated", func(ctx context.Context) (bool, error) {
		return a.sessions.IsAuthenticated()
	})
}

// SignOut ends the session. Without a session it fails with NotInitialized.
func (a *App) SignOut(ctx context.Context) (bool, error) {
	ctx = internal.CallContext(ctx, "sign_out")
	return bridge.Block(ctx, a.rt, "sign_out", func(ctx context.Context) (bool, error) {
		return a.sessions.SignOut(ctx)
	})
}

// StartSync starts the engine's sync loop and the room list listener. It is a no-op when sync
// is already running.
func (a *App) StartSync(ctx context.Context) (bool, error) {
	ctx = internal.CallContext(ctx, "start_sync")
	return bridge.Block(ctx, a.rt, "start_sync", func(ctx context.Context) (bool, error) {
		sess, err := a.sessions.Authenticated()
		if err != nil {
			return false, err
		}
		a.syncMu.Lock()
		defer a.syncMu.Unlock()
		if a.running != nil {
			return true, nil
		}
		syncCtx, cancel := context.WithCancel(a.rt.Context())
		feed, err := sess.Client.RoomList(syncCtx)
		if err != nil {
			cancel()
			return false, internal.ProtocolFailure("start_sync", err)
		}
		run := &syncRun{cancel: cancel}
		run.wg.Add(2)
		if !a.rt.Go("sync", func(context.Context) {
			defer run.wg.Done()
			a.runSync(syncCtx, sess.Client)
		}) {
			run.wg.Done()
		}
		if !a.rt.Go("room_list", func(context.Context) {
			defer run.wg.Done()
			a.rooms.Listen(syncCtx, feed)
		}) {
			run.wg.Done()
			feed.Close()
		}
		a.running = run
		a.status.Set("Sync started")
		logger.Info().Msg("sync started")
		return true, nil
	})
}

// runSync keeps the engine's sync loop running until ctx is cancelled.
func (a *App) runSync(ctx context.Context, client engine.Client) {
	backoff := minSyncBackoff
	for {
		err := client.Sync(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Warn().Err(err).Dur("backoff", backoff).Msg("sync loop failed, restarting")
			a.status.Set("Sync error: " + err.Error())
			internal.ReportError(ctx, err)
		} else {
			logger.Info().Dur("backoff", backoff).Msg("sync loop returned, restarting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxSyncBackoff {
			backoff = maxSyncBackoff
		}
	}
}

func (a *App) stopSync() {
	a.syncMu.Lock()
	run := a.running
	a.running = nil
	a.syncMu.Unlock()
	if run == nil {
		return
	}
	run.cancel()
	run.wg.Wait()
	logger.Info().Msg("sync stopped")
}

func (a *App) isSyncing() bool {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()
	return a.running != nil
}

// AllRooms returns every room in list order.
func (a *App) AllRooms(ctx context.Context) ([]rooms.Info, error) {
	return bridge.Block(ctx, a.rt, "all_rooms", func(ctx context.Context) ([]rooms.Info, error) {
		if _, err := a.sessions.Current(); err != nil {
			return nil, err
		}
		return a.rooms.Infos(), nil
	})
}

func (a *App) Room(ctx context.Context, roomID string) (rooms.Info, error) {
	return bridge.Block(ctx, a.rt, "room", func(ctx context.Context) (rooms.Info, error) {
		if err := validRoomID("room", roomID); err != nil {
			return rooms.Info{}, err
		}
		info, ok := a.rooms.Info(roomID)
		if !ok {
			return rooms.Info{}, internal.RoomNotFound("room", roomID)
		}
		return info, nil
	})
}

// GetTimeline returns the room's current timeline. ok is false when the room is known but its
// timeline has not been created yet.
func (a *App) GetTimeline(ctx context.Context, roomID string) (msgs []timeline.Message, ok bool, err error) {
	type result struct {
		msgs []timeline.Message
		ok   bool
	}
	res, err := bridge.Block(ctx, a.rt, "get_timeline", func(ctx context.Context) (result, error) {
		if err := validRoomID("get_timeline", roomID); err != nil {
			return result{}, err
		}
		items, ok, err := a.timelines.GetTimeline(roomID)
		if err != nil {
			return result{}, err
		}
		return result{msgs: timeline.ToMessages(items), ok: ok}, nil
	})
	return res.msgs, res.ok, err
}

// SubscribeRoomUpdates blocks, forwarding the room list to sink until ctx is cancelled, the
// sink fails, or the App closes. The first update is a reset carrying every room.
func (a *App) SubscribeRoomUpdates(ctx context.Context, sink bridge.Sink[*rooms.Update]) error {
	ctx = internal.CallContext(ctx, "subscribe_rooms")
	internal.SetContextSubscriptionID(ctx, uuid.NewString())
	if _, err := a.sessions.Current(); err != nil {
		return err
	}
	return bridge.Stream(ctx, a.rt, "subscribe_rooms", a.rooms.Subscribe, sink)
}

// SubscribeTimeline blocks, forwarding a room's timeline to sink. The first update is a reset
// carrying the current items.
func (a *App) SubscribeTimeline(ctx context.Context, roomID string, sink bridge.Sink[timeline.MessageUpdate]) error {
	ctx = internal.CallContext(ctx, "subscribe_timeline")
	internal.SetContextRoomID(ctx, roomID)
	internal.SetContextSubscriptionID(ctx, uuid.NewString())
	if err := validRoomID("subscribe_timeline", roomID); err != nil {
		return err
	}
	if _, ok := a.rooms.RoomByID(roomID); !ok {
		return internal.RoomNotFound("subscribe_timeline", roomID)
	}
	return bridge.Stream(ctx, a.rt, "subscribe_timeline", func(ctx context.Context, emit func(timeline.MessageUpdate) error) error {
		return a.timelines.Subscribe(ctx, roomID, emit)
	}, sink)
}

// SubscribeStatus blocks, forwarding status messages to sink. An empty message means the
// previous one expired.
func (a *App) SubscribeStatus(ctx context.Context, sink bridge.Sink[string]) error {
	return bridge.Stream(ctx, a.rt, "subscribe_status", func(ctx context.Context, emit func(string) error) error {
		ch, cancel := a.status.Subscribe()
		defer cancel()
		if msg, ok := a.status.Message(); ok {
			if err := emit(msg); err != nil {
				return err
			}
		}
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg, ok := <-ch:
				if !ok {
					return nil
				}
				if err := emit(msg); err != nil {
					return err
				}
			}
		}
	}, sink)
}

// roomCall validates roomID, resolves it, and runs fn with the room on the runtime.
func roomCall[T any](ctx context.Context, a *App, op, roomID string, fn func(ctx context.Context, room engine.Room) (T, error)) (T, error) {
	ctx = internal.CallContext(ctx, op)
	internal.SetContextRoomID(ctx, roomID)
	return bridge.Block(ctx, a.rt, op, func(ctx context.Context) (T, error) {
		var zero T
		if err := validRoomID(op, roomID); err != nil {
			return zero, err
		}
		if _, err := a.sessions.Authenticated(); err != nil {
			return zero, err
		}
		room, ok := a.rooms.RoomByID(roomID)
		if !ok {
			return zero, internal.RoomNotFound(op, roomID)
		}
		return fn(ctx, room)
	})
}

// SendMessage sends a plain text message and returns the new event ID.
func (a *App) SendMessage(ctx context.Context, roomID, body string) (string, error) {
	if strings.TrimSpace(body) == "" {
		return "", internal.Malformed("send_message", fmt.Errorf("empty message body"))
	}
	return roomCall(ctx, a, "send_message", roomID, func(ctx context.Context, room engine.Room) (string, error) {
		eventID, err := room.Send(ctx, body)
		if err != nil {
			a.status.Set("Failed to send message")
			return "", internal.ProtocolFailure("send_message", err)
		}
		return eventID, nil
	})
}

func (a *App) JoinRoom(ctx context.Context, roomID string) (bool, error) {
	return roomCall(ctx, a, "join_room", roomID, func(ctx context.Context, room engine.Room) (bool, error) {
		if err := room.Join(ctx); err != nil {
			return false, internal.ProtocolFailure("join_room", err)
		}
		a.status.Set("Joined " + roomID)
		return true, nil
	})
}

func (a *App) LeaveRoom(ctx context.Context, roomID string) (bool, error) {
	return roomCall(ctx, a, "leave_room", roomID, func(ctx context.Context, room engine.Room) (bool, error) {
		if err := room.Leave(ctx); err != nil {
			return false, internal.ProtocolFailure("leave_room", err)
		}
		a.status.Set("Left " + roomID)
		return true, nil
	})
}

// PaginateBackwards asks for up to limit older events. The items arrive through the timeline.
// Returns true once the start of the room has been reached.
func (a *App) PaginateBackwards(ctx context.Context, roomID string, limit int) (bool, error) {
	if limit <= 0 {
		return false, internal.Malformed("paginate_backwards", fmt.Errorf("limit must be positive"))
	}
	return roomCall(ctx, a, "paginate_backwards", roomID, func(ctx context.Context, room engine.Room) (bool, error) {
		return a.timelines.PaginateBackwards(ctx, roomID, limit)
	})
}

// CreateDirectRoom creates a private chat with userID marked as a direct message.
func (a *App) CreateDirectRoom(ctx context.Context, userID string) (string, error) {
	ctx = internal.CallContext(ctx, "create_direct_room")
	return bridge.Block(ctx, a.rt, "create_direct_room", func(ctx context.Context) (string, error) {
		if err := validUserID("create_direct_room", userID); err != nil {
			return "", err
		}
		return a.createRoom(ctx, "create_direct_room", engine.CreateRoomRequest{
			Preset:   engine.PresetTrustedPrivateChat,
			IsDirect: true,
			Invite:   []string{userID},
		})
	})
}

// CreateGroupRoom creates a named private room and invites userIDs.
func (a *App) CreateGroupRoom(ctx context.Context, name string, userIDs []string) (string, error) {
	ctx = internal.CallContext(ctx, "create_group_room")
	return bridge.Block(ctx, a.rt, "create_group_room", func(ctx context.Context) (string, error) {
		if strings.TrimSpace(name) == "" {
			return "", internal.Malformed("create_group_room", fmt.Errorf("room name is required"))
		}
		for _, userID := range userIDs {
			if err := validUserID("create_group_room", userID); err != nil {
				return "", err
			}
		}
		return a.createRoom(ctx, "create_group_room", engine.CreateRoomRequest{
			Name:   name,
			Preset: engine.PresetPrivateChat,
			Invite: userIDs,
		})
	})
}

func (a *App) createRoom(ctx context.Context, op string, req engine.CreateRoomRequest) (string, error) {
	sess, err := a.sessions.Authenticated()
	if err != nil {
		return "", err
	}
	roomID, err := sess.Client.CreateRoom(ctx, req)
	if err != nil {
		return "", internal.ProtocolFailure(op, err)
	}
	logger.Info().Str("room", roomID).Str("op", op).Int("invites", len(req.Invite)).Msg("created room")
	return roomID, nil
}

// SearchUsers queries the user directory. Results are reused for a short while.
func (a *App) SearchUsers(ctx context.Context, query string, limit int) (engine.UserSearchResult, error) {
	ctx = internal.CallContext(ctx, "search_users")
	return bridge.Block(ctx, a.rt, "search_users", func(ctx context.Context) (engine.UserSearchResult, error) {
		query = strings.TrimSpace(query)
		if query == "" {
			return engine.UserSearchResult{}, internal.Malformed("search_users", fmt.Errorf("empty query"))
		}
		if limit <= 0 || limit > DefaultSearchLimit {
			limit = DefaultSearchLimit
		}
		sess, err := a.sessions.Authenticated()
		if err != nil {
			return engine.UserSearchResult{}, err
		}
		key := fmt.Sprintf("%d %s", limit, query)
		if item := a.searches.Get(key); item != nil {
			return item.Value(), nil
		}
		res, err := sess.Client.SearchUsers(ctx, query, limit)
		if err != nil {
			return engine.UserSearchResult{}, internal.ProtocolFailure("search_users", err)
		}
		a.searches.Set(key, res, ttlcache.DefaultTTL)
		return res, nil
	})
}

func (a *App) SyncStatus(ctx context.Context) (SyncStatus, error) {
	return bridge.Block(ctx, a.rt, "sync_status", func(ctx context.Context) (SyncStatus, error) {
		st := SyncStatus{
			IsSyncing:     a.isSyncing(),
			RoomsCount:    a.rooms.Len(),
			MessagesCount: a.timelines.MessageCount(),
		}
		if last := a.rooms.LastSync(); !last.IsZero() {
			ms := last.UnixMilli()
			st.LastSyncTime = &ms
		}
		return st, nil
	})
}

// StatusMessage returns the current status message, if one has not yet expired.
func (a *App) StatusMessage() (string, bool) {
	return a.status.Message()
}

// StatusHandle lets other components publish status messages.
func (a *App) StatusHandle() status.Handle {
	return a.status.Handle()
}

// Close stops everything. The stored credential is kept so a later Configure restores it.
// Calling Close more than once is a no-op.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		a.stopSync()
		a.timelines.Close()
		a.rooms.Close()
		a.sessions.Close()
		a.status.Close()
		a.searches.Stop()
		a.rt.Close()
	})
}
