// Package rooms holds the ordered room list and per-room metadata, driven by the engine's
// room list feed.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"

	"github.com/matrix-org/syncbridge/engine"
	"github.com/matrix-org/syncbridge/internal"
	"github.com/matrix-org/syncbridge/pubsub"
	"github.com/matrix-org/syncbridge/timeline"
	"github.com/matrix-org/syncbridge/vecdiff"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// ChanRoomList is the pubsub channel carrying *Update payloads.
const ChanRoomList = "rooms"

const (
	minBackoff = 100 * time.Millisecond
	maxBackoff = 5 * time.Second
)

// TimelineCreator is told about rooms entering and leaving the list.
type TimelineCreator interface {
	EnsureTimeline(ctx context.Context, room engine.Room) (*timeline.Timeline, error)
	RetireTimeline(roomID string)
}

type Registry struct {
	timelines TimelineCreator
	pool      *internal.WorkerPool
	ps        *pubsub.PubSub
	notifier  pubsub.Notifier

	mu       sync.RWMutex
	rooms    []engine.Room
	meta     map[string]Info
	known    map[string]struct{}
	lastSync time.Time

	// pubMu orders publications against new subscriptions so a subscriber sees a snapshot
	// followed by exactly the updates after it.
	pubMu     sync.Mutex
	published []Info

	numRooms prometheus.Gauge
	numDiffs prometheus.Counter
}

// NewRegistry makes an empty registry. Metadata for up to concurrency rooms is computed at once.
func NewRegistry(timelines TimelineCreator, concurrency int, enablePrometheus bool) *Registry {
	r := &Registry{
		timelines: timelines,
		pool:      internal.NewWorkerPool(concurrency),
		ps:        pubsub.NewPubSub(256),
		meta:      make(map[string]Info),
		known:     make(map[string]struct{}),
	}
	r.notifier = r.ps
	if enablePrometheus {
		r.notifier = pubsub.NewPromNotifier(r.ps, "rooms")
		r.addPrometheusMetrics()
	}
	r.pool.Start()
	return r
}

func (r *Registry) addPrometheusMetrics() {
	r.numRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncbridge",
		Subsystem: "rooms",
		Name:      "num_rooms",
		Help:      "Number of rooms in the room list.",
	})
	r.numDiffs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "syncbridge",
		Subsystem: "rooms",
		Name:      "num_diffs",
		Help:      "Number of room list diffs applied.",
	})
	prometheus.MustRegister(r.numRooms, r.numDiffs)
}

// AllRooms returns the rooms in list order.
func (r *Registry) AllRooms() []engine.Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.rooms)
}

// Infos returns the rooms in list order along with their last computed metadata.
func (r *Registry) Infos() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, len(r.rooms))
	for i, room := range r.rooms {
		out[i] = r.infoLocked(room)
	}
	return out
}

func (r *Registry) RoomByID(roomID string) (engine.Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, room := range r.rooms {
		if room.ID() == roomID {
			return room, true
		}
	}
	return nil, false
}

func (r *Registry) Info(roomID string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, room := range r.rooms {
		if room.ID() == roomID {
			return r.infoLocked(room), true
		}
	}
	return Info{}, false
}

// infoLocked returns the stored metadata, or a bare Info for rooms not yet computed.
func (r *Registry) infoLocked(room engine.Room) Info {
	if info, ok := r.meta[room.ID()]; ok {
		return info
	}
	return Info{RoomID: room.ID(), Membership: room.Membership()}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// LastSync is when the last batch was applied. Zero if none.
func (r *Registry) LastSync() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSync
}

// ApplyRoomListDiffs applies one batch from the room list feed. The structural change is
// all-or-nothing: if any diff references a bad index the whole batch is rejected and the
// error returned. Metadata is then recomputed for every room, outside the lock; a room whose
// metadata cannot be computed keeps absent values.
func (r *Registry) ApplyRoomListDiffs(ctx context.Context, diffs []vecdiff.Diff[engine.Room]) error {
	r.mu.Lock()
	next, err := vecdiff.ApplyAll(slices.Clone(r.rooms), diffs)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("apply room list diffs: %w", err)
	}
	r.rooms = next
	r.lastSync = time.Now()
	snapshot := slices.Clone(next)
	r.mu.Unlock()

	present := make(map[string]struct{}, len(snapshot))
	for _, room := range snapshot {
		present[room.ID()] = struct{}{}
	}
	internal.Assert("room list has unique room IDs", len(present) == len(snapshot))

	meta := r.computeMetadata(ctx, snapshot)

	r.mu.Lock()
	r.meta = meta
	added := internal.Difference(present, r.known)
	removed := internal.Difference(r.known, present)
	r.known = present
	r.mu.Unlock()

	for _, roomID := range removed {
		r.timelines.RetireTimeline(roomID)
	}
	for _, room := range snapshot {
		if !slices.Contains(added, room.ID()) {
			continue
		}
		if _, err := r.timelines.EnsureTimeline(ctx, room); err != nil {
			internal.DecorateLogger(ctx, logger.Warn()).Err(err).Str("room", room.ID()).Msg("failed to create timeline")
		}
	}

	r.publish(snapshot, meta, diffs)
	if r.numDiffs != nil {
		r.numDiffs.Add(float64(len(diffs)))
		r.numRooms.Set(float64(len(snapshot)))
	}
	internal.DecorateLogger(ctx, logger.Debug()).Int("diffs", len(diffs)).Int("rooms", len(snapshot)).
		Int("added", len(added)).Int("removed", len(removed)).Msg("applied room list batch")
	return nil
}

func (r *Registry) computeMetadata(ctx context.Context, rooms []engine.Room) map[string]Info {
	infos := make([]Info, len(rooms))
	fns := make([]func(), len(rooms))
	for i := range rooms {
		i := i
		fns[i] = func() {
			infos[i] = computeInfo(ctx, rooms[i])
		}
	}
	r.pool.Do(fns...)
	meta := make(map[string]Info, len(rooms))
	for _, info := range infos {
		meta[info.RoomID] = info
	}
	return meta
}

func computeInfo(ctx context.Context, room engine.Room) Info {
	info := Info{
		RoomID:     room.ID(),
		Name:       room.Name(),
		Membership: room.Membership(),
		Unread:     room.UnreadCounts(),
	}
	displayName, err := room.DisplayName(ctx)
	if err != nil {
		logger.Warn().Err(err).Str("room", info.RoomID).Msg("failed to compute display name")
	} else {
		info.DisplayName = displayName
	}
	isDM, err := room.IsDirect(ctx)
	if err != nil {
		logger.Warn().Err(err).Str("room", info.RoomID).Msg("failed to check if room is direct")
	} else {
		info.IsDM = &isDM
	}
	if ev, ok := room.LatestEvent(); ok {
		msg := timeline.ToMessage(engine.EventTimelineItem(ev))
		info.Latest = &msg
	}
	return info
}

func (r *Registry) publish(snapshot []engine.Room, meta map[string]Info, diffs []vecdiff.Diff[engine.Room]) {
	infoFor := func(room engine.Room) Info {
		if info, ok := meta[room.ID()]; ok {
			return info
		}
		return Info{RoomID: room.ID(), Membership: room.Membership()}
	}
	published := make([]Info, len(snapshot))
	for i, room := range snapshot {
		published[i] = infoFor(room)
	}
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	r.published = published
	for _, d := range diffs {
		if err := r.notifier.Notify(ChanRoomList, toUpdate(d, infoFor)); err != nil {
			logger.Warn().Err(err).Msg("room list update not delivered to every subscriber")
		}
	}
}

// Listen drains the room list feed until ctx is done or the feed ends. Feed errors are
// logged and retried; rejected batches are logged, reported and skipped.
func (r *Registry) Listen(ctx context.Context, feed engine.Feed[engine.Room]) {
	defer feed.Close()
	backoff := minBackoff
	for {
		diffs, err := feed.Next(ctx)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, io.EOF) {
			internal.DecorateLogger(ctx, logger.Info()).Msg("room list feed ended")
			return
		}
		if err != nil {
			internal.DecorateLogger(ctx, logger.Warn()).Err(err).Dur("backoff", backoff).Msg("room list feed error, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = minBackoff
		if err = r.ApplyRoomListDiffs(ctx, diffs); err != nil {
			internal.DecorateLogger(ctx, logger.Error()).Err(err).Msg("room list batch rejected")
			internal.ReportError(ctx, err)
			internal.Assert("room list diffs reference valid indexes", false)
		}
	}
}

// Subscribe streams the room list to emit: a reset with the current rooms, then one update
// per diff. It returns when ctx is done, emit fails, or the subscription is dropped.
func (r *Registry) Subscribe(ctx context.Context, emit func(*Update) error) error {
	r.pubMu.Lock()
	snapshot := slices.Clone(r.published)
	sub, err := r.ps.Subscribe(ChanRoomList)
	r.pubMu.Unlock()
	if err != nil {
		return internal.NotInitialized("subscribe_rooms")
	}
	defer sub.Close()
	if err = emit(&Update{Op: vecdiff.OpReset, Rooms: snapshot}); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.Done():
			if sub.Dropped() {
				return fmt.Errorf("subscribe_rooms: subscriber fell behind")
			}
			return nil
		case p := <-sub.C:
			if err = emit(p.(*Update)); err != nil {
				return err
			}
		}
	}
}

// Clear forgets every room, e.g. on sign out. Timelines are retired by their own owner.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.rooms = nil
	r.meta = make(map[string]Info)
	r.known = make(map[string]struct{})
	r.lastSync = time.Time{}
	r.mu.Unlock()

	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	r.published = nil
	r.notifier.Notify(ChanRoomList, &Update{Op: vecdiff.OpClear})
	if r.numRooms != nil {
		r.numRooms.Set(0)
	}
}

func (r *Registry) Close() {
	r.notifier.Close()
	r.pool.Stop()
	if r.numRooms != nil {
		prometheus.Unregister(r.numRooms)
		prometheus.Unregister(r.numDiffs)
	}
}
