// Package timeline keeps one live timeline per observed room. Each timeline owns a listener
// goroutine which drains the room's diff feed into an in-memory item list.
package timeline

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"

	"github.com/matrix-org/syncbridge/engine"
	"github.com/matrix-org/syncbridge/internal"
	"github.com/matrix-org/syncbridge/vecdiff"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	minBackoff = 100 * time.Millisecond
	maxBackoff = 5 * time.Second
)

// RoomLookup resolves rooms known to the room registry.
type RoomLookup interface {
	RoomByID(roomID string) (engine.Room, bool)
}

type RoomLookupFunc func(roomID string) (engine.Room, bool)

func (f RoomLookupFunc) RoomByID(roomID string) (engine.Room, bool) {
	return f(roomID)
}

// Timeline is the live state of one room's timeline.
type Timeline struct {
	roomID string
	handle engine.Timeline

	mu    sync.Mutex
	items []engine.TimelineItem

	cancel context.CancelFunc
	done   chan struct{}
}

func (t *Timeline) RoomID() string {
	return t.roomID
}

// Items returns a copy of the current items.
func (t *Timeline) Items() []engine.TimelineItem {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.items)
}

// apply commits the batch only if every diff in it applies cleanly.
func (t *Timeline) apply(diffs []vecdiff.Diff[engine.TimelineItem]) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	next, err := vecdiff.ApplyAll(slices.Clone(t.items), diffs)
	if err != nil {
		return err
	}
	t.items = next
	return nil
}

func (t *Timeline) eventCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, it := range t.items {
		if it.Kind == engine.ItemEvent {
			n++
		}
	}
	return n
}

type Manager struct {
	rooms RoomLookup

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu        sync.Mutex
	timelines map[string]*Timeline
	closed    bool

	numListeners prometheus.Gauge
	numDiffs     prometheus.Counter
}

func NewManager(rooms RoomLookup, enablePrometheus bool) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		rooms:      rooms,
		rootCtx:    ctx,
		rootCancel: cancel,
		timelines:  make(map[string]*Timeline),
	}
	if enablePrometheus {
		m.addPrometheusMetrics()
	}
	return m
}

func (m *Manager) addPrometheusMetrics() {
	m.numListeners = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncbridge",
		Subsystem: "timeline",
		Name:      "num_listeners",
		Help:      "Number of live room timeline listeners.",
	})
	m.numDiffs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "syncbridge",
		Subsystem: "timeline",
		Name:      "num_diffs",
		Help:      "Number of timeline diffs applied.",
	})
	prometheus.MustRegister(m.numListeners, m.numDiffs)
}

// EnsureTimeline is the only way a timeline is created. It returns the existing timeline for
// the room if there is one.
func (m *Manager) EnsureTimeline(ctx context.Context, room engine.Room) (*Timeline, error) {
	roomID := room.ID()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, internal.NotInitialized("ensure_timeline")
	}
	if tl, ok := m.timelines[roomID]; ok {
		m.mu.Unlock()
		return tl, nil
	}
	m.mu.Unlock()

	// talking to the engine happens without the lock; a racing caller may win
	handle, err := room.Timeline(ctx)
	if err != nil {
		return nil, internal.ProtocolFailure("ensure_timeline", err)
	}
	listenCtx, cancel := context.WithCancel(m.rootCtx)
	initial, feed, err := handle.Subscribe(listenCtx)
	if err != nil {
		cancel()
		return nil, internal.ProtocolFailure("ensure_timeline", err)
	}

	m.mu.Lock()
	if existing, ok := m.timelines[roomID]; ok || m.closed {
		m.mu.Unlock()
		cancel()
		feed.Close()
		if existing == nil {
			return nil, internal.NotInitialized("ensure_timeline")
		}
		return existing, nil
	}
	// the room may have been removed while we were subscribing
	if _, known := m.rooms.RoomByID(roomID); !known {
		m.mu.Unlock()
		cancel()
		feed.Close()
		return nil, internal.RoomNotFound("ensure_timeline", roomID)
	}
	tl := &Timeline{
		roomID: roomID,
		handle: handle,
		items:  initial,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.timelines[roomID] = tl
	m.mu.Unlock()

	if m.numListeners != nil {
		m.numListeners.Inc()
	}
	go m.listen(listenCtx, tl, feed)
	logger.Trace().Str("room", roomID).Int("items", len(initial)).Msg("timeline listener started")
	return tl, nil
}

func (m *Manager) listen(ctx context.Context, tl *Timeline, feed engine.Feed[engine.TimelineItem]) {
	defer close(tl.done)
	defer feed.Close()
	err := drain(ctx, feed, func(err error, backoff time.Duration) {
		// feed glitches must never stop state propagation
		logger.Warn().Err(err).Str("room", tl.roomID).Dur("backoff", backoff).Msg("timeline feed error, retrying")
	}, func(diffs []vecdiff.Diff[engine.TimelineItem]) error {
		if err := tl.apply(diffs); err != nil {
			logger.Error().Err(err).Str("room", tl.roomID).Int("diffs", len(diffs)).Msg("timeline batch rejected")
			internal.ReportError(ctx, err)
			internal.Assert("timeline diffs reference valid indexes", false)
			return nil
		}
		if m.numDiffs != nil {
			m.numDiffs.Add(float64(len(diffs)))
		}
		return nil
	})
	if errors.Is(err, io.EOF) {
		logger.Info().Str("room", tl.roomID).Msg("timeline feed ended")
	}
}

// drain hands every batch from feed to handle until ctx is done, the feed ends (io.EOF) or
// handle fails. Feed errors go to onErr and are retried after an exponential backoff.
func drain(
	ctx context.Context, feed engine.Feed[engine.TimelineItem],
	onErr func(err error, backoff time.Duration), handle func([]vecdiff.Diff[engine.TimelineItem]) error,
) error {
	backoff := minBackoff
	for {
		diffs, err := feed.Next(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		if err != nil {
			onErr(err, backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = minBackoff
		if err = handle(diffs); err != nil {
			return err
		}
	}
}

// RetireTimeline cancels the room's listener and waits for it to exit before discarding the
// timeline. Retiring an unknown room is a no-op.
func (m *Manager) RetireTimeline(roomID string) {
	m.mu.Lock()
	tl, ok := m.timelines[roomID]
	delete(m.timelines, roomID)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.stop(tl)
}

func (m *Manager) stop(tl *Timeline) {
	tl.cancel()
	<-tl.done
	if m.numListeners != nil {
		m.numListeners.Dec()
	}
	logger.Trace().Str("room", tl.roomID).Msg("timeline listener stopped")
}

// GetTimeline returns a snapshot of the room's items. It fails with RoomNotFound for rooms
// the registry doesn't know, and returns ok=false for known rooms without a timeline yet.
func (m *Manager) GetTimeline(roomID string) (items []engine.TimelineItem, ok bool, err error) {
	if _, known := m.rooms.RoomByID(roomID); !known {
		return nil, false, internal.RoomNotFound("get_timeline", roomID)
	}
	m.mu.Lock()
	tl, exists := m.timelines[roomID]
	m.mu.Unlock()
	if !exists {
		return nil, false, nil
	}
	return tl.Items(), true, nil
}

// Has reports whether the room has a live listener.
func (m *Manager) Has(roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timelines[roomID]
	return ok
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timelines)
}

// MessageCount is the number of event items across every live timeline.
func (m *Manager) MessageCount() int {
	m.mu.Lock()
	tls := make([]*Timeline, 0, len(m.timelines))
	for _, tl := range m.timelines {
		tls = append(tls, tl)
	}
	m.mu.Unlock()
	n := 0
	for _, tl := range tls {
		n += tl.eventCount()
	}
	return n
}

// Subscribe streams the room's timeline to emit: first a reset carrying the current items,
// then one update per diff in arrival order. It returns when ctx is done, the feed ends, or
// emit fails.
func (m *Manager) Subscribe(ctx context.Context, roomID string, emit func(MessageUpdate) error) error {
	room, ok := m.rooms.RoomByID(roomID)
	if !ok {
		return internal.RoomNotFound("subscribe_timeline", roomID)
	}
	if _, err := m.EnsureTimeline(ctx, room); err != nil {
		return err
	}
	handle, err := room.Timeline(ctx)
	if err != nil {
		return internal.ProtocolFailure("subscribe_timeline", err)
	}
	initial, feed, err := handle.Subscribe(ctx)
	if err != nil {
		return internal.ProtocolFailure("subscribe_timeline", err)
	}
	defer feed.Close()
	if err = emit(ToMessageUpdate(vecdiff.Reset(initial...))); err != nil {
		return err
	}
	err = drain(ctx, feed, func(err error, backoff time.Duration) {
		internal.DecorateLogger(ctx, logger.Warn()).Err(err).Str("room", roomID).Dur("backoff", backoff).
			Msg("timeline subscription feed error, retrying")
	}, func(diffs []vecdiff.Diff[engine.TimelineItem]) error {
		for _, d := range diffs {
			if err := emit(ToMessageUpdate(d)); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// PaginateBackwards asks the engine for up to limit older events. They arrive through the
// timeline feeds like any other change.
func (m *Manager) PaginateBackwards(ctx context.Context, roomID string, limit int) (bool, error) {
	room, ok := m.rooms.RoomByID(roomID)
	if !ok {
		return false, internal.RoomNotFound("paginate_backwards", roomID)
	}
	tl, err := m.EnsureTimeline(ctx, room)
	if err != nil {
		return false, err
	}
	reachedStart, err := tl.handle.PaginateBackwards(ctx, limit)
	if err != nil {
		return false, internal.ProtocolFailure("paginate_backwards", err)
	}
	return reachedStart, nil
}

// RetireAll stops every listener. The manager stays usable.
func (m *Manager) RetireAll() {
	m.mu.Lock()
	tls := m.timelines
	m.timelines = make(map[string]*Timeline)
	m.mu.Unlock()
	for _, tl := range tls {
		m.stop(tl)
	}
}

// Close stops every listener and refuses new timelines.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.RetireAll()
	m.rootCancel()
	if m.numListeners != nil {
		prometheus.Unregister(m.numListeners)
		prometheus.Unregister(m.numDiffs)
	}
}
