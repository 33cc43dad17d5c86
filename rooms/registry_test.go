package rooms

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/matrix-org/syncbridge/engine"
	"github.com/matrix-org/syncbridge/testutils"
	"github.com/matrix-org/syncbridge/timeline"
	"github.com/matrix-org/syncbridge/vecdiff"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestRegistry(t *testing.T) (*Registry, *timeline.Manager) {
	t.Helper()
	var reg *Registry
	mgr := timeline.NewManager(timeline.RoomLookupFunc(func(roomID string) (engine.Room, bool) {
		return reg.RoomByID(roomID)
	}), false)
	reg = NewRegistry(mgr, 4, false)
	t.Cleanup(func() {
		reg.Close()
		mgr.Close()
	})
	return reg, mgr
}

func roomIDs(rooms []engine.Room) []string {
	ids := make([]string, len(rooms))
	for i, r := range rooms {
		ids[i] = r.ID()
	}
	return ids
}

func assertIDs(t *testing.T, got []engine.Room, want ...string) {
	t.Helper()
	ids := roomIDs(got)
	if len(ids) != len(want) {
		t.Fatalf("got rooms %v want %v", ids, want)
	}
	for i := range ids {
		if ids[i] != want[i] {
			t.Fatalf("got rooms %v want %v", ids, want)
		}
	}
}

func TestRegistryStartsEmpty(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if got := reg.AllRooms(); len(got) != 0 {
		t.Fatalf("AllRooms: got %v want none", roomIDs(got))
	}
	if !reg.LastSync().IsZero() {
		t.Fatalf("LastSync set before any batch")
	}
}

func TestRegistryAppendAndRemove(t *testing.T) {
	reg, mgr := newTestRegistry(t)
	ctx := context.Background()
	a := testutils.NewRoom("!a:example.org", "Alpha")
	b := testutils.NewRoom("!b:example.org", "")
	b.SetDirect(true, nil)

	if err := reg.ApplyRoomListDiffs(ctx, []vecdiff.Diff[engine.Room]{vecdiff.Append[engine.Room](a)}); err != nil {
		t.Fatalf("ApplyRoomListDiffs: %s", err)
	}
	assertIDs(t, reg.AllRooms(), "!a:example.org")
	if !mgr.Has("!a:example.org") {
		t.Fatalf("no timeline for appended room")
	}
	if reg.LastSync().IsZero() {
		t.Fatalf("LastSync not set")
	}

	err := reg.ApplyRoomListDiffs(ctx, []vecdiff.Diff[engine.Room]{
		vecdiff.PushFront[engine.Room](b),
		vecdiff.Remove[engine.Room](1),
	})
	if err != nil {
		t.Fatalf("ApplyRoomListDiffs: %s", err)
	}
	assertIDs(t, reg.AllRooms(), "!b:example.org")
	if mgr.Has("!a:example.org") {
		t.Fatalf("timeline for removed room still live")
	}
	if !mgr.Has("!b:example.org") {
		t.Fatalf("no timeline for pushed room")
	}
	info, ok := reg.Info("!b:example.org")
	if !ok {
		t.Fatalf("Info: room missing")
	}
	if info.DisplayName != "Empty Room" {
		t.Errorf("DisplayName: got %q", info.DisplayName)
	}
	if info.IsDM == nil || !*info.IsDM {
		t.Errorf("IsDM: got %v want true", info.IsDM)
	}
	if _, ok := reg.RoomByID("!a:example.org"); ok {
		t.Errorf("RoomByID found removed room")
	}
}

func TestRegistryRejectsBadBatchWhole(t *testing.T) {
	reg, mgr := newTestRegistry(t)
	ctx := context.Background()
	a := testutils.NewRoom("!a:example.org", "Alpha")
	b := testutils.NewRoom("!b:example.org", "Beta")
	if err := reg.ApplyRoomListDiffs(ctx, []vecdiff.Diff[engine.Room]{vecdiff.Append[engine.Room](a)}); err != nil {
		t.Fatalf("ApplyRoomListDiffs: %s", err)
	}
	err := reg.ApplyRoomListDiffs(ctx, []vecdiff.Diff[engine.Room]{
		vecdiff.PushBack[engine.Room](b),
		vecdiff.Set[engine.Room](5, b),
	})
	if !errors.Is(err, vecdiff.ErrIndexOutOfRange) {
		t.Fatalf("got %v want ErrIndexOutOfRange", err)
	}
	assertIDs(t, reg.AllRooms(), "!a:example.org")
	if mgr.Has("!b:example.org") {
		t.Fatalf("timeline created for rejected room")
	}
}

func TestRegistryMetadataFailureIsNotFatal(t *testing.T) {
	reg, _ := newTestRegistry(t)
	a := testutils.NewRoom("!a:example.org", "Alpha")
	a.SetDirect(false, errors.New("account data unavailable"))
	if err := reg.ApplyRoomListDiffs(context.Background(), []vecdiff.Diff[engine.Room]{vecdiff.PushBack[engine.Room](a)}); err != nil {
		t.Fatalf("ApplyRoomListDiffs: %s", err)
	}
	info, ok := reg.Info("!a:example.org")
	if !ok {
		t.Fatalf("room missing")
	}
	if info.IsDM != nil {
		t.Fatalf("IsDM: got %v want absent", *info.IsDM)
	}
	if info.DisplayName != "Alpha" {
		t.Fatalf("DisplayName: got %q", info.DisplayName)
	}
}

func TestRegistryListenAppliesFeed(t *testing.T) {
	reg, _ := newTestRegistry(t)
	feed := engine.NewQueue[engine.Room](nil)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		reg.Listen(ctx, feed)
	}()
	feed.Push(vecdiff.Append[engine.Room](testutils.NewRoom("!a:example.org", "A"), testutils.NewRoom("!b:example.org", "B")))
	feed.Fail(errors.New("connection reset"))
	feed.Push(vecdiff.PopFront[engine.Room]())
	deadline := time.Now().Add(2 * time.Second)
	for {
		rooms := reg.AllRooms()
		if len(rooms) == 1 && rooms[0].ID() == "!b:example.org" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("feed not applied, rooms %v", roomIDs(rooms))
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	wg.Wait()
}

func TestRegistrySubscribeSnapshotThenUpdates(t *testing.T) {
	reg, _ := newTestRegistry(t)
	bg := context.Background()
	if err := reg.ApplyRoomListDiffs(bg, []vecdiff.Diff[engine.Room]{vecdiff.Append[engine.Room](testutils.NewRoom("!a:example.org", "A"))}); err != nil {
		t.Fatalf("ApplyRoomListDiffs: %s", err)
	}
	updates := make(chan *Update, 10)
	ctx, cancel := context.WithCancel(bg)
	errCh := make(chan error, 1)
	go func() {
		errCh <- reg.Subscribe(ctx, func(u *Update) error {
			updates <- u
			return nil
		})
	}()
	first := <-updates
	if first.Op != vecdiff.OpReset || len(first.Rooms) != 1 || first.Rooms[0].RoomID != "!a:example.org" {
		t.Fatalf("first update: got %+v", first)
	}
	// wait for the subscription to register before publishing
	for reg.ps.NumSubscribers(ChanRoomList) == 0 {
		time.Sleep(time.Millisecond)
	}
	if err := reg.ApplyRoomListDiffs(bg, []vecdiff.Diff[engine.Room]{
		vecdiff.PushBack[engine.Room](testutils.NewRoom("!b:example.org", "B")),
		vecdiff.Remove[engine.Room](0),
	}); err != nil {
		t.Fatalf("ApplyRoomListDiffs: %s", err)
	}
	second := <-updates
	if second.Op != vecdiff.OpPushBack || second.Rooms[0].RoomID != "!b:example.org" {
		t.Fatalf("second update: got %+v", second)
	}
	third := <-updates
	if third.Op != vecdiff.OpRemove || third.Index == nil || *third.Index != 0 {
		t.Fatalf("third update: got %+v", third)
	}
	if third.Type() != "room_list_remove" {
		t.Fatalf("Type: got %s", third.Type())
	}
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("Subscribe returned %v", err)
	}
}

func TestRegistryClear(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if err := reg.ApplyRoomListDiffs(context.Background(), []vecdiff.Diff[engine.Room]{vecdiff.Append[engine.Room](testutils.NewRoom("!a:example.org", "A"))}); err != nil {
		t.Fatalf("ApplyRoomListDiffs: %s", err)
	}
	reg.Clear()
	if reg.Len() != 0 || len(reg.Infos()) != 0 {
		t.Fatalf("rooms left after Clear")
	}
	if !reg.LastSync().IsZero() {
		t.Fatalf("LastSync survived Clear")
	}
}

// Moving rooms around must keep every timeline alive, since no room leaves the list.
func TestRegistryRandomMoves(t *testing.T) {
	reg, mgr := newTestRegistry(t)
	ctx := context.Background()
	ids := []string{"!a:example.org", "!b:example.org", "!c:example.org", "!d:example.org", "!e:example.org"}
	byID := make(map[string]engine.Room)
	var initial []engine.Room
	for _, id := range ids {
		r := testutils.NewRoom(id, "")
		byID[id] = r
		initial = append(initial, r)
	}
	if err := reg.ApplyRoomListDiffs(ctx, []vecdiff.Diff[engine.Room]{vecdiff.Reset(initial...)}); err != nil {
		t.Fatalf("ApplyRoomListDiffs: %s", err)
	}
	for i := 0; i < 50; i++ {
		after, item, from, to := testutils.MoveRandomElement(ids)
		move := []vecdiff.Diff[engine.Room]{vecdiff.Remove[engine.Room](from)}
		if to == len(ids)-1 {
			move = append(move, vecdiff.PushBack(byID[item]))
		} else {
			move = append(move, vecdiff.Insert(to, byID[item]))
		}
		if err := reg.ApplyRoomListDiffs(ctx, move); err != nil {
			t.Fatalf("move %s from %d to %d: %s", item, from, to, err)
		}
		assertIDs(t, reg.AllRooms(), after...)
		ids = after
	}
	for _, id := range ids {
		if !mgr.Has(id) {
			t.Fatalf("timeline for %s was retired by a move", id)
		}
	}
}
