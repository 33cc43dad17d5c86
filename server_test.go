package syncbridge

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/matrix-org/syncbridge/engine"
	"github.com/matrix-org/syncbridge/internal"
	"github.com/matrix-org/syncbridge/rooms"
	"github.com/matrix-org/syncbridge/testutils"
	"github.com/matrix-org/syncbridge/timeline"
	"github.com/matrix-org/syncbridge/vecdiff"
)

func newTestServer(t *testing.T, app *App) *httptest.Server {
	t.Helper()
	r := mux.NewRouter()
	Routes(r, app)
	srv := httptest.NewServer(WithAccessLog(r))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequest(method, url, &reqBody)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return res.StatusCode, out
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
	})
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) (int, []byte) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	msgType, b, err := conn.ReadMessage()
	require.NoError(t, err)
	return msgType, b
}

func TestServerErrorsMapToStatusCodes(t *testing.T) {
	app, eng := newTestApp(t)
	srv := newTestServer(t, app)

	code, body := doJSON(t, "GET", srv.URL+"/api/rooms", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, string(internal.KindNotInitialized), body["kind"])

	configure(t, app)
	eng.Client.SetPassword(alice, "hunter2")
	code, _ = doJSON(t, "POST", srv.URL+"/api/login", credentialsRequest{User: alice, Password: "wrong"})
	assert.Equal(t, http.StatusBadGateway, code)
	code, _ = doJSON(t, "POST", srv.URL+"/api/rooms/!a:example.org/join", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body = doJSON(t, "POST", srv.URL+"/api/login", credentialsRequest{User: alice, Password: "hunter2"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])
	code, _ = doJSON(t, "POST", srv.URL+"/api/sync", nil)
	require.Equal(t, http.StatusOK, code)

	code, _ = doJSON(t, "GET", srv.URL+"/api/rooms/not-a-room", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = doJSON(t, "GET", srv.URL+"/api/rooms/!missing:example.org", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = doJSON(t, "POST", srv.URL+"/api/rooms/direct", map[string]string{"user_id": "bob"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestServerRoomsAndMessages(t *testing.T) {
	app, eng := newTestApp(t)
	signIn(t, app, eng)
	srv := newTestServer(t, app)

	room := testutils.NewRoom("!a:example.org", "Alpha")
	eng.Client.PushRoomList(vecdiff.PushBack[engine.Room](room))
	waitForRooms(t, app, 1)

	code, body := doJSON(t, "GET", srv.URL+"/api/rooms", nil)
	require.Equal(t, http.StatusOK, code)
	list, ok := body["rooms"].([]interface{})
	require.True(t, ok)
	require.Len(t, list, 1)
	assert.Equal(t, "Alpha", list[0].(map[string]interface{})["display_name"])

	code, body = doJSON(t, "POST", srv.URL+"/api/rooms/!a:example.org/send", map[string]string{"body": "hi"})
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, body["event_id"])

	code, body = doJSON(t, "GET", srv.URL+"/api/sync", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["is_syncing"])
	assert.Equal(t, float64(1), body["rooms_count"])

	code, body = doJSON(t, "POST", srv.URL+"/api/rooms/!a:example.org/leave", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])
}

func TestServerSubscribeRoomsJSON(t *testing.T) {
	app, eng := newTestApp(t)
	signIn(t, app, eng)
	srv := newTestServer(t, app)
	conn := dialWS(t, srv, "/api/ws/rooms")

	msgType, b := readFrame(t, conn)
	assert.Equal(t, websocket.TextMessage, msgType)
	var update rooms.Update
	require.NoError(t, json.Unmarshal(b, &update))
	assert.Equal(t, vecdiff.OpReset, update.Op)

	eng.Client.PushRoomList(vecdiff.PushBack[engine.Room](testutils.NewRoom("!a:example.org", "Alpha")))
	_, b = readFrame(t, conn)
	require.NoError(t, json.Unmarshal(b, &update))
	assert.Equal(t, vecdiff.OpPushBack, update.Op)
	require.Len(t, update.Rooms, 1)
	assert.Equal(t, "!a:example.org", update.Rooms[0].RoomID)
}

func TestServerSubscribeRoomsMsgpack(t *testing.T) {
	app, eng := newTestApp(t)
	signIn(t, app, eng)
	eng.Client.PushRoomList(vecdiff.PushBack[engine.Room](testutils.NewRoom("!a:example.org", "Alpha")))
	waitForRooms(t, app, 1)
	srv := newTestServer(t, app)
	conn := dialWS(t, srv, "/api/ws/rooms?encoding=msgpack")

	msgType, b := readFrame(t, conn)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	var update rooms.Update
	require.NoError(t, msgpack.Unmarshal(b, &update))
	assert.Equal(t, vecdiff.OpReset, update.Op)
	require.Len(t, update.Rooms, 1)
	assert.Equal(t, "Alpha", update.Rooms[0].DisplayName)
}

func TestServerSubscribeTimelineCBOR(t *testing.T) {
	app, eng := newTestApp(t)
	signIn(t, app, eng)
	room := testutils.NewRoom("!a:example.org", "Alpha")
	room.FakeTimeline().Push(vecdiff.PushBack(testutils.Event("$1", alice, "one", 1)))
	eng.Client.PushRoomList(vecdiff.PushBack[engine.Room](room))
	waitForRooms(t, app, 1)
	srv := newTestServer(t, app)
	conn := dialWS(t, srv, "/api/ws/rooms/!a:example.org/timeline?encoding=cbor")

	_, b := readFrame(t, conn)
	var update timeline.MessageUpdate
	require.NoError(t, cbor.Unmarshal(b, &update))
	assert.Equal(t, vecdiff.OpReset, update.Op)
	require.Len(t, update.Messages, 1)
	assert.Equal(t, "one", update.Messages[0].Content)

	room.FakeTimeline().Push(vecdiff.PushBack(testutils.Event("$2", alice, "two", 2)))
	_, b = readFrame(t, conn)
	require.NoError(t, cbor.Unmarshal(b, &update))
	assert.Equal(t, vecdiff.OpPushBack, update.Op)
	require.Len(t, update.Messages, 1)
	assert.Equal(t, "$2", update.Messages[0].EventID)
}

func TestServerSubscribeErrors(t *testing.T) {
	app, eng := newTestApp(t)
	signIn(t, app, eng)
	srv := newTestServer(t, app)

	_, res, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws/rooms?encoding=xml", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	res.Body.Close()

	// failures after the upgrade arrive as a close frame
	conn := dialWS(t, srv, "/api/ws/rooms/!missing:example.org/timeline")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseInternalServerErr, closeErr.Code)
	assert.Contains(t, closeErr.Text, string(internal.KindRoomNotFound))
}

func TestCloseReason(t *testing.T) {
	testCases := []struct {
		name string
		in   string
		want string
	}{
		{name: "short", in: "room_not_found", want: "room_not_found"},
		{name: "exact", in: strings.Repeat("a", maxCloseReason), want: strings.Repeat("a", maxCloseReason)},
		{name: "ascii", in: strings.Repeat("a", 200), want: strings.Repeat("a", maxCloseReason)},
		// 122 bytes of ascii then a 3 byte rune straddling the limit
		{name: "multibyte", in: strings.Repeat("a", 122) + "€€", want: strings.Repeat("a", 122)},
	}
	for _, tc := range testCases {
		got := closeReason(tc.in)
		if got != tc.want {
			t.Errorf("%s: got %q want %q", tc.name, got, tc.want)
		}
		if !utf8.ValidString(got) || len(got) > maxCloseReason {
			t.Errorf("%s: invalid close reason %q", tc.name, got)
		}
	}
}
