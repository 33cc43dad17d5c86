package syncbridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/matrix-org/syncbridge/internal"
	"github.com/matrix-org/syncbridge/rooms"
	"github.com/matrix-org/syncbridge/timeline"
)

const (
	wsWriteTimeout = 10 * time.Second
	// control frames carry at most 125 bytes, two of which are the close code
	maxCloseReason = 123
)

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

func allowCORS(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")
		if req.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		next.ServeHTTP(w, req)
	}
}

// WithAccessLog wraps h with request scoped logging and an access log line per request.
func WithAccessLog(h http.Handler) http.Handler {
	return &server{
		chain: []func(next http.Handler) http.Handler{
			hlog.NewHandler(logger),
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", r.URL.Path).
					Msg("")
			}),
			hlog.RemoteAddrHandler("ip"),
		},
		final: h,
	}
}

// Routes registers the consumer surface of app on r. Calls are JSON over HTTP; subscriptions
// are WebSockets whose frames are encoded as JSON, CBOR or msgpack depending on ?encoding=.
func Routes(r *mux.Router, app *App) {
	h := &handler{
		app: app,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	api := r.PathPrefix("/api").Subrouter()
	api.Handle("/login", allowCORS(http.HandlerFunc(h.login))).Methods("POST", "OPTIONS")
	api.Handle("/register", allowCORS(http.HandlerFunc(h.register))).Methods("POST", "OPTIONS")
	api.Handle("/session", allowCORS(http.HandlerFunc(h.isAuthenticated))).Methods("GET", "OPTIONS")
	api.Handle("/session", allowCORS(http.HandlerFunc(h.signOut))).Methods("DELETE")
	api.Handle("/sync", allowCORS(http.HandlerFunc(h.startSync))).Methods("POST", "OPTIONS")
	api.Handle("/sync", allowCORS(http.HandlerFunc(h.syncStatus))).Methods("GET")
	api.Handle("/status", allowCORS(http.HandlerFunc(h.statusMessage))).Methods("GET", "OPTIONS")
	api.Handle("/users/search", allowCORS(http.HandlerFunc(h.searchUsers))).Methods("GET", "OPTIONS")
	api.Handle("/rooms", allowCORS(http.HandlerFunc(h.allRooms))).Methods("GET", "OPTIONS")
	api.Handle("/rooms/direct", allowCORS(http.HandlerFunc(h.createDirectRoom))).Methods("POST", "OPTIONS")
	api.Handle("/rooms/group", allowCORS(http.HandlerFunc(h.createGroupRoom))).Methods("POST", "OPTIONS")
	api.Handle("/rooms/{roomID}", allowCORS(http.HandlerFunc(h.room))).Methods("GET", "OPTIONS")
	api.Handle("/rooms/{roomID}/timeline", allowCORS(http.HandlerFunc(h.getTimeline))).Methods("GET", "OPTIONS")
	api.Handle("/rooms/{roomID}/send", allowCORS(http.HandlerFunc(h.sendMessage))).Methods("POST", "OPTIONS")
	api.Handle("/rooms/{roomID}/join", allowCORS(http.HandlerFunc(h.joinRoom))).Methods("POST", "OPTIONS")
	api.Handle("/rooms/{roomID}/leave", allowCORS(http.HandlerFunc(h.leaveRoom))).Methods("POST", "OPTIONS")
	api.Handle("/rooms/{roomID}/paginate", allowCORS(http.HandlerFunc(h.paginate))).Methods("POST", "OPTIONS")

	ws := api.PathPrefix("/ws").Subrouter()
	ws.HandleFunc("/rooms", h.subscribeRooms)
	ws.HandleFunc("/rooms/{roomID}/timeline", h.subscribeTimeline)
	ws.HandleFunc("/status", h.subscribeStatus)
}

type handler struct {
	app      *App
	upgrader *websocket.Upgrader
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, req *http.Request, err error) {
	herr := internal.NewHandlerError(err)
	level := zerolog.WarnLevel
	if herr.StatusCode >= 500 {
		level = zerolog.ErrorLevel
	}
	hlog.FromRequest(req).WithLevel(level).Err(err).Int("status", herr.StatusCode).Msg("request failed")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(herr.StatusCode)
	w.Write(herr.JSON())
}

func readJSON(req *http.Request, op string, v interface{}) error {
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		return internal.Malformed(op, err)
	}
	return nil
}

type credentialsRequest struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

func (h *handler) login(w http.ResponseWriter, req *http.Request) {
	var body credentialsRequest
	if err := readJSON(req, "login", &body); err != nil {
		writeError(w, req, err)
		return
	}
	ok, err := h.app.Login(req.Context(), body.User, body.Password)
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeJSON(w, 200, map[string]bool{"ok": ok})
}

func (h *handler) register(w http.ResponseWriter, req *http.Request) {
	var body credentialsRequest
	if err := readJSON(req, "register", &body); err != nil {
		writeError(w, req, err)
		return
	}
	ok, err := h.app.Register(req.Context(), body.User, body.Password)
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeJSON(w, 200, map[string]bool{"ok": ok})
}

func (h *handler) isAuthenticated(w http.ResponseWriter, req *http.Request) {
	ok, err := h.app.IsAuthenticated(req.Context())
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeJSON(w, 200, map[string]bool{"authenticated": ok})
}

func (h *handler) signOut(w http.ResponseWriter, req *http.Request) {
	ok, err := h.app.SignOut(req.Context())
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeJSON(w, 200, map[string]bool{"ok": ok})
}

func (h *handler) startSync(w http.ResponseWriter, req *http.Request) {
	ok, err := h.app.StartSync(req.Context())
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeJSON(w, 200, map[string]bool{"ok": ok})
}

func (h *handler) syncStatus(w http.ResponseWriter, req *http.Request) {
	st, err := h.app.SyncStatus(req.Context())
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeJSON(w, 200, st)
}

func (h *handler) statusMessage(w http.ResponseWriter, req *http.Request) {
	msg, ok := h.app.StatusMessage()
	if !ok {
		writeJSON(w, 200, map[string]interface{}{})
		return
	}
	writeJSON(w, 200, map[string]string{"message": msg})
}

func (h *handler) searchUsers(w http.ResponseWriter, req *http.Request) {
	limit := DefaultSearchLimit
	if l := req.URL.Query().Get("limit"); l != "" {
		var err error
		if limit, err = strconv.Atoi(l); err != nil {
			writeError(w, req, internal.Malformed("search_users", err))
			return
		}
	}
	res, err := h.app.SearchUsers(req.Context(), req.URL.Query().Get("q"), limit)
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeJSON(w, 200, res)
}

func (h *handler) allRooms(w http.ResponseWriter, req *http.Request) {
	infos, err := h.app.AllRooms(req.Context())
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeJSON(w, 200, map[string][]rooms.Info{"rooms": infos})
}

func (h *handler) room(w http.ResponseWriter, req *http.Request) {
	info, err := h.app.Room(req.Context(), mux.Vars(req)["roomID"])
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeJSON(w, 200, info)
}

func (h *handler) getTimeline(w http.ResponseWriter, req *http.Request) {
	msgs, ok, err := h.app.GetTimeline(req.Context(), mux.Vars(req)["roomID"])
	if err != nil {
		writeError(w, req, err)
		return
	}
	if !ok {
		writeJSON(w, 200, map[string]interface{}{"live": false})
		return
	}
	writeJSON(w, 200, map[string]interface{}{"live": true, "messages": msgs})
}

func (h *handler) sendMessage(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Body string `json:"body"`
	}
	if err := readJSON(req, "send_message", &body); err != nil {
		writeError(w, req, err)
		return
	}
	eventID, err := h.app.SendMessage(req.Context(), mux.Vars(req)["roomID"], body.Body)
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeJSON(w, 200, map[string]string{"event_id": eventID})
}

func (h *handler) joinRoom(w http.ResponseWriter, req *http.Request) {
	ok, err := h.app.JoinRoom(req.Context(), mux.Vars(req)["roomID"])
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeJSON(w, 200, map[string]bool{"ok": ok})
}

func (h *handler) leaveRoom(w http.ResponseWriter, req *http.Request) {
	ok, err := h.app.LeaveRoom(req.Context(), mux.Vars(req)["roomID"])
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeJSON(w, 200, map[string]bool{"ok": ok})
}

func (h *handler) paginate(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Limit int `json:"limit"`
	}
	if err := readJSON(req, "paginate_backwards", &body); err != nil {
		writeError(w, req, err)
		return
	}
	reachedStart, err := h.app.PaginateBackwards(req.Context(), mux.Vars(req)["roomID"], body.Limit)
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeJSON(w, 200, map[string]bool{"reached_start": reachedStart})
}

func (h *handler) createDirectRoom(w http.ResponseWriter, req *http.Request) {
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := readJSON(req, "create_direct_room", &body); err != nil {
		writeError(w, req, err)
		return
	}
	roomID, err := h.app.CreateDirectRoom(req.Context(), body.UserID)
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeJSON(w, 200, map[string]string{"room_id": roomID})
}

func (h *handler) createGroupRoom(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Name   string   `json:"name"`
		Invite []string `json:"invite"`
	}
	if err := readJSON(req, "create_group_room", &body); err != nil {
		writeError(w, req, err)
		return
	}
	roomID, err := h.app.CreateGroupRoom(req.Context(), body.Name, body.Invite)
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeJSON(w, 200, map[string]string{"room_id": roomID})
}

// frameCodec encodes subscription updates into WebSocket frames.
type frameCodec struct {
	messageType int
	marshal     func(v interface{}) ([]byte, error)
}

var frameCodecs = map[string]frameCodec{
	"json":    {messageType: websocket.TextMessage, marshal: json.Marshal},
	"cbor":    {messageType: websocket.BinaryMessage, marshal: cbor.Marshal},
	"msgpack": {messageType: websocket.BinaryMessage, marshal: msgpack.Marshal},
}

// wsSink writes each update as one frame. Close sends a close frame carrying the error, if any.
type wsSink[T any] struct {
	conn  *websocket.Conn
	codec frameCodec
	log   *zerolog.Logger
	once  sync.Once
}

func (s *wsSink[T]) Send(update T) error {
	b, err := s.codec.marshal(update)
	if err != nil {
		return err
	}
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteMessage(s.codec.messageType, b)
}

func (s *wsSink[T]) Close(err error) {
	s.once.Do(func() {
		code, text := websocket.CloseNormalClosure, ""
		// a cancelled context means the client went away or the server is shutting down
		if err != nil && !errors.Is(err, context.Canceled) {
			code, text = websocket.CloseInternalServerErr, closeReason(err.Error())
			s.log.Warn().Err(err).Msg("subscription ended with error")
		}
		msg := websocket.FormatCloseMessage(code, text)
		s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
	})
}

// closeReason shortens text to fit a close frame without splitting a UTF-8 sequence.
func closeReason(text string) string {
	if len(text) <= maxCloseReason {
		return text
	}
	cut := maxCloseReason
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// serveWS upgrades the request and runs subscribe until the client goes away or the
// subscription ends.
func serveWS[T any](h *handler, w http.ResponseWriter, req *http.Request, subscribe func(ctx context.Context, sink *wsSink[T]) error) {
	encoding := req.URL.Query().Get("encoding")
	if encoding == "" {
		encoding = "json"
	}
	codec, ok := frameCodecs[encoding]
	if !ok {
		writeError(w, req, internal.Malformed("subscribe", errors.New("unknown encoding "+encoding)))
		return
	}
	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		hlog.FromRequest(req).Warn().Err(err).Msg("failed to upgrade to websocket")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	// the read loop only exists to notice the client going away
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()
	sink := &wsSink[T]{conn: conn, codec: codec, log: hlog.FromRequest(req)}
	err = subscribe(ctx, sink)
	sink.Close(err)
}

func (h *handler) subscribeRooms(w http.ResponseWriter, req *http.Request) {
	serveWS(h, w, req, func(ctx context.Context, sink *wsSink[*rooms.Update]) error {
		return h.app.SubscribeRoomUpdates(ctx, sink)
	})
}

func (h *handler) subscribeTimeline(w http.ResponseWriter, req *http.Request) {
	roomID := mux.Vars(req)["roomID"]
	serveWS(h, w, req, func(ctx context.Context, sink *wsSink[timeline.MessageUpdate]) error {
		return h.app.SubscribeTimeline(ctx, roomID, sink)
	})
}

func (h *handler) subscribeStatus(w http.ResponseWriter, req *http.Request) {
	serveWS(h, w, req, func(ctx context.Context, sink *wsSink[string]) error {
		return h.app.SubscribeStatus(ctx, sink)
	})
}
