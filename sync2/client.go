package sync2

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/matrix-org/syncbridge/engine"
	"github.com/matrix-org/syncbridge/internal"
)

var Version = ""
var HTTP401 error = fmt.Errorf("HTTP 401")

// HTTPError is a non-2xx response from the homeserver. 401s unwrap to HTTP401.
type HTTPError struct {
	StatusCode int
	ErrCode    string
	Message    string
	Path       string
}

func (e *HTTPError) Error() string {
	if e.ErrCode != "" {
		return fmt.Sprintf("%s returned HTTP %d: %s: %s", e.Path, e.StatusCode, e.ErrCode, e.Message)
	}
	return fmt.Sprintf("%s returned HTTP %d", e.Path, e.StatusCode)
}

func (e *HTTPError) Unwrap() error {
	if e.StatusCode == 401 {
		return HTTP401
	}
	return nil
}

// HTTPClient talks to the client-server API of one homeserver.
type HTTPClient struct {
	Client            *http.Client
	DestinationServer string
	// Homeserver is the configured URL, which differs from DestinationServer for unix sockets.
	Homeserver        string
}

// NewHTTPClient builds a client from the engine config: an http(s) base URL or a unix socket
// path, an optional proxy and an optional PEM bundle of extra trusted CAs.
func NewHTTPClient(cfg engine.Config) (*HTTPClient, error) {
	hsURL := internal.HomeServerUrl{HttpOrUnixStr: cfg.HomeserverURL}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if hsURL.IsUnixSocket() {
		socket := hsURL.GetUnixSocket()
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		}
	}
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	if len(cfg.TrustedCertificates) > 0 {
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(cfg.TrustedCertificates) {
			return nil, fmt.Errorf("no certificates found in trusted certificate bundle")
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}
	return &HTTPClient{
		Client: &http.Client{
			Timeout:   5 * time.Minute,
			Transport: otelhttp.NewTransport(transport),
		},
		DestinationServer: hsURL.GetBaseUrl(),
		Homeserver:        cfg.HomeserverURL,
	}, nil
}

// do sends a request and returns the body of a 2xx response. Any other status is an *HTTPError.
func (v *HTTPClient) do(ctx context.Context, method, path, accessToken string, body []byte) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, v.DestinationServer+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("%s %s: NewRequest failed: %w", method, path, err)
	}
	req.Header.Set("User-Agent", "syncbridge-"+Version)
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := v.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: request failed: %w", method, path, err)
	}
	defer res.Body.Close()
	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: failed to read response body: %w", method, path, err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		parsed := gjson.ParseBytes(resBody)
		return resBody, &HTTPError{
			StatusCode: res.StatusCode,
			ErrCode:    parsed.Get("errcode").Str,
			Message:    parsed.Get("error").Str,
			Path:       path,
		}
	}
	return resBody, nil
}

func credentialFrom(body []byte, hs string) (engine.Credential, error) {
	res := gjson.ParseBytes(body)
	cred := engine.Credential{
		UserID:        res.Get("user_id").Str,
		DeviceID:      res.Get("device_id").Str,
		AccessToken:   res.Get("access_token").Str,
		RefreshToken:  res.Get("refresh_token").Str,
		HomeserverURL: hs,
	}
	if cred.UserID == "" || cred.AccessToken == "" {
		return engine.Credential{}, fmt.Errorf("response is missing user_id or access_token")
	}
	return cred, nil
}

// Login with a password. user may be a full user ID or a localpart.
func (v *HTTPClient) Login(ctx context.Context, user, password string) (engine.Credential, error) {
	body := []byte(`{"type":"m.login.password","identifier":{"type":"m.id.user"}}`)
	body, _ = sjson.SetBytes(body, "identifier.user", user)
	body, _ = sjson.SetBytes(body, "password", password)
	body, _ = sjson.SetBytes(body, "initial_device_display_name", "syncbridge")
	res, err := v.do(ctx, "POST", "/_matrix/client/v3/login", "", body)
	if err != nil {
		return engine.Credential{}, err
	}
	return credentialFrom(res, v.Homeserver)
}

// Register a new account, completing a dummy auth stage if the server asks for one.
func (v *HTTPClient) Register(ctx context.Context, user, password string) (engine.Credential, error) {
	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "username", user)
	body, _ = sjson.SetBytes(body, "password", password)
	body, _ = sjson.SetBytes(body, "initial_device_display_name", "syncbridge")
	res, err := v.do(ctx, "POST", "/_matrix/client/v3/register?kind=user", "", body)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == 401 {
		session := gjson.GetBytes(res, "session").Str
		if session == "" {
			return engine.Credential{}, err
		}
		body, _ = sjson.SetBytes(body, "auth", map[string]string{"type": "m.login.dummy", "session": session})
		res, err = v.do(ctx, "POST", "/_matrix/client/v3/register?kind=user", "", body)
	}
	if err != nil {
		return engine.Credential{}, err
	}
	return credentialFrom(res, v.Homeserver)
}

// WhoAmI asks the homeserver to lookup the access token. Returns HTTP401 if the token is invalid.
func (v *HTTPClient) WhoAmI(ctx context.Context, accessToken string) (userID, deviceID string, err error) {
	res, err := v.do(ctx, "GET", "/_matrix/client/v3/account/whoami", accessToken, nil)
	if err != nil {
		return "", "", err
	}
	parsed := gjson.ParseBytes(res)
	return parsed.Get("user_id").Str, parsed.Get("device_id").Str, nil
}

func (v *HTTPClient) Logout(ctx context.Context, accessToken string) error {
	_, err := v.do(ctx, "POST", "/_matrix/client/v3/logout", accessToken, []byte(`{}`))
	return err
}

// DoSyncV2 performs a sync request. Returns the sync response and the response status code
// or an error. Set isFirst=true on the first sync to force a timeout=0 sync to ensure snappiness.
func (v *HTTPClient) DoSyncV2(ctx context.Context, accessToken, since string, isFirst bool) (*SyncResponse, int, error) {
	res, err := v.do(ctx, "GET", v.createSyncPath(since, isFirst), accessToken, nil)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			return nil, httpErr.StatusCode, err
		}
		return nil, 0, err
	}
	var svr SyncResponse
	if err := json.Unmarshal(res, &svr); err != nil {
		return nil, 0, fmt.Errorf("DoSyncV2: response body decode JSON failed: %w", err)
	}
	return &svr, 200, nil
}

func (v *HTTPClient) createSyncPath(since string, isFirst bool) string {
	qps := "?"
	if isFirst { // first time syncing in this process
		qps += "timeout=0"
	} else {
		qps += "timeout=30000"
	}
	if since != "" {
		qps += "&since=" + url.QueryEscape(since)
	}
	qps += "&set_presence=offline"

	timelineLimit := 50
	if since == "" {
		timelineLimit = 20
	}
	filter := map[string]interface{}{
		"presence": map[string]interface{}{
			"not_types": []string{"*"},
		},
		"room": map[string]interface{}{
			"timeline": map[string]interface{}{
				"limit": timelineLimit,
			},
			"state": map[string]interface{}{
				"lazy_load_members": true,
			},
		},
	}
	filterJSON, _ := json.Marshal(filter)
	qps += "&filter=" + url.QueryEscape(string(filterJSON))
	return "/_matrix/client/v3/sync" + qps
}

// SendMessage sends a plain text message with the given transaction ID and returns its event ID.
func (v *HTTPClient) SendMessage(ctx context.Context, accessToken, roomID, txnID, text string) (string, error) {
	body := []byte(`{"msgtype":"m.text"}`)
	body, _ = sjson.SetBytes(body, "body", text)
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) + "/send/m.room.message/" + url.PathEscape(txnID)
	res, err := v.do(ctx, "PUT", path, accessToken, body)
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(res, "event_id").Str, nil
}

func (v *HTTPClient) JoinRoom(ctx context.Context, accessToken, roomIDOrAlias string) (string, error) {
	res, err := v.do(ctx, "POST", "/_matrix/client/v3/join/"+url.PathEscape(roomIDOrAlias), accessToken, []byte(`{}`))
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(res, "room_id").Str, nil
}

func (v *HTTPClient) LeaveRoom(ctx context.Context, accessToken, roomID string) error {
	_, err := v.do(ctx, "POST", "/_matrix/client/v3/rooms/"+url.PathEscape(roomID)+"/leave", accessToken, []byte(`{}`))
	return err
}

func (v *HTTPClient) CreateRoom(ctx context.Context, accessToken string, req engine.CreateRoomRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	res, err := v.do(ctx, "POST", "/_matrix/client/v3/createRoom", accessToken, body)
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(res, "room_id").Str, nil
}

func (v *HTTPClient) SearchUsers(ctx context.Context, accessToken, query string, limit int) (engine.UserSearchResult, error) {
	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "search_term", query)
	body, _ = sjson.SetBytes(body, "limit", limit)
	res, err := v.do(ctx, "POST", "/_matrix/client/v3/user_directory/search", accessToken, body)
	if err != nil {
		return engine.UserSearchResult{}, err
	}
	var result engine.UserSearchResult
	if err = json.Unmarshal(res, &result); err != nil {
		return engine.UserSearchResult{}, fmt.Errorf("user_directory/search: decode JSON failed: %w", err)
	}
	return result, nil
}

// Messages returns up to limit events before the from token, most recent first, and the token
// to continue from. An empty end token means the start of the room has been reached.
func (v *HTTPClient) Messages(ctx context.Context, accessToken, roomID, from string, limit int) (chunk []json.RawMessage, end string, err error) {
	qps := url.Values{}
	qps.Set("dir", "b")
	qps.Set("limit", strconv.Itoa(limit))
	if from != "" {
		qps.Set("from", from)
	}
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) + "/messages?" + qps.Encode()
	res, err := v.do(ctx, "GET", path, accessToken, nil)
	if err != nil {
		return nil, "", err
	}
	var resp struct {
		Chunk []json.RawMessage `json:"chunk"`
		End   string            `json:"end"`
	}
	if err = json.Unmarshal(res, &resp); err != nil {
		return nil, "", fmt.Errorf("messages: decode JSON failed: %w", err)
	}
	return resp.Chunk, resp.End, nil
}

type SyncResponse struct {
	NextBatch   string            `json:"next_batch"`
	AccountData EventsResponse    `json:"account_data"`
	Rooms       SyncRoomsResponse `json:"rooms"`
}

type SyncRoomsResponse struct {
	Join   map[string]SyncV2JoinResponse   `json:"join"`
	Invite map[string]SyncV2InviteResponse `json:"invite"`
	Leave  map[string]SyncV2LeaveResponse  `json:"leave"`
}

// JoinResponse represents a /sync response for a room which is under the 'join' or 'peek' key.
type SyncV2JoinResponse struct {
	Summary             RoomSummary         `json:"summary"`
	State               EventsResponse      `json:"state"`
	Timeline            TimelineResponse    `json:"timeline"`
	Ephemeral           EventsResponse      `json:"ephemeral"`
	AccountData         EventsResponse      `json:"account_data"`
	UnreadNotifications UnreadNotifications `json:"unread_notifications"`
}

type RoomSummary struct {
	Heroes             []string `json:"m.heroes,omitempty"`
	JoinedMemberCount  *int     `json:"m.joined_member_count,omitempty"`
	InvitedMemberCount *int     `json:"m.invited_member_count,omitempty"`
}

type UnreadNotifications struct {
	HighlightCount    *int `json:"highlight_count,omitempty"`
	NotificationCount *int `json:"notification_count,omitempty"`
}

type TimelineResponse struct {
	Events    []json.RawMessage `json:"events"`
	Limited   bool              `json:"limited"`
	PrevBatch string            `json:"prev_batch,omitempty"`
}

type EventsResponse struct {
	Events []json.RawMessage `json:"events"`
}

// InviteResponse represents a /sync response for a room which is under the 'invite' key.
type SyncV2InviteResponse struct {
	InviteState EventsResponse `json:"invite_state"`
}

// LeaveResponse represents a /sync response for a room which is under the 'leave' key.
type SyncV2LeaveResponse struct {
	State    EventsResponse   `json:"state"`
	Timeline TimelineResponse `json:"timeline"`
}
