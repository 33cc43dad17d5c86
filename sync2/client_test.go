package sync2

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/matrix-org/syncbridge/engine"
)

func TestSyncPath(t *testing.T) {
	wantBasePath := "/_matrix/client/v3/sync"
	client := HTTPClient{
		DestinationServer: "https://atreus.gow",
	}
	initialFilter := url.QueryEscape(`{"presence":{"not_types":["*"]},"room":{"state":{"lazy_load_members":true},"timeline":{"limit":20}}}`)
	incrementalFilter := url.QueryEscape(`{"presence":{"not_types":["*"]},"room":{"state":{"lazy_load_members":true},"timeline":{"limit":50}}}`)
	testCases := []struct {
		since    string
		isFirst  bool
		wantPath string
	}{
		{
			since:    "",
			isFirst:  false,
			wantPath: wantBasePath + `?timeout=30000&set_presence=offline&filter=` + initialFilter,
		},
		{
			since:    "",
			isFirst:  true,
			wantPath: wantBasePath + `?timeout=0&set_presence=offline&filter=` + initialFilter,
		},
		{
			since:    "112233",
			isFirst:  false,
			wantPath: wantBasePath + `?timeout=30000&since=112233&set_presence=offline&filter=` + incrementalFilter,
		},
		{
			since:    "112233",
			isFirst:  true,
			wantPath: wantBasePath + `?timeout=0&since=112233&set_presence=offline&filter=` + incrementalFilter,
		},
		{
			since:    "112233#145",
			isFirst:  true,
			wantPath: wantBasePath + `?timeout=0&since=112233%23145&set_presence=offline&filter=` + incrementalFilter,
		},
	}
	for i, tc := range testCases {
		gotPath := client.createSyncPath(tc.since, tc.isFirst)
		if gotPath != tc.wantPath {
			t.Errorf("Case %d/%d: got %v want %v", i+1, len(testCases), gotPath, tc.wantPath)
		}
	}
}

func TestLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/_matrix/client/v3/login" {
			t.Errorf("unexpected path %s", req.URL.Path)
		}
		body, _ := io.ReadAll(req.Body)
		if gjson.GetBytes(body, "password").Str != "hunter2" {
			w.WriteHeader(403)
			w.Write([]byte(`{"errcode":"M_FORBIDDEN","error":"Invalid password"}`))
			return
		}
		w.Write([]byte(`{"user_id":"@alice:localhost","device_id":"DEVICE","access_token":"syt_abc"}`))
	}))
	defer srv.Close()
	client, err := NewHTTPClient(engine.Config{HomeserverURL: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTPClient: %s", err)
	}

	cred, err := client.Login(context.Background(), "alice", "hunter2")
	if err != nil {
		t.Fatalf("Login: %s", err)
	}
	want := engine.Credential{UserID: "@alice:localhost", DeviceID: "DEVICE", AccessToken: "syt_abc", HomeserverURL: srv.URL}
	if cred != want {
		t.Errorf("Login got %+v want %+v", cred, want)
	}

	_, err = client.Login(context.Background(), "alice", "wrong")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("Login with bad password returned %v, want *HTTPError", err)
	}
	if httpErr.StatusCode != 403 || httpErr.ErrCode != "M_FORBIDDEN" {
		t.Errorf("got %+v", httpErr)
	}
	if errors.Is(err, HTTP401) {
		t.Errorf("403 should not unwrap to HTTP401")
	}
}

func TestRegisterCompletesDummyAuth(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls++
		body, _ := io.ReadAll(req.Body)
		auth := gjson.GetBytes(body, "auth")
		if !auth.Exists() {
			w.WriteHeader(401)
			w.Write([]byte(`{"session":"sess","flows":[{"stages":["m.login.dummy"]}]}`))
			return
		}
		if auth.Get("type").Str != "m.login.dummy" || auth.Get("session").Str != "sess" {
			t.Errorf("bad auth dict %s", auth.Raw)
		}
		w.Write([]byte(`{"user_id":"@bob:localhost","device_id":"D","access_token":"syt_bob"}`))
	}))
	defer srv.Close()
	client, err := NewHTTPClient(engine.Config{HomeserverURL: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTPClient: %s", err)
	}
	cred, err := client.Register(context.Background(), "bob", "pass")
	if err != nil {
		t.Fatalf("Register: %s", err)
	}
	if cred.UserID != "@bob:localhost" || calls != 2 {
		t.Errorf("got %+v after %d calls", cred, calls)
	}
}

func TestUnauthorisedUnwrapsTo401(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"errcode":"M_UNKNOWN_TOKEN","error":"Unknown token"}`))
	}))
	defer srv.Close()
	client, err := NewHTTPClient(engine.Config{HomeserverURL: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTPClient: %s", err)
	}
	_, code, err := client.DoSyncV2(context.Background(), "bad", "", true)
	if code != 401 || !errors.Is(err, HTTP401) {
		t.Errorf("DoSyncV2 got code=%d err=%v", code, err)
	}
	if _, _, err = client.WhoAmI(context.Background(), "bad"); !errors.Is(err, HTTP401) {
		t.Errorf("WhoAmI got %v", err)
	}
}

func TestBadProxyURL(t *testing.T) {
	if _, err := NewHTTPClient(engine.Config{HomeserverURL: "http://localhost", Proxy: "://nope"}); err == nil {
		t.Errorf("expected an error for an invalid proxy")
	}
	if _, err := NewHTTPClient(engine.Config{HomeserverURL: "http://localhost", TrustedCertificates: []byte("not pem")}); err == nil {
		t.Errorf("expected an error for a bundle without certificates")
	}
}

func TestHTTPClientOverUnixSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "hs")
	if err != nil {
		t.Fatalf("MkdirTemp: %s", err)
	}
	defer os.RemoveAll(dir)
	socket := filepath.Join(dir, "client.sock")
	listener, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatalf("listen on %s: %s", socket, err)
	}
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/_matrix/client/v3/account/whoami" {
			w.WriteHeader(404)
			return
		}
		if req.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(401)
			return
		}
		w.Write([]byte(`{"user_id":"@alice:localhost","device_id":"DEV"}`))
	}))
	srv.Listener.Close()
	srv.Listener = listener
	srv.Start()
	defer srv.Close()

	client, err := NewHTTPClient(engine.Config{HomeserverURL: socket})
	if err != nil {
		t.Fatalf("NewHTTPClient: %s", err)
	}
	if client.DestinationServer != "http://unix" {
		t.Errorf("DestinationServer = %s", client.DestinationServer)
	}
	// credentials keep the socket path the session was configured with
	if client.Homeserver != socket {
		t.Errorf("Homeserver = %s want %s", client.Homeserver, socket)
	}
	userID, deviceID, err := client.WhoAmI(context.Background(), "tok")
	if err != nil {
		t.Fatalf("WhoAmI: %s", err)
	}
	if userID != "@alice:localhost" || deviceID != "DEV" {
		t.Fatalf("WhoAmI returned %s %s", userID, deviceID)
	}
}
