package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/syncbridge/internal"
	"github.com/matrix-org/syncbridge/store"
	"github.com/matrix-org/syncbridge/testutils"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		HomeserverURL: "https://example.org",
		StoragePath:   filepath.Join(t.TempDir(), "s1"),
	}
}

func TestConfigureIsIdempotent(t *testing.T) {
	eng := testutils.NewEngine()
	reg := NewRegistry(eng)
	cfg := testConfig(t)
	ctx := context.Background()

	ok, err := reg.Configure(ctx, cfg)
	if err != nil || !ok {
		t.Fatalf("first Configure: %v %v", ok, err)
	}
	first, _ := reg.Current()
	ok, err = reg.Configure(ctx, cfg)
	if err != nil || !ok {
		t.Fatalf("second Configure: %v %v", ok, err)
	}
	if eng.Connects() != 1 {
		t.Fatalf("engine connected %d times, want 1", eng.Connects())
	}
	second, _ := reg.Current()
	if first != second {
		t.Fatalf("Configure rebuilt the session")
	}
	if got := eng.LastConfig().HomeserverURL; got != "https://example.org" {
		t.Fatalf("engine got homeserver %q", got)
	}
}

func TestConfigureConcurrentCallsBuildOnce(t *testing.T) {
	eng := testutils.NewEngine()
	reg := NewRegistry(eng)
	cfg := testConfig(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.Configure(context.Background(), cfg); err != nil {
				t.Errorf("Configure: %s", err)
			}
		}()
	}
	wg.Wait()
	if eng.Connects() != 1 {
		t.Fatalf("engine connected %d times, want 1", eng.Connects())
	}
}

func TestConfigureRejectsBadConfig(t *testing.T) {
	testCases := []Config{
		{StoragePath: "/tmp/x"},
		{HomeserverURL: "ftp://example.org", StoragePath: "/tmp/x"},
		{HomeserverURL: "https://example.org"},
	}
	for _, cfg := range testCases {
		eng := testutils.NewEngine()
		reg := NewRegistry(eng)
		_, err := reg.Configure(context.Background(), cfg)
		if !errors.Is(err, internal.ErrMalformedInput) {
			t.Errorf("%+v: want MalformedInput, got %v", cfg, err)
		}
		if eng.Connects() != 0 {
			t.Errorf("%+v: engine was contacted", cfg)
		}
	}
}

func TestConfigureFailureLeavesNoSession(t *testing.T) {
	eng := testutils.NewEngine()
	eng.ConnectErr = errors.New("connection refused")
	reg := NewRegistry(eng)
	_, err := reg.Configure(context.Background(), testConfig(t))
	if !errors.Is(err, internal.ErrProtocolFailure) {
		t.Fatalf("want ProtocolFailure, got %v", err)
	}
	if _, err = reg.Current(); !errors.Is(err, internal.ErrNotInitialized) {
		t.Fatalf("want NotInitialized, got %v", err)
	}
}

func TestSignOutWithoutSession(t *testing.T) {
	reg := NewRegistry(testutils.NewEngine())
	ok, err := reg.SignOut(context.Background())
	if ok || !errors.Is(err, internal.ErrNotInitialized) {
		t.Fatalf("want NotInitialized, got %v %v", ok, err)
	}
	if _, err = reg.IsAuthenticated(); !errors.Is(err, internal.ErrNotInitialized) {
		t.Fatalf("IsAuthenticated: want NotInitialized, got %v", err)
	}
}

func TestLoginPersistsAndRestores(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	eng := testutils.NewEngine()
	eng.Client.SetPassword("alice", "hunter2")
	reg := NewRegistry(eng)
	if _, err := reg.Configure(ctx, cfg); err != nil {
		t.Fatalf("Configure: %s", err)
	}
	if _, err := reg.Authenticated(); !errors.Is(err, internal.ErrNotAuthenticated) {
		t.Fatalf("want NotAuthenticated before login, got %v", err)
	}
	if _, err := reg.Login(ctx, "alice", "wrong"); !errors.Is(err, internal.ErrProtocolFailure) {
		t.Fatalf("bad password: want ProtocolFailure, got %v", err)
	}
	cred, err := reg.Login(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatalf("Login: %s", err)
	}
	if _, err = os.Stat(filepath.Join(cfg.StoragePath, store.SessionKey)); err != nil {
		t.Fatalf("credential not written: %s", err)
	}
	authed, err := reg.IsAuthenticated()
	if err != nil || !authed {
		t.Fatalf("IsAuthenticated: %v %v", authed, err)
	}

	// a fresh process restores the credential from disk
	reg.Close()
	eng2 := testutils.NewEngine()
	reg2 := NewRegistry(eng2)
	if _, err = reg2.Configure(ctx, cfg); err != nil {
		t.Fatalf("Configure after restart: %s", err)
	}
	if len(eng2.Client.Restored) != 1 || eng2.Client.Restored[0].AccessToken != cred.AccessToken {
		t.Fatalf("credential not restored: %+v", eng2.Client.Restored)
	}
	if _, err = reg2.Authenticated(); err != nil {
		t.Fatalf("Authenticated after restore: %s", err)
	}
}

func TestLoginValidatesInput(t *testing.T) {
	reg := NewRegistry(testutils.NewEngine())
	for _, user := range []string{"", "@no-domain"} {
		if _, err := reg.Login(context.Background(), user, "pw"); !errors.Is(err, internal.ErrMalformedInput) {
			t.Errorf("Login(%q): want MalformedInput, got %v", user, err)
		}
	}
	// valid input but no session
	if _, err := reg.Login(context.Background(), "@alice:example.org", "pw"); !errors.Is(err, internal.ErrNotInitialized) {
		t.Errorf("want NotInitialized, got %v", err)
	}
}

func TestSignOut(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	eng := testutils.NewEngine()
	reg := NewRegistry(eng)
	var hookCalls []string
	reg.OnSignOut(func() { hookCalls = append(hookCalls, "rooms") })
	reg.OnSignOut(func() { hookCalls = append(hookCalls, "timelines") })

	if _, err := reg.Configure(ctx, cfg); err != nil {
		t.Fatalf("Configure: %s", err)
	}
	if _, err := reg.Register(ctx, "bob", "pw"); err != nil {
		t.Fatalf("Register: %s", err)
	}
	ok, err := reg.SignOut(ctx)
	if err != nil || !ok {
		t.Fatalf("SignOut: %v %v", ok, err)
	}
	if eng.Client.Logouts != 1 {
		t.Errorf("remote logout called %d times", eng.Client.Logouts)
	}
	if !eng.Client.Closed {
		t.Errorf("client not closed")
	}
	if _, err = os.Stat(filepath.Join(cfg.StoragePath, store.SessionKey)); !os.IsNotExist(err) {
		t.Errorf("credential file still present: %v", err)
	}
	if len(hookCalls) != 2 || hookCalls[0] != "rooms" || hookCalls[1] != "timelines" {
		t.Errorf("hooks ran as %v", hookCalls)
	}
	if _, err = reg.Current(); !errors.Is(err, internal.ErrNotInitialized) {
		t.Errorf("session survived sign out: %v", err)
	}
	// configure works again afterwards
	if _, err = reg.Configure(ctx, cfg); err != nil {
		t.Fatalf("Configure after SignOut: %s", err)
	}
	if eng.Connects() != 2 {
		t.Fatalf("want a rebuild after sign out, got %d connects", eng.Connects())
	}
}

func TestSignOutRemoteFailureKeepsSession(t *testing.T) {
	ctx := context.Background()
	eng := testutils.NewEngine()
	eng.Client.LogoutErr = errors.New("502")
	reg := NewRegistry(eng)
	reg.Configure(ctx, testConfig(t))
	reg.Register(ctx, "carol", "pw")
	if _, err := reg.SignOut(ctx); !errors.Is(err, internal.ErrProtocolFailure) {
		t.Fatalf("want ProtocolFailure, got %v", err)
	}
	if _, err := reg.Authenticated(); err != nil {
		t.Fatalf("session should still be usable: %s", err)
	}
}

func TestSignOutDoesNotBlockReaders(t *testing.T) {
	ctx := context.Background()
	eng := testutils.NewEngine()
	reg := NewRegistry(eng)
	if _, err := reg.Configure(ctx, testConfig(t)); err != nil {
		t.Fatalf("Configure: %s", err)
	}
	if _, err := reg.Register(ctx, "dave", "pw"); err != nil {
		t.Fatalf("Register: %s", err)
	}
	release := make(chan struct{})
	eng.Client.LogoutBlock = release

	signedOut := make(chan error, 1)
	go func() {
		_, err := reg.SignOut(ctx)
		signedOut <- err
	}()

	// readers keep working while the homeserver is being asked to log out
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			if _, err := reg.IsAuthenticated(); err != nil {
				t.Errorf("IsAuthenticated: %s", err)
			}
			if _, err := reg.Current(); err != nil {
				t.Errorf("Current: %s", err)
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("IsAuthenticated blocked behind an in-flight Logout")
	}

	close(release)
	select {
	case err := <-signedOut:
		if err != nil {
			t.Fatalf("SignOut: %s", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("SignOut did not return")
	}
	if _, err := reg.Current(); !errors.Is(err, internal.ErrNotInitialized) {
		t.Fatalf("session survived sign out: %v", err)
	}
}

func TestCorruptStoredSession(t *testing.T) {
	cfg := testConfig(t)
	if err := os.MkdirAll(cfg.StoragePath, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cfg.StoragePath, store.SessionKey), []byte("{nope"), 0o600); err != nil {
		t.Fatal(err)
	}
	eng := testutils.NewEngine()
	reg := NewRegistry(eng)
	if _, err := reg.Configure(context.Background(), cfg); err == nil {
		t.Fatalf("want error for corrupt stored session")
	}
	if !eng.Client.Closed {
		t.Fatalf("client leaked after failed configure")
	}
}
