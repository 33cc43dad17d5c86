// Package session owns the single current session: the engine client, its credential store,
// and whether it is authenticated.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/matrix-org/syncbridge/engine"
	"github.com/matrix-org/syncbridge/internal"
	"github.com/matrix-org/syncbridge/store"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type Config struct {
	HomeserverURL string
	StoragePath   string
	Proxy         string
	// TrustedCertificates is an optional PEM bundle for homeservers with private CAs.
	TrustedCertificates []byte
	// StoreDSN selects the credential store, see store.Open. Empty means a file under
	// StoragePath.
	StoreDSN string
	// StoreSecret encrypts credentials at rest in stores which support it.
	StoreSecret string
}

func (c Config) validate() error {
	if c.HomeserverURL == "" {
		return fmt.Errorf("missing homeserver url")
	}
	// unix sockets are addressed by absolute path
	if !strings.HasPrefix(c.HomeserverURL, "/") {
		u, err := url.Parse(c.HomeserverURL)
		if err != nil {
			return fmt.Errorf("homeserver url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("homeserver url %q must be http(s)", c.HomeserverURL)
		}
	}
	if c.StoragePath == "" {
		return fmt.Errorf("missing storage path")
	}
	if c.Proxy != "" {
		if _, err := url.Parse(c.Proxy); err != nil {
			return fmt.Errorf("proxy url: %w", err)
		}
	}
	return nil
}

func (c Config) engineConfig() engine.Config {
	return engine.Config{
		HomeserverURL:       c.HomeserverURL,
		StoragePath:         c.StoragePath,
		Proxy:               c.Proxy,
		TrustedCertificates: c.TrustedCertificates,
	}
}

// Session is a configured client. It may or may not be authenticated.
type Session struct {
	Config Config
	Client engine.Client
	Store  store.Store
}

func (s *Session) Credential() (engine.Credential, bool) {
	return s.Client.Session()
}

// Registry holds at most one Session. "No session" is a normal, checkable state.
type Registry struct {
	engine    engine.Engine
	openStore func(cfg Config) (store.Store, error)
	group     singleflight.Group

	mu      sync.RWMutex
	current *Session
	hooks   []func()
}

func NewRegistry(eng engine.Engine) *Registry {
	return &Registry{
		engine: eng,
		openStore: func(cfg Config) (store.Store, error) {
			return store.Open(cfg.StoreDSN, cfg.StoragePath, cfg.StoreSecret)
		},
	}
}

// OnSignOut registers fn to run after the session is torn down. Hooks run in registration
// order, without any registry lock held.
func (r *Registry) OnSignOut(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Configure builds the session if there isn't one yet. Calling it again, concurrently or
// later, returns true without rebuilding anything.
func (r *Registry) Configure(ctx context.Context, cfg Config) (bool, error) {
	r.mu.RLock()
	existing := r.current
	r.mu.RUnlock()
	if existing != nil {
		if existing.Config.HomeserverURL != cfg.HomeserverURL || existing.Config.StoragePath != cfg.StoragePath {
			logger.Warn().Str("hs", existing.Config.HomeserverURL).Str("requested_hs", cfg.HomeserverURL).Msg(
				"Configure: session already exists with a different config, keeping it",
			)
		}
		return true, nil
	}
	if err := cfg.validate(); err != nil {
		return false, internal.Malformed("configure", err)
	}
	_, err, _ := r.group.Do("configure", func() (interface{}, error) {
		r.mu.RLock()
		existing := r.current
		r.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}
		sess, err := r.build(ctx, cfg)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.current = sess
		r.mu.Unlock()
		return sess, nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *Registry) build(ctx context.Context, cfg Config) (*Session, error) {
	client, err := r.engine.Connect(ctx, cfg.engineConfig())
	if err != nil {
		return nil, internal.ProtocolFailure("configure", err)
	}
	st, err := r.openStore(cfg)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("configure: open store: %w", err)
	}
	sess := &Session{
		Config: cfg,
		Client: client,
		Store:  st,
	}
	if err = r.restore(ctx, sess); err != nil {
		client.Close()
		st.Close()
		return nil, err
	}
	return sess, nil
}

func (r *Registry) restore(ctx context.Context, sess *Session) error {
	blob, err := sess.Store.Get(ctx, store.SessionKey)
	if errors.Is(err, store.ErrNotFound) {
		logger.Info().Str("hs", sess.Config.HomeserverURL).Msg("no stored session, starting unauthenticated")
		return nil
	}
	if err != nil {
		return fmt.Errorf("configure: read stored session: %w", err)
	}
	var cred engine.Credential
	if err = json.Unmarshal(blob, &cred); err != nil {
		return fmt.Errorf("configure: stored session is corrupt: %w", err)
	}
	if err = sess.Client.RestoreSession(ctx, cred); err != nil {
		return internal.ProtocolFailure("configure", err)
	}
	logger.Info().Str("u", cred.UserID).Str("device", cred.DeviceID).Msg("restored stored session")
	return nil
}

// Current returns the session or a NotInitialized error.
func (r *Registry) Current() (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == nil {
		return nil, internal.ErrNotInitialized
	}
	return r.current, nil
}

// Authenticated returns the session if it holds a credential.
func (r *Registry) Authenticated() (*Session, error) {
	sess, err := r.Current()
	if err != nil {
		return nil, err
	}
	if _, ok := sess.Credential(); !ok {
		return nil, internal.ErrNotAuthenticated
	}
	return sess, nil
}

func (r *Registry) IsAuthenticated() (bool, error) {
	sess, err := r.Current()
	if err != nil {
		return false, err
	}
	_, ok := sess.Credential()
	return ok, nil
}

func validateUser(user, password string) error {
	if user == "" || password == "" {
		return fmt.Errorf("username and password are required")
	}
	if strings.HasPrefix(user, "@") {
		if _, err := spec.NewUserID(user, false); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) Login(ctx context.Context, user, password string) (engine.Credential, error) {
	return r.authenticate(ctx, "login", user, password, func(c engine.Client) (engine.Credential, error) {
		return c.Login(ctx, user, password)
	})
}

func (r *Registry) Register(ctx context.Context, user, password string) (engine.Credential, error) {
	return r.authenticate(ctx, "register", user, password, func(c engine.Client) (engine.Credential, error) {
		return c.Register(ctx, user, password)
	})
}

func (r *Registry) authenticate(
	ctx context.Context, op, user, password string, fn func(c engine.Client) (engine.Credential, error),
) (engine.Credential, error) {
	if err := validateUser(user, password); err != nil {
		return engine.Credential{}, internal.Malformed(op, err)
	}
	sess, err := r.Current()
	if err != nil {
		return engine.Credential{}, err
	}
	cred, err := fn(sess.Client)
	if err != nil {
		return engine.Credential{}, internal.ProtocolFailure(op, err)
	}
	blob, err := json.Marshal(cred)
	if err != nil {
		return engine.Credential{}, err
	}
	if err = sess.Store.Put(ctx, store.SessionKey, blob); err != nil {
		return engine.Credential{}, fmt.Errorf("%s: persist session: %w", op, err)
	}
	logger.Info().Str("u", cred.UserID).Str("device", cred.DeviceID).Str("op", op).Msg("authenticated")
	return cred, nil
}

// SignOut invalidates the remote session, forgets the stored credential and tears down the
// session and everything registered with OnSignOut. The registry lock is not held while the
// homeserver is contacted; concurrent callers share one sign-out.
func (r *Registry) SignOut(ctx context.Context) (bool, error) {
	r.mu.RLock()
	sess := r.current
	r.mu.RUnlock()
	if sess == nil {
		return false, internal.NotInitialized("sign_out")
	}
	_, err, _ := r.group.Do("sign_out", func() (interface{}, error) {
		if _, ok := sess.Credential(); ok {
			if err := sess.Client.Logout(ctx); err != nil {
				return nil, internal.ProtocolFailure("sign_out", err)
			}
		}
		if err := sess.Store.Delete(ctx, store.SessionKey); err != nil {
			logger.Err(err).Msg("sign_out: failed to delete stored session")
		}

		r.mu.Lock()
		if r.current != sess {
			// closed while logging out
			r.mu.Unlock()
			return nil, nil
		}
		r.current = nil
		hooks := append([]func(){}, r.hooks...)
		r.mu.Unlock()

		r.release(sess)
		for _, fn := range hooks {
			fn()
		}
		logger.Info().Str("hs", sess.Config.HomeserverURL).Msg("signed out")
		return nil, nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Close drops the session without contacting the homeserver, keeping the stored credential
// so the next Configure restores it.
func (r *Registry) Close() {
	r.mu.Lock()
	sess := r.current
	r.current = nil
	r.mu.Unlock()
	if sess != nil {
		r.release(sess)
	}
}

func (r *Registry) release(sess *Session) {
	if err := sess.Client.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close engine client")
	}
	if err := sess.Store.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close store")
	}
}
