package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/matrix-org/syncbridge/testutils"
)

// exerciseStore runs the same contract against every backend.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.Get(ctx, SessionKey); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get on empty store: want ErrNotFound, got %v", err)
	}
	require.NoError(t, s.Put(ctx, SessionKey, []byte(`{"user_id":"@alice:example.org"}`)))
	got, err := s.Get(ctx, SessionKey)
	require.NoError(t, err)
	require.Equal(t, `{"user_id":"@alice:example.org"}`, string(got))

	// overwrite
	require.NoError(t, s.Put(ctx, SessionKey, []byte(`{}`)))
	got, err = s.Get(ctx, SessionKey)
	require.NoError(t, err)
	require.Equal(t, `{}`, string(got))

	require.NoError(t, s.Delete(ctx, SessionKey))
	if _, err = s.Get(ctx, SessionKey); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after Delete: want ErrNotFound, got %v", err)
	}
	// deleting twice is fine
	require.NoError(t, s.Delete(ctx, SessionKey))

	for _, bad := range []string{"", "../escape", "a/b", ".."} {
		if err = s.Put(ctx, bad, []byte("x")); err == nil {
			t.Errorf("Put(%q) should have failed", bad)
		}
	}
}

func TestFileStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "s1")
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)

	require.NoError(t, s.Put(context.Background(), SessionKey, []byte("secret")))
	fi, err := os.Stat(filepath.Join(dir, SessionKey))
	require.NoError(t, err)
	if fi.Mode().Perm() != 0o600 {
		t.Errorf("credential file has mode %v want 0600", fi.Mode().Perm())
	}
	// no temp files left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestBoltStore(t *testing.T) {
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "blobs.db"))
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)

	before := time.Now().Add(-time.Second)
	require.NoError(t, s.Put(context.Background(), "k", []byte("v")))
	ts, err := s.UpdatedAt("k")
	require.NoError(t, err)
	if ts.Before(before) {
		t.Errorf("UpdatedAt %v is before the write", ts)
	}
}

func TestOpenPicksBackend(t *testing.T) {
	dir := t.TempDir()
	testCases := []struct {
		dsn     string
		want    string
		wantErr bool
	}{
		{dsn: "", want: "*store.FileStore"},
		{dsn: "file://" + filepath.Join(dir, "files"), want: "*store.FileStore"},
		{dsn: "bolt://" + filepath.Join(dir, "b.db"), want: "*store.BoltStore"},
		{dsn: "postgres://localhost/db", wantErr: true}, // no secret
		{dsn: "redis://nope", wantErr: true},
	}
	for _, tc := range testCases {
		s, err := Open(tc.dsn, dir, "")
		if tc.wantErr {
			if err == nil {
				t.Errorf("Open(%q): want error", tc.dsn)
				s.Close()
			}
			continue
		}
		require.NoError(t, err, tc.dsn)
		switch s.(type) {
		case *FileStore:
			require.Equal(t, tc.want, "*store.FileStore")
		case *BoltStore:
			require.Equal(t, tc.want, "*store.BoltStore")
		}
		s.Close()
	}
}

func TestPostgresStore(t *testing.T) {
	if os.Getenv("POSTGRES_DB") == "" {
		t.Skip("POSTGRES_DB not set")
	}
	db, err := sqlx.Open("postgres", testutils.PrepareDBConnectionString("syncbridge_store"))
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	s := NewPostgresStoreWithDB(db, "shh")
	defer s.Close()
	exerciseStore(t, s)

	// the value at rest is not the plaintext
	require.NoError(t, s.Put(context.Background(), SessionKey, []byte("plaintext-token")))
	var raw string
	require.NoError(t, db.Get(&raw, `SELECT value_encrypted FROM syncbridge_blobs WHERE blob_key=$1`, SessionKey))
	require.NotContains(t, raw, "plaintext-token")

	// a different secret cannot read it
	other := NewPostgresStoreWithDB(db, "not-shh")
	_, err = other.Get(context.Background(), SessionKey)
	require.Error(t, err)
}

func TestEncryptRoundTrip(t *testing.T) {
	s := NewPostgresStoreWithDB(nil, "secret")
	enc, err := s.encrypt([]byte("hello"))
	require.NoError(t, err)
	dec, err := s.decrypt(enc)
	require.NoError(t, err)
	require.Equal(t, "hello", string(dec))
	_, err = s.decrypt("nospace")
	require.Error(t, err)
}
