package store

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/matrix-org/syncbridge/sqlutil"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore keeps blobs in the syncbridge_blobs table. Values are encrypted with a key
// derived from a secret which never lives in the database, so reading the table alone is not
// enough to recover an access token.
type PostgresStore struct {
	db     *sqlx.DB
	key256 []byte
}

func NewPostgresStore(dsn, secret string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	if err = Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return NewPostgresStoreWithDB(db, secret), nil
}

// NewPostgresStoreWithDB wraps an already migrated connection.
func NewPostgresStoreWithDB(db *sqlx.DB, secret string) *PostgresStore {
	hash := sha256.New()
	hash.Write([]byte(secret))
	return &PostgresStore{
		db:     db,
		key256: hash.Sum(nil),
	}
}

// Migrate brings the schema up to date.
func Migrate(db *sqlx.DB) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	version, err := goose.GetDBVersion(db.DB)
	if err == nil {
		logger.Info().Int64("version", version).Msg("store: postgres schema up to date")
	}
	return nil
}

func (s *PostgresStore) encrypt(value []byte) (string, error) {
	block, err := aes.NewCipher(s.key256)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	return hex.EncodeToString(nonce) + " " + hex.EncodeToString(gcm.Seal(nil, nonce, value, nil)), nil
}

func (s *PostgresStore) decrypt(nonceAndCiphertext string) ([]byte, error) {
	nonceHex, cipherHex, ok := strings.Cut(nonceAndCiphertext, " ")
	if !ok {
		return nil, fmt.Errorf("decrypt: malformed value")
	}
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		return nil, fmt.Errorf("decrypt nonce: failed to decode hex: %s", err)
	}
	ciphertext, err := hex.DecodeString(cipherHex)
	if err != nil {
		return nil, fmt.Errorf("decrypt value: failed to decode hex: %s", err)
	}
	block, err := aes.NewCipher(s.key256)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	var enc string
	err := s.db.GetContext(ctx, &enc, `SELECT value_encrypted FROM syncbridge_blobs WHERE blob_key=$1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.decrypt(enc)
}

func (s *PostgresStore) Put(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	enc, err := s.encrypt(value)
	if err != nil {
		return err
	}
	return sqlutil.WithTransaction(ctx, s.db, func(txn *sqlx.Tx) error {
		_, err := txn.ExecContext(ctx, `
		INSERT INTO syncbridge_blobs(blob_key, value_encrypted, updated_at) VALUES($1, $2, $3)
		ON CONFLICT (blob_key) DO UPDATE SET value_encrypted=EXCLUDED.value_encrypted, updated_at=EXCLUDED.updated_at`,
			key, enc, time.Now())
		return err
	})
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM syncbridge_blobs WHERE blob_key=$1`, key)
	return err
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
