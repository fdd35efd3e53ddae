package keyring

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	_ "modernc.org/sqlite"
)

const vaultSchema = `
CREATE TABLE IF NOT EXISTS signing_keys (
	key_id        TEXT PRIMARY KEY,
	deployment_id TEXT NOT NULL,
	sealed        BLOB NOT NULL,
	created_at    INTEGER NOT NULL
)`

// Vault is a keyring backed by a SQLite file. Secrets are sealed with
// XChaCha20-Poly1305 under a master key; the key id is bound as additional
// data so a sealed value cannot be moved to another row.
type Vault struct {
	db   *sql.DB
	aead cipher.AEAD
}

// OpenVault opens (creating if needed) the vault at path. masterKey must be
// 32 bytes.
func OpenVault(path string, masterKey []byte) (*Vault, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("keyring: vault path is required")
	}
	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, fmt.Errorf("keyring: master key: %w", err)
	}

	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("keyring: open vault: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("keyring: ping vault: %w", err)
	}
	if _, err := db.Exec(vaultSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("keyring: create schema: %w", err)
	}
	return &Vault{db: db, aead: aead}, nil
}

// Close closes the vault file.
func (v *Vault) Close() error {
	if v == nil || v.db == nil {
		return nil
	}
	return v.db.Close()
}

func (v *Vault) Create(ctx context.Context, deploymentID uuid.UUID) (string, []byte, error) {
	secret, err := newSecret()
	if err != nil {
		return "", nil, err
	}
	id := KeyID(deploymentID)

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", nil, fmt.Errorf("keyring: read nonce: %w", err)
	}
	// Stored as nonce || ciphertext.
	sealed := v.aead.Seal(nonce, nonce, secret, []byte(id))

	_, err = v.db.ExecContext(ctx,
		`INSERT INTO signing_keys (key_id, deployment_id, sealed, created_at) VALUES (?, ?, ?, ?)`,
		id, deploymentID.String(), sealed, time.Now().UTC().UnixMilli())
	if err != nil {
		return "", nil, fmt.Errorf("keyring: insert key: %w", err)
	}
	return id, secret, nil
}

func (v *Vault) Secret(ctx context.Context, keyID string) ([]byte, error) {
	var sealed []byte
	err := v.db.QueryRowContext(ctx, `SELECT sealed FROM signing_keys WHERE key_id = ?`, keyID).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("keyring: read key: %w", err)
	}
	n := v.aead.NonceSize()
	if len(sealed) < n {
		return nil, errors.New("keyring: sealed value is too short")
	}
	secret, err := v.aead.Open(nil, sealed[:n], sealed[n:], []byte(keyID))
	if err != nil {
		return nil, fmt.Errorf("keyring: open sealed key: %w", err)
	}
	return secret, nil
}

func (v *Vault) Delete(ctx context.Context, keyID string) error {
	if _, err := v.db.ExecContext(ctx, `DELETE FROM signing_keys WHERE key_id = ?`, keyID); err != nil {
		return fmt.Errorf("keyring: delete key: %w", err)
	}
	return nil
}
