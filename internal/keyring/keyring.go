// Package keyring holds per-deployment telemetry signing secrets outside the
// control-plane store. The store only keeps a key id; the secret itself lives
// here and is handed to the backend at deploy time.
package keyring

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// SecretSize is the length of a generated signing secret in bytes.
const SecretSize = 32

// ErrKeyNotFound is returned for an unknown key id.
var ErrKeyNotFound = errors.New("keyring: key not found")

// Keyring creates and resolves signing secrets.
type Keyring interface {
	// Create generates a fresh secret for a deployment and returns its id.
	Create(ctx context.Context, deploymentID uuid.UUID) (keyID string, secret []byte, err error)
	// Secret returns the secret for keyID, or ErrKeyNotFound.
	Secret(ctx context.Context, keyID string) ([]byte, error)
	// Delete removes a key. Deleting an unknown key is not an error.
	Delete(ctx context.Context, keyID string) error
}

// KeyID derives the key id for a deployment.
func KeyID(deploymentID uuid.UUID) string {
	return "dk_" + deploymentID.String()
}

func newSecret() ([]byte, error) {
	b := make([]byte, SecretSize)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("keyring: generate secret: %w", err)
	}
	return b, nil
}

// Memory is an in-process keyring for development and tests.
type Memory struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

// NewMemory returns an empty in-memory keyring.
func NewMemory() *Memory {
	return &Memory{keys: make(map[string][]byte)}
}

func (m *Memory) Create(_ context.Context, deploymentID uuid.UUID) (string, []byte, error) {
	secret, err := newSecret()
	if err != nil {
		return "", nil, err
	}
	id := KeyID(deploymentID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[id]; ok {
		return "", nil, fmt.Errorf("keyring: key %s already exists", id)
	}
	m.keys[id] = secret
	return id, append([]byte(nil), secret...), nil
}

func (m *Memory) Secret(_ context.Context, keyID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.keys[keyID]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), s...), nil
}

func (m *Memory) Delete(_ context.Context, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, keyID)
	return nil
}
