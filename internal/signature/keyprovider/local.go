package keyprovider

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"custos/pkg/sentinel"
)

// Local is an ed25519 provider standing in for an external KMS. Rotated
// keys are retained by id so old signatures stay verifiable. With a
// backing file the key set survives restarts and is shared across
// processes; without one, keys live only as long as the process.
type Local struct {
	mu     sync.RWMutex
	active string
	keys   map[string]ed25519.PrivateKey
	path   string
}

// keyFile is the on-disk layout: key id to hex-encoded ed25519 seed.
type keyFile struct {
	Active string            `json:"active"`
	Keys   map[string]string `json:"keys"`
}

// NewLocal creates an ephemeral provider with one freshly generated active
// key. Signatures made with it are unverifiable after the process exits;
// use NewLocalFile outside of tests.
func NewLocal() (*Local, error) {
	l := &Local{keys: make(map[string]ed25519.PrivateKey)}
	if _, err := l.Rotate(context.Background()); err != nil {
		return nil, err
	}
	return l, nil
}

// NewLocalFile loads the key set from path, creating the file with one
// fresh key when absent. Rotations rewrite the file, so the server and the
// sweep binary sign and verify with the same keys.
func NewLocalFile(path string) (*Local, error) {
	l := &Local{keys: make(map[string]ed25519.PrivateKey), path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if _, err := l.Rotate(context.Background()); err != nil {
			return nil, err
		}
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	var stored keyFile
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("parsing key file %s: %w", path, err)
	}
	for id, seedHex := range stored.Keys {
		seed, err := hex.DecodeString(seedHex)
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("key %q in %s is malformed", id, path)
		}
		l.keys[id] = ed25519.NewKeyFromSeed(seed)
	}
	if _, ok := l.keys[stored.Active]; !ok {
		return nil, fmt.Errorf("key file %s names unknown active key %q", path, stored.Active)
	}
	l.active = stored.Active
	return l, nil
}

// Rotate generates a new active key and returns its id. Previous keys
// remain available for verification.
func (l *Local) Rotate(ctx context.Context) (string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}
	id := "local-" + hex.EncodeToString(pub[:8])

	l.mu.Lock()
	defer l.mu.Unlock()
	prevActive := l.active
	l.keys[id] = priv
	l.active = id
	if err := l.saveLocked(); err != nil {
		delete(l.keys, id)
		l.active = prevActive
		return "", err
	}
	return id, nil
}

// saveLocked writes the key set to the backing file, if any. Caller holds
// l.mu.
func (l *Local) saveLocked() error {
	if l.path == "" {
		return nil
	}
	stored := keyFile{Active: l.active, Keys: make(map[string]string, len(l.keys))}
	for id, priv := range l.keys {
		stored.Keys[id] = hex.EncodeToString(priv.Seed())
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encoding key file: %w", err)
	}
	if err := os.WriteFile(l.path, data, 0o600); err != nil {
		return fmt.Errorf("writing key file: %w", err)
	}
	return nil
}

func (l *Local) ActiveKeyID(ctx context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.active == "" {
		return "", sentinel.ErrSigningUnavailable
	}
	return l.active, nil
}

func (l *Local) Sign(ctx context.Context, keyID string, payload []byte) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if keyID == "" {
		keyID = l.active
	}
	priv, ok := l.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("key %q: %w", keyID, sentinel.ErrSigningUnavailable)
	}
	return ed25519.Sign(priv, payload), nil
}

func (l *Local) Verify(ctx context.Context, keyID string, payload, signature []byte) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	priv, ok := l.keys[keyID]
	if !ok {
		return false, fmt.Errorf("key %q: %w", keyID, sentinel.ErrSigningUnavailable)
	}
	pub := priv.Public().(ed25519.PublicKey)
	return ed25519.Verify(pub, payload, signature), nil
}

// Failing is a provider whose operations always fail. Used in tests to
// exercise the fail-closed path for critical actions.
type Failing struct{}

func (Failing) ActiveKeyID(context.Context) (string, error) {
	return "", sentinel.ErrSigningUnavailable
}

func (Failing) Sign(context.Context, string, []byte) ([]byte, error) {
	return nil, sentinel.ErrSigningUnavailable
}

func (Failing) Verify(context.Context, string, []byte, []byte) (bool, error) {
	return false, sentinel.ErrSigningUnavailable
}

func (Failing) Rotate(context.Context) (string, error) {
	return "", sentinel.ErrSigningUnavailable
}
