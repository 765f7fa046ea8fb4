// Package credential defines the secret storage contract used to look up
// backend API keys, plus an in-memory implementation.
//
// Secrets are keyed by account name. By convention backends use the account
// "backend/<id>" (see [BackendAccount]).
package credential

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// ErrNotFound is returned by [Store.Get] when no secret is stored for the
// account.
var ErrNotFound = errors.New("credential: not found")

// Store is a get/set/delete-by-account secret store.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Save stores secret under account, replacing any previous value.
	Save(ctx context.Context, account, secret string) error

	// Get returns the secret for account or [ErrNotFound].
	Get(ctx context.Context, account string) (string, error)

	// Delete removes account. Deleting a missing account is not an error.
	Delete(ctx context.Context, account string) error

	// Exists reports whether a secret is stored for account.
	Exists(ctx context.Context, account string) (bool, error)
}

// BackendAccount returns the account name under which the API key of the
// given backend is stored.
func BackendAccount(backendID string) string {
	return "backend/" + backendID
}

// Memory is an in-memory [Store]. The zero value is ready to use.
type Memory struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory { return &Memory{} }

// Save implements [Store].
func (m *Memory) Save(_ context.Context, account, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.secrets == nil {
		m.secrets = make(map[string]string)
	}
	m.secrets[account] = secret
	return nil
}

// Get implements [Store].
func (m *Memory) Get(_ context.Context, account string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.secrets[account]
	if !ok {
		return "", ErrNotFound
	}
	return s, nil
}

// Delete implements [Store].
func (m *Memory) Delete(_ context.Context, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secrets, account)
	return nil
}

// Exists implements [Store].
func (m *Memory) Exists(_ context.Context, account string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.secrets[account]
	return ok, nil
}

// List returns the stored account names in sorted order.
func (m *Memory) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.secrets))
	for k := range m.secrets {
		out = append(out, k)
	}
	slices.Sort(out)
	return out, nil
}

var _ Store = (*Memory)(nil)
