// Package middleware provides HTTP middleware components for the CrossBridge API.
package middleware

import (
	"context"

	"github.com/crossbridge-io/crossbridge/internal/storage"
)

// MockAPIKeyStore is a mock implementation of storage.APIKeyStore for testing.
type MockAPIKeyStore struct {
	FindByKeyFunc     func(ctx context.Context, key string) (*storage.Key, bool)
	AddFunc           func(ctx context.Context, apiKey *storage.Key) error
	UpdateFunc        func(ctx context.Context, apiKey *storage.Key) error
	DeleteFunc        func(ctx context.Context, keyID string) error
	ListByEmitterFunc func(ctx context.Context, emitterID string) ([]*storage.Key, error)
	HealthCheckFunc   func(ctx context.Context) error
}

// Compile-time interface assertion.
var _ storage.APIKeyStore = (*MockAPIKeyStore)(nil)

// FindByKey implements storage.APIKeyStore.FindByKey.
func (m *MockAPIKeyStore) FindByKey(ctx context.Context, key string) (*storage.Key, bool) {
	if m.FindByKeyFunc != nil {
		return m.FindByKeyFunc(ctx, key)
	}

	return nil, false
}

// Add implements storage.APIKeyStore.Add.
func (m *MockAPIKeyStore) Add(ctx context.Context, apiKey *storage.Key) error {
	if m.AddFunc != nil {
		return m.AddFunc(ctx, apiKey)
	}

	return nil
}

// Update implements storage.APIKeyStore.Update.
func (m *MockAPIKeyStore) Update(ctx context.Context, apiKey *storage.Key) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, apiKey)
	}

	return nil
}

// Delete implements storage.APIKeyStore.Delete.
func (m *MockAPIKeyStore) Delete(ctx context.Context, keyID string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, keyID)
	}

	return nil
}

// ListByEmitter implements storage.APIKeyStore.ListByEmitter.
func (m *MockAPIKeyStore) ListByEmitter(ctx context.Context, emitterID string) ([]*storage.Key, error) {
	if m.ListByEmitterFunc != nil {
		return m.ListByEmitterFunc(ctx, emitterID)
	}

	return []*storage.Key{}, nil
}

// HealthCheck implements storage.APIKeyStore.HealthCheck.
func (m *MockAPIKeyStore) HealthCheck(ctx context.Context) error {
	if m.HealthCheckFunc != nil {
		return m.HealthCheckFunc(ctx)
	}

	return nil
}
