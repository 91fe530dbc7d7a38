package storage

import (
	"context"
	"sync"
)

// InMemoryKeyStore provides thread-safe in-memory storage for API keys.
// Suitable for tests and single-node development setups.
type InMemoryKeyStore struct {
	// keys maps key strings to Key structs for fast lookup
	keys map[string]*Key
	// keysByID maps key IDs to Key structs for ID-based operations
	keysByID map[string]*Key
	// keysByEmitter maps emitter IDs to slices of Key structs for emitter filtering
	keysByEmitter map[string][]*Key
	// mutex protects concurrent access to all maps
	mutex sync.RWMutex
}

// Compile-time interface assertion.
var _ APIKeyStore = (*InMemoryKeyStore)(nil)

// NewInMemoryKeyStore creates a new thread-safe in-memory key store.
func NewInMemoryKeyStore() *InMemoryKeyStore {
	return &InMemoryKeyStore{
		keys:          make(map[string]*Key),
		keysByID:      make(map[string]*Key),
		keysByEmitter: make(map[string][]*Key),
	}
}

// FindByKey retrieves an API key by its key value.
func (s *InMemoryKeyStore) FindByKey(_ context.Context, key string) (*Key, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	apiKey, exists := s.keys[key]
	if !exists {
		return nil, false
	}

	// Return a copy to prevent external modification
	keyCopy := *apiKey

	return &keyCopy, true
}

// Add stores a new API key.
func (s *InMemoryKeyStore) Add(_ context.Context, apiKey *Key) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	// Check if key already exists by ID or key string
	if _, exists := s.keysByID[apiKey.ID]; exists {
		return ErrKeyAlreadyExists
	}

	if _, exists := s.keys[apiKey.Key]; exists {
		return ErrKeyAlreadyExists
	}

	// Create a copy to prevent external modification
	keyCopy := *apiKey

	// Store in all maps
	s.keys[keyCopy.Key] = &keyCopy
	s.keysByID[keyCopy.ID] = &keyCopy

	// Add to emitter map
	s.keysByEmitter[keyCopy.EmitterID] = append(s.keysByEmitter[keyCopy.EmitterID], &keyCopy)

	return nil
}

// Update modifies an existing API key.
func (s *InMemoryKeyStore) Update(_ context.Context, apiKey *Key) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	// Check if key exists
	existingKey, exists := s.keysByID[apiKey.ID]
	if !exists {
		return ErrKeyNotFound
	}

	// Remove from emitter map (old emitter)
	s.removeFromEmitterMap(existingKey.EmitterID, existingKey.ID)

	// Remove from key string map if key changed
	if existingKey.Key != apiKey.Key {
		delete(s.keys, existingKey.Key)
	}

	// Create a copy to prevent external modification
	keyCopy := *apiKey

	// Update all maps
	s.keys[keyCopy.Key] = &keyCopy
	s.keysByID[keyCopy.ID] = &keyCopy

	// Add to emitter map (new emitter)
	s.keysByEmitter[keyCopy.EmitterID] = append(s.keysByEmitter[keyCopy.EmitterID], &keyCopy)

	return nil
}

// Delete removes an API key.
func (s *InMemoryKeyStore) Delete(_ context.Context, keyID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	// Check if key exists
	existingKey, exists := s.keysByID[keyID]
	if !exists {
		return ErrKeyNotFound
	}

	// Remove from all maps
	delete(s.keys, existingKey.Key)
	delete(s.keysByID, keyID)

	// Remove from emitter map
	s.removeFromEmitterMap(existingKey.EmitterID, keyID)

	return nil
}

// ListByEmitter returns all API keys for a specific emitter.
func (s *InMemoryKeyStore) ListByEmitter(_ context.Context, emitterID string) ([]*Key, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	keys, exists := s.keysByEmitter[emitterID]
	if !exists {
		return []*Key{}, nil // Return empty slice for non-existent emitters
	}

	// Return copies to prevent external modification
	result := make([]*Key, len(keys))
	for i, key := range keys {
		keyCopy := *key
		result[i] = &keyCopy
	}

	return result, nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *InMemoryKeyStore) HealthCheck(_ context.Context) error {
	return nil
}

// removeFromEmitterMap removes a key from the emitter map by key ID.
// Caller must hold write lock.
func (s *InMemoryKeyStore) removeFromEmitterMap(emitterID, keyID string) {
	keys := s.keysByEmitter[emitterID]
	for i, key := range keys {
		if key.ID == keyID {
			// Remove element at index i
			s.keysByEmitter[emitterID] = append(keys[:i], keys[i+1:]...)

			break
		}
	}

	// Clean up empty emitter entries
	if len(s.keysByEmitter[emitterID]) == 0 {
		delete(s.keysByEmitter, emitterID)
	}
}
