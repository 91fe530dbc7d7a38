// Package middleware provides HTTP middleware components for the CrossBridge API.
package middleware

import (
	"context"
	"testing"
	"time"
)

// TestGetEmitterContext_NotFound verifies that GetEmitterContext returns empty context and false
// when no emitter context exists in the request context.
func TestGetEmitterContext_NotFound(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	emitterCtx, found := GetEmitterContext(ctx)

	if found {
		t.Error("GetEmitterContext should return false when context not found")
	}

	if emitterCtx.EmitterID != "" {
		t.Errorf("Expected empty EmitterID, got %q", emitterCtx.EmitterID)
	}
}

// TestGetEmitterContext_Found verifies that GetEmitterContext returns the correct
// emitter context when it exists in the request context.
func TestGetEmitterContext_Found(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	authTime := time.Now()

	expected := EmitterContext{
		EmitterID:   "pytest-emitter-v1",
		Name:        "Pytest Emitter",
		Permissions: []string{"events:write", "metrics:read"},
		KeyID:       "key-123",
		AuthTime:    authTime,
	}

	ctx = SetEmitterContext(ctx, expected)
	actual, found := GetEmitterContext(ctx)

	if !found {
		t.Fatal("GetEmitterContext should return true when context exists")
	}

	if actual.EmitterID != expected.EmitterID {
		t.Errorf("Expected EmitterID %q, got %q", expected.EmitterID, actual.EmitterID)
	}

	if actual.Name != expected.Name {
		t.Errorf("Expected Name %q, got %q", expected.Name, actual.Name)
	}

	if len(actual.Permissions) != len(expected.Permissions) {
		t.Errorf("Expected %d permissions, got %d", len(expected.Permissions), len(actual.Permissions))
	}

	for i, perm := range expected.Permissions {
		if actual.Permissions[i] != perm {
			t.Errorf("Expected permission[%d] %q, got %q", i, perm, actual.Permissions[i])
		}
	}

	if actual.KeyID != expected.KeyID {
		t.Errorf("Expected KeyID %q, got %q", expected.KeyID, actual.KeyID)
	}

	if !actual.AuthTime.Equal(expected.AuthTime) {
		t.Errorf("Expected AuthTime %v, got %v", expected.AuthTime, actual.AuthTime)
	}
}

// TestSetEmitterContext verifies that SetEmitterContext correctly stores
// emitter context in the request context and can be retrieved.
func TestSetEmitterContext(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	authTime := time.Now()

	emitterCtx := EmitterContext{
		EmitterID:   "playwright-emitter-v1",
		Name:        "Playwright Emitter",
		Permissions: []string{"events:write"},
		KeyID:       "key-456",
		AuthTime:    authTime,
	}

	newCtx := SetEmitterContext(ctx, emitterCtx)

	// Verify original context is not modified
	_, found := GetEmitterContext(ctx)
	if found {
		t.Error("Original context should not contain emitter context")
	}

	// Verify new context contains emitter context
	retrieved, found := GetEmitterContext(newCtx)
	if !found {
		t.Fatal("New context should contain emitter context")
	}

	if retrieved.EmitterID != emitterCtx.EmitterID {
		t.Errorf("Expected EmitterID %q, got %q", emitterCtx.EmitterID, retrieved.EmitterID)
	}
}

// TestSetEmitterContext_MultipleValues verifies that SetEmitterContext can be called
// multiple times and the latest value is returned.
func TestSetEmitterContext_MultipleValues(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()

	first := EmitterContext{
		EmitterID: "first-emitter",
		Name:      "First Emitter",
		KeyID:     "key-1",
		AuthTime:  time.Now(),
	}

	second := EmitterContext{
		EmitterID: "second-emitter",
		Name:      "Second Emitter",
		KeyID:     "key-2",
		AuthTime:  time.Now(),
	}

	// Set first value
	ctx = SetEmitterContext(ctx, first)

	// Set second value (overwrites first)
	ctx = SetEmitterContext(ctx, second)

	// Retrieve and verify second value is returned
	retrieved, found := GetEmitterContext(ctx)
	if !found {
		t.Fatal("Context should contain emitter context")
	}

	if retrieved.EmitterID != second.EmitterID {
		t.Errorf("Expected EmitterID %q, got %q", second.EmitterID, retrieved.EmitterID)
	}

	if retrieved.Name != second.Name {
		t.Errorf("Expected Name %q, got %q", second.Name, retrieved.Name)
	}
}

// TestEmitterContext_EmptyPermissions verifies that EmitterContext handles
// empty permissions slice correctly.
func TestEmitterContext_EmptyPermissions(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()

	emitterCtx := EmitterContext{
		EmitterID:   "test-emitter",
		Name:        "Test Emitter",
		Permissions: []string{}, // Empty permissions
		KeyID:       "key-789",
		AuthTime:    time.Now(),
	}

	ctx = SetEmitterContext(ctx, emitterCtx)
	retrieved, found := GetEmitterContext(ctx)

	if !found {
		t.Fatal("Context should contain emitter context")
	}

	if retrieved.Permissions == nil {
		t.Error("Permissions should not be nil, expected empty slice")
	}

	if len(retrieved.Permissions) != 0 {
		t.Errorf("Expected 0 permissions, got %d", len(retrieved.Permissions))
	}
}
