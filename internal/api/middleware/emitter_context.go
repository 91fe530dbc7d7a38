// Package middleware provides HTTP middleware components for the CrossBridge API.
package middleware

import (
	"context"
	"time"
)

// emitterContextKey is the context key for authenticated emitter information.
// Using a struct type ensures type safety and prevents collisions with other context keys.
type emitterContextKey struct{}

// EmitterContext contains authenticated emitter information enriched in the request context.
// This context is added by the authentication middleware after successful API key validation.
// An emitter is a test-framework adapter that submits events to the observer.
type EmitterContext struct {
	// EmitterID is the unique identifier for the emitter (e.g., "pytest-emitter-v1")
	EmitterID string

	// Name is the human-readable emitter name for logging and display
	Name string

	// Permissions are the authorization scopes granted to this emitter
	Permissions []string

	// KeyID is the API key ID used for authentication (for audit logging)
	KeyID string

	// AuthTime is the timestamp when authentication occurred (for latency tracking)
	AuthTime time.Time
}

// GetEmitterContext extracts emitter context from the request context.
// Returns (context, true) if authenticated, (empty, false) if not found.
//
// Example usage:
//
//	emitterCtx, authenticated := middleware.GetEmitterContext(r.Context())
//	if !authenticated {
//	    // Handle unauthenticated request
//	    return
//	}
//	log.Printf("Request from emitter: %s", emitterCtx.EmitterID)
func GetEmitterContext(ctx context.Context) (EmitterContext, bool) {
	emitterCtx, ok := ctx.Value(emitterContextKey{}).(EmitterContext)

	return emitterCtx, ok
}

// SetEmitterContext adds emitter context to the request context.
// Returns a new context with the emitter context attached.
//
// This function is used by the authentication middleware to enrich the request context
// after successful API key validation.
//
// Example usage:
//
//	emitterCtx := middleware.EmitterContext{
//	    EmitterID:   "pytest-emitter-v1",
//	    Name:        "Pytest Emitter",
//	    Permissions: []string{"events:write"},
//	    KeyID:       "key-123",
//	    AuthTime:    time.Now(),
//	}
//	newCtx := middleware.SetEmitterContext(r.Context(), emitterCtx)
func SetEmitterContext(ctx context.Context, emitterCtx EmitterContext) context.Context {
	return context.WithValue(ctx, emitterContextKey{}, emitterCtx)
}
