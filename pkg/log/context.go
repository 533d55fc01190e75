package log

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// contextKey is the private key type for storing the RequestContext.
type contextKey string

const requestContextKey contextKey = "relayguard_request_context"

// RequestContext carries per-request tracing information across function and
// package boundaries via the context.
type RequestContext struct {
	RequestID string                 // short 10-char request id, e.g. mgrn0zfqda
	KeyName   string                 // API key name
	KeyID     string                 // API key id
	AccountID string                 // account id
	StartTime time.Time              // request start time
	Metadata  map[string]interface{} // extension metadata
}

var (
	randSource = rand.NewSource(time.Now().UnixNano())
	randMutex  sync.Mutex
	// base36 alphabet (lowercase letters + digits)
	base36Chars = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// GenerateRequestID produces a random 10-character base36 id. Cheaper than a
// UUID and short enough to read in log lines.
func GenerateRequestID() string {
	randMutex.Lock()
	defer randMutex.Unlock()

	b := make([]byte, 10)
	for i := range b {
		b[i] = base36Chars[randSource.Int63()%36]
	}
	return string(b)
}

// WithRequestContext injects a fresh RequestContext. Called by the logging
// middleware at the start of each request.
func WithRequestContext(ctx context.Context, requestID, keyName, keyID, accountID string) context.Context {
	reqCtx := &RequestContext{
		RequestID: requestID,
		KeyName:   keyName,
		KeyID:     keyID,
		AccountID: accountID,
		StartTime: time.Now(),
		Metadata:  make(map[string]interface{}),
	}
	return context.WithValue(ctx, requestContextKey, reqCtx)
}

// GetRequestContext extracts the RequestContext, returning a placeholder with
// RequestID "unknown" when none is present so callers never nil-check.
func GetRequestContext(ctx context.Context) *RequestContext {
	if ctx == nil {
		return &RequestContext{
			RequestID: "unknown",
			Metadata:  make(map[string]interface{}),
		}
	}

	if reqCtx, ok := ctx.Value(requestContextKey).(*RequestContext); ok {
		return reqCtx
	}

	return &RequestContext{
		RequestID: "unknown",
		Metadata:  make(map[string]interface{}),
	}
}

// GetRequestID extracts just the request id.
func GetRequestID(ctx context.Context) string {
	return GetRequestContext(ctx).RequestID
}

// GetKeyName extracts just the key name.
func GetKeyName(ctx context.Context) string {
	return GetRequestContext(ctx).KeyName
}

// GetAccountID extracts just the account id.
func GetAccountID(ctx context.Context) string {
	return GetRequestContext(ctx).AccountID
}

// SetMetadata attaches extra tracing metadata to the request context.
func SetMetadata(ctx context.Context, key string, value interface{}) {
	reqCtx := GetRequestContext(ctx)
	if reqCtx.Metadata == nil {
		reqCtx.Metadata = make(map[string]interface{})
	}
	reqCtx.Metadata[key] = value
}

// GetMetadata reads tracing metadata set earlier in the request.
func GetMetadata(ctx context.Context, key string) (interface{}, bool) {
	reqCtx := GetRequestContext(ctx)
	if reqCtx.Metadata == nil {
		return nil, false
	}
	value, ok := reqCtx.Metadata[key]
	return value, ok
}

// GetElapsedTime reports milliseconds since the request started.
func GetElapsedTime(ctx context.Context) int64 {
	reqCtx := GetRequestContext(ctx)
	if reqCtx.StartTime.IsZero() {
		return 0
	}
	return time.Since(reqCtx.StartTime).Milliseconds()
}
