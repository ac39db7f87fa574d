package proxyserver

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync/atomic"
	"time"
)

type requestIDKey struct{}

var requestSeq atomic.Uint64

// GenerateRequestID returns an ID that stays unique across daemon
// restarts and concurrent handlers: nanosecond timestamp, a process
// sequence number, and four random bytes, all hex encoded.
func GenerateRequestID() string {
	var entropy [4]byte
	rand.Read(entropy[:])
	return fmt.Sprintf("%x-%x-%x", time.Now().UnixNano(), requestSeq.Add(1), entropy)
}

// ContextWithRequestID attaches a request ID to ctx for log correlation
// across the handler and the outbound call.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext returns the request ID in ctx, or "" when none
// was attached.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}
