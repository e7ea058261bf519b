package logging

import "context"

// Correlation IDs travel through the context: the webhook request ID assigned
// at intake and the build ID once the payload is decoded. Loggers created
// with WithContext emit them on every line.
type contextKey string

const (
	requestIDKey contextKey = "request_id"
	buildIDKey   contextKey = "build_id"
)

// WithRequestID attaches the webhook request ID to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// WithBuildID attaches the build ID to the context.
func WithBuildID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, buildIDKey, id)
}

// extractContextFields pulls the correlation IDs from the context. Returns
// nil when the context is nil or carries neither ID.
func extractContextFields(ctx context.Context) map[string]interface{} {
	if ctx == nil {
		return nil
	}

	fields := make(map[string]interface{})

	if requestID := ctx.Value(requestIDKey); requestID != nil {
		fields["request_id"] = requestID
	}

	if buildID := ctx.Value(buildIDKey); buildID != nil {
		fields["build_id"] = buildID
	}

	if len(fields) == 0 {
		return nil
	}

	return fields
}
