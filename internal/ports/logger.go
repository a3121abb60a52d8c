package ports

import "context"

// Logger is the structured logging port injected into every component.
// Fields are optional; only the first map is rendered.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...map[string]interface{})
	Info(ctx context.Context, msg string, fields ...map[string]interface{})
	Warn(ctx context.Context, msg string, fields ...map[string]interface{})
	// Error logs err together with msg.
	Error(ctx context.Context, err error, msg string, fields ...map[string]interface{})
}
