package errors

import (
	"context"
	"log/slog"
)

var typeNames = [...]string{
	ErrorTypeInternal:         "internal",
	ErrorTypeUnauthorized:     "unauthorized",
	ErrorTypeNotAMember:       "not_a_member",
	ErrorTypeNotFound:         "not_found",
	ErrorTypePersistence:      "persistence",
	ErrorTypeProtocol:         "protocol",
	ErrorTypeConnectionClosed: "connection_closed",
	ErrorTypeAlreadyExists:    "already_exists",
	ErrorTypeValidation:       "validation",
	ErrorTypeRateLimited:      "rate_limited",
	ErrorTypeTimeout:          "timeout",
}

// String converts ErrorType to string
func (t ErrorType) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return "unknown"
	}
	return typeNames[t]
}

// Level is the log level errors of this type are reported at. Server-side
// failures are errors; mistakes by a client are informational.
func (t ErrorType) Level() slog.Level {
	switch t {
	case ErrorTypeInternal, ErrorTypePersistence:
		return slog.LevelError
	case ErrorTypeTimeout, ErrorTypeNotFound, ErrorTypeRateLimited:
		return slog.LevelWarn
	case ErrorTypeConnectionClosed:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// LogValue implements slog.LogValuer.
func (e *Error) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("code", e.Code),
		slog.String("type", e.Type.String()),
	}
	if e.Details != "" {
		attrs = append(attrs, slog.String("details", e.Details))
	}
	if e.Cause != nil {
		attrs = append(attrs, slog.String("cause", e.Cause.Error()))
	}
	return slog.GroupValue(attrs...)
}

// Log reports err on logger at the level of its type. A nil err is
// ignored.
func Log(ctx context.Context, logger *slog.Logger, err error) {
	if err == nil {
		return
	}
	e := From(err)
	logger.Log(ctx, e.Type.Level(), e.Message, slog.Any("error", e))
}
