// Package logging builds the slog loggers used across the tunnel.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// NewLogger creates a logger writing to stderr.
// Levels: debug, info, warn, error. Formats: text, json.
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a logger writing to w. Unknown levels fall
// back to info and unknown formats to text.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	lvl, _ := ParseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl}

	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel converts a level name to slog.Level. ok is false for names it
// does not know, in which case info is returned.
func ParseLevel(level string) (lvl slog.Level, ok bool) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrNop returns logger, or a NopLogger when it is nil.
func OrNop(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return NopLogger()
	}
	return logger
}

// Attribute keys shared by the client and server engines.
const (
	KeyComponent   = "component"
	KeyError       = "error"
	KeySessionID   = "session_id"
	KeyClient      = "client"
	KeyServer      = "server"
	KeyDestination = "destination"
	KeyReason      = "reason"
	KeyKind        = "kind"
	KeyBytesUp     = "bytes_up"
	KeyBytesDown   = "bytes_down"
	KeyRemoteAddr  = "remote_addr"
	KeyLocalAddr   = "local_addr"
	KeyDuration    = "duration"
	KeyCount       = "count"
)

// Ratelimited wraps a logger so that Debug/Warn calls made through it are
// emitted at most every interval; the rest are dropped and counted.
// Used on per-datagram paths where a flood of foreign ICMP would otherwise
// swamp the log.
type Ratelimited struct {
	logger  *slog.Logger
	limiter *rate.Limiter

	mu         sync.Mutex
	suppressed int
}

// NewRatelimited creates a Ratelimited logger allowing one record per
// interval with a small burst.
func NewRatelimited(logger *slog.Logger, interval time.Duration, burst int) *Ratelimited {
	return &Ratelimited{
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(interval), burst),
	}
}

// Log emits the record if the limiter allows it. The first record after a
// quiet period carries the number of records suppressed in between.
func (r *Ratelimited) Log(level slog.Level, msg string, args ...any) {
	if !r.logger.Enabled(context.Background(), level) {
		return
	}

	r.mu.Lock()
	if !r.limiter.Allow() {
		r.suppressed++
		r.mu.Unlock()
		return
	}
	suppressed := r.suppressed
	r.suppressed = 0
	r.mu.Unlock()

	if suppressed > 0 {
		args = append(args, "suppressed", suppressed)
	}
	r.logger.Log(context.Background(), level, msg, args...)
}
