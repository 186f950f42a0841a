// Package redact wraps an slog.Handler so that attributes whose key names
// look secret-bearing never reach the underlying log sink unredacted, even
// if a caller forgets to tag a field with the teacher's `log:"-"` cfg
// convention before logging it.
package redact

import (
	"context"
	"log/slog"
	"strings"
)

const mask = "[REDACTED]"

// sensitiveKeys is checked case-insensitively against each attribute key's
// suffix/substring; it intentionally casts a wide net since false positives
// (over-redaction) are cheap and false negatives (a leaked key) are not.
var sensitiveKeys = []string{
	"api_key", "apikey", "token", "password", "passphrase",
	"secret", "authorization", "bot_token", "bearer",
}

func looksSensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// Handler decorates an slog.Handler, redacting sensitive attribute values
// at every log level before they reach the wrapped handler.
type Handler struct {
	next slog.Handler
}

// Wrap returns a Handler around next.
func Wrap(next slog.Handler) *Handler {
	return &Handler{next: next}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	redacted := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		redacted.AddAttrs(redactAttr(a))
		return true
	})
	return h.next.Handle(ctx, redacted)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = redactAttr(a)
	}
	return &Handler{next: h.next.WithAttrs(out)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{next: h.next.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	if looksSensitive(a.Key) {
		return slog.String(a.Key, mask)
	}
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		out := make([]slog.Attr, len(group))
		for i, ga := range group {
			out[i] = redactAttr(ga)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(out...)}
	}
	return a
}
