package masking

import (
	"context"
	"log/slog"
)

// Service applies the ordered redaction patterns to strings. Created once at
// application startup. Thread-safe and stateless aside from compiled
// patterns.
type Service struct {
	patterns []*CompiledPattern
}

// NewService creates a masking service with the built-in pattern set
// compiled eagerly.
func NewService() *Service {
	return &Service{patterns: builtinPatterns()}
}

// Redact applies every pattern in order and returns the masked string.
func (s *Service) Redact(in string) string {
	out := in
	for _, p := range s.patterns {
		out = p.Regex.ReplaceAllString(out, p.Replacement)
	}
	return out
}

// Handler is a slog.Handler that redacts message text and string attribute
// values before delegating to the wrapped handler.
type Handler struct {
	inner   slog.Handler
	service *Service
}

// NewHandler wraps an slog handler with redaction.
func NewHandler(inner slog.Handler, service *Service) *Handler {
	return &Handler{inner: inner, service: service}
}

// Enabled implements slog.Handler.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler, redacting the record message and all
// string-valued attributes.
func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, h.service.Redact(rec.Message), rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, out)
}

// WithAttrs implements slog.Handler.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = h.redactAttr(a)
	}
	return &Handler{inner: h.inner.WithAttrs(redacted), service: h.service}
}

// WithGroup implements slog.Handler.
func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name), service: h.service}
}

func (h *Handler) redactAttr(a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.service.Redact(a.Value.String()))
	case slog.KindGroup:
		attrs := a.Value.Group()
		redacted := make([]slog.Attr, len(attrs))
		for i, ga := range attrs {
			redacted[i] = h.redactAttr(ga)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(redacted...)}
	default:
		return a
	}
}
