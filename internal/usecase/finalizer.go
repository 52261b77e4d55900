package usecase

import (
	"log/slog"
	"strings"

	"scribe/internal/ports"
)

// transcriptFinalizer prepares the authoritative transcript for note
// generation. Normalization is best effort; the raw text is kept on failure.
type transcriptFinalizer struct {
	normalizer ports.TranscriptNormalizer
	logger     *slog.Logger
}

func newTranscriptFinalizer(normalizer ports.TranscriptNormalizer, logger *slog.Logger) transcriptFinalizer {
	return transcriptFinalizer{normalizer: normalizer, logger: logger}
}

func (f transcriptFinalizer) Finalize(raw string) string {
	raw = strings.TrimSpace(raw)
	if f.normalizer == nil || raw == "" {
		return raw
	}

	normalized, err := f.normalizer.Apply(raw)
	if err != nil {
		f.logger.Warn("transcript normalization failed, using raw transcript", "error", err)
		return raw
	}
	normalized = strings.TrimSpace(normalized)
	if normalized == "" {
		return raw
	}
	return normalized
}
