package scribeapi

import (
	"context"
	"net/http"
	"net/url"

	"scribe/internal/domain"
)

// GenerateNotes asks the backend to produce and persist clinical notes.
func (c *Client) GenerateNotes(ctx context.Context, req domain.NoteRequest) error {
	st := stage{
		name:        "note generation",
		timeout:     c.cfg.GenerateTimeout,
		timeoutKind: domain.ErrorKindNoteGenerationFailed,
		failKind:    domain.ErrorKindNoteGenerationFailed,
	}
	return c.call(ctx, st, http.MethodPost, "/scribe/generate", req, nil)
}

// Synthesize asks the backend for a synthesis of the same transcript.
func (c *Client) Synthesize(ctx context.Context, req domain.NoteRequest) error {
	st := stage{
		name:        "synthesis",
		timeout:     c.cfg.SynthesisTimeout,
		timeoutKind: domain.ErrorKindSynthesisFailed,
		failKind:    domain.ErrorKindSynthesisFailed,
	}
	return c.call(ctx, st, http.MethodPost, "/scribe/synthesize", req, nil)
}

type notesResponse struct {
	envelope
	Notes []domain.ScribeNote `json:"notes"`
}

// RefreshNotes lists the notes stored for a patient.
func (c *Client) RefreshNotes(ctx context.Context, patientID string) ([]domain.ScribeNote, error) {
	st := stage{
		name:        "notes refresh",
		timeout:     c.cfg.RefreshTimeout,
		timeoutKind: domain.ErrorKindRefreshFailed,
		failKind:    domain.ErrorKindRefreshFailed,
	}

	var resp notesResponse
	if err := c.call(ctx, st, http.MethodGet, "/scribe-notes/"+url.PathEscape(patientID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Notes, nil
}
