package scribeapi

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"scribe/internal/domain"
)

type batchStartRequest struct {
	JobName       string `json:"jobName"`
	PatientID     string `json:"patientId"`
	MediaID       string `json:"mediaId"`
	AppointmentID string `json:"appointmentId"`
}

// RegisterJob records the uploaded job with the batch service.
func (c *Client) RegisterJob(ctx context.Context, job domain.ScribeJob) error {
	st := stage{
		name:        "job registration",
		timeout:     c.cfg.RegisterTimeout,
		timeoutKind: domain.ErrorKindJobRegistrationFailed,
		failKind:    domain.ErrorKindJobRegistrationFailed,
	}
	return c.call(ctx, st, http.MethodPost, "/batch/start", batchStartRequest{
		JobName:       job.JobName,
		PatientID:     job.PatientID,
		MediaID:       job.MediaID,
		AppointmentID: job.AppointmentID,
	}, nil)
}

type transcribeResponse struct {
	envelope
	Transcript string                     `json:"transcript"`
	TokenCount int                        `json:"tokenCount"`
	Segments   []domain.TranscriptSegment `json:"segments"`
}

// Transcribe requests the accurate transcript of an uploaded job. An empty
// transcript is a successful result.
func (c *Client) Transcribe(ctx context.Context, jobName string) (domain.AsyncTranscript, error) {
	st := stage{
		name:        "async transcription",
		timeout:     c.cfg.TranscribeTimeout,
		timeoutKind: domain.ErrorKindTranscriptionTimeout,
		failKind:    domain.ErrorKindTranscriptionFailed,
	}

	var resp transcribeResponse
	if err := c.call(ctx, st, http.MethodPost, "/async-transcribe/"+url.PathEscape(jobName), nil, &resp); err != nil {
		return domain.AsyncTranscript{}, err
	}

	c.logger.Info("async transcription finished", "job_name", jobName, "tokens", resp.TokenCount, "segments", len(resp.Segments))
	return domain.AsyncTranscript{
		Text:     strings.TrimSpace(resp.Transcript),
		Segments: resp.Segments,
	}, nil
}
