package scribeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"scribe/internal/domain"
)

type uploadResponse struct {
	envelope
	JobName string `json:"jobName"`
	MediaID string `json:"mediaId"`
}

// Upload posts the raw recording. The returned job carries the
// backend-assigned jobName and mediaId and the given patient.
func (c *Client) Upload(ctx context.Context, blob domain.AudioBlob, patientID string, duration time.Duration) (domain.ScribeJob, error) {
	size := int64(len(blob.Data))
	timeout := c.uploadTimeout(size)

	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := c.newRequest(stageCtx, http.MethodPost, "/upload-audio", bytes.NewReader(blob.Data))
	if err != nil {
		return domain.ScribeJob{}, &domain.Error{Kind: domain.ErrorKindUploadNetworkError, Message: "failed to build upload request", Bytes: size, Err: err}
	}
	req.ContentLength = size
	mimeType := blob.MIMEType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", mimeType)
	req.Header.Set("X-Patient-Id", patientID)
	if duration > 0 {
		req.Header.Set("X-Audio-Duration", strconv.Itoa(int(duration.Round(time.Second)/time.Second)))
	}

	c.logger.Info("uploading recording", "bytes", size, "timeout", timeout)
	raw, status, err := c.do(req)
	if err != nil {
		if stageTimedOut(ctx, stageCtx) {
			return domain.ScribeJob{}, &domain.Error{
				Kind:    domain.ErrorKindUploadTimeout,
				Message: fmt.Sprintf("upload timed out after %s (%d bytes)", timeout, size),
				Bytes:   size,
				Err:     err,
			}
		}
		return domain.ScribeJob{}, &domain.Error{
			Kind:    domain.ErrorKindUploadNetworkError,
			Message: c.networkErrorMessage(size),
			Bytes:   size,
			Err:     err,
		}
	}

	if err := checkEnvelope(raw, status); err != nil {
		return domain.ScribeJob{}, &domain.Error{Kind: domain.ErrorKindUploadRejected, Message: "upload rejected", Bytes: size, Err: err}
	}

	var resp uploadResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return domain.ScribeJob{}, &domain.Error{Kind: domain.ErrorKindUploadRejected, Message: "upload response unreadable", Bytes: size, Err: err}
	}
	if strings.TrimSpace(resp.JobName) == "" {
		return domain.ScribeJob{}, &domain.Error{Kind: domain.ErrorKindUploadRejected, Message: "upload response missing jobName", Bytes: size}
	}

	return domain.ScribeJob{
		JobName:   resp.JobName,
		MediaID:   resp.MediaID,
		PatientID: patientID,
	}, nil
}

// uploadTimeout grows with payload size between the base and max limits.
func (c *Client) uploadTimeout(size int64) time.Duration {
	timeout := c.cfg.UploadTimeoutBase
	if c.cfg.UploadTimeoutPerMB > 0 {
		timeout += time.Duration(size>>20) * c.cfg.UploadTimeoutPerMB
	}
	if timeout > c.cfg.UploadTimeoutMax {
		timeout = c.cfg.UploadTimeoutMax
	}
	return timeout
}

func (c *Client) networkErrorMessage(size int64) string {
	if size >= c.cfg.LargeUploadBytes {
		return fmt.Sprintf("network error uploading large recording (%.1f MB); the connection may have dropped mid-transfer", float64(size)/(1<<20))
	}
	return "network error uploading recording"
}
