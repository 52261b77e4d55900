package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies session and pipeline failures.
type ErrorKind string

const (
	ErrorKindDeviceUnavailable     ErrorKind = "device_unavailable"
	ErrorKindSocketConnectTimeout  ErrorKind = "socket_connect_timeout"
	ErrorKindSocketError           ErrorKind = "socket_error"
	ErrorKindUploadTimeout         ErrorKind = "upload_timeout"
	ErrorKindUploadNetworkError    ErrorKind = "upload_network_error"
	ErrorKindUploadRejected        ErrorKind = "upload_rejected"
	ErrorKindJobRegistrationFailed ErrorKind = "job_registration_failed"
	ErrorKindTranscriptionTimeout  ErrorKind = "transcription_timeout"
	ErrorKindTranscriptionFailed   ErrorKind = "transcription_failed"
	ErrorKindTranscriptionEmpty    ErrorKind = "transcription_empty"
	ErrorKindNoteGenerationFailed  ErrorKind = "note_generation_failed"
	ErrorKindSynthesisFailed       ErrorKind = "synthesis_failed"
	ErrorKindRefreshFailed         ErrorKind = "refresh_failed"
	ErrorKindNoAudioCaptured       ErrorKind = "no_audio_captured"
	ErrorKindInternal              ErrorKind = "internal"
)

// Error is a classified failure. Bytes carries the payload size for upload errors.
type Error struct {
	Kind    ErrorKind
	Message string
	Bytes   int64
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error.
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or
// ErrorKindInternal when err is unclassified.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return ErrorKindInternal
}
