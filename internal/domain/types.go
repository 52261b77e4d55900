package domain

import "time"

// SessionState models the recording session lifecycle.
type SessionState string

const (
	SessionStateIdle         SessionState = "idle"
	SessionStateConnecting   SessionState = "connecting"
	SessionStateRecording    SessionState = "recording"
	SessionStatePaused       SessionState = "paused"
	SessionStateStopping     SessionState = "stopping"
	SessionStateUploading    SessionState = "uploading"
	SessionStateTranscribing SessionState = "transcribing"
	SessionStateGenerating   SessionState = "generating"
	SessionStateComplete     SessionState = "complete"
	SessionStateCancelled    SessionState = "cancelled"
	SessionStateError        SessionState = "error"
)

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	switch s {
	case SessionStateComplete, SessionStateCancelled, SessionStateError:
		return true
	default:
		return false
	}
}

// Capturing reports whether the device and socket are held open.
func (s SessionState) Capturing() bool {
	return s == SessionStateRecording || s == SessionStatePaused
}

// PostStop reports whether the session is running the post-stop pipeline.
func (s SessionState) PostStop() bool {
	switch s {
	case SessionStateStopping, SessionStateUploading, SessionStateTranscribing, SessionStateGenerating:
		return true
	default:
		return false
	}
}

// StatusText is the progressive status line shown for a state.
func (s SessionState) StatusText() string {
	switch s {
	case SessionStateIdle:
		return "Ready"
	case SessionStateConnecting:
		return "Connecting to live transcription..."
	case SessionStateRecording:
		return "Recording..."
	case SessionStatePaused:
		return "Paused"
	case SessionStateStopping:
		return "Finalizing recording..."
	case SessionStateUploading:
		return "Uploading..."
	case SessionStateTranscribing:
		return "Processing audio transcription..."
	case SessionStateGenerating:
		return "Generating clinical notes..."
	case SessionStateComplete:
		return "Complete"
	case SessionStateCancelled:
		return "Recording discarded"
	case SessionStateError:
		return "Recording failed"
	default:
		return string(s)
	}
}

// Encounter identifies who a recording belongs to.
type Encounter struct {
	PatientID     string `json:"patientId"`
	AppointmentID string `json:"appointmentId,omitempty"`
}

// TranscriptSegment is one diarized piece of transcript. Start and End are
// seconds from the beginning of the recording.
type TranscriptSegment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
	Text    string  `json:"text"`
}

// StreamEventKind identifies a message received from the live transcription socket.
type StreamEventKind string

const (
	StreamEventConnected  StreamEventKind = "connected"
	StreamEventProcessing StreamEventKind = "processing"
	StreamEventPartial    StreamEventKind = "partial"
	StreamEventComplete   StreamEventKind = "complete"
	StreamEventError      StreamEventKind = "error"
	StreamEventClosed     StreamEventKind = "closed"
)

// StreamEvent is a decoded live transcription message.
type StreamEvent struct {
	Kind     StreamEventKind
	Text     string
	Speaker  string
	Message  string
	Segments []TranscriptSegment
	Err      error
}

// AudioBlob is the full recording handed to the upload stage.
type AudioBlob struct {
	Data     []byte
	MIMEType string
	// PCMBytes counts captured sample bytes, excluding any container header.
	PCMBytes int64
	Duration time.Duration
}

// Empty reports whether no samples were captured.
func (b AudioBlob) Empty() bool {
	return b.PCMBytes == 0 || len(b.Data) == 0
}

// ScribeJob correlates an uploaded recording with its async transcription.
// JobName is assigned by the upload endpoint and never changes afterwards.
type ScribeJob struct {
	JobName       string `json:"jobName"`
	MediaID       string `json:"mediaId"`
	PatientID     string `json:"patientId"`
	AppointmentID string `json:"appointmentId,omitempty"`
}

// AsyncTranscript is the authoritative transcript of an uploaded recording.
type AsyncTranscript struct {
	Text     string              `json:"transcript"`
	Segments []TranscriptSegment `json:"segments,omitempty"`
}

// NoteRequest is the payload sent to note generation and synthesis.
type NoteRequest struct {
	PatientID      string `json:"patient_id"`
	JobName        string `json:"job_name"`
	TranscriptText string `json:"transcript_text"`
	AppointmentID  string `json:"appointment_id,omitempty"`
}

// ScribeNote is a generated note as returned by the notes listing.
type ScribeNote struct {
	ID        string    `json:"id"`
	PatientID string    `json:"patient_id"`
	JobName   string    `json:"job_name"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskResult is the outcome of a best-effort task that runs after the
// primary pipeline result is known.
// Pending is set when the task was still running as the result was reported.
type TaskResult struct {
	Name    string `json:"name"`
	Error   string `json:"error,omitempty"`
	Pending bool   `json:"pending,omitempty"`
}

// PipelineResult is the outcome of the post-stop pipeline. Errors only grow.
type PipelineResult struct {
	Job                  *ScribeJob   `json:"job,omitempty"`
	Transcript           string       `json:"transcript,omitempty"`
	ScribeNotesGenerated bool         `json:"scribeNotesGenerated"`
	Errors               []ErrorKind  `json:"errors,omitempty"`
	Messages             []string     `json:"messages,omitempty"`
	Background           []TaskResult `json:"background,omitempty"`
	Notes                []ScribeNote `json:"notes,omitempty"`
}

// AddError records a failure without discarding earlier ones.
func (r *PipelineResult) AddError(kind ErrorKind, message string) {
	r.Errors = append(r.Errors, kind)
	if message != "" {
		r.Messages = append(r.Messages, message)
	}
}

// HasError reports whether kind was recorded.
func (r PipelineResult) HasError(kind ErrorKind) bool {
	for _, k := range r.Errors {
		if k == kind {
			return true
		}
	}
	return false
}

// Status summarizes a recording session for display.
type Status struct {
	SessionID      string              `json:"sessionId"`
	State          SessionState        `json:"state"`
	StatusText     string              `json:"statusText"`
	ElapsedSeconds int                 `json:"elapsedSeconds"`
	LiveTranscript string              `json:"liveTranscript,omitempty"`
	Segments       []TranscriptSegment `json:"segments,omitempty"`
	LastError      string              `json:"lastError,omitempty"`
}
