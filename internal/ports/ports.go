package ports

import (
	"context"
	"time"

	"scribe/internal/domain"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// AudioSession is an open capture device. Chunks is closed once capture ends,
// after the final chunk has been delivered. Stop and Close are idempotent.
type AudioSession interface {
	Start(chunkInterval time.Duration) error
	Chunks() <-chan []byte
	Pause() error
	Resume() error
	// Stop flushes the final chunk and returns the whole recording.
	Stop() (domain.AudioBlob, error)
	// Close releases the device and discards captured audio.
	Close() error
}

// AudioCapture opens microphone capture sessions.
type AudioCapture interface {
	Open(ctx context.Context, cfg AudioConfig) (AudioSession, error)
}

// StreamingConfig describes a live transcription connection.
type StreamingConfig struct {
	SessionID  string
	PatientID  string
	SampleRate int
	Channels   int
	Encoding   string
}

// StreamingSession is an open live transcription socket. Events is closed
// once the socket is gone. Close is idempotent.
type StreamingSession interface {
	SendAudio(chunk []byte) error
	SendKeepalive() error
	SendComplete() error
	Events() <-chan domain.StreamEvent
	Close() error
}

// TranscriptionProvider opens live transcription sockets.
type TranscriptionProvider interface {
	Connect(ctx context.Context, cfg StreamingConfig) (StreamingSession, error)
}

// Uploader sends a finished recording to the backend and returns the job it created.
type Uploader interface {
	Upload(ctx context.Context, blob domain.AudioBlob, patientID string, duration time.Duration) (domain.ScribeJob, error)
}

// JobRegistrar registers an uploaded job for batch bookkeeping.
type JobRegistrar interface {
	RegisterJob(ctx context.Context, job domain.ScribeJob) error
}

// AsyncTranscriber fetches the authoritative transcript for an uploaded job.
type AsyncTranscriber interface {
	Transcribe(ctx context.Context, jobName string) (domain.AsyncTranscript, error)
}

// NoteGenerator produces clinical notes from a transcript.
type NoteGenerator interface {
	GenerateNotes(ctx context.Context, req domain.NoteRequest) error
}

// Synthesizer produces a synthesis from a transcript.
type Synthesizer interface {
	Synthesize(ctx context.Context, req domain.NoteRequest) error
}

// NoteRefresher lists the notes stored for a patient.
type NoteRefresher interface {
	RefreshNotes(ctx context.Context, patientID string) ([]domain.ScribeNote, error)
}

// TokenSource supplies the bearer token attached to every backend call.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TranscriptNormalizer rewrites transcript text using deterministic rules.
type TranscriptNormalizer interface {
	Apply(text string) (string, error)
}

// JobRecord is a ledger row for one scribe job.
type JobRecord struct {
	Job        domain.ScribeJob
	Stage      string
	Status     string
	Detail     string
	Transcript string
	Synthesis  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// JobStore keeps a local ledger of scribe jobs and their stage progress.
type JobStore interface {
	SaveJob(ctx context.Context, job domain.ScribeJob) error
	RecordStage(ctx context.Context, jobName, stage, status, detail string) error
	SaveTranscript(ctx context.Context, jobName, transcript string) error
	SaveSynthesis(ctx context.Context, jobName, synthesis string) error
	GetJob(ctx context.Context, jobName string) (JobRecord, error)
	ListJobs(ctx context.Context, limit int) ([]JobRecord, error)
	Close() error
}

// EventSink receives session updates for display. Calls arrive from a single
// goroutine per session.
type EventSink interface {
	SessionStateChanged(state domain.SessionState, statusText string)
	ElapsedChanged(seconds int)
	LiveTranscript(text string)
	SessionError(kind domain.ErrorKind, detail string)
	PipelineFinished(result domain.PipelineResult)
}
