package usecase

import (
	"context"
	"log/slog"
	"time"

	"scribe/internal/domain"
	"scribe/internal/ports"
)

// Config controls capture, live streaming and timing for one session.
type Config struct {
	Audio             ports.AudioConfig
	Streaming         ports.StreamingConfig
	ChunkInterval     time.Duration
	ConnectTimeout    time.Duration
	TickInterval      time.Duration
	MaxDuration       int
	KeepaliveInterval time.Duration
	FinalizeGrace     time.Duration
}

func (c Config) withDefaults() Config {
	if c.ChunkInterval <= 0 {
		c.ChunkInterval = 250 * time.Millisecond
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = 3600
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 10 * time.Second
	}
	if c.FinalizeGrace < 0 {
		c.FinalizeGrace = 0
	}
	return c
}

// Dependencies are the adapters a session drives.
type Dependencies struct {
	Capture      ports.AudioCapture
	Provider     ports.TranscriptionProvider
	Uploader     ports.Uploader
	Orchestrator *NoteGenerationOrchestrator
	Logger       *slog.Logger
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdPause
	cmdResume
	cmdStop
	cmdCancel
)

func (k commandKind) String() string {
	switch k {
	case cmdStart:
		return "start"
	case cmdPause:
		return "pause"
	case cmdResume:
		return "resume"
	case cmdStop:
		return "stop"
	case cmdCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

type command struct {
	kind  commandKind
	ctx   context.Context
	reply chan error
}

type streamMsg struct {
	event domain.StreamEvent
	ok    bool
}

type chunkMsg struct {
	data []byte
	ok   bool
}

type tickMsg struct{}

type connectTimeoutMsg struct{}

type pipelineStageMsg struct {
	state domain.SessionState
}

type pipelineDoneMsg struct {
	result domain.PipelineResult
	err    error
}

type nopSink struct{}

func (nopSink) SessionStateChanged(domain.SessionState, string) {}
func (nopSink) ElapsedChanged(int)                              {}
func (nopSink) LiveTranscript(string)                           {}
func (nopSink) SessionError(domain.ErrorKind, string)           {}
func (nopSink) PipelineFinished(domain.PipelineResult)          {}
