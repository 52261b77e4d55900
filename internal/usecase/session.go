package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"scribe/internal/domain"
	"scribe/internal/ports"
)

var (
	ErrInvalidTransition  = errors.New("operation not allowed in current session state")
	ErrPipelineInProgress = errors.New("recording already submitted for processing")
	ErrSessionCancelled   = errors.New("recording session cancelled")
	ErrNotStarted         = errors.New("recording session not started")
)

// RecordingSession is one recording attempt for one encounter. All state is
// owned by a single goroutine; public methods send it commands.
type RecordingSession struct {
	id        string
	encounter domain.Encounter
	cfg       Config
	deps      Dependencies
	sink      ports.EventSink
	logger    *slog.Logger
	keepalive *KeepaliveScheduler
	newTicker tickerFactory

	commands chan command
	pipeline chan any
	done     chan struct{}
	started  atomic.Bool

	// Loop-owned state.
	state        domain.SessionState
	elapsed      int
	live         liveTranscript
	result       domain.PipelineResult
	audio        ports.AudioSession
	stream       ports.StreamingSession
	audioChunks  <-chan []byte
	streamEvents <-chan domain.StreamEvent
	streamAlive  bool
	audioClosed  bool
	streamClosed bool
	ticker       ticker
	connectTimer *time.Timer
	pendingStart chan error
	pipelineCtx  context.Context
	chunkCount   int

	mu     sync.RWMutex
	status domain.Status
	final  error
}

func NewRecordingSession(deps Dependencies, cfg Config, encounter domain.Encounter, sink ports.EventSink) *RecordingSession {
	if sink == nil {
		sink = nopSink{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	logger = logger.With("component", "session", "session_id", id)
	cfg = cfg.withDefaults()

	s := &RecordingSession{
		id:        id,
		encounter: encounter,
		cfg:       cfg,
		deps:      deps,
		sink:      sink,
		logger:    logger,
		keepalive: NewKeepaliveScheduler(cfg.KeepaliveInterval, logger),
		newTicker: newRealTicker,
		commands:  make(chan command),
		pipeline:  make(chan any, 4),
		done:      make(chan struct{}),
		state:     domain.SessionStateIdle,
	}
	s.status = domain.Status{
		SessionID:  id,
		State:      domain.SessionStateIdle,
		StatusText: domain.SessionStateIdle.StatusText(),
	}
	return s
}

func (s *RecordingSession) ID() string { return s.id }

// Start connects live transcription, opens the microphone and blocks until
// recording begins or the attempt fails.
func (s *RecordingSession) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrInvalidTransition
	}
	go s.run()
	return s.send(ctx, cmdStart)
}

func (s *RecordingSession) Pause() error  { return s.send(context.Background(), cmdPause) }
func (s *RecordingSession) Resume() error { return s.send(context.Background(), cmdResume) }

// Stop finalizes capture and hands the recording to the post-stop pipeline.
// It returns once capture is flushed; use Wait for the outcome.
func (s *RecordingSession) Stop() error { return s.send(context.Background(), cmdStop) }

// Cancel discards the recording. It is refused once the pipeline has begun.
func (s *RecordingSession) Cancel() error { return s.send(context.Background(), cmdCancel) }

// Dispose releases a live session. A session already in the pipeline keeps
// running to completion.
func (s *RecordingSession) Dispose() {
	if !s.started.CompareAndSwap(false, true) {
		_ = s.Cancel()
		return
	}
	s.mu.Lock()
	s.final = ErrSessionCancelled
	s.status.State = domain.SessionStateCancelled
	s.status.StatusText = domain.SessionStateCancelled.StatusText()
	s.mu.Unlock()
	close(s.done)
}

// Wait blocks until the session reaches a terminal state.
func (s *RecordingSession) Wait(ctx context.Context) (domain.PipelineResult, error) {
	if !s.started.Load() {
		return domain.PipelineResult{}, ErrNotStarted
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		return domain.PipelineResult{}, ctx.Err()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result, s.final
}

// Done is closed once the session reaches a terminal state.
func (s *RecordingSession) Done() <-chan struct{} { return s.done }

// Status returns a snapshot for display.
func (s *RecordingSession) Status() domain.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.status
	st.Segments = append([]domain.TranscriptSegment(nil), s.status.Segments...)
	return st
}

func (s *RecordingSession) send(ctx context.Context, kind commandKind) error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	cmd := command{kind: kind, ctx: ctx, reply: make(chan error, 1)}
	select {
	case s.commands <- cmd:
	case <-s.done:
		return ErrInvalidTransition
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-s.done:
		select {
		case err := <-cmd.reply:
			return err
		default:
			return s.terminalErr()
		}
	}
}

func (s *RecordingSession) terminalErr() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.final != nil {
		return s.final
	}
	return ErrInvalidTransition
}

func (s *RecordingSession) run() {
	defer close(s.done)
	defer s.release()

	for {
		var msg any
		select {
		case cmd := <-s.commands:
			msg = cmd
		case ev, ok := <-s.streamEvents:
			msg = streamMsg{event: ev, ok: ok}
		case chunk, ok := <-s.audioChunks:
			msg = chunkMsg{data: chunk, ok: ok}
		case <-tickerChan(s.ticker):
			msg = tickMsg{}
		case <-timerChan(s.connectTimer):
			msg = connectTimeoutMsg{}
		case m := <-s.pipeline:
			msg = m
		}

		s.transition(msg)
		if s.state.Terminal() {
			return
		}
	}
}

// transition applies one event to the session. It is only called from run.
func (s *RecordingSession) transition(msg any) {
	switch m := msg.(type) {
	case command:
		if m.kind == cmdStart && s.state == domain.SessionStateIdle {
			s.begin(m)
			return
		}
		m.reply <- s.handleCommand(m)
	case streamMsg:
		s.handleStream(m)
	case chunkMsg:
		s.handleChunk(m)
	case tickMsg:
		s.handleTick()
	case connectTimeoutMsg:
		if s.state == domain.SessionStateConnecting {
			s.connectTimer = nil
			s.fail(domain.NewError(domain.ErrorKindSocketConnectTimeout, "live transcription did not confirm the connection in time", nil))
		}
	case pipelineStageMsg:
		if s.state.PostStop() {
			s.setState(m.state)
		}
	case pipelineDoneMsg:
		s.finishPipeline(m)
	}
}

func (s *RecordingSession) handleCommand(cmd command) error {
	s.logger.Debug("command received", "command", cmd.kind.String(), "state", s.state)

	switch cmd.kind {
	case cmdPause:
		if s.state != domain.SessionStateRecording {
			return ErrInvalidTransition
		}
		if err := s.audio.Pause(); err != nil {
			return domain.NewError(domain.ErrorKindDeviceUnavailable, "pause capture", err)
		}
		s.stopTicker()
		if s.streamAlive {
			s.keepalive.Start(s.stream.SendKeepalive)
		}
		s.setState(domain.SessionStatePaused)
		return nil

	case cmdResume:
		if s.state != domain.SessionStatePaused {
			return ErrInvalidTransition
		}
		if err := s.audio.Resume(); err != nil {
			return domain.NewError(domain.ErrorKindDeviceUnavailable, "resume capture", err)
		}
		s.keepalive.Stop()
		s.ticker = s.newTicker(s.cfg.TickInterval)
		s.setState(domain.SessionStateRecording)
		return nil

	case cmdStop:
		if !s.state.Capturing() {
			if s.state.PostStop() {
				return ErrPipelineInProgress
			}
			return ErrInvalidTransition
		}
		s.beginStop("requested")
		return nil

	case cmdCancel:
		if s.state.PostStop() {
			return ErrPipelineInProgress
		}
		if !s.state.Capturing() {
			return ErrInvalidTransition
		}
		s.logger.Info("recording cancelled", "elapsed_seconds", s.elapsed)
		s.stopTicker()
		s.keepalive.Stop()
		s.releaseAudio()
		s.closeStream()
		s.finish(domain.SessionStateCancelled, ErrSessionCancelled)
		return nil
	}
	return ErrInvalidTransition
}

// begin opens the socket and the device. The start reply is held until the
// server confirms the connection or the attempt fails. Dialing, opening the
// device and the server confirmation share one ConnectTimeout deadline.
func (s *RecordingSession) begin(cmd command) {
	ctx := cmd.ctx
	s.pendingStart = cmd.reply
	s.pipelineCtx = context.WithoutCancel(ctx)
	s.setState(domain.SessionStateConnecting)

	deadline := time.Now().Add(s.cfg.ConnectTimeout)
	connectCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	streamCfg := s.cfg.Streaming
	streamCfg.SessionID = s.id
	streamCfg.PatientID = s.encounter.PatientID

	stream, err := s.deps.Provider.Connect(connectCtx, streamCfg)
	if err != nil {
		if domain.KindOf(err) != domain.ErrorKindSocketConnectTimeout {
			if errors.Is(connectCtx.Err(), context.DeadlineExceeded) {
				err = domain.NewError(domain.ErrorKindSocketConnectTimeout, "timed out connecting to live transcription", err)
			} else {
				err = ensureKind(err, domain.ErrorKindSocketError, "connect live transcription")
			}
		}
		s.fail(err)
		return
	}
	s.stream = stream
	s.streamEvents = stream.Events()
	s.streamAlive = true

	audio, err := s.deps.Capture.Open(connectCtx, s.cfg.Audio)
	if err != nil {
		if errors.Is(connectCtx.Err(), context.DeadlineExceeded) {
			err = domain.NewError(domain.ErrorKindSocketConnectTimeout, "connection was not ready in time", err)
		} else {
			err = ensureKind(err, domain.ErrorKindDeviceUnavailable, "open microphone")
		}
		s.fail(err)
		return
	}
	s.audio = audio

	remaining := time.Until(deadline)
	if remaining <= 0 {
		s.fail(domain.NewError(domain.ErrorKindSocketConnectTimeout, "live transcription did not confirm the connection in time", nil))
		return
	}
	s.connectTimer = time.NewTimer(remaining)
}

func (s *RecordingSession) handleStream(m streamMsg) {
	ev := m.event
	if !m.ok {
		s.streamEvents = nil
		ev = domain.StreamEvent{Kind: domain.StreamEventClosed}
	}

	switch ev.Kind {
	case domain.StreamEventConnected:
		if s.state == domain.SessionStateConnecting {
			s.startRecording()
		}

	case domain.StreamEventProcessing:
		s.logger.Debug("live transcription processing")

	case domain.StreamEventPartial:
		if s.state != domain.SessionStateRecording {
			return
		}
		if s.live.Merge(ev.Speaker, ev.Text) {
			text := s.live.Text()
			s.updateStatus(func(st *domain.Status) { st.LiveTranscript = text })
			s.sink.LiveTranscript(text)
		}

	case domain.StreamEventComplete:
		if s.state != domain.SessionStateRecording {
			return
		}
		s.setSegments(ev.Segments)

	case domain.StreamEventError, domain.StreamEventClosed:
		s.streamLost(ev)
	}
}

func (s *RecordingSession) startRecording() {
	s.stopConnectTimer()
	if err := s.audio.Start(s.cfg.ChunkInterval); err != nil {
		s.fail(ensureKind(err, domain.ErrorKindDeviceUnavailable, "start microphone"))
		return
	}
	s.audioChunks = s.audio.Chunks()
	s.ticker = s.newTicker(s.cfg.TickInterval)
	s.setState(domain.SessionStateRecording)
	s.logger.Info("recording started", "patient_id", s.encounter.PatientID)
	if s.pendingStart != nil {
		s.pendingStart <- nil
		s.pendingStart = nil
	}
}

// streamLost handles a socket error or closure. Before recording it fails
// the attempt; during capture recording continues without live text; after
// stop it is ignored.
func (s *RecordingSession) streamLost(ev domain.StreamEvent) {
	err := streamEventErr(ev)
	switch {
	case s.state == domain.SessionStateConnecting:
		s.fail(err)
	case s.state.Capturing() && s.streamAlive:
		s.logger.Warn("live transcription lost, continuing capture", "error", err)
		s.streamAlive = false
		s.keepalive.Stop()
		s.closeStream()
		s.recordError(err)
	}
}

func (s *RecordingSession) handleChunk(m chunkMsg) {
	if !m.ok {
		s.audioChunks = nil
		if s.state.Capturing() {
			err := domain.NewError(domain.ErrorKindDeviceUnavailable, "microphone capture ended unexpectedly", nil)
			s.logger.Warn("capture ended during recording, finalizing", "error", err)
			s.recordError(err)
			s.beginStop("device lost")
		}
		return
	}
	if len(m.data) == 0 {
		return
	}
	s.chunkCount++
	if s.state == domain.SessionStateRecording {
		s.forward(m.data)
	}
}

func (s *RecordingSession) forward(chunk []byte) {
	if !s.streamAlive {
		return
	}
	if err := s.stream.SendAudio(chunk); err != nil {
		s.streamLost(domain.StreamEvent{
			Kind: domain.StreamEventError,
			Err:  domain.NewError(domain.ErrorKindSocketError, "stream audio", err),
		})
	}
}

func (s *RecordingSession) handleTick() {
	if s.state != domain.SessionStateRecording {
		return
	}
	s.elapsed++
	elapsed := s.elapsed
	s.updateStatus(func(st *domain.Status) { st.ElapsedSeconds = elapsed })
	s.sink.ElapsedChanged(elapsed)

	if elapsed >= s.cfg.MaxDuration {
		s.logger.Info("maximum recording duration reached", "elapsed_seconds", elapsed)
		s.beginStop("max duration")
	}
}

// beginStop finalizes capture and live transcription, then starts the
// pipeline on its own goroutine.
func (s *RecordingSession) beginStop(reason string) {
	s.logger.Info("stopping recording", "reason", reason, "elapsed_seconds", s.elapsed)
	s.stopTicker()
	s.keepalive.Stop()
	s.setState(domain.SessionStateStopping)

	capture := drainCapture(s.audio, func(chunk []byte) {
		s.forward(chunk)
	})
	s.audioChunks = nil
	s.chunkCount += capture.chunks
	if capture.err != nil {
		s.logger.Warn("capture stop reported an error", "error", capture.err)
	}

	if s.streamAlive {
		if err := s.stream.SendComplete(); err != nil {
			s.logger.Warn("sending complete frame failed", "error", err)
		} else if segments, ok := awaitFinalSegments(s.stream, s.cfg.FinalizeGrace); ok {
			s.setSegments(segments)
		}
	}
	s.streamAlive = false
	s.closeStream()
	s.releaseAudio()

	blob := capture.blob
	if s.chunkCount == 0 || blob.Empty() {
		s.result = domain.PipelineResult{}
		if s.chunkCount > 0 && capture.err != nil {
			err := ensureKind(capture.err, domain.ErrorKindDeviceUnavailable, "finalize recording")
			s.logger.Error("captured audio could not be finalized", "chunks", s.chunkCount, "error", err)
			s.recordError(err)
			s.result.AddError(domain.KindOf(err), fmt.Sprintf("Audio was captured but could not be saved: %v", err))
		} else {
			s.logger.Warn("no audio captured", "chunks", s.chunkCount, "pcm_bytes", blob.PCMBytes)
			s.result.AddError(domain.ErrorKindNoAudioCaptured, "No audio was captured, so nothing was uploaded.")
		}
		s.finish(domain.SessionStateComplete, nil)
		return
	}

	duration := blob.Duration
	if duration <= 0 {
		duration = time.Duration(s.elapsed) * time.Second
	}
	s.setState(domain.SessionStateUploading)
	go s.runPipeline(s.pipelineCtx, blob, duration)
}

func (s *RecordingSession) runPipeline(ctx context.Context, blob domain.AudioBlob, duration time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("pipeline panicked", "panic", r)
			s.pipeline <- pipelineDoneMsg{err: domain.NewError(domain.ErrorKindInternal, fmt.Sprintf("pipeline panic: %v", r), nil)}
		}
	}()

	job, err := s.deps.Uploader.Upload(ctx, blob, s.encounter.PatientID, duration)
	if err != nil {
		s.logger.Warn("upload failed", "error", err, "bytes", len(blob.Data))
		var result domain.PipelineResult
		result.AddError(domain.KindOf(err), err.Error())
		s.pipeline <- pipelineDoneMsg{result: result}
		return
	}
	if job.PatientID == "" {
		job.PatientID = s.encounter.PatientID
	}
	if job.AppointmentID == "" {
		job.AppointmentID = s.encounter.AppointmentID
	}

	result := s.deps.Orchestrator.Run(ctx, job, func(state domain.SessionState) {
		s.pipeline <- pipelineStageMsg{state: state}
	})
	s.pipeline <- pipelineDoneMsg{result: result}
}

func (s *RecordingSession) finishPipeline(m pipelineDoneMsg) {
	if m.err != nil {
		s.fail(m.err)
		return
	}
	s.result = m.result
	s.finish(domain.SessionStateComplete, nil)
}

// fail ends the session in the error state and answers a pending start.
func (s *RecordingSession) fail(err error) {
	s.logger.Error("recording session failed", "kind", domain.KindOf(err), "error", err)
	s.stopConnectTimer()
	s.stopTicker()
	s.keepalive.Stop()
	s.releaseAudio()
	s.closeStream()
	s.recordError(err)
	if s.pendingStart != nil {
		s.pendingStart <- err
		s.pendingStart = nil
	}
	s.finish(domain.SessionStateError, err)
}

func (s *RecordingSession) finish(state domain.SessionState, final error) {
	s.mu.Lock()
	s.final = final
	s.mu.Unlock()
	s.setState(state)
	if state == domain.SessionStateComplete {
		s.logger.Info("recording session complete",
			"notes_generated", s.result.ScribeNotesGenerated, "errors", len(s.result.Errors))
		s.sink.PipelineFinished(s.result)
	}
}

func (s *RecordingSession) recordError(err error) {
	msg := err.Error()
	s.updateStatus(func(st *domain.Status) { st.LastError = msg })
	s.sink.SessionError(domain.KindOf(err), msg)
}

func (s *RecordingSession) setState(state domain.SessionState) {
	if s.state == state {
		return
	}
	s.logger.Debug("state changed", "from", s.state, "to", state)
	s.state = state
	s.updateStatus(func(st *domain.Status) {
		st.State = state
		st.StatusText = state.StatusText()
	})
	s.sink.SessionStateChanged(state, state.StatusText())
}

func (s *RecordingSession) setSegments(segments []domain.TranscriptSegment) {
	copied := append([]domain.TranscriptSegment(nil), segments...)
	s.updateStatus(func(st *domain.Status) { st.Segments = copied })
}

func (s *RecordingSession) updateStatus(fn func(*domain.Status)) {
	s.mu.Lock()
	fn(&s.status)
	s.mu.Unlock()
}

func (s *RecordingSession) stopTicker() {
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
}

func (s *RecordingSession) stopConnectTimer() {
	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
}

func (s *RecordingSession) releaseAudio() {
	if s.audio == nil || s.audioClosed {
		return
	}
	s.audioClosed = true
	s.audioChunks = nil
	if err := s.audio.Close(); err != nil {
		s.logger.Warn("closing microphone failed", "error", err)
	}
}

func (s *RecordingSession) closeStream() {
	if s.stream == nil || s.streamClosed {
		return
	}
	s.streamClosed = true
	s.streamAlive = false
	s.streamEvents = nil
	if err := s.stream.Close(); err != nil {
		s.logger.Debug("closing live transcription failed", "error", err)
	}
}

func (s *RecordingSession) release() {
	s.stopConnectTimer()
	s.stopTicker()
	s.keepalive.Stop()
	s.releaseAudio()
	s.closeStream()
	if s.pendingStart != nil {
		s.pendingStart <- ErrInvalidTransition
		s.pendingStart = nil
	}
}

func streamEventErr(ev domain.StreamEvent) error {
	if ev.Err != nil {
		return ensureKind(ev.Err, domain.ErrorKindSocketError, "live transcription")
	}
	msg := ev.Message
	if msg == "" {
		msg = "live transcription connection closed"
	}
	return domain.NewError(domain.ErrorKindSocketError, msg, nil)
}

func ensureKind(err error, kind domain.ErrorKind, message string) error {
	var classified *domain.Error
	if errors.As(err, &classified) {
		return err
	}
	return domain.NewError(kind, message, err)
}
