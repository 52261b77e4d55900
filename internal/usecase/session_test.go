package usecase

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"scribe/internal/domain"
)

func TestSessionRecordStopGeneratesNotes(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	h.audio.tail = [][]byte{[]byte("tail")}
	h.backend.notes = []domain.ScribeNote{{ID: "n1", PatientID: "patient-1", JobName: "job-1"}}
	h.start(t)

	for i := 1; i <= 5; i++ {
		h.pushEvent(t, domain.StreamEvent{Kind: domain.StreamEventPartial, Speaker: "A", Text: "draft " + string(rune('0'+i))})
	}
	h.pushEvent(t, domain.StreamEvent{Kind: domain.StreamEventPartial, Speaker: "B", Text: "hello doctor"})
	h.pushChunk(t, []byte("one"))
	h.pushChunk(t, []byte("two"))
	h.tick(t, 2)

	wantLive := "A: draft 5\nB: hello doctor"
	waitFor(t, "live transcript", func() bool { return h.sink.lastLive() == wantLive })
	waitFor(t, "elapsed", func() bool { return h.sink.lastElapsed() == 2 })

	if err := h.session.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	result, err := h.wait(t)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}

	if !result.ScribeNotesGenerated {
		t.Fatalf("expected notes to be generated, result=%+v", result)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("expected no errors, got %v", result.Errors)
	}
	if result.Transcript != "patient reports BP is fine" {
		t.Fatalf("expected normalized transcript, got %q", result.Transcript)
	}
	if result.Job == nil || result.Job.JobName != "job-1" || result.Job.AppointmentID != "appt-9" {
		t.Fatalf("unexpected job: %+v", result.Job)
	}
	if len(result.Notes) != 1 || result.Notes[0].ID != "n1" {
		t.Fatalf("expected refreshed notes, got %+v", result.Notes)
	}
	if len(result.Background) != 2 {
		t.Fatalf("expected synthesis and refresh results, got %+v", result.Background)
	}

	status := h.session.Status()
	if status.State != domain.SessionStateComplete || status.LiveTranscript != wantLive || status.ElapsedSeconds != 2 {
		t.Fatalf("unexpected status: %+v", status)
	}

	if got := h.stream.sentCount(); got != 3 {
		t.Fatalf("expected 3 forwarded chunks including the final flush, got %d", got)
	}
	_, completes, closes := h.stream.snapshot()
	if completes != 1 || closes != 1 {
		t.Fatalf("expected one complete frame and one close, got complete=%d close=%d", completes, closes)
	}
	stops, audioCloses := h.audio.counts()
	if stops != 1 || audioCloses != 1 {
		t.Fatalf("expected one stop and one close, got stop=%d close=%d", stops, audioCloses)
	}
	if h.uploader.patientID != "patient-1" {
		t.Fatalf("expected patient id on upload, got %q", h.uploader.patientID)
	}

	want := []domain.SessionState{
		domain.SessionStateConnecting,
		domain.SessionStateRecording,
		domain.SessionStateStopping,
		domain.SessionStateUploading,
		domain.SessionStateTranscribing,
		domain.SessionStateGenerating,
		domain.SessionStateComplete,
	}
	if got := h.sink.snapshotStates(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected state sequence: %v", got)
	}
	if h.sink.resultCount() != 1 {
		t.Fatalf("expected one pipeline result event")
	}
	if h.store.stageStatus(StageGenerate) != StatusOK {
		t.Fatalf("expected generate stage recorded")
	}

	cfgs := h.provider.cfgs
	if len(cfgs) != 1 || cfgs[0].SessionID != h.session.ID() || cfgs[0].PatientID != "patient-1" {
		t.Fatalf("unexpected streaming config: %+v", cfgs)
	}
}

func TestSessionCancelWhilePausedReleasesOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	h.start(t)
	h.pushChunk(t, []byte("one"))

	if err := h.session.Pause(); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if err := h.session.Cancel(); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	_, err := h.wait(t)
	if !errors.Is(err, ErrSessionCancelled) {
		t.Fatalf("expected ErrSessionCancelled, got %v", err)
	}
	if h.session.Status().State != domain.SessionStateCancelled {
		t.Fatalf("expected cancelled state, got %s", h.session.Status().State)
	}
	if h.uploader.callCount() != 0 || h.backend.calls() != (backendCalls{}) {
		t.Fatalf("expected no backend calls after cancel")
	}
	stops, closes := h.audio.counts()
	if stops != 0 || closes != 1 {
		t.Fatalf("expected microphone released once without stop, got stop=%d close=%d", stops, closes)
	}
	_, completes, streamCloses := h.stream.snapshot()
	if completes != 0 || streamCloses != 1 {
		t.Fatalf("expected socket closed once without complete, got complete=%d close=%d", completes, streamCloses)
	}
	if h.session.keepalive.Running() {
		t.Fatalf("expected keepalive stopped")
	}
	if err := h.session.Resume(); err == nil {
		t.Fatalf("expected resume after cancel to fail")
	}
}

func TestSessionPauseResumePreservesState(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	h.start(t)
	h.pushEvent(t, domain.StreamEvent{Kind: domain.StreamEventPartial, Speaker: "A", Text: "before pause"})
	h.tick(t, 2)
	waitFor(t, "elapsed", func() bool { return h.sink.lastElapsed() == 2 })

	if err := h.session.Pause(); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if h.clock.Tick() {
		t.Fatalf("expected no elapsed ticks while paused")
	}
	if !h.keepaliveClock.Tick() {
		t.Fatalf("expected keepalive ticker while paused")
	}
	waitFor(t, "keepalive", func() bool {
		keepalives, _, _ := h.stream.snapshot()
		return keepalives == 1
	})

	h.pushEvent(t, domain.StreamEvent{Kind: domain.StreamEventPartial, Speaker: "A", Text: "while paused"})
	h.pushChunk(t, []byte("paused"))

	if err := h.session.Resume(); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if h.session.keepalive.Running() {
		t.Fatalf("expected keepalive stopped after resume")
	}
	if got := h.session.Status().LiveTranscript; got != "A: before pause" {
		t.Fatalf("expected transcript preserved across pause, got %q", got)
	}
	if got := h.stream.sentCount(); got != 0 {
		t.Fatalf("expected paused chunk not forwarded, got %d", got)
	}

	h.tick(t, 1)
	waitFor(t, "elapsed after resume", func() bool { return h.sink.lastElapsed() == 3 })

	if err := h.session.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if _, err := h.wait(t); err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if h.audio.pauseCalls != 1 || h.audio.resumeCalls != 1 {
		t.Fatalf("expected one pause and one resume, got %d/%d", h.audio.pauseCalls, h.audio.resumeCalls)
	}
}

func TestSessionAutoStopsAtMaxDurationOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{MaxDuration: 3})
	h.start(t)
	h.pushChunk(t, []byte("one"))
	h.tick(t, 3)

	result, err := h.wait(t)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if !result.ScribeNotesGenerated {
		t.Fatalf("expected notes after auto stop")
	}
	if h.clock.Tick() {
		t.Fatalf("expected ticker stopped after auto stop")
	}
	if err := h.session.Stop(); err == nil {
		t.Fatalf("expected stop after auto stop to fail")
	}
	stops, _ := h.audio.counts()
	if stops != 1 || h.uploader.callCount() != 1 {
		t.Fatalf("expected single stop and upload, got stop=%d upload=%d", stops, h.uploader.callCount())
	}
	if n := countState(h.sink.snapshotStates(), domain.SessionStateStopping); n != 1 {
		t.Fatalf("expected one stopping transition, got %d", n)
	}
}

func TestSessionUploadTimeoutCompletesDegraded(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	h.uploader.err = &domain.Error{Kind: domain.ErrorKindUploadTimeout, Message: "upload timed out", Bytes: 3244}
	h.start(t)
	h.pushChunk(t, []byte("one"))

	if err := h.session.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	result, err := h.wait(t)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if !reflect.DeepEqual(result.Errors, []domain.ErrorKind{domain.ErrorKindUploadTimeout}) {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
	if result.ScribeNotesGenerated || result.Job != nil {
		t.Fatalf("expected no job after failed upload, got %+v", result)
	}
	if h.session.Status().State != domain.SessionStateComplete {
		t.Fatalf("expected complete state, got %s", h.session.Status().State)
	}
	if h.backend.calls() != (backendCalls{}) {
		t.Fatalf("expected no backend calls after upload failure")
	}
}

func TestSessionEmptyTranscriptSkipsGeneration(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	h.backend.transcript = domain.AsyncTranscript{}
	h.start(t)
	h.pushChunk(t, []byte("one"))

	if err := h.session.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	result, err := h.wait(t)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if result.ScribeNotesGenerated || len(result.Errors) != 0 {
		t.Fatalf("expected clean result without notes, got %+v", result)
	}
	calls := h.backend.calls()
	if calls.generate != 0 || calls.synth != 0 || calls.refresh != 0 {
		t.Fatalf("expected no generation work, got %+v", calls)
	}
	if h.store.stageStatus(StageTranscribe) != StatusEmpty {
		t.Fatalf("expected empty transcribe stage")
	}
}

func TestSessionGenerationFailureStillSynthesizes(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	h.backend.generateErr = errors.New("generator offline")
	h.start(t)
	h.pushChunk(t, []byte("one"))

	if err := h.session.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	result, err := h.wait(t)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if !reflect.DeepEqual(result.Errors, []domain.ErrorKind{domain.ErrorKindNoteGenerationFailed}) {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
	calls := h.backend.calls()
	if calls.synth != 1 || calls.refresh != 0 {
		t.Fatalf("expected synthesis without refresh, got %+v", calls)
	}
}

func TestSessionHungSynthesisStillCompletes(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	h.backend.synthHang = true
	h.orchestratorCfg = OrchestratorConfig{FollowUpWait: 50 * time.Millisecond, SynthesisTimeout: 500 * time.Millisecond}
	h.build(Config{})
	h.start(t)
	h.pushChunk(t, []byte("one"))

	if err := h.session.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	result, err := h.wait(t)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if !result.ScribeNotesGenerated || h.session.Status().State != domain.SessionStateComplete {
		t.Fatalf("expected completed session with notes, got %+v in %s", result, h.session.Status().State)
	}
}

func TestSessionStopWithoutAudio(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	h.audio.blob = domain.AudioBlob{}
	h.start(t)

	if err := h.session.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	result, err := h.wait(t)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if !reflect.DeepEqual(result.Errors, []domain.ErrorKind{domain.ErrorKindNoAudioCaptured}) {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
	if h.uploader.callCount() != 0 {
		t.Fatalf("expected no upload without audio")
	}
}

func TestSessionReportsUnsavedAudio(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	h.audio.blob = domain.AudioBlob{}
	h.audio.stopErr = errors.New("create wav buffer: no space left on device")
	h.start(t)
	h.pushChunk(t, []byte("one"))

	if err := h.session.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	result, err := h.wait(t)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if !reflect.DeepEqual(result.Errors, []domain.ErrorKind{domain.ErrorKindDeviceUnavailable}) {
		t.Fatalf("expected the capture failure, got %v", result.Errors)
	}
	if len(result.Messages) != 1 || !strings.Contains(result.Messages[0], "no space left on device") {
		t.Fatalf("expected the cause in the result, got %v", result.Messages)
	}
	if h.uploader.callCount() != 0 {
		t.Fatalf("expected no upload without a blob")
	}
}

func TestSessionConnectTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{ConnectTimeout: 20 * time.Millisecond})
	h.stream = newFakeStreamingSession(false)
	h.provider.session = h.stream
	h.build(Config{ConnectTimeout: 20 * time.Millisecond})

	err := h.session.Start(context.Background())
	if domain.KindOf(err) != domain.ErrorKindSocketConnectTimeout {
		t.Fatalf("expected connect timeout, got %v", err)
	}
	if _, werr := h.wait(t); werr == nil {
		t.Fatalf("expected wait to report failure")
	}
	if h.session.Status().State != domain.SessionStateError {
		t.Fatalf("expected error state, got %s", h.session.Status().State)
	}
	if h.audio.started {
		t.Fatalf("expected capture not started before connection")
	}
	_, closes := h.audio.counts()
	_, _, streamCloses := h.stream.snapshot()
	if closes != 1 || streamCloses != 1 {
		t.Fatalf("expected resources released once, got audio=%d stream=%d", closes, streamCloses)
	}
}

func TestSessionConnectTimeoutCoversSlowDial(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		delay time.Duration
	}{
		{"dial within timeout", 250 * time.Millisecond},
		{"dial past timeout", 400 * time.Millisecond},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := Config{ConnectTimeout: 300 * time.Millisecond}
			h := newHarness(cfg)
			h.stream = newFakeStreamingSession(false)
			h.provider.session = h.stream
			h.provider.dialDelay = tc.delay
			h.build(cfg)

			start := time.Now()
			err := h.session.Start(context.Background())
			elapsed := time.Since(start)
			if domain.KindOf(err) != domain.ErrorKindSocketConnectTimeout {
				t.Fatalf("expected connect timeout, got %v", err)
			}
			if elapsed > tc.delay+200*time.Millisecond {
				t.Fatalf("start returned after %v, connect timeout is %v", elapsed, cfg.ConnectTimeout)
			}
			if len(h.provider.deadlines) != 1 {
				t.Fatalf("expected the dial to carry the connect deadline")
			}
			_, closes := h.audio.counts()
			_, _, streamCloses := h.stream.snapshot()
			if streamCloses != 1 || closes > 1 {
				t.Fatalf("expected resources released once, got audio=%d stream=%d", closes, streamCloses)
			}
		})
	}
}

func TestSessionSocketErrorBeforeConnected(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	h.stream = newFakeStreamingSession(false)
	h.stream.events <- domain.StreamEvent{Kind: domain.StreamEventError, Message: "invalid token"}
	h.provider.session = h.stream
	h.build(Config{})

	err := h.session.Start(context.Background())
	if domain.KindOf(err) != domain.ErrorKindSocketError {
		t.Fatalf("expected socket error, got %v", err)
	}
	errs := h.sink.snapshotErrors()
	if len(errs) != 1 || errs[0].kind != domain.ErrorKindSocketError {
		t.Fatalf("expected socket error event, got %+v", errs)
	}
	if h.session.Status().LastError == "" {
		t.Fatalf("expected last error in status")
	}
}

func TestSessionSocketLossDuringRecordingKeepsCapturing(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	h.start(t)
	h.pushChunk(t, []byte("one"))
	h.pushEvent(t, domain.StreamEvent{Kind: domain.StreamEventError, Message: "server went away"})
	waitFor(t, "socket error", func() bool { return len(h.sink.snapshotErrors()) == 1 })

	h.pushChunk(t, []byte("two"))
	if h.session.Status().State != domain.SessionStateRecording {
		t.Fatalf("expected recording to continue, got %s", h.session.Status().State)
	}

	if err := h.session.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	result, err := h.wait(t)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if !result.ScribeNotesGenerated {
		t.Fatalf("expected notes despite live failure")
	}
	if got := h.stream.sentCount(); got != 1 {
		t.Fatalf("expected forwarding to stop after socket loss, got %d", got)
	}
	_, completes, closes := h.stream.snapshot()
	if completes != 0 || closes != 1 {
		t.Fatalf("expected closed socket without complete frame, got complete=%d close=%d", completes, closes)
	}
}

func TestSessionRejectedAudioFrameDegradesLiveTranscription(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	h.stream.sendErr = errors.New("live transcription socket is not draining")
	h.start(t)
	h.pushChunk(t, []byte("one"))
	waitFor(t, "socket error", func() bool { return len(h.sink.snapshotErrors()) == 1 })

	if err := h.session.Pause(); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if got := h.session.Status().State; got != domain.SessionStatePaused {
		t.Fatalf("expected paused, got %s", got)
	}
	if err := h.session.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	result, err := h.wait(t)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if !result.ScribeNotesGenerated {
		t.Fatalf("expected the recording to be processed, got %+v", result)
	}
	_, completes, closes := h.stream.snapshot()
	if completes != 0 || closes != 1 {
		t.Fatalf("expected socket closed once without complete, got complete=%d close=%d", completes, closes)
	}
}

func TestSessionCollectsFinalSegmentsOnStop(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{FinalizeGrace: time.Second})
	segments := []domain.TranscriptSegment{{Start: 0, End: 1.5, Speaker: "A", Text: "hello"}}
	h.stream.finalSegments = segments
	h.start(t)
	h.pushChunk(t, []byte("one"))

	if err := h.session.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if _, err := h.wait(t); err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if got := h.session.Status().Segments; !reflect.DeepEqual(got, segments) {
		t.Fatalf("unexpected segments: %+v", got)
	}
}

func TestSessionRejectsInvalidTransitions(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	h.uploader.block = make(chan struct{})

	if err := h.session.Pause(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	if _, err := h.session.Wait(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted from wait, got %v", err)
	}

	h.start(t)
	if err := h.session.Start(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected second start to fail, got %v", err)
	}
	if err := h.session.Resume(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected resume while recording to fail, got %v", err)
	}

	h.pushChunk(t, []byte("one"))
	if err := h.session.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	waitFor(t, "upload started", func() bool { return h.uploader.callCount() == 1 })

	if err := h.session.Cancel(); !errors.Is(err, ErrPipelineInProgress) {
		t.Fatalf("expected ErrPipelineInProgress, got %v", err)
	}
	if err := h.session.Stop(); !errors.Is(err, ErrPipelineInProgress) {
		t.Fatalf("expected ErrPipelineInProgress on second stop, got %v", err)
	}
	if err := h.session.Pause(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected pause during pipeline to fail, got %v", err)
	}

	close(h.uploader.block)
	if _, err := h.wait(t); err != nil {
		t.Fatalf("wait failed: %v", err)
	}
}

func TestSessionDeviceUnavailable(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	h.capture.err = errors.New("no such device")

	err := h.session.Start(context.Background())
	if domain.KindOf(err) != domain.ErrorKindDeviceUnavailable {
		t.Fatalf("expected device unavailable, got %v", err)
	}
	_, _, closes := h.stream.snapshot()
	if closes != 1 {
		t.Fatalf("expected socket closed after device failure, got %d", closes)
	}
}

func TestSessionDeviceLossFinalizesRecording(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	h.start(t)
	h.pushChunk(t, []byte("one"))
	h.audio.closeChunks()

	result, err := h.wait(t)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if !result.ScribeNotesGenerated {
		t.Fatalf("expected captured audio to be processed, got %+v", result)
	}
	errs := h.sink.snapshotErrors()
	if len(errs) == 0 || errs[0].kind != domain.ErrorKindDeviceUnavailable {
		t.Fatalf("expected device error event, got %+v", errs)
	}
}

func TestSessionPipelinePanicEndsInError(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	h.uploader.panic = true
	h.start(t)
	h.pushChunk(t, []byte("one"))

	if err := h.session.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	_, err := h.wait(t)
	if domain.KindOf(err) != domain.ErrorKindInternal {
		t.Fatalf("expected internal error, got %v", err)
	}
	if h.session.Status().State != domain.SessionStateError {
		t.Fatalf("expected error state, got %s", h.session.Status().State)
	}
}

func TestSessionDisposeBeforeStart(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	h.session.Dispose()

	if err := h.session.Start(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected start after dispose to fail, got %v", err)
	}
	if _, err := h.wait(t); !errors.Is(err, ErrSessionCancelled) {
		t.Fatalf("expected ErrSessionCancelled, got %v", err)
	}
	if h.capture.opens != 0 {
		t.Fatalf("expected no device opened")
	}
}
