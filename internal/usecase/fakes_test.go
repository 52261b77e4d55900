package usecase

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"scribe/internal/domain"
	"scribe/internal/ports"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testBlob() domain.AudioBlob {
	return domain.AudioBlob{
		Data:     make([]byte, 44+3200),
		MIMEType: "audio/wav",
		PCMBytes: 3200,
		Duration: 100 * time.Millisecond,
	}
}

type manualTicker struct {
	ch chan time.Time

	mu      sync.Mutex
	stopped bool
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }

func (m *manualTicker) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func (m *manualTicker) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

type manualClock struct {
	mu      sync.Mutex
	tickers []*manualTicker
}

func (c *manualClock) newTicker(time.Duration) ticker {
	t := &manualTicker{ch: make(chan time.Time)}
	c.mu.Lock()
	c.tickers = append(c.tickers, t)
	c.mu.Unlock()
	return t
}

// Tick delivers one tick to the newest running ticker and reports whether it
// was received.
func (c *manualClock) Tick() bool {
	c.mu.Lock()
	var current *manualTicker
	if n := len(c.tickers); n > 0 {
		current = c.tickers[n-1]
	}
	c.mu.Unlock()
	if current == nil || current.isStopped() {
		return false
	}
	select {
	case current.ch <- time.Now():
		return true
	case <-time.After(200 * time.Millisecond):
		return false
	}
}

func (c *manualClock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickers)
}

type fakeAudioSession struct {
	chunks chan []byte
	blob   domain.AudioBlob
	tail   [][]byte

	startErr error
	stopErr  error

	mu          sync.Mutex
	started     bool
	pauseCalls  int
	resumeCalls int
	stopCalls   int
	closeCalls  int
	closeOnce   sync.Once
}

func newFakeAudioSession() *fakeAudioSession {
	return &fakeAudioSession{chunks: make(chan []byte, 64), blob: testBlob()}
}

func (f *fakeAudioSession) Start(time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeAudioSession) Chunks() <-chan []byte { return f.chunks }

func (f *fakeAudioSession) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauseCalls++
	return nil
}

func (f *fakeAudioSession) Resume() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumeCalls++
	return nil
}

func (f *fakeAudioSession) Stop() (domain.AudioBlob, error) {
	f.mu.Lock()
	f.stopCalls++
	tail := f.tail
	f.mu.Unlock()

	for _, chunk := range tail {
		f.chunks <- chunk
	}
	f.closeChunks()
	return f.blob, f.stopErr
}

func (f *fakeAudioSession) Close() error {
	f.mu.Lock()
	f.closeCalls++
	f.mu.Unlock()
	f.closeChunks()
	return nil
}

func (f *fakeAudioSession) push(chunk []byte) { f.chunks <- chunk }

func (f *fakeAudioSession) closeChunks() {
	f.closeOnce.Do(func() { close(f.chunks) })
}

func (f *fakeAudioSession) counts() (stops, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopCalls, f.closeCalls
}

type fakeAudioCapture struct {
	session *fakeAudioSession
	queue   []*fakeAudioSession
	err     error

	mu    sync.Mutex
	opens int
}

func (f *fakeAudioCapture) Open(context.Context, ports.AudioConfig) (ports.AudioSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.queue) > 0 {
		f.session, f.queue = f.queue[0], f.queue[1:]
	}
	return f.session, nil
}

type fakeStreamingSession struct {
	events chan domain.StreamEvent

	// finalSegments, when set, is answered with a complete event on SendComplete.
	finalSegments []domain.TranscriptSegment
	sendErr       error

	mu         sync.Mutex
	sent       [][]byte
	keepalives int
	completes  int
	closeCalls int
}

func newFakeStreamingSession(connected bool) *fakeStreamingSession {
	f := &fakeStreamingSession{events: make(chan domain.StreamEvent, 64)}
	if connected {
		f.events <- domain.StreamEvent{Kind: domain.StreamEventConnected}
	}
	return f
}

func (f *fakeStreamingSession) SendAudio(chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), chunk...))
	return nil
}

func (f *fakeStreamingSession) SendKeepalive() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepalives++
	return nil
}

func (f *fakeStreamingSession) SendComplete() error {
	f.mu.Lock()
	f.completes++
	segments := f.finalSegments
	f.mu.Unlock()
	if segments != nil {
		f.events <- domain.StreamEvent{Kind: domain.StreamEventComplete, Segments: segments}
	}
	return nil
}

func (f *fakeStreamingSession) Events() <-chan domain.StreamEvent { return f.events }

func (f *fakeStreamingSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return nil
}

func (f *fakeStreamingSession) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeStreamingSession) snapshot() (keepalives, completes, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keepalives, f.completes, f.closeCalls
}

type fakeProvider struct {
	session *fakeStreamingSession
	queue   []*fakeStreamingSession
	err     error
	// dialDelay simulates a slow handshake that ignores ctx.
	dialDelay time.Duration

	mu        sync.Mutex
	cfgs      []ports.StreamingConfig
	deadlines []time.Time
}

func (f *fakeProvider) Connect(ctx context.Context, cfg ports.StreamingConfig) (ports.StreamingSession, error) {
	time.Sleep(f.dialDelay)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfgs = append(f.cfgs, cfg)
	if deadline, ok := ctx.Deadline(); ok {
		f.deadlines = append(f.deadlines, deadline)
	}
	if f.err != nil {
		return nil, f.err
	}
	if len(f.queue) > 0 {
		f.session, f.queue = f.queue[0], f.queue[1:]
	}
	return f.session, nil
}

type fakeUploader struct {
	job   domain.ScribeJob
	err   error
	block chan struct{}
	panic bool

	mu        sync.Mutex
	calls     int
	patientID string
	duration  time.Duration
}

func (f *fakeUploader) Upload(_ context.Context, _ domain.AudioBlob, patientID string, duration time.Duration) (domain.ScribeJob, error) {
	f.mu.Lock()
	f.calls++
	f.patientID = patientID
	f.duration = duration
	f.mu.Unlock()

	if f.block != nil {
		<-f.block
	}
	if f.panic {
		panic("upload exploded")
	}
	return f.job, f.err
}

func (f *fakeUploader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeBackend struct {
	registerErr   error
	transcript    domain.AsyncTranscript
	transcribeErr error
	generateErr   error
	synthErr      error
	synthPanic    bool
	synthHang     bool
	refreshErr    error
	notes         []domain.ScribeNote

	mu           sync.Mutex
	registered   []domain.ScribeJob
	transcribed  []string
	generated    []domain.NoteRequest
	synthesized  []domain.NoteRequest
	refreshCalls int
}

func (f *fakeBackend) RegisterJob(_ context.Context, job domain.ScribeJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, job)
	return f.registerErr
}

func (f *fakeBackend) Transcribe(_ context.Context, jobName string) (domain.AsyncTranscript, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcribed = append(f.transcribed, jobName)
	return f.transcript, f.transcribeErr
}

func (f *fakeBackend) GenerateNotes(_ context.Context, req domain.NoteRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generated = append(f.generated, req)
	return f.generateErr
}

func (f *fakeBackend) Synthesize(ctx context.Context, req domain.NoteRequest) error {
	f.mu.Lock()
	f.synthesized = append(f.synthesized, req)
	f.mu.Unlock()
	if f.synthPanic {
		panic("synthesis exploded")
	}
	if f.synthHang {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.synthErr
}

func (f *fakeBackend) RefreshNotes(context.Context, string) ([]domain.ScribeNote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	return f.notes, f.refreshErr
}

type backendCalls struct {
	register, transcribe, generate, synth, refresh int
}

func (f *fakeBackend) calls() backendCalls {
	f.mu.Lock()
	defer f.mu.Unlock()
	return backendCalls{
		register:   len(f.registered),
		transcribe: len(f.transcribed),
		generate:   len(f.generated),
		synth:      len(f.synthesized),
		refresh:    f.refreshCalls,
	}
}

type stageRecord struct {
	jobName, stage, status, detail string
}

type fakeJobStore struct {
	mu          sync.Mutex
	jobs        []domain.ScribeJob
	stages      []stageRecord
	transcripts map[string]string
}

func (f *fakeJobStore) SaveJob(_ context.Context, job domain.ScribeJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeJobStore) RecordStage(_ context.Context, jobName, stage, status, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stages = append(f.stages, stageRecord{jobName: jobName, stage: stage, status: status, detail: detail})
	return nil
}

func (f *fakeJobStore) SaveTranscript(_ context.Context, jobName, transcript string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transcripts == nil {
		f.transcripts = map[string]string{}
	}
	f.transcripts[jobName] = transcript
	return nil
}

func (f *fakeJobStore) SaveSynthesis(context.Context, string, string) error { return nil }

func (f *fakeJobStore) GetJob(context.Context, string) (ports.JobRecord, error) {
	return ports.JobRecord{}, nil
}

func (f *fakeJobStore) ListJobs(context.Context, int) ([]ports.JobRecord, error) { return nil, nil }

func (f *fakeJobStore) Close() error { return nil }

func (f *fakeJobStore) stageStatus(stage string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := ""
	for _, rec := range f.stages {
		if rec.stage == stage {
			status = rec.status
		}
	}
	return status
}

type fakeNormalizer struct {
	replace map[string]string
	err     error
}

func (f fakeNormalizer) Apply(text string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if out, ok := f.replace[text]; ok {
		return out, nil
	}
	return text, nil
}

type sinkError struct {
	kind   domain.ErrorKind
	detail string
}

type fakeEventSink struct {
	mu      sync.Mutex
	states  []domain.SessionState
	texts   []string
	elapsed []int
	live    []string
	errors  []sinkError
	results []domain.PipelineResult
}

func (f *fakeEventSink) SessionStateChanged(state domain.SessionState, statusText string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, state)
	f.texts = append(f.texts, statusText)
}

func (f *fakeEventSink) ElapsedChanged(seconds int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.elapsed = append(f.elapsed, seconds)
}

func (f *fakeEventSink) LiveTranscript(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live = append(f.live, text)
}

func (f *fakeEventSink) SessionError(kind domain.ErrorKind, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, sinkError{kind: kind, detail: detail})
}

func (f *fakeEventSink) PipelineFinished(result domain.PipelineResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, result)
}

func (f *fakeEventSink) snapshotStates() []domain.SessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.SessionState(nil), f.states...)
}

func (f *fakeEventSink) snapshotErrors() []sinkError {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sinkError(nil), f.errors...)
}

func (f *fakeEventSink) lastLive() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.live) == 0 {
		return ""
	}
	return f.live[len(f.live)-1]
}

func (f *fakeEventSink) lastElapsed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.elapsed) == 0 {
		return 0
	}
	return f.elapsed[len(f.elapsed)-1]
}

func (f *fakeEventSink) resultCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.results)
}

func countState(states []domain.SessionState, want domain.SessionState) int {
	n := 0
	for _, s := range states {
		if s == want {
			n++
		}
	}
	return n
}

type harness struct {
	session        *RecordingSession
	audio          *fakeAudioSession
	capture        *fakeAudioCapture
	stream         *fakeStreamingSession
	provider       *fakeProvider
	uploader       *fakeUploader
	backend        *fakeBackend
	store          *fakeJobStore
	sink           *fakeEventSink
	clock          *manualClock
	keepaliveClock *manualClock

	orchestratorCfg OrchestratorConfig
}

func newHarness(cfg Config) *harness {
	h := &harness{
		audio:          newFakeAudioSession(),
		stream:         newFakeStreamingSession(true),
		uploader:       &fakeUploader{job: domain.ScribeJob{JobName: "job-1", MediaID: "media-1", PatientID: "patient-1"}},
		backend:        &fakeBackend{transcript: domain.AsyncTranscript{Text: "patient reports b p is fine"}},
		store:          &fakeJobStore{},
		sink:           &fakeEventSink{},
		clock:          &manualClock{},
		keepaliveClock: &manualClock{},
	}
	h.capture = &fakeAudioCapture{session: h.audio}
	h.provider = &fakeProvider{session: h.stream}
	return h.build(cfg)
}

// build (re)creates the session so tests can adjust fakes first.
func (h *harness) build(cfg Config) *harness {
	orchestrator := NewNoteGenerationOrchestrator(OrchestratorDeps{
		Registrar:   h.backend,
		Transcriber: h.backend,
		Generator:   h.backend,
		Synthesizer: h.backend,
		Refresher:   h.backend,
		Normalizer:  fakeNormalizer{replace: map[string]string{"patient reports b p is fine": "patient reports BP is fine"}},
		Store:       h.store,
	}, h.orchestratorCfg, discardLogger())

	deps := Dependencies{
		Capture:      h.capture,
		Provider:     h.provider,
		Uploader:     h.uploader,
		Orchestrator: orchestrator,
		Logger:       discardLogger(),
	}
	h.session = NewRecordingSession(deps, cfg, domain.Encounter{PatientID: "patient-1", AppointmentID: "appt-9"}, h.sink)
	h.session.newTicker = h.clock.newTicker
	h.session.keepalive.newTicker = h.keepaliveClock.newTicker
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
}

func (h *harness) wait(t *testing.T) (domain.PipelineResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return h.session.Wait(ctx)
}

// pushChunk hands a chunk to the session and waits until it was consumed.
func (h *harness) pushChunk(t *testing.T, chunk []byte) {
	t.Helper()
	h.audio.push(chunk)
	waitFor(t, "chunk consumed", func() bool { return len(h.audio.chunks) == 0 })
}

// pushEvent hands a live event to the session and waits until it was consumed.
func (h *harness) pushEvent(t *testing.T, ev domain.StreamEvent) {
	t.Helper()
	h.stream.events <- ev
	waitFor(t, "event consumed", func() bool { return len(h.stream.events) == 0 })
}

func (h *harness) tick(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if !h.clock.Tick() {
			t.Fatalf("tick %d was not received", i+1)
		}
	}
}
