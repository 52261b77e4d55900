package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"scribe/internal/domain"
	"scribe/internal/ports"
)

// Ledger stage names.
const (
	StageUpload     = "upload"
	StageRegister   = "register"
	StageTranscribe = "transcribe"
	StageGenerate   = "generate"
	StageSynthesis  = "synthesis"
	StageRefresh    = "refresh"
)

// Ledger stage statuses.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
	StatusEmpty  = "empty"
)

// OrchestratorDeps are the backend adapters used after upload. Synthesizer,
// Refresher, Normalizer and Store are optional.
type OrchestratorDeps struct {
	Registrar   ports.JobRegistrar
	Transcriber ports.AsyncTranscriber
	Generator   ports.NoteGenerator
	Synthesizer ports.Synthesizer
	Refresher   ports.NoteRefresher
	Normalizer  ports.TranscriptNormalizer
	Store       ports.JobStore
}

// OrchestratorConfig bounds the follow-up tasks. Each task runs under its own
// timeout; Run waits at most FollowUpWait for them and leaves the rest
// running in the background.
type OrchestratorConfig struct {
	RefreshDelay     time.Duration
	SynthesisTimeout time.Duration
	RefreshTimeout   time.Duration
	FollowUpWait     time.Duration
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.RefreshDelay < 0 {
		c.RefreshDelay = 0
	}
	if c.SynthesisTimeout <= 0 {
		c.SynthesisTimeout = 2 * time.Minute
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = 30 * time.Second
	}
	if c.FollowUpWait <= 0 {
		c.FollowUpWait = 30 * time.Second
	}
	return c
}

// NoteGenerationOrchestrator runs registration, async transcription, note
// generation and the best-effort follow-ups for one uploaded job.
type NoteGenerationOrchestrator struct {
	deps      OrchestratorDeps
	cfg       OrchestratorConfig
	finalizer transcriptFinalizer
	sleep     func(ctx context.Context, d time.Duration) error
	logger    *slog.Logger
}

func NewNoteGenerationOrchestrator(deps OrchestratorDeps, cfg OrchestratorConfig, logger *slog.Logger) *NoteGenerationOrchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "orchestrator")
	return &NoteGenerationOrchestrator{
		deps:      deps,
		cfg:       cfg.withDefaults(),
		finalizer: newTranscriptFinalizer(deps.Normalizer, logger),
		sleep:     sleepContext,
		logger:    logger,
	}
}

// Run drives the pipeline for job. progress is told when the pipeline moves
// into transcription and generation. Failures are recorded in the result,
// never returned.
func (o *NoteGenerationOrchestrator) Run(ctx context.Context, job domain.ScribeJob, progress func(domain.SessionState)) domain.PipelineResult {
	if progress == nil {
		progress = func(domain.SessionState) {}
	}
	logger := o.logger.With("job_name", job.JobName)

	result := domain.PipelineResult{Job: &job}
	o.saveJob(ctx, logger, job)
	o.recordStage(ctx, logger, job.JobName, StageUpload, StatusOK, "")

	if err := o.deps.Registrar.RegisterJob(ctx, job); err != nil {
		logger.Warn("job registration failed", "error", err)
		result.AddError(domain.ErrorKindJobRegistrationFailed, fmt.Sprintf("Batch registration failed: %v", err))
		o.recordStage(ctx, logger, job.JobName, StageRegister, StatusFailed, err.Error())
	} else {
		o.recordStage(ctx, logger, job.JobName, StageRegister, StatusOK, "")
	}

	progress(domain.SessionStateTranscribing)
	transcript, err := o.deps.Transcriber.Transcribe(ctx, job.JobName)
	if err != nil {
		kind := domain.KindOf(err)
		if kind != domain.ErrorKindTranscriptionTimeout {
			kind = domain.ErrorKindTranscriptionFailed
		}
		logger.Warn("async transcription failed", "kind", kind, "error", err)
		result.AddError(kind, fmt.Sprintf("Recording saved, but transcription failed: %v", err))
		o.recordStage(ctx, logger, job.JobName, StageTranscribe, StatusFailed, err.Error())
		return result
	}

	text := o.finalizer.Finalize(transcript.Text)
	if text == "" {
		logger.Info("async transcript is empty")
		result.Messages = append(result.Messages, "Recording saved. No speech was detected, so no notes were generated.")
		o.recordStage(ctx, logger, job.JobName, StageTranscribe, StatusEmpty, string(domain.ErrorKindTranscriptionEmpty))
		return result
	}
	result.Transcript = text
	o.recordStage(ctx, logger, job.JobName, StageTranscribe, StatusOK, "")
	if o.deps.Store != nil {
		if err := o.deps.Store.SaveTranscript(ctx, job.JobName, text); err != nil {
			logger.Warn("saving transcript to ledger failed", "error", err)
		}
	}

	progress(domain.SessionStateGenerating)
	req := domain.NoteRequest{
		PatientID:      job.PatientID,
		JobName:        job.JobName,
		TranscriptText: text,
		AppointmentID:  job.AppointmentID,
	}
	if err := o.deps.Generator.GenerateNotes(ctx, req); err != nil {
		logger.Warn("note generation failed", "error", err)
		result.AddError(domain.ErrorKindNoteGenerationFailed, fmt.Sprintf("Recording and transcript saved, but notes could not be generated: %v", err))
		o.recordStage(ctx, logger, job.JobName, StageGenerate, StatusFailed, err.Error())
	} else {
		result.ScribeNotesGenerated = true
		result.Messages = append(result.Messages, "Clinical notes generated.")
		o.recordStage(ctx, logger, job.JobName, StageGenerate, StatusOK, "")
	}

	result.Background, result.Notes = o.runFollowUps(ctx, logger, req, result.ScribeNotesGenerated)
	return result
}

type followUp struct {
	name    string
	timeout time.Duration
	run     func(ctx context.Context) ([]domain.ScribeNote, error)
}

type followUpOutcome struct {
	index  int
	result domain.TaskResult
	notes  []domain.ScribeNote
}

// runFollowUps runs synthesis and the delayed notes refresh concurrently.
// Their failures are reported but never change the primary result. Tasks
// still running after FollowUpWait are reported as pending and finish on
// their own deadline.
func (o *NoteGenerationOrchestrator) runFollowUps(ctx context.Context, logger *slog.Logger, req domain.NoteRequest, generated bool) ([]domain.TaskResult, []domain.ScribeNote) {
	var tasks []followUp
	if o.deps.Synthesizer != nil {
		tasks = append(tasks, followUp{name: StageSynthesis, timeout: o.cfg.SynthesisTimeout, run: func(ctx context.Context) ([]domain.ScribeNote, error) {
			return nil, o.deps.Synthesizer.Synthesize(ctx, req)
		}})
	}
	if generated && o.deps.Refresher != nil {
		tasks = append(tasks, followUp{name: StageRefresh, timeout: o.cfg.RefreshDelay + o.cfg.RefreshTimeout, run: func(ctx context.Context) ([]domain.ScribeNote, error) {
			if err := o.sleep(ctx, o.cfg.RefreshDelay); err != nil {
				return nil, err
			}
			return o.deps.Refresher.RefreshNotes(ctx, req.PatientID)
		}})
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	outcomes := make(chan followUpOutcome, len(tasks))
	results := make([]domain.TaskResult, len(tasks))
	for i, task := range tasks {
		results[i] = domain.TaskResult{Name: task.name, Pending: true}
		go func() {
			res, notes := o.runFollowUp(ctx, logger, req.JobName, task)
			outcomes <- followUpOutcome{index: i, result: res, notes: notes}
		}()
	}

	var notes []domain.ScribeNote
	wait := time.NewTimer(o.cfg.FollowUpWait)
	defer wait.Stop()
	for settled := 0; settled < len(tasks); settled++ {
		select {
		case out := <-outcomes:
			results[out.index] = out.result
			if out.notes != nil {
				notes = out.notes
			}
		case <-wait.C:
			logger.Info("follow-up tasks still running, reporting result", "pending", len(tasks)-settled)
			return results, notes
		}
	}
	return results, notes
}

func (o *NoteGenerationOrchestrator) runFollowUp(ctx context.Context, logger *slog.Logger, jobName string, task followUp) (res domain.TaskResult, notes []domain.ScribeNote) {
	res.Name = task.name
	defer func() {
		if r := recover(); r != nil {
			logger.Error("follow-up task panicked", "task", task.name, "panic", r)
			res.Error = fmt.Sprintf("panic: %v", r)
			o.recordStage(ctx, logger, jobName, task.name, StatusFailed, res.Error)
		}
	}()

	taskCtx, cancel := context.WithTimeout(ctx, task.timeout)
	defer cancel()

	notes, err := task.run(taskCtx)
	if err != nil {
		logger.Warn("follow-up task failed", "task", task.name, "error", err)
		res.Error = err.Error()
		o.recordStage(ctx, logger, jobName, task.name, StatusFailed, res.Error)
		return res, nil
	}
	o.recordStage(ctx, logger, jobName, task.name, StatusOK, "")
	return res, notes
}

func (o *NoteGenerationOrchestrator) saveJob(ctx context.Context, logger *slog.Logger, job domain.ScribeJob) {
	if o.deps.Store == nil {
		return
	}
	if err := o.deps.Store.SaveJob(ctx, job); err != nil {
		logger.Warn("saving job to ledger failed", "error", err)
	}
}

func (o *NoteGenerationOrchestrator) recordStage(ctx context.Context, logger *slog.Logger, jobName, stage, status, detail string) {
	if o.deps.Store == nil {
		return
	}
	if err := o.deps.Store.RecordStage(ctx, jobName, stage, status, detail); err != nil {
		logger.Warn("recording stage failed", "stage", stage, "error", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
