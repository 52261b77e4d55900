package bootstrap

import (
	"context"
	"log/slog"
	"net/http"

	"scribe/internal/audio"
	"scribe/internal/config"
	"scribe/internal/jobstore"
	"scribe/internal/ports"
	"scribe/internal/providers/livews"
	"scribe/internal/providers/openaisynth"
	"scribe/internal/providers/scribeapi"
	"scribe/internal/usecase"
	"scribe/internal/vocabulary"
)

// Services is the assembled runtime graph.
type Services struct {
	Controller *usecase.SessionController
	Client     *scribeapi.Client
	// Store is nil when the ledger is disabled.
	Store  ports.JobStore
	Config config.Config
	Logger *slog.Logger
}

// Close releases the job ledger.
func (s Services) Close() error {
	if s.Store == nil {
		return nil
	}
	return s.Store.Close()
}

// Build wires all dependencies for cfg.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (Services, error) {
	if logger == nil {
		logger = slog.Default()
	}

	terms := make([]vocabulary.Term, 0, len(cfg.Vocabulary.Terms))
	for _, rule := range cfg.Vocabulary.Terms {
		terms = append(terms, vocabulary.Term{From: rule.From, To: rule.To})
	}
	normalizer, err := vocabulary.New(terms, cfg.Vocabulary.Path, cfg.Vocabulary.IterationLimit)
	if err != nil {
		return Services{}, err
	}

	store, err := jobstore.Open(ctx, jobstore.Options{
		Driver:      cfg.Store.Driver,
		Path:        cfg.Store.Path,
		RedisAddr:   cfg.Store.RedisAddr,
		RedisPrefix: cfg.Store.RedisPrefix,
	})
	if err != nil {
		return Services{}, err
	}

	tokens := scribeapi.StaticToken(cfg.API.Token)
	client := scribeapi.NewClient(scribeapi.Config{
		BaseURL:            cfg.API.BaseURL,
		UploadTimeoutBase:  cfg.Pipeline.UploadTimeoutBase,
		UploadTimeoutPerMB: cfg.Pipeline.UploadTimeoutPerMB,
		UploadTimeoutMax:   cfg.Pipeline.UploadTimeoutMax,
		LargeUploadBytes:   cfg.Pipeline.LargeUploadBytes,
		RegisterTimeout:    cfg.Pipeline.RegisterTimeout,
		TranscribeTimeout:  cfg.Pipeline.TranscribeTimeout,
		GenerateTimeout:    cfg.Pipeline.GenerateTimeout,
		SynthesisTimeout:   cfg.Pipeline.SynthesisTimeout,
		RefreshTimeout:     cfg.Pipeline.RefreshTimeout,
	}, tokens, &http.Client{}, logger)

	var synthesizer ports.Synthesizer = client
	if cfg.OpenAI.APIKey != "" {
		synthesizer = openaisynth.NewSynthesizer(openaisynth.Config{
			APIKey:  cfg.OpenAI.APIKey,
			Model:   cfg.OpenAI.Model,
			Timeout: cfg.Pipeline.SynthesisTimeout,
		}, store, logger)
	}

	orchestrator := usecase.NewNoteGenerationOrchestrator(usecase.OrchestratorDeps{
		Registrar:   client,
		Transcriber: client,
		Generator:   client,
		Synthesizer: synthesizer,
		Refresher:   client,
		Normalizer:  normalizer,
		Store:       store,
	}, usecase.OrchestratorConfig{
		RefreshDelay:     cfg.Pipeline.RefreshDelay,
		SynthesisTimeout: cfg.Pipeline.SynthesisTimeout,
		RefreshTimeout:   cfg.Pipeline.RefreshTimeout,
		FollowUpWait:     cfg.Pipeline.FollowUpWait,
	}, logger)

	controller := usecase.NewSessionController(
		usecase.Dependencies{
			Capture:      audio.NewFFMPEGCapture(cfg.Audio.RecorderCommand, logger),
			Provider:     livews.NewProvider(livews.Config{URL: cfg.Live.URL, ConnectTimeout: cfg.Live.ConnectTimeout}, tokens, logger),
			Uploader:     client,
			Orchestrator: orchestrator,
			Logger:       logger,
		},
		SessionConfig(cfg),
	)

	return Services{
		Controller: controller,
		Client:     client,
		Store:      store,
		Config:     cfg,
		Logger:     logger,
	}, nil
}

// SessionConfig maps runtime configuration onto session settings.
func SessionConfig(cfg config.Config) usecase.Config {
	return usecase.Config{
		Audio: ports.AudioConfig{
			SampleRate:  cfg.Audio.SampleRate,
			Channels:    cfg.Audio.Channels,
			InputFormat: cfg.Audio.InputFormat,
			InputDevice: cfg.Audio.InputDevice,
		},
		Streaming: ports.StreamingConfig{
			SampleRate: cfg.Audio.SampleRate,
			Channels:   cfg.Audio.Channels,
			Encoding:   "linear16",
		},
		ChunkInterval:     cfg.Audio.ChunkInterval(),
		ConnectTimeout:    cfg.Live.ConnectTimeout,
		TickInterval:      cfg.Session.TickInterval,
		MaxDuration:       cfg.Session.MaxDurationSeconds,
		KeepaliveInterval: cfg.Session.KeepaliveInterval,
		FinalizeGrace:     cfg.Session.FinalizeGrace,
	}
}
