package openaisynth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"scribe/internal/domain"
)

const systemPrompt = `You summarize clinical encounter transcripts for the treating clinician.
Reply with a JSON object: {"summary": string, "key_points": [string], "follow_up": [string]}.
Only use facts stated in the transcript. Leave arrays empty when nothing applies.`

// Config selects the model used for synthesis. BaseURL overrides the API
// endpoint and is empty for the public API. Timeout bounds each request.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// SynthesisSink stores a finished synthesis against its job.
type SynthesisSink interface {
	SaveSynthesis(ctx context.Context, jobName, synthesis string) error
}

// Synthesizer produces an encounter synthesis locally through OpenAI.
type Synthesizer struct {
	client *openai.Client
	model  string
	sink   SynthesisSink
	logger *slog.Logger
}

func NewSynthesizer(cfg Config, sink SynthesisSink, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &Synthesizer{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
		sink:   sink,
		logger: logger.With("component", "synthesis"),
	}
}

// Synthesis is the structured reply requested from the model.
type Synthesis struct {
	Summary   string   `json:"summary"`
	KeyPoints []string `json:"key_points"`
	FollowUp  []string `json:"follow_up"`
}

// Render formats a synthesis as plain text.
func (s Synthesis) Render() string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(s.Summary))
	writeList(&b, "Key points", s.KeyPoints)
	writeList(&b, "Follow-up", s.FollowUp)
	return strings.TrimSpace(b.String())
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n\n%s:", title)
	for _, item := range items {
		fmt.Fprintf(b, "\n- %s", strings.TrimSpace(item))
	}
}

func (s *Synthesizer) Synthesize(ctx context.Context, req domain.NoteRequest) error {
	if strings.TrimSpace(req.TranscriptText) == "" {
		return domain.NewError(domain.ErrorKindSynthesisFailed, "nothing to synthesize", nil)
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: req.TranscriptText},
		},
		Temperature: 0.2,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return domain.NewError(domain.ErrorKindSynthesisFailed, "synthesis request failed", err)
	}
	if len(resp.Choices) == 0 {
		return domain.NewError(domain.ErrorKindSynthesisFailed, "synthesis returned no choices", nil)
	}

	var synthesis Synthesis
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &synthesis); err != nil {
		return domain.NewError(domain.ErrorKindSynthesisFailed, "synthesis reply is not valid JSON", err)
	}
	text := synthesis.Render()
	if text == "" {
		return domain.NewError(domain.ErrorKindSynthesisFailed, "synthesis reply was empty", fmt.Errorf("finish reason %q", string(resp.Choices[0].FinishReason)))
	}

	s.logger.Info("synthesis generated",
		"job_name", req.JobName,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)

	if s.sink == nil {
		return nil
	}
	if err := s.sink.SaveSynthesis(ctx, req.JobName, text); err != nil {
		return domain.NewError(domain.ErrorKindSynthesisFailed, "failed to store synthesis", err)
	}
	return nil
}
