package scribeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"scribe/internal/domain"
	"scribe/internal/ports"
)

const maxResponseBytes = 8 << 20

// Config holds the backend location and the per-stage time limits.
type Config struct {
	BaseURL            string
	UploadTimeoutBase  time.Duration
	UploadTimeoutPerMB time.Duration
	UploadTimeoutMax   time.Duration
	LargeUploadBytes   int64
	RegisterTimeout    time.Duration
	TranscribeTimeout  time.Duration
	GenerateTimeout    time.Duration
	SynthesisTimeout   time.Duration
	RefreshTimeout     time.Duration
}

// Client talks to the scribe backend. One Client serves every pipeline
// stage; each call derives its own deadline from Config.
type Client struct {
	cfg    Config
	http   *http.Client
	tokens ports.TokenSource
	logger *slog.Logger
}

func NewClient(cfg Config, tokens ports.TokenSource, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.UploadTimeoutBase <= 0 {
		cfg.UploadTimeoutBase = 10 * time.Minute
	}
	if cfg.UploadTimeoutMax < cfg.UploadTimeoutBase {
		cfg.UploadTimeoutMax = cfg.UploadTimeoutBase
	}
	if cfg.LargeUploadBytes <= 0 {
		cfg.LargeUploadBytes = 50 << 20
	}
	cfg.RegisterTimeout = orDefault(cfg.RegisterTimeout, 30*time.Second)
	cfg.TranscribeTimeout = orDefault(cfg.TranscribeTimeout, 90*time.Minute)
	cfg.GenerateTimeout = orDefault(cfg.GenerateTimeout, 10*time.Minute)
	cfg.SynthesisTimeout = orDefault(cfg.SynthesisTimeout, 10*time.Minute)
	cfg.RefreshTimeout = orDefault(cfg.RefreshTimeout, 30*time.Second)

	return &Client{cfg: cfg, http: httpClient, tokens: tokens, logger: logger.With("component", "scribeapi")}
}

// StaticToken is a TokenSource that always returns the same bearer token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// envelope is the status part every backend response carries.
type envelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// stage describes one backend call and how its failures are classified.
type stage struct {
	name        string
	timeout     time.Duration
	timeoutKind domain.ErrorKind
	failKind    domain.ErrorKind
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	if c.cfg.BaseURL == "" {
		return nil, errors.New("api base url is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// call runs one JSON request under its stage deadline and decodes the
// response into out. A response is a failure unless it is 2xx with ok=true.
func (c *Client) call(ctx context.Context, st stage, method, path string, in any, out any) error {
	stageCtx, cancel := context.WithTimeout(ctx, st.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return domain.NewError(st.failKind, st.name+": encode request", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := c.newRequest(stageCtx, method, path, body)
	if err != nil {
		return domain.NewError(st.failKind, st.name, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	raw, status, err := c.do(req)
	if err != nil {
		if stageTimedOut(ctx, stageCtx) {
			return domain.NewError(st.timeoutKind, fmt.Sprintf("%s timed out after %s", st.name, st.timeout), err)
		}
		return domain.NewError(st.failKind, st.name+" failed", err)
	}
	c.logger.Debug("backend call finished", "stage", st.name, "status", status, "elapsed", time.Since(started))

	if err := checkEnvelope(raw, status); err != nil {
		return domain.NewError(st.failKind, st.name+" rejected", err)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return domain.NewError(st.failKind, st.name+": decode response", err)
		}
	}
	return nil
}

func (c *Client) do(req *http.Request) ([]byte, int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return raw, resp.StatusCode, nil
}

func checkEnvelope(raw []byte, status int) error {
	var env envelope
	decodeErr := json.Unmarshal(raw, &env)
	if status >= 200 && status < 300 && decodeErr == nil && env.OK {
		return nil
	}
	if msg := strings.TrimSpace(env.Error); msg != "" {
		return errors.New(msg)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("unexpected status %d", status)
	}
	if decodeErr != nil {
		return fmt.Errorf("malformed response: %w", decodeErr)
	}
	return errors.New("request was not accepted")
}

// stageTimedOut reports whether the stage's own deadline expired, as
// opposed to the caller cancelling.
func stageTimedOut(parent, stageCtx context.Context) bool {
	return parent.Err() == nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded)
}

func orDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
