package livews

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"scribe/internal/domain"
	"scribe/internal/ports"
)

var (
	keepaliveFrame = []byte(`{"action":"keepalive"}`)
	completeFrame  = []byte(`{"action":"complete"}`)

	errSessionClosed = errors.New("live transcription socket is closed")
	errSendBacklog   = errors.New("live transcription socket is not draining")
)

// Config controls the live transcription socket.
// WriteTimeout bounds each frame write to the server.
type Config struct {
	URL            string
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
}

// Provider implements ports.TranscriptionProvider over a websocket.
type Provider struct {
	cfg    Config
	tokens ports.TokenSource
	logger *slog.Logger
}

func NewProvider(cfg Config, tokens ports.TokenSource, logger *slog.Logger) *Provider {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{cfg: cfg, tokens: tokens, logger: logger.With("component", "live")}
}

// Connect dials the socket. The caller still waits for the server's
// connected status before treating the session as live.
func (p *Provider) Connect(ctx context.Context, cfg ports.StreamingConfig) (ports.StreamingSession, error) {
	wsURL, err := buildLiveURL(p.cfg.URL, cfg)
	if err != nil {
		return nil, domain.NewError(domain.ErrorKindSocketError, "invalid live transcription url", err)
	}

	headers := http.Header{}
	if p.tokens != nil {
		token, err := p.tokens.Token(ctx)
		if err != nil {
			return nil, domain.NewError(domain.ErrorKindSocketError, "failed to acquire token", err)
		}
		if token != "" {
			headers.Set("Authorization", "Bearer "+token)
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = p.cfg.ConnectTimeout
	conn, _, err := dialer.DialContext(dialCtx, wsURL, headers)
	if err != nil {
		if isTimeout(dialCtx, err) {
			return nil, domain.NewError(domain.ErrorKindSocketConnectTimeout, "timed out connecting to live transcription", err)
		}
		return nil, domain.NewError(domain.ErrorKindSocketError, "failed to connect to live transcription", err)
	}

	session := &streamingSession{
		conn:         conn,
		logger:       p.logger.With("session_id", cfg.SessionID),
		writeTimeout: p.cfg.WriteTimeout,
		events:       make(chan domain.StreamEvent, 128),
		out:          make(chan outbound, 64),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
	}

	session.wg.Add(2)
	go session.readLoop()
	go session.writeLoop()
	go func() {
		session.wg.Wait()
		close(session.events)
		close(session.done)
		_ = conn.Close()
	}()

	return session, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

type outbound struct {
	messageType int
	payload     []byte
}

type streamingSession struct {
	conn         *websocket.Conn
	logger       *slog.Logger
	writeTimeout time.Duration

	events  chan domain.StreamEvent
	out     chan outbound
	closing chan struct{}
	done    chan struct{}

	wg sync.WaitGroup

	errMu sync.Mutex
	err   error

	completeOnce sync.Once
	closeOnce    sync.Once
}

// SendAudio queues a binary frame. It fails instead of blocking when the
// server has stopped draining the socket.
func (s *streamingSession) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	return s.send(outbound{messageType: websocket.BinaryMessage, payload: append([]byte(nil), chunk...)})
}

func (s *streamingSession) SendKeepalive() error {
	return s.send(outbound{messageType: websocket.TextMessage, payload: keepaliveFrame})
}

// SendComplete asks the server to finish; only the first call sends.
func (s *streamingSession) SendComplete() error {
	var err error
	s.completeOnce.Do(func() {
		err = s.send(outbound{messageType: websocket.TextMessage, payload: completeFrame})
	})
	return err
}

func (s *streamingSession) send(msg outbound) error {
	select {
	case <-s.closing:
		return errSessionClosed
	default:
	}

	select {
	case <-s.done:
		if err := s.waitErr(); err != nil {
			return err
		}
		return errSessionClosed
	default:
	}

	// Never block the caller behind a peer that stopped reading.
	select {
	case s.out <- msg:
		return nil
	default:
		return errSendBacklog
	}
}

func (s *streamingSession) Events() <-chan domain.StreamEvent {
	return s.events
}

func (s *streamingSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
	<-s.done
	return s.waitErr()
}

func (s *streamingSession) waitErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *streamingSession) setErr(err error) {
	if err == nil {
		return
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return
	}

	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *streamingSession) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

func (s *streamingSession) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case msg := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := s.conn.WriteMessage(msg.messageType, msg.payload); err != nil {
				if !s.isClosing() {
					s.setErr(fmt.Errorf("failed to write live frame: %w", err))
					// Unblocks readLoop so the failure is reported as a closed event.
					_ = s.conn.Close()
				}
				return
			}
		case <-s.closing:
			return
		}
	}
}

func (s *streamingSession) readLoop() {
	defer s.wg.Done()

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if s.isClosing() {
				return
			}
			s.setErr(fmt.Errorf("failed to read live frame: %w", err))
			s.emit(domain.StreamEvent{Kind: domain.StreamEventClosed, Err: s.waitErr()})
			return
		}

		event, ok := decodeMessage(payload)
		if !ok {
			s.logger.Debug("ignoring unrecognized live frame", "bytes", len(payload))
			continue
		}
		s.emit(event)
	}
}

func (s *streamingSession) emit(event domain.StreamEvent) {
	select {
	case s.events <- event:
	case <-s.closing:
	}
}

type serverMessage struct {
	Status   string                     `json:"status"`
	Message  string                     `json:"message"`
	Text     string                     `json:"text"`
	Speaker  string                     `json:"speaker"`
	Segments []domain.TranscriptSegment `json:"segments"`
	Error    string                     `json:"error"`
}

func decodeMessage(payload []byte) (domain.StreamEvent, bool) {
	var msg serverMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return domain.StreamEvent{}, false
	}

	if msg.Error != "" {
		return domain.StreamEvent{Kind: domain.StreamEventError, Message: strings.TrimSpace(msg.Error)}, true
	}

	switch strings.ToLower(strings.TrimSpace(msg.Status)) {
	case "connected":
		return domain.StreamEvent{Kind: domain.StreamEventConnected, Message: msg.Message}, true
	case "processing":
		return domain.StreamEvent{Kind: domain.StreamEventProcessing, Message: msg.Message}, true
	case "partial":
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			return domain.StreamEvent{}, false
		}
		return domain.StreamEvent{Kind: domain.StreamEventPartial, Text: text, Speaker: strings.TrimSpace(msg.Speaker)}, true
	case "complete":
		return domain.StreamEvent{Kind: domain.StreamEventComplete, Segments: msg.Segments}, true
	case "error":
		message := strings.TrimSpace(msg.Message)
		if message == "" {
			message = "live transcription returned an unknown error"
		}
		return domain.StreamEvent{Kind: domain.StreamEventError, Message: message}, true
	default:
		return domain.StreamEvent{}, false
	}
}

func buildLiveURL(base string, streamCfg ports.StreamingConfig) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", errors.New("live url is not configured")
	}
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	liveURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if liveURL.Scheme != "ws" && liveURL.Scheme != "wss" {
		return "", fmt.Errorf("unsupported live url scheme %q", liveURL.Scheme)
	}

	if streamCfg.Encoding == "" {
		streamCfg.Encoding = "linear16"
	}
	if streamCfg.SampleRate <= 0 {
		streamCfg.SampleRate = 16000
	}
	if streamCfg.Channels <= 0 {
		streamCfg.Channels = 1
	}

	query := liveURL.Query()
	query.Set("encoding", streamCfg.Encoding)
	query.Set("sample_rate", fmt.Sprintf("%d", streamCfg.SampleRate))
	query.Set("channels", fmt.Sprintf("%d", streamCfg.Channels))
	if streamCfg.PatientID != "" {
		query.Set("patient_id", streamCfg.PatientID)
	}
	if streamCfg.SessionID != "" {
		query.Set("session_id", streamCfg.SessionID)
	}
	liveURL.RawQuery = query.Encode()
	return liveURL.String(), nil
}
