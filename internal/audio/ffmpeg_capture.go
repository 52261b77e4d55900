package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"scribe/internal/domain"
	"scribe/internal/ports"
)

const (
	startupProbe   = 250 * time.Millisecond
	interruptGrace = 1200 * time.Millisecond
	drainGrace     = 2 * time.Second
	readBufferSize = 4096
)

var errCaptureFinished = errors.New("capture already finished")

// FFMPEGCapture captures microphone PCM audio using ffmpeg.
type FFMPEGCapture struct {
	command string
	logger  *slog.Logger
}

func NewFFMPEGCapture(command string, logger *slog.Logger) *FFMPEGCapture {
	if command == "" {
		command = "ffmpeg"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FFMPEGCapture{command: command, logger: logger.With("component", "capture")}
}

// Open starts ffmpeg and returns a session that emits nothing until Start.
// A recorder that cannot start or exits immediately is reported as
// ErrorKindDeviceUnavailable.
func (c *FFMPEGCapture) Open(ctx context.Context, cfg ports.AudioConfig) (ports.AudioSession, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", cfg.InputFormat,
		"-i", cfg.InputDevice,
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le",
		"-",
	}

	// The capture outlives ctx, which only bounds the startup probe.
	cmd := exec.Command(c.command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	// A manual pipe keeps buffered samples readable after the process exits;
	// StdoutPipe would be closed by Wait.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, domain.NewError(domain.ErrorKindDeviceUnavailable, "failed to create capture pipe", err)
	}
	cmd.Stdout = pw
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, domain.NewError(domain.ErrorKindDeviceUnavailable, "failed to start recorder", err)
	}
	_ = pw.Close()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		_ = pr.Close()
		if err != nil {
			return nil, domain.NewError(domain.ErrorKindDeviceUnavailable,
				fmt.Sprintf("recorder exited before capture started: %s", stringsTrimSpaceSafe(stderr.String())), err)
		}
		return nil, domain.NewError(domain.ErrorKindDeviceUnavailable, "recorder exited before capture started", nil)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitErr
		_ = pr.Close()
		return nil, domain.NewError(domain.ErrorKindDeviceUnavailable, "capture startup cancelled", ctx.Err())
	case <-time.After(startupProbe):
	}

	c.logger.Debug("capture opened", "device", cfg.InputDevice, "format", cfg.InputFormat, "sample_rate", cfg.SampleRate)

	return &ffmpegSession{
		stdout:     pr,
		stderr:     &stderr,
		process:    cmd.Process,
		waitErr:    waitErr,
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		logger:     c.logger,
		chunks:     make(chan []byte, 64),
		reads:      make(chan []byte, 16),
		closed:     make(chan struct{}),
		emitDone:   make(chan struct{}),
	}, nil
}

type ffmpegSession struct {
	stdout io.ReadCloser
	stderr *bytes.Buffer

	process *os.Process
	waitErr <-chan error

	sampleRate int
	channels   int
	logger     *slog.Logger

	chunks   chan []byte
	reads    chan []byte
	closed   chan struct{}
	emitDone chan struct{}

	mu       sync.Mutex
	started  bool
	finished bool
	paused   bool

	// recording is written only by emitLoop and read after emitDone.
	recording bytes.Buffer

	terminateOnce  sync.Once
	terminateErr   error
	chunkCloseOnce sync.Once
	stopOnce       sync.Once
	closeOnce      sync.Once
	blob           domain.AudioBlob
	stopErr        error
}

func (s *ffmpegSession) Start(chunkInterval time.Duration) error {
	if chunkInterval <= 0 {
		chunkInterval = 250 * time.Millisecond
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return errCaptureFinished
	}
	if s.started {
		return nil
	}
	s.started = true

	go s.readLoop()
	go s.emitLoop(chunkInterval)
	return nil
}

func (s *ffmpegSession) Chunks() <-chan []byte {
	return s.chunks
}

// Pause keeps draining the recorder but discards samples until Resume.
func (s *ffmpegSession) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return errCaptureFinished
	}
	s.paused = true
	return nil
}

func (s *ffmpegSession) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return errCaptureFinished
	}
	s.paused = false
	return nil
}

func (s *ffmpegSession) Stop() (domain.AudioBlob, error) {
	s.stopOnce.Do(func() {
		started := s.finish()
		s.stopErr = s.terminate()

		if started {
			select {
			case <-s.emitDone:
			case <-time.After(drainGrace):
				_ = s.stdout.Close()
				<-s.emitDone
			}
		} else {
			s.closeChunks()
		}
		_ = s.stdout.Close()

		pcm := s.recording.Bytes()
		data, err := EncodeWAV(pcm, s.sampleRate, s.channels)
		if err != nil {
			if s.stopErr == nil {
				s.stopErr = err
			}
			return
		}
		s.blob = domain.AudioBlob{
			Data:     data,
			MIMEType: WAVMIMEType,
			PCMBytes: int64(len(pcm)),
			Duration: PCMDuration(int64(len(pcm)), s.sampleRate, s.channels),
		}
		s.logger.Debug("capture stopped", "pcm_bytes", len(pcm), "duration", s.blob.Duration)
	})

	return s.blob, s.stopErr
}

func (s *ffmpegSession) Close() error {
	s.closeOnce.Do(func() {
		started := s.finish()
		close(s.closed)
		_ = s.terminate()
		if started {
			<-s.emitDone
		} else {
			s.closeChunks()
		}
		_ = s.stdout.Close()
	})
	return nil
}

func (s *ffmpegSession) finish() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
	return s.started
}

func (s *ffmpegSession) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *ffmpegSession) closeChunks() {
	s.chunkCloseOnce.Do(func() { close(s.chunks) })
}

func (s *ffmpegSession) readLoop() {
	defer close(s.reads)
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.stdout.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case s.reads <- data:
			case <-s.closed:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *ffmpegSession) emitLoop(interval time.Duration) {
	defer close(s.emitDone)
	defer s.closeChunks()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pending []byte
	for {
		select {
		case data, ok := <-s.reads:
			if !ok {
				if len(pending) > 0 {
					s.emit(pending)
				}
				return
			}
			if s.isPaused() {
				continue
			}
			pending = append(pending, data...)
			s.recording.Write(data)
		case <-ticker.C:
			if len(pending) == 0 {
				continue
			}
			if !s.emit(pending) {
				return
			}
			pending = nil
		case <-s.closed:
			return
		}
	}
}

func (s *ffmpegSession) emit(chunk []byte) bool {
	select {
	case s.chunks <- chunk:
		return true
	case <-s.closed:
		return false
	}
}

func (s *ffmpegSession) terminate() error {
	s.terminateOnce.Do(func() {
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.terminateErr = normalizeStopErr(err)
			}
		case <-time.After(interruptGrace):
			if s.process != nil {
				_ = s.process.Kill()
			}
			err, ok := <-s.waitErr
			if ok {
				s.terminateErr = normalizeStopErr(err)
			}
		}

		if s.terminateErr != nil && s.stderr != nil && s.stderr.Len() > 0 {
			s.terminateErr = fmt.Errorf("%w: %s", s.terminateErr, stringsTrimSpaceSafe(s.stderr.String()))
		}
	})
	return s.terminateErr
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func stringsTrimSpaceSafe(input string) string {
	if input == "" {
		return input
	}
	return string(bytes.TrimSpace([]byte(input)))
}
