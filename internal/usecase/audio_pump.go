package usecase

import (
	"time"

	"scribe/internal/domain"
	"scribe/internal/ports"
)

type captureResult struct {
	blob   domain.AudioBlob
	err    error
	chunks int
}

// drainCapture stops the audio session and consumes every chunk it still
// emits, handing each one to forward. It returns once Stop has produced the
// final blob and the chunk channel is closed.
func drainCapture(audio ports.AudioSession, forward func([]byte)) captureResult {
	type stopResult struct {
		blob domain.AudioBlob
		err  error
	}
	stopped := make(chan stopResult, 1)
	go func() {
		blob, err := audio.Stop()
		stopped <- stopResult{blob: blob, err: err}
	}()

	var res captureResult
	chunks := audio.Chunks()
	for chunks != nil {
		chunk, ok := <-chunks
		if !ok {
			chunks = nil
			continue
		}
		if len(chunk) == 0 {
			continue
		}
		res.chunks++
		forward(chunk)
	}

	out := <-stopped
	res.blob, res.err = out.blob, out.err
	return res
}

// awaitFinalSegments waits for the server's complete event after the
// complete frame was sent. Errors and closure end the wait early.
func awaitFinalSegments(stream ports.StreamingSession, grace time.Duration) ([]domain.TranscriptSegment, bool) {
	if grace <= 0 {
		return nil, false
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	events := stream.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil, false
			}
			switch ev.Kind {
			case domain.StreamEventComplete:
				return ev.Segments, true
			case domain.StreamEventError, domain.StreamEventClosed:
				return nil, false
			}
		case <-timer.C:
			return nil, false
		}
	}
}
