package usecase

import (
	"context"
	"errors"
	"sync"

	"scribe/internal/domain"
	"scribe/internal/ports"
)

var ErrNoActiveSession = errors.New("no active recording session")

// SessionController hands out a fresh RecordingSession per recording attempt
// and routes controls to the current one.
type SessionController struct {
	deps Dependencies
	cfg  Config

	mu      sync.Mutex
	current *RecordingSession
}

func NewSessionController(deps Dependencies, cfg Config) *SessionController {
	return &SessionController{deps: deps, cfg: cfg}
}

// NewSession builds an unstarted session for encounter.
func (c *SessionController) NewSession(encounter domain.Encounter, sink ports.EventSink) *RecordingSession {
	return NewRecordingSession(c.deps, c.cfg, encounter, sink)
}

// Start begins a new attempt. A previous attempt that is still capturing is
// discarded first. The session is returned even when starting fails so its
// status can be shown.
func (c *SessionController) Start(ctx context.Context, encounter domain.Encounter, sink ports.EventSink) (*RecordingSession, error) {
	c.mu.Lock()
	previous := c.current
	c.current = nil
	c.mu.Unlock()

	if previous != nil && previous.Status().State.Capturing() {
		previous.Dispose()
	}

	session := c.NewSession(encounter, sink)
	c.mu.Lock()
	c.current = session
	c.mu.Unlock()

	if err := session.Start(ctx); err != nil {
		return session, err
	}
	return session, nil
}

func (c *SessionController) Pause() error {
	session, err := c.getCurrent()
	if err != nil {
		return err
	}
	return session.Pause()
}

func (c *SessionController) Resume() error {
	session, err := c.getCurrent()
	if err != nil {
		return err
	}
	return session.Resume()
}

// Stop finalizes the current attempt and waits for its pipeline result.
func (c *SessionController) Stop(ctx context.Context) (domain.PipelineResult, error) {
	session, err := c.getCurrent()
	if err != nil {
		return domain.PipelineResult{}, err
	}
	if err := session.Stop(); err != nil {
		return domain.PipelineResult{}, err
	}
	return session.Wait(ctx)
}

// Cancel discards the current attempt.
func (c *SessionController) Cancel() error {
	session, err := c.getCurrent()
	if err != nil {
		return err
	}
	return session.Cancel()
}

// Status returns the current attempt's status, or idle when there is none.
func (c *SessionController) Status() domain.Status {
	c.mu.Lock()
	current := c.current
	c.mu.Unlock()
	if current == nil {
		return domain.Status{
			State:      domain.SessionStateIdle,
			StatusText: domain.SessionStateIdle.StatusText(),
		}
	}
	return current.Status()
}

func (c *SessionController) getCurrent() (*RecordingSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil, ErrNoActiveSession
	}
	return c.current, nil
}
