package usecase

import (
	"log/slog"
	"sync"
	"time"
)

// KeepaliveScheduler calls send on a fixed cadence until stopped. It is used
// while a session is paused so the live socket does not idle out.
type KeepaliveScheduler struct {
	interval  time.Duration
	newTicker tickerFactory
	logger    *slog.Logger

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func NewKeepaliveScheduler(interval time.Duration, logger *slog.Logger) *KeepaliveScheduler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KeepaliveScheduler{interval: interval, newTicker: newRealTicker, logger: logger}
}

// Start begins sending. Calling Start while running is a no-op.
func (k *KeepaliveScheduler) Start(send func() error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.stop != nil {
		return
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	k.stop, k.done = stop, done

	t := k.newTicker(k.interval)
	go func() {
		defer close(done)
		defer t.Stop()
		for {
			select {
			case <-t.C():
				if err := send(); err != nil {
					k.logger.Warn("keepalive send failed", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// Stop halts sending and waits for the sender goroutine. It is idempotent.
func (k *KeepaliveScheduler) Stop() {
	k.mu.Lock()
	stop, done := k.stop, k.done
	k.stop, k.done = nil, nil
	k.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Running reports whether keepalives are being sent.
func (k *KeepaliveScheduler) Running() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.stop != nil
}
