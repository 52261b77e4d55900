package usecase

import "time"

// ticker is the part of time.Ticker the session needs; tests substitute a
// manually driven implementation.
type ticker interface {
	C() <-chan time.Time
	Stop()
}

type tickerFactory func(interval time.Duration) ticker

type realTicker struct {
	t *time.Ticker
}

func newRealTicker(interval time.Duration) ticker {
	return realTicker{t: time.NewTicker(interval)}
}

func (r realTicker) C() <-chan time.Time { return r.t.C }

func (r realTicker) Stop() { r.t.Stop() }

func tickerChan(t ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C()
}

func timerChan(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
