package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type Dispatcher interface {
	SweepExpired(ctx context.Context, limit int) (int, error)
}

// Sweeper периодически добирает просроченные предложения, которые водители
// не отработали сами. Основной путь истечения — ленивый, на чтении; свипер
// нужен, чтобы цепочка не зависала, если водитель больше не заходит.
type Sweeper struct {
	dispatch Dispatcher

	interval  time.Duration
	batchSize int

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	inFlight            atomic.Int64
	totalSwept          atomic.Int64
	totalCycles         atomic.Int64
	totalErrors         atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(dispatch Dispatcher) *Sweeper {
	return &Sweeper{
		dispatch:          dispatch,
		interval:          2 * time.Second,
		batchSize:         100,
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (s *Sweeper) WithSettings(interval time.Duration, batchSize int) *Sweeper {
	if interval > 0 {
		s.interval = interval
	}
	if batchSize > 0 {
		s.batchSize = batchSize
	}
	return s
}

// Trigger forces an immediate sweep cycle (best-effort, non-blocking).
func (s *Sweeper) Trigger() {
	s.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt     time.Time  `json:"startedAt"`
	LastCycleAt   *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt *time.Time `json:"lastTriggerAt,omitempty"`
	InFlight      int64      `json:"inFlight"`
	TotalCycles   int64      `json:"totalCycles"`
	TotalSwept    int64      `json:"totalSwept"`
	TotalErrors   int64      `json:"totalErrors"`
	LastError     string     `json:"lastError,omitempty"`
}

func (s *Sweeper) Stats() Stats {
	st := Stats{
		StartedAt:   time.Unix(0, s.startedAtUnixNano).UTC(),
		InFlight:    s.inFlight.Load(),
		TotalCycles: s.totalCycles.Load(),
		TotalSwept:  s.totalSwept.Load(),
		TotalErrors: s.totalErrors.Load(),
	}
	if n := s.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := s.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	s.lastErrorMu.Lock()
	st.LastError = s.lastError
	s.lastErrorMu.Unlock()
	return st
}

func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.runOnce(ctx)
		case <-s.triggerCh:
			s.runOnce(ctx)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	s.lastCycleUnixNano.Store(time.Now().UTC().UnixNano())
	s.totalCycles.Add(1)
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	// Выгребаем всё накопившееся, пачками, чтобы один цикл не держал
	// транзакцию на тысячах строк.
	for {
		n, err := s.dispatch.SweepExpired(ctx, s.batchSize)
		if err != nil {
			slog.Error("sweep expired offers", "error", err.Error())
			s.totalErrors.Add(1)
			s.lastErrorMu.Lock()
			s.lastError = err.Error()
			s.lastErrorMu.Unlock()
			return
		}
		s.totalSwept.Add(int64(n))
		if n < s.batchSize {
			return
		}
	}
}
