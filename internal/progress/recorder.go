package progress

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/cadence-cli/internal/observability"
)

const (
	defaultBatchSize = 50
	defaultFlush     = 2 * time.Second
	bufferSize       = 1024
	persistTimeout   = 10 * time.Second
)

// Recorder fans every event out to the structured log, to metrics and,
// asynchronously, to an EventStore.
type Recorder struct {
	runID   string
	logger  *zap.Logger
	metrics *observability.Metrics

	store     EventStore
	batchSize int
	flush     time.Duration
	events    chan Event
	wg        sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithMetrics updates counters and session status gauges.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

// WithStore persists events in batches of up to batchSize, flushing at least
// every interval.
func WithStore(s EventStore, batchSize int, interval time.Duration) Option {
	return func(r *Recorder) {
		r.store = s
		if batchSize > 0 {
			r.batchSize = batchSize
		}
		if interval > 0 {
			r.flush = interval
		}
	}
}

// NewRecorder starts the store consumer if a store is configured. The logger
// is expected to be scoped to the run already.
func NewRecorder(runID string, logger *zap.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		runID:     runID,
		logger:    logger.Named("progress"),
		batchSize: defaultBatchSize,
		flush:     defaultFlush,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.store != nil {
		r.events = make(chan Event, bufferSize)
		r.wg.Add(1)
		go r.consume()
	}
	return r
}

// Record stamps and dispatches e. It never blocks on the store; when the
// buffer is full the event is dropped from persistence only.
func (r *Recorder) Record(e Event) {
	if e.RunID == "" {
		e.RunID = r.runID
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	r.log(e)
	r.measure(e)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed || r.events == nil {
		return
	}
	select {
	case r.events <- e:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.logger.Warn("Progress buffer full, events not persisted", zap.Int64("dropped", n))
		}
	}
}

// Close drains pending events to the store. It is safe to call twice.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	if r.events != nil {
		close(r.events)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Dropped returns how many events could not be queued for persistence.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

func (r *Recorder) log(e Event) {
	fields := []zap.Field{
		observability.SessionID(e.SessionID),
		zap.String("event", string(e.Kind)),
		zap.String("detail", e.Detail),
		zap.Int("votes", e.VoteCount),
	}
	switch e.Kind {
	case SessionFailed, ChallengeTimeout:
		r.logger.Warn("Session event", fields...)
	case CycleStarted, ActionClicked:
		r.logger.Debug("Session event", fields...)
	default:
		r.logger.Info("Session event", fields...)
	}
}

func (r *Recorder) measure(e Event) {
	m := r.metrics
	if m == nil {
		return
	}
	m.RecordEvent(string(e.Kind))
	switch e.Kind {
	case VoteConfirmed:
		m.RecordVote(e.SessionID)
	case ChallengeAutoResolved:
		m.RecordChallenge("auto")
	case ChallengeResolved:
		m.RecordChallenge("manual")
	case ChallengeTimeout:
		m.RecordChallenge("timeout")
	case SessionStarted, SessionResumed:
		m.SetSessionStatus(e.SessionID, "running")
	case SessionPaused:
		m.SetSessionStatus(e.SessionID, "paused")
	case SessionStopped:
		m.SetSessionStatus(e.SessionID, "stopped")
	case SessionFailed:
		m.SetSessionStatus(e.SessionID, "failed")
	}
}

// -- Store consumer --

func (r *Recorder) consume() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.flush)
	defer ticker.Stop()

	batch := make([]Event, 0, r.batchSize)
	for {
		select {
		case e, ok := <-r.events:
			if !ok {
				r.persist(batch)
				return
			}
			batch = append(batch, e)
			if len(batch) >= r.batchSize {
				r.persist(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.persist(batch)
				batch = batch[:0]
			}
		}
	}
}

func (r *Recorder) persist(batch []Event) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	out := append([]Event(nil), batch...)
	if err := r.store.PersistEvents(ctx, out); err != nil {
		r.logger.Error("Failed to persist progress events", zap.Int("count", len(out)), zap.Error(err))
	}
}
