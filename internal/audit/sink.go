package audit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"campusgate.org/internal/ids"
)

var (
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_events_total",
			Help: "Audit events by result (recorded, failed, dropped).",
		},
		[]string{"result"},
	)
	metricsOnce sync.Once
)

// RegisterMetrics adds the audit counter to reg once.
func RegisterMetrics(reg prometheus.Registerer) {
	metricsOnce.Do(func() {
		reg.MustRegister(eventsTotal)
	})
}

// Sink queues entries and writes them from background workers. A full queue or a
// closed sink drops the entry; a failed write is logged and dropped.
type Sink struct {
	w            Writer
	log          *zap.Logger
	now          func() time.Time
	writeTimeout time.Duration
	workers      int

	mu     sync.RWMutex
	closed bool
	queue  chan Entry
	wg     sync.WaitGroup
}

type SinkOption func(*Sink)

func WithQueueSize(n int) SinkOption {
	return func(s *Sink) {
		if n > 0 {
			s.queue = make(chan Entry, n)
		}
	}
}

func WithWorkers(n int) SinkOption {
	return func(s *Sink) {
		if n > 0 {
			s.workers = n
		}
	}
}

func WithLogger(l *zap.Logger) SinkOption {
	return func(s *Sink) {
		if l != nil {
			s.log = l
		}
	}
}

func WithClock(fn func() time.Time) SinkOption {
	return func(s *Sink) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewSink starts the workers immediately.
func NewSink(w Writer, opts ...SinkOption) *Sink {
	s := &Sink{
		w:            w,
		log:          zap.NewNop(),
		now:          time.Now,
		writeTimeout: 5 * time.Second,
		workers:      1,
		queue:        make(chan Entry, 256),
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.run()
	}
	return s
}

// Record schedules e and returns immediately. It never fails.
func (s *Sink) Record(e Entry) {
	if s == nil {
		return
	}
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now().UTC()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.drop(e, "sink closed")
		return
	}
	select {
	case s.queue <- e:
	default:
		s.drop(e, "queue full")
	}
}

// Close stops accepting entries and waits for the queue to drain or ctx to end.
// Entries still queued when ctx ends are lost.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sink) run() {
	defer s.wg.Done()
	for e := range s.queue {
		s.write(e)
	}
}

func (s *Sink) write(e Entry) {
	defer func() {
		if r := recover(); r != nil {
			eventsTotal.WithLabelValues("failed").Inc()
			s.log.Error("audit write panicked", zap.String("action", e.Action), zap.Any("panic", r))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()
	if err := s.w.AppendAudit(ctx, e); err != nil {
		eventsTotal.WithLabelValues("failed").Inc()
		s.log.Warn("audit write failed",
			zap.String("action", e.Action),
			zap.String("tenant_id", e.TenantID),
			zap.String("request_id", e.RequestID),
			zap.Error(err),
		)
		return
	}
	eventsTotal.WithLabelValues("recorded").Inc()
}

func (s *Sink) drop(e Entry, reason string) {
	eventsTotal.WithLabelValues("dropped").Inc()
	s.log.Warn("audit entry dropped",
		zap.String("reason", reason),
		zap.String("action", e.Action),
		zap.String("tenant_id", e.TenantID),
	)
}
