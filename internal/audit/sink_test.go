package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingWriter struct {
	mu      sync.Mutex
	entries []Entry
	err     error
	block   chan struct{}
}

func (w *recordingWriter) AppendAudit(ctx context.Context, e Entry) error {
	if w.block != nil {
		<-w.block
	}
	if w.err != nil {
		return w.err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, e)
	return nil
}

func (w *recordingWriter) snapshot() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Entry(nil), w.entries...)
}

type panickingWriter struct{}

func (panickingWriter) AppendAudit(context.Context, Entry) error { panic("boom") }

func TestSinkWritesAndFillsDefaults(t *testing.T) {
	w := &recordingWriter{}
	now := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	s := NewSink(w, WithClock(func() time.Time { return now }))

	s.Record(Entry{TenantID: "t1", UserID: "u1", Action: ActionUserLoggedIn, Entity: "user", EntityID: "u1"})
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	got := w.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	if got[0].ID == "" || !got[0].Timestamp.Equal(now) {
		t.Fatalf("expected id and timestamp filled, got %+v", got[0])
	}
}

func TestSinkSwallowsWriterFailures(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	s := NewSink(&recordingWriter{err: errors.New("disk on fire")}, WithLogger(zap.New(core)))

	s.Record(Entry{TenantID: "t1", Action: ActionGradeRecorded, Entity: "grade"})
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if logs.FilterMessage("audit write failed").Len() != 1 {
		t.Fatalf("expected failure to be logged, got %v", logs.All())
	}
}

func TestSinkRecoversWriterPanic(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	s := NewSink(panickingWriter{}, WithLogger(zap.New(core)))
	s.Record(Entry{TenantID: "t1", Action: ActionClassCreated, Entity: "class"})
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if logs.FilterMessage("audit write panicked").Len() != 1 {
		t.Fatal("expected panic to be logged")
	}
}

func TestSinkDropsWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	w := &recordingWriter{block: block}
	core, logs := observer.New(zap.WarnLevel)
	s := NewSink(w, WithQueueSize(1), WithWorkers(1), WithLogger(zap.New(core)))

	for i := 0; i < 10; i++ {
		s.Record(Entry{TenantID: "t1", Action: ActionAttendanceMarked, Entity: "attendance"})
	}
	close(block)
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	written := len(w.snapshot())
	dropped := logs.FilterMessage("audit entry dropped").Len()
	if written+dropped != 10 || dropped == 0 {
		t.Fatalf("expected drops with nothing lost silently, written=%d dropped=%d", written, dropped)
	}
}

func TestSinkRecordAfterCloseIsDropped(t *testing.T) {
	w := &recordingWriter{}
	s := NewSink(w)
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	s.Record(Entry{TenantID: "t1", Action: ActionUserLoggedOut})
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if len(w.snapshot()) != 0 {
		t.Fatal("expected entry recorded after close to be dropped")
	}
}

func TestNilSinkRecordIsNoop(t *testing.T) {
	var s *Sink
	s.Record(Entry{Action: ActionUserLoggedIn})
}

func TestWithChangeKeepsMetadata(t *testing.T) {
	meta := WithChange(map[string]any{"reason": "typo"}, map[string]any{"value": 1}, map[string]any{"value": 2})
	if meta["reason"] != "typo" || meta["before"] == nil || meta["after"] == nil {
		t.Fatalf("unexpected metadata %v", meta)
	}
}
