package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestNew_NoBrokersIsNoop(t *testing.T) {
	p := New(Config{}, zerolog.Nop())
	if _, ok := p.(NoopPublisher); !ok {
		t.Fatalf("expected NoopPublisher, got %T", p)
	}
	if err := p.Publish(context.Background(), TypeVisitEvaluated, uuid.New(), uuid.New(), nil); err != nil {
		t.Errorf("noop publish: %v", err)
	}
}

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, DefaultTopic, "", zerolog.Nop())
	fixed := time.Date(2025, 9, 7, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	subject, study := uuid.New(), uuid.New()
	data := map[string]interface{}{"compliance_percentage": 100.0}
	if err := p.Publish(context.Background(), TypeCycleEvaluated, subject, study, data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}

	msg := w.msgs[0]
	if string(msg.Key) != subject.String() {
		t.Errorf("expected subject key, got %s", msg.Key)
	}
	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["event-type"] != TypeCycleEvaluated || headers["source"] != DefaultSource {
		t.Errorf("unexpected headers %v", headers)
	}

	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		t.Fatalf("invalid envelope: %v", err)
	}
	if ev.Type != TypeCycleEvaluated || ev.SubjectID != subject || ev.StudyID != study {
		t.Errorf("unexpected envelope %+v", ev)
	}
	if !ev.Timestamp.Equal(fixed) {
		t.Errorf("expected timestamp %v, got %v", fixed, ev.Timestamp)
	}
	if _, err := uuid.Parse(ev.ID); err != nil {
		t.Errorf("event id should be a uuid: %v", err)
	}
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := newKafkaPublisher(w, DefaultTopic, "test", zerolog.Nop())
	err := p.Publish(context.Background(), TypeDeviationRaised, uuid.New(), uuid.New(), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, w.err) {
		t.Errorf("expected wrapped writer error, got %v", err)
	}
}

func TestKafkaPublisher_Close(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, DefaultTopic, "test", zerolog.Nop())
	if err := p.Close(); err != nil || !w.closed {
		t.Errorf("expected writer closed, err=%v", err)
	}
}
