// Package events publishes compliance results to Kafka for downstream
// consumers such as monitoring dashboards.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Event types.
const (
	TypeVisitEvaluated    = "visit.evaluated"
	TypeCycleEvaluated    = "cycle.evaluated"
	TypeDeviationRaised   = "deviation.raised"
	TypeDeviationResolved = "deviation.resolved"
)

const (
	DefaultTopic  = "ctms.compliance"
	DefaultSource = "ctms-server"
)

// Event is the JSON envelope written to the topic.
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Source    string      `json:"source"`
	SubjectID uuid.UUID   `json:"subject_id"`
	StudyID   uuid.UUID   `json:"study_id"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Publisher emits compliance events.
type Publisher interface {
	Publish(ctx context.Context, eventType string, subjectID, studyID uuid.UUID, data interface{}) error
	Close() error
}

type Config struct {
	Brokers []string
	Topic   string
	Source  string
}

// New returns a Kafka publisher, or a no-op one when no brokers are set.
func New(cfg Config, logger zerolog.Logger) Publisher {
	if len(cfg.Brokers) == 0 {
		return NoopPublisher{}
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	}
	return newKafkaPublisher(w, cfg.Topic, cfg.Source, logger)
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one message per event, keyed by subject so a
// subject's events stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	source string
	logger zerolog.Logger
	now    func() time.Time
}

func newKafkaPublisher(w messageWriter, topic, source string, logger zerolog.Logger) *KafkaPublisher {
	if source == "" {
		source = DefaultSource
	}
	return &KafkaPublisher{
		writer: w,
		topic:  topic,
		source: source,
		logger: logger.With().Str("component", "events").Str("topic", topic).Logger(),
		now:    time.Now,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, eventType string, subjectID, studyID uuid.UUID, data interface{}) error {
	event := Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    p.source,
		SubjectID: subjectID,
		StudyID:   studyID,
		Data:      data,
		Timestamp: p.now().UTC(),
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(subjectID.String()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(eventType)},
			{Key: "source", Value: []byte(p.source)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}

	p.logger.Debug().Str("event_id", event.ID).Str("event_type", eventType).Msg("event published")
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, uuid.UUID, uuid.UUID, interface{}) error {
	return nil
}

func (NoopPublisher) Close() error { return nil }
