// ABOUTME: Post-import side-effect events
// ABOUTME: Publishes import completion with the touched contact ids to Kafka or to the log
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// TypeImportCompleted is the event type emitted when a job reaches a terminal state.
const TypeImportCompleted = "import.completed"

// ImportCompleted describes a finished import or sync job.
type ImportCompleted struct {
	Type          string    `json:"type"`
	JobID         string    `json:"job_id"`
	UserID        string    `json:"user_id"`
	IntegrationID string    `json:"integration_id"`
	Provider      string    `json:"provider"`
	Status        string    `json:"status"`
	Imported      int       `json:"imported"`
	Updated       int       `json:"updated"`
	Skipped       int       `json:"skipped"`
	Deleted       int       `json:"deleted"`
	Failed        int       `json:"failed"`
	ContactIDs    []string  `json:"contact_ids"`
	Timestamp     time.Time `json:"timestamp"`
}

// Publisher delivers post-import events.
type Publisher interface {
	PublishImportCompleted(ctx context.Context, evt *ImportCompleted) error
	Close() error
}

// ParseBrokers splits a comma-separated broker list.
func ParseBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a Kafka topic keyed by user and integration.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

// NewKafkaPublisher creates a synchronous producer for topic.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: writer, topic: topic, logger: logger}
}

func (p *KafkaPublisher) PublishImportCompleted(ctx context.Context, evt *ImportCompleted) error {
	if evt == nil {
		return fmt.Errorf("import event is nil")
	}
	stamp(evt)

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal import event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(evt.UserID + ":" + evt.IntegrationID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(evt.Type)},
			{Key: "job_id", Value: []byte(evt.JobID)},
			{Key: "provider", Value: []byte(evt.Provider)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to publish import event",
			zap.String("topic", p.topic),
			zap.String("job_id", evt.JobID),
			zap.Error(err))
		return fmt.Errorf("failed to publish import event: %w", err)
	}

	p.logger.Debug("published import event", zap.String("topic", p.topic), zap.String("job_id", evt.JobID))
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher records events in the log only.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) PublishImportCompleted(_ context.Context, evt *ImportCompleted) error {
	if evt == nil {
		return fmt.Errorf("import event is nil")
	}
	stamp(evt)
	p.logger.Info("import finished",
		zap.String("job_id", evt.JobID),
		zap.String("integration_id", evt.IntegrationID),
		zap.String("status", evt.Status),
		zap.Int("imported", evt.Imported),
		zap.Int("updated", evt.Updated),
		zap.Int("skipped", evt.Skipped),
		zap.Int("deleted", evt.Deleted),
		zap.Int("failed", evt.Failed),
		zap.Int("touched", len(evt.ContactIDs)))
	return nil
}

func (p *LogPublisher) Close() error { return nil }

func stamp(evt *ImportCompleted) {
	if evt.Type == "" {
		evt.Type = TypeImportCompleted
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.ContactIDs == nil {
		evt.ContactIDs = []string{}
	}
}
