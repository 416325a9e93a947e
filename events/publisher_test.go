package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisherWritesKeyedMessage(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, topic: "contacts.imports", logger: zap.NewNop()}

	err := p.PublishImportCompleted(context.Background(), &ImportCompleted{
		JobID:         "job-1",
		UserID:        "u1",
		IntegrationID: "i1",
		Provider:      "google",
		Status:        "COMPLETED",
		Imported:      2,
		ContactIDs:    []string{"a", "b"},
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "u1:i1", string(msg.Key))

	var evt ImportCompleted
	require.NoError(t, json.Unmarshal(msg.Value, &evt))
	assert.Equal(t, TypeImportCompleted, evt.Type)
	assert.Equal(t, []string{"a", "b"}, evt.ContactIDs)
	assert.False(t, evt.Timestamp.IsZero())

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisherReturnsWriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := &KafkaPublisher{writer: w, topic: "t", logger: zap.NewNop()}

	err := p.PublishImportCompleted(context.Background(), &ImportCompleted{JobID: "j"})
	assert.ErrorContains(t, err, "broker down")
}

func TestLogPublisherLogsSummary(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	p := NewLogPublisher(zap.New(core))

	require.NoError(t, p.PublishImportCompleted(context.Background(), &ImportCompleted{JobID: "j", Imported: 4}))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, int64(4), logs.All()[0].ContextMap()["imported"])
}

func TestParseBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, ParseBrokers(" a:9092, ,b:9092 "))
	assert.Nil(t, ParseBrokers(""))
}
