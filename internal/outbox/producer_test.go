package outbox

import (
	"context"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type stubNATS struct {
	published []*nats.Msg
	err       error
	flushed   int
}

func (s *stubNATS) PublishMsg(msg *nats.Msg) error {
	if s.err != nil {
		return s.err
	}
	s.published = append(s.published, msg)
	return nil
}

func (s *stubNATS) FlushWithContext(context.Context) error {
	s.flushed++
	return nil
}

func TestNATSProducerPublishesFramedMessages(t *testing.T) {
	conn := &stubNATS{}
	producer := NewNATSProducer(conn, "settlement")

	frame := encodeWireFormat(9, []byte(`{"activity_id":"a-1"}`))
	err := producer.WriteMessages(context.Background(), "activity_audit",
		kafka.Message{Key: []byte("a-1"), Value: frame, Headers: []kafka.Header{{Key: HeaderEventType, Value: []byte("activity.audited")}}},
		kafka.Message{Key: []byte("a-2"), Value: frame},
	)
	require.NoError(t, err)

	require.Len(t, conn.published, 2)
	require.Equal(t, "settlement.activity_audit", conn.published[0].Subject)
	require.Equal(t, "a-2", conn.published[1].Header.Get(PartitionKeyHeader))
	require.Equal(t, 1, conn.flushed)
	require.Equal(t, "activity.audited", conn.published[0].Header.Get(HeaderEventType))

	id, body, err := DecodeWireFormat(conn.published[0].Data)
	require.NoError(t, err)
	require.Equal(t, 9, id)
	require.JSONEq(t, `{"activity_id":"a-1"}`, string(body))
}

func TestNATSProducerStopsOnPublishError(t *testing.T) {
	conn := &stubNATS{err: errors.New("connection closed")}
	producer := NewNATSProducer(conn, "")

	err := producer.WriteMessages(context.Background(), "activity_settlement", kafka.Message{Value: []byte{0, 0, 0, 0, 1}})
	require.Error(t, err)
	require.Zero(t, conn.flushed)
}

func TestDecodeWireFormatRejectsUnframedPayload(t *testing.T) {
	_, _, err := DecodeWireFormat([]byte(`{}`))
	require.Error(t, err)
}
