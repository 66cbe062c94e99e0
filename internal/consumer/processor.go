// Package consumer reads outbox topics and hands decoded events to settlement handlers.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"example.com/settlement/internal/outbox"
)

// Reader is the subset of *kafka.Reader the processor uses.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Handler receives decoded messages.
type Handler interface {
	Handle(context.Context, Message) error
}

// Message is a record written by the outbox dispatcher with its framing removed.
type Message struct {
	Topic         string
	Partition     int
	Offset        int64
	Timestamp     time.Time
	Key           string
	EventType     string
	SchemaSubject string
	SchemaID      int
	Payload       json.RawMessage
}

// Option configures optional behaviour for the Processor.
type Option func(*Processor)

// WithLogger overrides the logger used to report errors.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Processor) {
		p.logger = logger.With().Str("component", "consumer").Logger()
	}
}

// WithRetry sets the backoff applied between handler attempts for one message. A fresh BackOff
// is taken from newBackOff per message.
func WithRetry(newBackOff func() backoff.BackOff) Option {
	return func(p *Processor) {
		p.newBackOff = newBackOff
	}
}

// DefaultRetry retries a failing handler three times with exponential backoff from 200ms.
func DefaultRetry() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return backoff.WithMaxRetries(b, 3)
}

// Processor pulls messages from a Reader, decodes them and dispatches to a Handler.
//
// Offsets are committed after a message is handled or found malformed. A handler that keeps
// failing past the retry budget leaves its offset uncommitted; a later commit on the partition
// may still move past it, so handlers must tolerate both redelivery and loss.
type Processor struct {
	reader     Reader
	handler    Handler
	newBackOff func() backoff.BackOff
	logger     zerolog.Logger
}

// NewProcessor constructs a Processor with the provided reader and handler.
func NewProcessor(reader Reader, handler Handler, opts ...Option) *Processor {
	p := &Processor{
		reader:     reader,
		handler:    handler,
		newBackOff: DefaultRetry,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run processes messages until ctx is cancelled or the reader is closed.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := p.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return err
			}
			p.logger.Error().Err(err).Msg("fetch error")
			continue
		}

		event, err := decodeMessage(msg)
		if err != nil {
			p.logger.Warn().Err(err).
				Str("topic", msg.Topic).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("decode error")
			recordResult(msg.Topic, "", resultDecodeError)
			p.commit(ctx, msg)
			continue
		}

		start := time.Now()
		err = p.handle(ctx, event)
		handleDuration.WithLabelValues(event.Topic).Observe(time.Since(start).Seconds())
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			p.logger.Error().Err(err).
				Str("event_type", event.EventType).
				Str("key", event.Key).
				Int64("offset", event.Offset).
				Msg("handler failed, offset left uncommitted")
			recordResult(event.Topic, event.EventType, resultHandlerError)
			continue
		}

		if p.commit(ctx, msg) {
			recordHandled(event)
		}
	}
}

func (p *Processor) handle(ctx context.Context, event Message) error {
	attempt := 0
	op := func() error {
		attempt++
		return p.handler.Handle(ctx, event)
	}
	notify := func(err error, wait time.Duration) {
		handlerRetries.WithLabelValues(event.Topic, event.EventType).Inc()
		p.logger.Warn().Err(err).
			Str("key", event.Key).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("handler error, retrying")
	}
	return backoff.RetryNotify(op, backoff.WithContext(p.newBackOff(), ctx), notify)
}

func (p *Processor) commit(ctx context.Context, msg kafka.Message) bool {
	if err := p.reader.CommitMessages(ctx, msg); err != nil {
		p.logger.Error().Err(err).
			Str("topic", msg.Topic).
			Int64("offset", msg.Offset).
			Msg("commit error")
		return false
	}
	return true
}

func decodeMessage(msg kafka.Message) (Message, error) {
	schemaID, body, err := outbox.DecodeWireFormat(msg.Value)
	if err != nil {
		return Message{}, err
	}

	eventType, ok := headerValue(msg, outbox.HeaderEventType)
	if !ok {
		return Message{}, fmt.Errorf("missing %s header", outbox.HeaderEventType)
	}
	subject, _ := headerValue(msg, outbox.HeaderSchemaSubject)

	return Message{
		Topic:         msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		Timestamp:     msg.Time,
		Key:           string(msg.Key),
		EventType:     eventType,
		SchemaSubject: subject,
		SchemaID:      schemaID,
		Payload:       json.RawMessage(append([]byte(nil), body...)),
	}, nil
}

func headerValue(msg kafka.Message, key string) (string, bool) {
	for _, header := range msg.Headers {
		if header.Key == key {
			return string(header.Value), true
		}
	}
	return "", false
}
