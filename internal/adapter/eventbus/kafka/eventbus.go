package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/evalplane/evalplane/internal/domain"
)

// EventBus implements domain.EventBus over Kafka. Publish is a transactional,
// single-record produce (EOS for the producer side); Subscribe consumes with
// manual offset commits so a handler error or crash leaves the record
// unacked for redelivery.
type EventBus struct {
	producer *kgo.Client
	brokers  []string
	groupID  string
}

// New constructs an EventBus and ensures every known evaluation topic exists.
func New(ctx context.Context, brokers []string, producerTransactionalID string) (*EventBus, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=eventbus.kafka.new: no seed brokers provided")
	}
	kotelTracer := kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))
	kotelService := kotel.NewKotel(kotel.WithTracer(kotelTracer))

	producer, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(producerTransactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.WithHooks(kotelService.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=eventbus.kafka.new_producer: %w", err)
	}

	if err := ensureTopics(ctx, producer, allTopics(), 6, 1); err != nil {
		slog.Warn("failed to ensure evaluation topics exist, continuing (they may already exist)", slog.Any("error", err))
	}

	return &EventBus{producer: producer, brokers: brokers, groupID: "evalplane-projector"}, nil
}

// Publish produces ev to its kind's topic inside a single-record transaction.
func (b *EventBus) Publish(ctx context.Context, ev domain.EvaluationEvent) error {
	tracer := otel.Tracer("eventbus.kafka")
	ctx, span := tracer.Start(ctx, "kafka.Publish")
	defer span.End()

	if ev.EventID == "" {
		return fmt.Errorf("op=eventbus.kafka.publish: event_id is required")
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=eventbus.kafka.publish.marshal: %w", err)
	}

	record := &kgo.Record{
		Topic: topicFor(ev.Kind),
		Key:   []byte(ev.EvalID),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "event_id", Value: []byte(ev.EventID)},
			{Key: "eval_id", Value: []byte(ev.EvalID)},
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	}

	if err := b.producer.BeginTransaction(); err != nil {
		return fmt.Errorf("op=eventbus.kafka.publish.begin_tx: %w", err)
	}
	promise := kgo.AbortingFirstErrPromise(b.producer)
	b.producer.Produce(ctx, record, promise.Promise())
	if err := promise.Err(); err != nil {
		if abortErr := b.producer.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("failed to abort publish transaction", slog.Any("error", abortErr))
		}
		return fmt.Errorf("op=eventbus.kafka.publish.produce: %w", err)
	}
	if err := b.producer.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return fmt.Errorf("op=eventbus.kafka.publish.commit: %w", err)
	}
	return nil
}

// Subscribe consumes every topic mapped from kinds under a shared consumer
// group and invokes handler for each decoded event, committing the offset
// only after handler returns nil. Blocks until ctx is cancelled.
func (b *EventBus) Subscribe(ctx context.Context, kinds []domain.EventKind, handler func(context.Context, domain.EvaluationEvent) error) error {
	topics := make([]string, len(kinds))
	for i, k := range kinds {
		topics[i] = topicFor(k)
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(b.brokers...),
		kgo.ConsumerGroup(b.groupID),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
		kgo.FetchMaxWait(5*time.Second),
	)
	if err != nil {
		return fmt.Errorf("op=eventbus.kafka.subscribe.new_client: %w", err)
	}
	defer client.Close()

	tracer := otel.Tracer("eventbus.kafka")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		fetches := client.PollFetches(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		for _, ferr := range fetches.Errors() {
			slog.Error("eventbus fetch error", slog.String("topic", ferr.Topic), slog.Int("partition", int(ferr.Partition)), slog.Any("error", ferr.Err))
		}

		fetches.EachRecord(func(record *kgo.Record) {
			recCtx, span := tracer.Start(ctx, "kafka.Subscribe.handle")
			defer span.End()

			var ev domain.EvaluationEvent
			if err := json.Unmarshal(record.Value, &ev); err != nil {
				slog.Error("failed to unmarshal event, skipping and committing to avoid poison-pill replay",
					slog.String("topic", record.Topic), slog.Any("error", err))
				client.MarkCommitRecords(record)
				return
			}
			if err := handler(recCtx, ev); err != nil {
				slog.Error("event handler failed, leaving offset uncommitted for redelivery",
					slog.String("event_id", ev.EventID), slog.String("eval_id", ev.EvalID), slog.Any("error", err))
				return
			}
			client.MarkCommitRecords(record)
		})

		if err := client.CommitMarkedOffsets(ctx); err != nil {
			slog.Error("failed to commit marked offsets", slog.Any("error", err))
		}
	}
}

// Ping verifies the broker connection is alive, for use as a readiness probe.
func (b *EventBus) Ping(ctx context.Context) error {
	if err := b.producer.Ping(ctx); err != nil {
		return fmt.Errorf("op=eventbus.kafka.ping: %w", err)
	}
	return nil
}

// Close closes the producer client.
func (b *EventBus) Close() error {
	if b.producer != nil {
		b.producer.Close()
	}
	return nil
}

var _ domain.EventBus = (*EventBus)(nil)
