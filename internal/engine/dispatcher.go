package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/mnemogo/mnemogo/internal/aggregate"
	"github.com/mnemogo/mnemogo/internal/journal"
	"github.com/mnemogo/mnemogo/internal/observability"
)

// chunk-processing constants, overridable via Config.
const (
	defaultChunkSize         = 100
	defaultChunkBackpressure = 2 * time.Second
	defaultCommandTopic      = "commands"
	defaultConsumerGroup     = "mnemosyne"
)

// Decoder turns a raw command-record payload plus its stamped type name
// into a concrete Command, the way client code hooks its command enum into
// the dispatcher without this package needing to know the concrete type.
type Decoder[S any, E aggregate.Event[S]] func(entityID, name string, raw []byte) (aggregate.Command[S, E], error)

// Dispatcher consumes the command topic, routes each record to its
// entity's processor by key, and commits consumer offsets once a chunk has
// been fully handled — but only if nothing in the chunk failed with a
// retryable (storage/connection/broker) error, leaving the chunk
// uncommitted for redelivery otherwise.
type Dispatcher[S any, E aggregate.Event[S]] struct {
	client  *kgo.Client
	decode  Decoder[S, E]
	journal journal.Adapter[E]
	logger  *slog.Logger
	topic   string

	chunkSize         int
	chunkBackpressure time.Duration

	mu         sync.Mutex
	processors map[string]*Processor[S, E]
}

// NewDispatcher constructs a dispatcher over the given brokers, consumer
// group, and topic. A chunkSize <= 0 or chunkBackpressure <= 0 falls back
// to this package's defaults, so callers may pass a zero-value Config.
func NewDispatcher[S any, E aggregate.Event[S]](brokers []string, group, topic string, chunkSize int, chunkBackpressure time.Duration, j journal.Adapter[E], decode Decoder[S, E], logger *slog.Logger) (*Dispatcher[S, E], error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=dispatcher.new: %w", aggregate.ErrConnection)
	}
	if group == "" {
		group = defaultConsumerGroup
	}
	if topic == "" {
		topic = defaultCommandTopic
	}
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if chunkBackpressure <= 0 {
		chunkBackpressure = defaultChunkBackpressure
	}

	kotelTracer := kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))
	kotelService := kotel.NewKotel(kotel.WithTracer(kotelTracer))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DisableAutoCommit(),
		kgo.FetchMaxWait(chunkBackpressure),
	)
	if err != nil {
		return nil, fmt.Errorf("op=dispatcher.new: %w", aggregate.ErrBroker)
	}

	return &Dispatcher[S, E]{
		client:            client,
		decode:            decode,
		journal:           j,
		logger:            logger,
		topic:             topic,
		chunkSize:         chunkSize,
		chunkBackpressure: chunkBackpressure,
		processors:        make(map[string]*Processor[S, E]),
	}, nil
}

// topicName returns the topic this dispatcher consumes, for metric labels.
func (d *Dispatcher[S, E]) topicName() string { return d.topic }

func (d *Dispatcher[S, E]) processorFor(ctx aggregate.Context, entityID string) (*Processor[S, E], error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.processors[entityID]; ok {
		return p, nil
	}

	p := NewProcessor[S, E](entityID, d.journal, d.logger)
	if err := p.Start(ctx); err != nil {
		return nil, err
	}
	d.processors[entityID] = p
	return p, nil
}

// processorForState resolves the processor to serve a GetState read. An
// entity with no live processor and no journaled events does not exist
// yet, so it is reported as not found rather than silently hydrated to a
// zero-value state; an entity with at least one journaled event (or an
// already-running processor) is resolved the normal way. This leaves
// processorFor's create-on-first-sight behavior for Submit untouched — a
// brand-new entity's first command still starts fresh at zero state.
func (d *Dispatcher[S, E]) processorForState(ctx aggregate.Context, entityID string) (*Processor[S, E], error) {
	d.mu.Lock()
	p, ok := d.processors[entityID]
	d.mu.Unlock()
	if ok {
		return p, nil
	}

	_, found, err := d.journal.Highest(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("op=dispatcher.processor_for_state: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("op=dispatcher.processor_for_state: entity %q: %w", entityID, aggregate.ErrInvalidCommand)
	}

	return d.processorFor(ctx, entityID)
}

// Run consumes chunks of up to chunkSize records, processing each record's
// command sequentially per the dispatcher loop, and commits offsets for
// the chunk unless a retryable error occurred. It blocks until ctx is
// canceled.
func (d *Dispatcher[S, E]) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.client.Close()
			return ctx.Err()
		default:
		}

		fetches := d.client.PollRecords(ctx, d.chunkSize)
		if fetches.IsClientClosed() {
			return nil
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				d.logger.Error("fetch error", slog.String("topic", e.Topic), slog.Any("error", e.Err))
			}
			continue
		}

		records := fetches.Records()
		if len(records) == 0 {
			continue
		}
		if len(records) <= 2 {
			time.Sleep(d.chunkBackpressure)
		}

		retryable := false
		for _, rec := range records {
			if err := d.processRecord(ctx, rec); err != nil {
				d.logger.Error("command processing failed",
					slog.String("key", string(rec.Key)),
					slog.Any("error", err))
				if aggregate.Classify(err) == aggregate.KindRetryable {
					retryable = true
				}
			}
		}

		if retryable {
			d.logger.Warn("chunk contained retryable failures, leaving offsets uncommitted")
			observability.DispatcherCommitFailuresTotal.WithLabelValues(d.topicName()).Inc()
			continue
		}
		if err := d.client.CommitRecords(ctx, records...); err != nil {
			d.logger.Error("commit failed", slog.Any("error", err))
		}
	}
}

func (d *Dispatcher[S, E]) processRecord(ctx aggregate.Context, rec *kgo.Record) error {
	if len(rec.Key) == 0 {
		return fmt.Errorf("op=dispatcher.decode_key: %w", aggregate.ErrInvalidKey)
	}
	if !utf8.Valid(rec.Key) {
		return fmt.Errorf("op=dispatcher.decode_key: %w", aggregate.ErrInvalidEntityID)
	}
	entityID := string(rec.Key)

	// Restore the submission's request id from the record header so the
	// processor and journal log under the same correlation id the ingress
	// stamped at submit time.
	for _, h := range rec.Headers {
		if h.Key == "request_id" && len(h.Value) > 0 {
			rid := string(h.Value)
			ctx = observability.ContextWithRequestID(ctx, rid)
			ctx = observability.ContextWithLogger(ctx, d.logger.With(slog.String("request_id", rid)))
			break
		}
	}

	var wire aggregate.Record[json.RawMessage]
	if err := json.Unmarshal(rec.Value, &wire); err != nil {
		return fmt.Errorf("op=dispatcher.decode_envelope: %w", aggregate.ErrDecoding)
	}
	if wire.Type == nil {
		return fmt.Errorf("op=dispatcher.decode_envelope: %w", aggregate.ErrInvalidCommand)
	}

	payload, err := json.Marshal(wire.Message)
	if err != nil {
		return fmt.Errorf("op=dispatcher.decode_envelope: %w", aggregate.ErrDecoding)
	}

	cmd, err := d.decode(entityID, *wire.Type, payload)
	if err != nil {
		return fmt.Errorf("op=dispatcher.decode_command: %w", aggregate.ErrInvalidCommand)
	}

	p, err := d.processorFor(ctx, entityID)
	if err != nil {
		return fmt.Errorf("op=dispatcher.processor_for: %w", err)
	}

	return p.Submit(ctx, cmd)
}

// Close releases the underlying broker client.
func (d *Dispatcher[S, E]) Close() {
	d.client.Close()
}
