package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/mnemogo/mnemogo/internal/aggregate"
	"github.com/mnemogo/mnemogo/internal/observability"
)

const defaultBatchBackpressure = 2 * time.Second

// delivery is an in-flight produce, carrying the record that was handed to
// the client, the channel its promise will signal completion on, and the
// submission's request id for log correlation.
type delivery struct {
	record    *kgo.Record
	result    chan error
	requestID string
}

// Ingress stamps an ingress-local sequence number onto every submitted
// command, keys the produced record by entity id so the broker preserves
// per-entity order, and periodically drains delivery confirmations in the
// background. Submit itself never blocks on broker acknowledgement: it
// hands the record to the client's async producer and queues the
// in-flight handle, so a slow or failing broker never stalls the caller.
type Ingress[S any, E aggregate.Event[S]] struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger

	seqNr int64

	mu      sync.Mutex
	pending []delivery

	batchBackpressure time.Duration
	stop              chan struct{}
	done              chan struct{}
}

// NewIngress constructs an ingress producer for the given brokers and
// topic, creating the topic if it does not already exist. A
// batchBackpressure <= 0 falls back to this package's default, so callers
// may pass a zero-value Config.
func NewIngress[S any, E aggregate.Event[S]](brokers []string, topic string, batchBackpressure time.Duration, logger *slog.Logger) (*Ingress[S, E], error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=ingress.new: %w", aggregate.ErrConnection)
	}
	if topic == "" {
		topic = defaultCommandTopic
	}
	if batchBackpressure <= 0 {
		batchBackpressure = defaultBatchBackpressure
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=ingress.new: %w", aggregate.ErrBroker)
	}

	if err := ensureTopicWithRetry(context.Background(), client, topic, logger); err != nil {
		logger.Warn("failed to ensure command topic exists after retrying", slog.String("topic", topic), slog.Any("error", err))
	}

	ig := &Ingress[S, E]{
		client:            client,
		topic:             topic,
		logger:            logger,
		batchBackpressure: batchBackpressure,
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}
	go ig.drainLoop()
	return ig, nil
}

// Submit stamps the command into a Record envelope and hands it to the
// client's asynchronous producer keyed by entity id, so all commands for
// one entity land on the same partition and are consumed in submission
// order. It returns as soon as the record is queued for production,
// without waiting for the broker to acknowledge it; the background drain
// loop is what observes the eventual delivery outcome. Each submission is
// stamped with a request id (reused from ctx when the caller already
// carries one) that travels as a record header, so the dispatcher,
// processor, and journal can correlate their logs with this submission.
func (ig *Ingress[S, E]) Submit(ctx aggregate.Context, cmd aggregate.Command[S, E]) error {
	entityID := cmd.EntityID()
	if entityID == "" {
		return fmt.Errorf("op=ingress.submit: %w", aggregate.ErrInvalidEntityID)
	}

	requestID := observability.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	seq := atomic.AddInt64(&ig.seqNr, 1)
	rec := aggregate.NewCommandRecord(entityID, seq, cmd, cmd.Name())

	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("op=ingress.submit.marshal: %w", aggregate.ErrDecoding)
	}

	kr := &kgo.Record{
		Topic: ig.topic,
		Key:   []byte(entityID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "entity_id", Value: []byte(entityID)},
			{Key: "command", Value: []byte(cmd.Name())},
			{Key: "request_id", Value: []byte(requestID)},
		},
	}

	result := make(chan error, 1)
	ig.client.Produce(ctx, kr, func(_ *kgo.Record, err error) {
		result <- err
	})

	ig.mu.Lock()
	ig.pending = append(ig.pending, delivery{record: kr, result: result, requestID: requestID})
	ig.mu.Unlock()

	observability.CommandsIngestedTotal.WithLabelValues(cmd.Name()).Inc()
	return nil
}

// drainLoop periodically takes the buffer of in-flight deliveries and
// awaits completion of each one. A failed produce is logged and dropped —
// the command never reaches the journal, and the caller is responsible
// for resubmitting it — matching this component's at-least-once ingress
// contract.
func (ig *Ingress[S, E]) drainLoop() {
	defer close(ig.done)
	ticker := time.NewTicker(ig.batchBackpressure)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ig.mu.Lock()
			batch := ig.pending
			ig.pending = nil
			ig.mu.Unlock()

			for _, d := range batch {
				if err := <-d.result; err != nil {
					ig.logger.Error("produce failed, command un-journaled",
						slog.String("entity_id", string(d.record.Key)),
						slog.String("request_id", d.requestID),
						slog.Any("error", err))
				}
			}
			if len(batch) > 0 {
				ig.logger.Debug("drained confirmed deliveries", slog.Int("count", len(batch)))
			}
		case <-ig.stop:
			return
		}
	}
}

// Close stops the drain loop and closes the underlying producer client.
func (ig *Ingress[S, E]) Close() error {
	close(ig.stop)
	<-ig.done
	ig.client.Close()
	return nil
}

// ensureTopicWithRetry wraps createTopicIfNotExists in a bounded exponential
// backoff, because the broker the ingress was just pointed at may still be
// coming up (e.g. right after a fresh docker-compose start) when the engine
// process starts.
func ensureTopicWithRetry(ctx context.Context, client *kgo.Client, topic string, logger *slog.Logger) error {
	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = 30 * time.Second
	bo := backoff.WithContext(expo, ctx)

	attempt := 0
	op := func() error {
		attempt++
		err := createTopicIfNotExists(ctx, client, topic, 8, 1)
		if err != nil {
			logger.Debug("topic creation attempt failed, retrying",
				slog.String("topic", topic), slog.Int("attempt", attempt), slog.Any("error", err))
		}
		return err
	}
	return backoff.Retry(op, bo)
}

// createTopicIfNotExists creates topic with the given partitions and
// replication factor, tolerating a TOPIC_ALREADY_EXISTS response.
func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000
	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replicationFactor
	req.Topics = append(req.Topics, topicReq)

	raw, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	resp, ok := raw.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", raw)
	}
	for _, t := range resp.Topics {
		if t.ErrorCode != 0 && t.ErrorCode != 36 { // 36 = TOPIC_ALREADY_EXISTS
			msg := ""
			if t.ErrorMessage != nil {
				msg = *t.ErrorMessage
			}
			return fmt.Errorf("create topic error: %s (code %d)", msg, t.ErrorCode)
		}
	}
	return nil
}
