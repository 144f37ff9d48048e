package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/adred-codev/ws-gateway/internal/gateway"
	"github.com/adred-codev/ws-gateway/internal/protocol"
)

// KafkaFeed consumes gateway events from a Kafka/Redpanda topic. Each
// record carries the gateway topic in its key and an Event in its value,
// so upstream services can publish through either fabric and reach the
// same handlers.
type KafkaFeed struct {
	client *kgo.Client
	pub    Publisher
	logger zerolog.Logger

	ingestors map[string]Ingestor

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// KafkaConfig holds feed settings.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	Group   string
	Logger  zerolog.Logger
}

// NewKafkaFeed creates the consumer client. Nothing is dialed until
// Start; a feed that never starts only needs Stop to release the client.
func NewKafkaFeed(cfg KafkaConfig, pub Publisher) (*KafkaFeed, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &KafkaFeed{
		client:    client,
		pub:       pub,
		logger:    cfg.Logger.With().Str("component", "kafka_feed").Logger(),
		ingestors: make(map[string]Ingestor),
	}, nil
}

// RegisterIngestor routes events for a topic through a stateful handler,
// exactly as on the NATS bridge. Must be called before Start.
func (f *KafkaFeed) RegisterIngestor(topic string, ing Ingestor) {
	f.ingestors[topic] = ing
}

// Start launches the poll loop.
func (f *KafkaFeed) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	f.wg.Add(1)
	go f.consumeLoop(ctx)
	f.logger.Info().Msg("kafka feed started")
}

func (f *KafkaFeed) consumeLoop(ctx context.Context) {
	defer f.wg.Done()
	for {
		fetches := f.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				f.logger.Error().Err(fe.Err).Str("kafka_topic", fe.Topic).Msg("kafka fetch error")
			}
			continue
		}
		fetches.EachRecord(f.processRecord)
	}
}

// processRecord routes one record the way the NATS bridge routes a
// message: ingestor first, then directed or broadcast publish.
func (f *KafkaFeed) processRecord(record *kgo.Record) {
	topic := string(record.Key)
	if topic == "" {
		return
	}

	var ev Event
	if err := json.Unmarshal(record.Value, &ev); err != nil {
		f.logger.Warn().Err(err).Str("topic", topic).Msg("malformed kafka event")
		return
	}

	if ing, ok := f.ingestors[topic]; ok {
		if err := ing.ApplyUpdate(ev.Data); err != nil {
			f.logger.Warn().Err(err).Str("topic", topic).Msg("kafka event rejected by handler")
		}
		return
	}

	env := &protocol.Envelope{
		Type:   protocol.TypeData,
		Action: ev.Action,
		Data:   ev.Data,
	}
	if ev.Recipient != "" {
		env.Topic = topic
		f.pub.PublishDirected(ev.Recipient, env, &gateway.PublishOptions{Store: ev.Store})
		return
	}
	f.pub.Publish(topic, env, nil)
}

// Stop cancels the poll loop, waits for it to exit and closes the client.
func (f *KafkaFeed) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
	f.client.Close()
}
