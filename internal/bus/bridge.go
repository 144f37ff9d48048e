// Package bus bridges the external NATS event fabric into the gateway.
// Upstream services publish domain events on `<prefix>.<topic>` subjects;
// the bridge feeds them to the matching topic handler or straight to the
// broadcaster.
package bus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/ws-gateway/internal/gateway"
	"github.com/adred-codev/ws-gateway/internal/protocol"
)

// Publisher is the bridge's outbound seam, satisfied by
// *gateway.Broadcaster.
type Publisher interface {
	Publish(topic string, env *protocol.Envelope, opts *gateway.PublishOptions)
	PublishDirected(principalID string, env *protocol.Envelope, opts *gateway.PublishOptions)
}

// Ingestor is implemented by topic handlers that maintain their own
// state from bus events (quote caches, balance stores). When a topic has
// an ingestor, the bridge hands the event payload to it instead of
// publishing directly; the ingestor decides what reaches clients.
type Ingestor interface {
	ApplyUpdate(data json.RawMessage) error
}

// Event is the wire shape upstream services publish.
type Event struct {
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data"`
	Recipient string          `json:"recipient,omitempty"`
	Store     bool            `json:"store,omitempty"`
}

// Config holds bridge settings.
type Config struct {
	URL           string
	SubjectPrefix string
	Logger        zerolog.Logger
}

// Bridge is one NATS subscription fanning events into the gateway.
type Bridge struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	prefix string
	pub    Publisher
	logger zerolog.Logger

	ingestors map[string]Ingestor
}

// Connect dials NATS with indefinite reconnects. The connection logs its
// own lifecycle; a dropped broker degrades the feed, not the gateway.
func Connect(cfg Config, pub Publisher) (*Bridge, error) {
	logger := cfg.Logger.With().Str("component", "bus").Logger()

	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	return &Bridge{
		nc:        nc,
		prefix:    strings.TrimSuffix(cfg.SubjectPrefix, "."),
		pub:       pub,
		logger:    logger,
		ingestors: make(map[string]Ingestor),
	}, nil
}

// RegisterIngestor routes events for a topic through a stateful handler.
// Must be called before Start.
func (b *Bridge) RegisterIngestor(topic string, ing Ingestor) {
	b.ingestors[topic] = ing
}

// Start subscribes to every subject under the prefix.
func (b *Bridge) Start() error {
	sub, err := b.nc.Subscribe(b.prefix+".>", b.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s.>: %w", b.prefix, err)
	}
	b.sub = sub
	b.logger.Info().Str("subject", b.prefix+".>").Msg("event bridge started")
	return nil
}

func (b *Bridge) handle(msg *nats.Msg) {
	topic := strings.TrimPrefix(msg.Subject, b.prefix+".")
	if topic == "" || topic == msg.Subject {
		return
	}

	var ev Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		b.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("malformed bus event")
		return
	}

	if ing, ok := b.ingestors[topic]; ok {
		if err := ing.ApplyUpdate(ev.Data); err != nil {
			b.logger.Warn().Err(err).Str("topic", topic).Msg("bus event rejected by handler")
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
		b.pub.PublishDirected(ev.Recipient, env, &gateway.PublishOptions{Store: ev.Store})
		return
	}
	b.pub.Publish(topic, env, nil)
}

// Close drains the subscription and closes the connection.
func (b *Bridge) Close() {
	if b.sub != nil {
		b.sub.Unsubscribe()
	}
	if b.nc != nil {
		b.nc.Drain()
	}
}
