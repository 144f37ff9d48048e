package gateway

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/adred-codev/ws-gateway/internal/monitoring"
	"github.com/adred-codev/ws-gateway/internal/offline"
	"github.com/adred-codev/ws-gateway/internal/protocol"
)

// PublishOptions modifies a publish. Store requests store-and-forward for
// Recipient when no open connection of theirs is subscribed to the topic.
type PublishOptions struct {
	Store     bool
	Recipient string
}

// OfflineStore is the broadcaster's seam to the offline queue; nil
// disables store-and-forward.
type OfflineStore interface {
	Append(principalID, topic string, envelope []byte) error
}

// Broadcaster fans outbound DATA/SYSTEM events from topic handlers out to
// subscribed connections. Its only mutation of a connection is Enqueue;
// the topic index belongs to the registry.
type Broadcaster struct {
	registry *Registry
	store    OfflineStore
	logger   zerolog.Logger
}

func NewBroadcaster(registry *Registry, store OfflineStore, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		store:    store,
		logger:   logger.With().Str("component", "broadcaster").Logger(),
	}
}

// Publish delivers an envelope to every subscriber of the topic. The
// envelope is serialized once; enqueue is non-blocking, so a full queue
// drops the frame for that subscriber only. With opts.Store set and a
// recipient that has no open subscribed connection, the envelope is
// persisted for later replay.
func (b *Broadcaster) Publish(topic string, env *protocol.Envelope, opts *PublishOptions) {
	if env.Type == "" {
		env.Type = protocol.TypeData
	}
	env.Topic = topic

	data, err := protocol.Encode(env)
	if err != nil {
		b.logger.Error().Err(err).Str("topic", topic).Msg("failed to serialize broadcast")
		return
	}

	subscribers := b.registry.SubscribersOf(topic)
	sent := 0
	for _, c := range subscribers {
		if c.Enqueue(data) {
			sent++
			monitoring.MessagesOut.WithLabelValues(string(env.Type)).Inc()
		} else {
			monitoring.BroadcastDrops.WithLabelValues(topic).Inc()
		}
	}

	if opts != nil && opts.Store && opts.Recipient != "" {
		if !b.registry.HasOpenSubscriber(opts.Recipient, topic) {
			b.storeOffline(opts.Recipient, topic, data)
		}
	}

	b.logger.Debug().
		Str("topic", topic).
		Int("subscribers", len(subscribers)).
		Int("sent", sent).
		Msg("broadcast")
}

// PublishDirected delivers an envelope to every open connection
// authenticated as the given principal, regardless of topic subscription.
// Used for per-user events (portfolio, user, wallet). With opts.Store
// set, the envelope is persisted when the principal has no open
// connection subscribed to env.Topic.
func (b *Broadcaster) PublishDirected(principalID string, env *protocol.Envelope, opts *PublishOptions) {
	if env.Type == "" {
		env.Type = protocol.TypeData
	}

	data, err := protocol.Encode(env)
	if err != nil {
		b.logger.Error().Err(err).Str("principal", principalID).Msg("failed to serialize directed publish")
		return
	}

	for _, c := range b.registry.ConnsForPrincipal(principalID) {
		if c.Enqueue(data) {
			monitoring.MessagesOut.WithLabelValues(string(env.Type)).Inc()
		} else if env.Topic != "" {
			monitoring.BroadcastDrops.WithLabelValues(env.Topic).Inc()
		}
	}

	if opts != nil && opts.Store && env.Topic != "" {
		if !b.registry.HasOpenSubscriber(principalID, env.Topic) {
			b.storeOffline(principalID, env.Topic, data)
		}
	}
}

func (b *Broadcaster) storeOffline(principalID, topic string, data []byte) {
	if b.store == nil {
		return
	}
	if err := b.store.Append(principalID, topic, data); err != nil {
		if errors.Is(err, offline.ErrPrincipalFull) {
			b.logger.Warn().
				Str("principal", principalID).
				Str("topic", topic).
				Msg("offline queue full, message dropped")
			return
		}
		b.logger.Error().Err(err).
			Str("principal", principalID).
			Str("topic", topic).
			Msg("failed to store offline message")
		return
	}
	monitoring.OfflineStored.Inc()
}
