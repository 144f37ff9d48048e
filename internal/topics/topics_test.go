package topics

import (
	"sync"

	"github.com/adred-codev/ws-gateway/internal/gateway"
	"github.com/adred-codev/ws-gateway/internal/protocol"
)

// capture records everything a handler publishes.
type capture struct {
	mu       sync.Mutex
	publish  []published
	directed []directed
}

type published struct {
	topic string
	env   *protocol.Envelope
	opts  *gateway.PublishOptions
}

type directed struct {
	principalID string
	env         *protocol.Envelope
	opts        *gateway.PublishOptions
}

func (c *capture) Publish(topic string, env *protocol.Envelope, opts *gateway.PublishOptions) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publish = append(c.publish, published{topic: topic, env: env, opts: opts})
}

func (c *capture) PublishDirected(principalID string, env *protocol.Envelope, opts *gateway.PublishOptions) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.directed = append(c.directed, directed{principalID: principalID, env: env, opts: opts})
}

func (c *capture) published() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.publish...)
}

func (c *capture) directedTo() []directed {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]directed(nil), c.directed...)
}
