package topics

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adred-codev/ws-gateway/internal/auth"
	"github.com/adred-codev/ws-gateway/internal/gateway"
	"github.com/adred-codev/ws-gateway/internal/protocol"
)

// Holding is one position in a principal's portfolio.
type Holding struct {
	Symbol    string  `json:"symbol"`
	Quantity  float64 `json:"quantity"`
	CostBasis float64 `json:"costBasis"`
}

// Portfolio serves per-principal position data. Restricted; every
// payload is scoped to the caller.
type Portfolio struct {
	mu       sync.RWMutex
	holdings map[string][]Holding // principal → positions

	pub    Publisher
	logger zerolog.Logger
}

func NewPortfolio(pub Publisher, logger zerolog.Logger) *Portfolio {
	return &Portfolio{
		holdings: make(map[string][]Holding),
		pub:      pub,
		logger:   logger.With().Str("topic", TopicPortfolio).Logger(),
	}
}

func (p *Portfolio) AuthRequirement() gateway.AuthRequirement { return gateway.AuthRequired }

func (p *Portfolio) OnSubscribe(ctx context.Context, sub gateway.Subscriber, id auth.Identity) (json.RawMessage, error) {
	return p.payload(id.PrincipalID)
}

func (p *Portfolio) OnUnsubscribe(connID int64) {}

func (p *Portfolio) Request(ctx context.Context, id auth.Identity, action string, params gateway.Params) (json.RawMessage, *protocol.Error) {
	switch action {
	case "getPortfolio":
		data, err := p.payload(id.PrincipalID)
		if err != nil {
			return nil, protocol.NewError(protocol.CodeInternal, "internal server error")
		}
		return data, nil
	}
	return nil, errUnknownAction(action)
}

func (p *Portfolio) Command(ctx context.Context, id auth.Identity, action string, params gateway.Params) *protocol.Error {
	return errUnknownAction(action)
}

// portfolioUpdate is the bus payload for a position change.
type portfolioUpdate struct {
	PrincipalID string    `json:"principalId"`
	Holdings    []Holding `json:"holdings"`
}

// ApplyUpdate replaces a principal's positions from the event bus and
// pushes the new state to their open connections, storing it offline
// otherwise.
func (p *Portfolio) ApplyUpdate(data json.RawMessage) error {
	var upd portfolioUpdate
	if err := json.Unmarshal(data, &upd); err != nil {
		return err
	}

	p.mu.Lock()
	p.holdings[upd.PrincipalID] = upd.Holdings
	p.mu.Unlock()

	payload, err := p.payload(upd.PrincipalID)
	if err != nil {
		return err
	}
	p.pub.PublishDirected(upd.PrincipalID, &protocol.Envelope{
		Type:   protocol.TypeData,
		Topic:  TopicPortfolio,
		Action: "update",
		Data:   payload,
	}, &gateway.PublishOptions{Store: true})
	return nil
}

func (p *Portfolio) payload(principalID string) (json.RawMessage, error) {
	p.mu.RLock()
	positions := p.holdings[principalID]
	p.mu.RUnlock()
	if positions == nil {
		positions = []Holding{}
	}
	return json.Marshal(map[string]any{"holdings": positions})
}
