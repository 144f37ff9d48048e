package topics

import (
	"context"
	"encoding/json"

	"github.com/adred-codev/ws-gateway/internal/auth"
	"github.com/adred-codev/ws-gateway/internal/gateway"
	"github.com/adred-codev/ws-gateway/internal/protocol"
)

// StatsProvider supplies the operational snapshot; satisfied by
// *gateway.Gateway.
type StatsProvider interface {
	Stats() gateway.Stats
}

// System serves gateway status to any client. Heartbeats and shutdown
// notices also go out on this topic, published by the gateway itself.
type System struct {
	stats StatsProvider
}

func NewSystem(stats StatsProvider) *System {
	return &System{stats: stats}
}

func (s *System) AuthRequirement() gateway.AuthRequirement { return gateway.AuthNone }

func (s *System) AcceptsUnsubscribedRequests() bool { return true }

func (s *System) OnSubscribe(ctx context.Context, sub gateway.Subscriber, id auth.Identity) (json.RawMessage, error) {
	return s.statusPayload()
}

func (s *System) OnUnsubscribe(connID int64) {}

func (s *System) Request(ctx context.Context, id auth.Identity, action string, params gateway.Params) (json.RawMessage, *protocol.Error) {
	switch action {
	case "status":
		data, err := s.statusPayload()
		if err != nil {
			return nil, protocol.NewError(protocol.CodeInternal, "internal server error")
		}
		return data, nil

	case "ping":
		return json.RawMessage(`{"pong":true}`), nil
	}
	return nil, errUnknownAction(action)
}

func (s *System) Command(ctx context.Context, id auth.Identity, action string, params gateway.Params) *protocol.Error {
	return errUnknownAction(action)
}

func (s *System) statusPayload() (json.RawMessage, error) {
	return json.Marshal(map[string]any{
		"status": "ok",
		"stats":  s.stats.Stats(),
	})
}
