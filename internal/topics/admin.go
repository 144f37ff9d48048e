package topics

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/adred-codev/ws-gateway/internal/auth"
	"github.com/adred-codev/ws-gateway/internal/gateway"
	"github.com/adred-codev/ws-gateway/internal/protocol"
)

// Admin exposes gateway internals to operators. Requires the admin role
// at subscribe and on every call.
type Admin struct {
	stats  StatsProvider
	pub    Publisher
	logger zerolog.Logger
}

func NewAdmin(stats StatsProvider, pub Publisher, logger zerolog.Logger) *Admin {
	return &Admin{
		stats:  stats,
		pub:    pub,
		logger: logger.With().Str("topic", TopicAdmin).Logger(),
	}
}

func (a *Admin) AuthRequirement() gateway.AuthRequirement { return gateway.AuthAdmin }

func (a *Admin) OnSubscribe(ctx context.Context, sub gateway.Subscriber, id auth.Identity) (json.RawMessage, error) {
	return json.Marshal(a.stats.Stats())
}

func (a *Admin) OnUnsubscribe(connID int64) {}

func (a *Admin) Request(ctx context.Context, id auth.Identity, action string, params gateway.Params) (json.RawMessage, *protocol.Error) {
	switch action {
	case "getStats":
		data, err := json.Marshal(a.stats.Stats())
		if err != nil {
			return nil, protocol.NewError(protocol.CodeInternal, "internal server error")
		}
		return data, nil
	}
	return nil, errUnknownAction(action)
}

func (a *Admin) Command(ctx context.Context, id auth.Identity, action string, params gateway.Params) *protocol.Error {
	switch action {
	case "announce":
		message, ok := params.String("message")
		if !ok || message == "" {
			return protocol.NewError(protocol.CodeInvalidFormat, "message parameter is required")
		}
		data, err := json.Marshal(map[string]string{"message": message, "from": id.PrincipalID})
		if err != nil {
			return protocol.NewError(protocol.CodeInternal, "internal server error")
		}
		a.pub.Publish(TopicSystem, &protocol.Envelope{
			Type:   protocol.TypeSystem,
			Action: "announcement",
			Data:   data,
		}, nil)
		a.logger.Info().
			Str("admin", id.PrincipalID).
			Str("message", message).
			Msg("announcement broadcast")
		return nil
	}
	return errUnknownAction(action)
}
