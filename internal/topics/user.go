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

// Profile is the gateway-local view of a principal's account.
type Profile struct {
	PrincipalID string `json:"principalId"`
	Nickname    string `json:"nickname,omitempty"`
	Role        string `json:"role"`
}

// User serves per-principal account state and personal notifications.
type User struct {
	mu       sync.RWMutex
	profiles map[string]Profile

	pub    Publisher
	logger zerolog.Logger
}

func NewUser(pub Publisher, logger zerolog.Logger) *User {
	return &User{
		profiles: make(map[string]Profile),
		pub:      pub,
		logger:   logger.With().Str("topic", TopicUser).Logger(),
	}
}

func (u *User) AuthRequirement() gateway.AuthRequirement { return gateway.AuthRequired }

func (u *User) OnSubscribe(ctx context.Context, sub gateway.Subscriber, id auth.Identity) (json.RawMessage, error) {
	return json.Marshal(u.profileFor(id))
}

func (u *User) OnUnsubscribe(connID int64) {}

func (u *User) Request(ctx context.Context, id auth.Identity, action string, params gateway.Params) (json.RawMessage, *protocol.Error) {
	switch action {
	case "getProfile":
		data, err := json.Marshal(u.profileFor(id))
		if err != nil {
			return nil, protocol.NewError(protocol.CodeInternal, "internal server error")
		}
		return data, nil
	}
	return nil, errUnknownAction(action)
}

func (u *User) Command(ctx context.Context, id auth.Identity, action string, params gateway.Params) *protocol.Error {
	switch action {
	case "setNickname":
		nickname, ok := params.String("nickname")
		if !ok || nickname == "" {
			return protocol.NewError(protocol.CodeInvalidFormat, "nickname parameter is required")
		}
		u.mu.Lock()
		profile := u.profiles[id.PrincipalID]
		profile.PrincipalID = id.PrincipalID
		profile.Role = string(id.Role)
		profile.Nickname = nickname
		u.profiles[id.PrincipalID] = profile
		u.mu.Unlock()
		return nil
	}
	return errUnknownAction(action)
}

// Notify pushes a personal event to the principal, stored for replay
// when they have no live subscription.
func (u *User) Notify(principalID, action string, data json.RawMessage) {
	u.pub.PublishDirected(principalID, &protocol.Envelope{
		Type:   protocol.TypeData,
		Topic:  TopicUser,
		Action: action,
		Data:   data,
	}, &gateway.PublishOptions{Store: true})
}

// notification is the bus payload for a personal event.
type notification struct {
	PrincipalID string          `json:"principalId"`
	Action      string          `json:"action"`
	Data        json.RawMessage `json:"data"`
}

// ApplyUpdate ingests a personal event from the event bus.
func (u *User) ApplyUpdate(data json.RawMessage) error {
	var n notification
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if n.Action == "" {
		n.Action = "notification"
	}
	u.Notify(n.PrincipalID, n.Action, n.Data)
	return nil
}

func (u *User) profileFor(id auth.Identity) Profile {
	u.mu.RLock()
	profile, ok := u.profiles[id.PrincipalID]
	u.mu.RUnlock()
	if !ok {
		profile = Profile{PrincipalID: id.PrincipalID, Role: string(id.Role)}
	}
	return profile
}
