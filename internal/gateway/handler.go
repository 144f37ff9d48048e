package gateway

import (
	"context"
	"encoding/json"

	"github.com/adred-codev/ws-gateway/internal/auth"
	"github.com/adred-codev/ws-gateway/internal/protocol"
)

// AuthRequirement is a topic's subscription gate.
type AuthRequirement int

const (
	AuthNone AuthRequirement = iota
	AuthOptional
	AuthRequired
	AuthAdmin
)

// Check maps an identity against the requirement. Nil means allowed.
func (a AuthRequirement) Check(id auth.Identity) *protocol.Error {
	switch a {
	case AuthNone, AuthOptional:
		return nil
	case AuthRequired:
		if !id.IsAuthenticated() {
			return protocol.NewError(protocol.CodeAuthRequired, "authentication required for restricted topic")
		}
		return nil
	case AuthAdmin:
		if !id.IsAuthenticated() {
			return protocol.NewError(protocol.CodeAuthRequired, "authentication required for restricted topic")
		}
		if !id.Role.AtLeast(auth.RoleAdmin) {
			return protocol.NewError(protocol.CodeRoleRequired, "elevated role required")
		}
		return nil
	}
	return protocol.NewError(protocol.CodeInternal, "unknown auth requirement")
}

// Restricted reports whether subscriptions on this requirement must be
// revoked when the connection loses its identity.
func (a AuthRequirement) Restricted() bool {
	return a == AuthRequired || a == AuthAdmin
}

// Params are the free top-level fields of a REQUEST/COMMAND envelope.
type Params map[string]json.RawMessage

// String extracts a string parameter; ok is false when absent or not a
// JSON string.
func (p Params) String(key string) (string, bool) {
	raw, present := p[key]
	if !present {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// Subscriber identifies the subscribing connection to a handler without
// exposing connection internals.
type Subscriber struct {
	ConnID   int64
	DeviceID string
}

// Handler is the contract each topic implements. The gateway enforces the
// auth requirement at subscribe and at request/command invocation;
// handlers may impose additional per-action checks. Handlers never reach
// into the registry; their only side channel is the Broadcaster.
type Handler interface {
	// AuthRequirement gates SUBSCRIBE on this topic.
	AuthRequirement() AuthRequirement

	// OnSubscribe may return a seed DATA payload delivered with
	// action "initial". A nil payload means no initial message.
	OnSubscribe(ctx context.Context, sub Subscriber, id auth.Identity) (json.RawMessage, error)

	// OnUnsubscribe is the cleanup hook, also invoked on connection
	// close and on auth revocation.
	OnUnsubscribe(connID int64)

	// Request serves a correlated REQUEST. A nil *protocol.Error means
	// the payload is the DATA reply.
	Request(ctx context.Context, id auth.Identity, action string, params Params) (json.RawMessage, *protocol.Error)

	// Command serves a fire-and-forget COMMAND; nil means acknowledged.
	Command(ctx context.Context, id auth.Identity, action string, params Params) *protocol.Error
}

// UnsubscribedRequester is an optional Handler extension: topics that
// serve REQUESTs from connections that never subscribed implement it and
// return true.
type UnsubscribedRequester interface {
	AcceptsUnsubscribedRequests() bool
}

// HandlerTable is the closed topic set, registered once at startup and
// read-only afterwards.
type HandlerTable struct {
	handlers map[string]Handler
}

func NewHandlerTable() *HandlerTable {
	return &HandlerTable{handlers: make(map[string]Handler)}
}

// Register binds a topic name to its handler. Must happen before the
// gateway starts serving.
func (t *HandlerTable) Register(topic string, h Handler) {
	t.handlers[topic] = h
}

// Get looks up the handler for a topic.
func (t *HandlerTable) Get(topic string) (Handler, bool) {
	h, ok := t.handlers[topic]
	return h, ok
}

// Topics returns the registered topic names.
func (t *HandlerTable) Topics() []string {
	out := make([]string, 0, len(t.handlers))
	for topic := range t.handlers {
		out = append(out, topic)
	}
	return out
}
