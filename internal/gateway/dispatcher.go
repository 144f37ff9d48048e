package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/adred-codev/ws-gateway/internal/monitoring"
	"github.com/adred-codev/ws-gateway/internal/protocol"
)

type ctxKey int

const deviceIDKey ctxKey = iota

// ContextWithDeviceID attaches the opaque x-device-id handshake header for
// topic handlers.
func ContextWithDeviceID(ctx context.Context, deviceID string) context.Context {
	if deviceID == "" {
		return ctx
	}
	return context.WithValue(ctx, deviceIDKey, deviceID)
}

// DeviceIDFromContext returns the device id, if any.
func DeviceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(deviceIDKey).(string); ok {
		return v
	}
	return ""
}

type pendingKey struct {
	connID    int64
	requestID string
}

// pendingRequest correlates an in-flight REQUEST/COMMAND with its terminal
// reply. Owned exclusively by the dispatcher; the deadline timer fires
// exactly once and frees it.
type pendingRequest struct {
	key       pendingKey
	conn      *Conn
	topic     string
	action    string
	isCommand bool
	start     time.Time
	timer     *time.Timer
	cancel    context.CancelFunc
	once      sync.Once
}

// Dispatcher routes decoded envelopes to topic handlers and owns the
// pending-request table.
type Dispatcher struct {
	gw      *Gateway
	mu      sync.Mutex
	pending map[pendingKey]*pendingRequest
}

func NewDispatcher(gw *Gateway) *Dispatcher {
	return &Dispatcher{gw: gw, pending: make(map[pendingKey]*pendingRequest)}
}

// Dispatch handles one inbound frame: decode, rate-check, route. Failures
// become ERROR envelopes; the connection only closes on framing-level
// violations, which the read pump handles.
func (d *Dispatcher) Dispatch(c *Conn, raw []byte) {
	env, perr := protocol.Decode(raw)
	if perr != nil {
		c.SendError(perr)
		return
	}
	monitoring.MessagesIn.WithLabelValues(string(env.Type)).Inc()

	if !c.limiter.Allow() {
		monitoring.RateLimitDrops.Inc()
		c.SendError(protocol.NewError(protocol.CodeRateLimited, "rate limited, slow down"))
		return
	}

	switch env.Type {
	case protocol.TypeSubscribe:
		d.handleSubscribe(c, env)
	case protocol.TypeUnsubscribe:
		d.handleUnsubscribe(c, env)
	case protocol.TypeRequest:
		d.handleCall(c, env, false)
	case protocol.TypeCommand:
		d.handleCall(c, env, true)
	default:
		// Server-originated types are not valid from clients.
		c.SendError(protocol.NewError(protocol.CodeInvalidFormat, "unsupported client message type"))
	}
}

func (d *Dispatcher) handleSubscribe(c *Conn, env *protocol.Envelope) {
	// Optional mid-session identity upgrade. An invalid token is reported
	// but the subscribe still proceeds under the current identity.
	if env.AuthToken != "" {
		id, perr := d.gw.verifier.Verify(env.AuthToken)
		if perr != nil {
			c.SendError(perr)
		} else {
			c.SetIdentity(id)
			d.gw.audit.Event("identity_upgraded", map[string]any{
				"conn_id":   c.id,
				"principal": id.PrincipalID,
				"role":      string(id.Role),
			})
		}
	}

	accepted, added, errs := d.gw.registry.Subscribe(c, env.Topics)

	// The acknowledgment lists every accepted topic, repeats included, so
	// a client retrying a SUBSCRIBE sees what it holds. Handler
	// notification and replay run only for newly added topics.
	c.SendEnvelope(&protocol.Envelope{
		Type:      protocol.TypeAcknowledgment,
		Operation: "subscribe",
		Topics:    accepted,
	})
	for _, perr := range errs {
		c.SendError(perr)
	}
	if len(added) == 0 {
		return
	}

	id := c.Identity()
	ctx := ContextWithDeviceID(d.gw.ctx, c.deviceID)
	for _, topic := range added {
		monitoring.Subscribes.WithLabelValues(topic).Inc()

		h, ok := d.gw.handlers.Get(topic)
		if !ok {
			continue
		}
		snapshot, err := h.OnSubscribe(ctx, Subscriber{ConnID: c.id, DeviceID: c.deviceID}, id)
		if err != nil {
			d.gw.logger.Error().Err(err).
				Int64("conn_id", c.id).
				Str("topic", topic).
				Msg("handler OnSubscribe failed")
		} else if snapshot != nil {
			c.SendEnvelope(&protocol.Envelope{
				Type:   protocol.TypeData,
				Topic:  topic,
				Action: "initial",
				Data:   snapshot,
			})
		}

		d.replayOffline(c, id.PrincipalID, topic)
	}

	d.gw.audit.Subscribe(c.id, id.PrincipalID, added)
}

func (d *Dispatcher) handleUnsubscribe(c *Conn, env *protocol.Envelope) {
	removed := d.gw.registry.Unsubscribe(c, env.Topics)
	for _, topic := range removed {
		monitoring.Unsubscribes.WithLabelValues(topic).Inc()
		if h, ok := d.gw.handlers.Get(topic); ok {
			h.OnUnsubscribe(c.id)
		}
	}

	c.SendEnvelope(&protocol.Envelope{
		Type:      protocol.TypeAcknowledgment,
		Operation: "unsubscribe",
		Topics:    env.Topics,
	})
	d.gw.audit.Unsubscribe(c.id, c.Identity().PrincipalID, removed)
}

// replayOffline delivers stored messages for (principal, topic) in
// createdAt order on an authenticated subscribe.
func (d *Dispatcher) replayOffline(c *Conn, principalID, topic string) {
	if d.gw.offline == nil || principalID == "" {
		return
	}
	msgs, err := d.gw.offline.Undelivered(principalID, topic)
	if err != nil {
		d.gw.logger.Error().Err(err).
			Str("principal", principalID).
			Str("topic", topic).
			Msg("offline replay scan failed")
		return
	}
	for _, msg := range msgs {
		if !c.Enqueue(msg.Envelope) {
			// Queue full; the remainder stays stored for next time.
			return
		}
		monitoring.OfflineReplayed.Inc()
		if err := d.gw.offline.MarkDelivered(msg); err != nil {
			d.gw.logger.Error().Err(err).
				Str("principal", principalID).
				Str("message_id", msg.ID).
				Msg("failed to mark offline message delivered")
		}
	}
}

// handleCall serves REQUEST and COMMAND. Both run on the worker pool with
// the request timeout; COMMAND additionally requires an authenticated
// identity even on topics that allow optional auth.
func (d *Dispatcher) handleCall(c *Conn, env *protocol.Envelope, isCommand bool) {
	topic, action, requestID := env.Topic, env.Action, env.RequestID

	fail := func(perr *protocol.Error) {
		c.SendError(perr.WithTopic(topic).WithRequestID(requestID))
	}

	h, ok := d.gw.handlers.Get(topic)
	if !ok {
		fail(protocol.NewError(protocol.CodeNotFound, "unknown topic"))
		return
	}

	id := c.Identity()
	if isCommand {
		effective := AuthRequired
		if h.AuthRequirement() == AuthAdmin {
			effective = AuthAdmin
		}
		if perr := effective.Check(id); perr != nil {
			fail(perr)
			return
		}
	}

	if !d.gw.registry.IsSubscribed(c, topic) {
		ur, ok := h.(UnsubscribedRequester)
		if !ok || !ur.AcceptsUnsubscribedRequests() {
			fail(protocol.NewError(protocol.CodeInvalidState, "not subscribed to topic"))
			return
		}
	}

	var pr *pendingRequest
	if requestID != "" {
		pr = d.track(c, requestID, topic, action, isCommand)
	}

	ctx, cancel := context.WithTimeout(d.gw.ctx, d.gw.cfg.RequestTimeout)
	ctx = ContextWithDeviceID(ctx, c.deviceID)
	if pr != nil {
		pr.cancel = cancel
	}

	params := Params(env.Params)
	task := func() {
		defer func() {
			if r := recover(); r != nil {
				d.gw.logger.Error().
					Interface("panic_value", r).
					Str("topic", topic).
					Str("action", action).
					Msg("handler panic")
				d.finish(c, pr, requestID, topic, action, nil,
					protocol.NewError(protocol.CodeInternal, "internal server error"), isCommand)
			}
			cancel()
		}()

		if isCommand {
			perr := h.Command(ctx, id, action, params)
			d.finish(c, pr, requestID, topic, action, nil, perr, true)
			return
		}
		result, perr := h.Request(ctx, id, action, params)
		d.finish(c, pr, requestID, topic, action, result, perr, false)
	}

	if !d.gw.pool.Submit(task) {
		cancel()
		d.finish(c, pr, requestID, topic, action, nil,
			protocol.NewError(protocol.CodeInternal, "server busy"), isCommand)
	}
}

// track registers a pending request. A collision on (connection,
// requestId) resolves the first request with 4005 and lets the new one
// take its place.
func (d *Dispatcher) track(c *Conn, requestID, topic, action string, isCommand bool) *pendingRequest {
	key := pendingKey{connID: c.id, requestID: requestID}
	pr := &pendingRequest{
		key:       key,
		conn:      c,
		topic:     topic,
		action:    action,
		isCommand: isCommand,
		start:     time.Now(),
	}

	d.mu.Lock()
	old := d.pending[key]
	d.pending[key] = pr
	d.mu.Unlock()

	if old != nil {
		d.resolve(old, nil, protocol.NewError(protocol.CodeSuperseded, "request superseded by new requestId"))
	}

	pr.timer = time.AfterFunc(d.gw.cfg.RequestTimeout, func() {
		d.resolve(pr, nil, protocol.NewError(protocol.CodeRequestTimeout, "request timeout"))
	})
	return pr
}

// finish emits the terminal reply. Correlated requests resolve through
// the pending entry (exactly once); uncorrelated ones reply directly.
func (d *Dispatcher) finish(c *Conn, pr *pendingRequest, requestID, topic, action string,
	result json.RawMessage, perr *protocol.Error, isCommand bool) {

	if pr != nil {
		d.resolve(pr, result, perr)
		return
	}

	monitoring.ObserveRequest(topic, action, 0)
	if perr != nil {
		c.SendError(perr.WithTopic(topic).WithRequestID(requestID))
		return
	}
	if isCommand {
		c.SendEnvelope(&protocol.Envelope{
			Type:      protocol.TypeAcknowledgment,
			Operation: "command",
			Topic:     topic,
		})
		return
	}
	c.SendEnvelope(&protocol.Envelope{
		Type:   protocol.TypeData,
		Topic:  topic,
		Action: action,
		Data:   result,
	})
}

// resolve delivers the terminal reply for a pending request exactly once
// and frees the entry.
func (d *Dispatcher) resolve(pr *pendingRequest, result json.RawMessage, perr *protocol.Error) {
	pr.once.Do(func() {
		d.mu.Lock()
		if d.pending[pr.key] == pr {
			delete(d.pending, pr.key)
		}
		d.mu.Unlock()

		if pr.timer != nil {
			pr.timer.Stop()
		}
		if pr.cancel != nil {
			pr.cancel()
		}
		monitoring.ObserveRequest(pr.topic, pr.action, time.Since(pr.start))

		if perr != nil {
			pr.conn.SendError(perr.WithTopic(pr.topic).WithRequestID(pr.key.requestID))
			return
		}
		if pr.isCommand {
			pr.conn.SendEnvelope(&protocol.Envelope{
				Type:      protocol.TypeAcknowledgment,
				Operation: "command",
				Topic:     pr.topic,
				RequestID: pr.key.requestID,
				Data:      result,
			})
			return
		}
		pr.conn.SendEnvelope(&protocol.Envelope{
			Type:      protocol.TypeData,
			Topic:     pr.topic,
			Action:    pr.action,
			RequestID: pr.key.requestID,
			Data:      result,
		})
	})
}

// cancelPending rejects every pending request owned by a closing
// connection. The replies are no-ops on the closed socket; the point is
// freeing the entries and their timers.
func (d *Dispatcher) cancelPending(c *Conn) {
	d.mu.Lock()
	var owned []*pendingRequest
	for key, pr := range d.pending {
		if key.connID == c.id {
			owned = append(owned, pr)
		}
	}
	d.mu.Unlock()

	for _, pr := range owned {
		d.resolve(pr, nil, protocol.NewError(protocol.CodeInvalidState, "connection closed"))
	}
}

// PendingCount reports the number of in-flight correlated requests.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
