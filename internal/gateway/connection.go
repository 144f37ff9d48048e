package gateway

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"golang.org/x/time/rate"

	"github.com/adred-codev/ws-gateway/internal/auth"
	"github.com/adred-codev/ws-gateway/internal/monitoring"
	"github.com/adred-codev/ws-gateway/internal/protocol"
)

// Connection lifecycle states.
type connState int32

const (
	StateHandshaking connState = iota
	StateOpen
	StateDraining
	StateClosed
)

func (s connState) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	default:
		return "closed"
	}
}

// Conn is one client connection. The reader goroutine is the only mutator
// of its subscription state (via the registry); every other component
// interacts with it solely through Enqueue.
type Conn struct {
	id       int64
	gw       *Gateway
	sock     net.Conn
	deviceID string
	remoteIP string

	// Outbound frames funnel through send; done unblocks the write pump
	// on close. writeMu serializes the raw socket between the write pump,
	// control-frame replies and the final close frame.
	send    chan []byte
	done    chan struct{}
	writeMu sync.Mutex

	state     atomic.Int32
	closeOnce sync.Once

	mu          sync.RWMutex // guards identity and expiryTimer
	identity    auth.Identity
	expiryTimer *time.Timer

	limiter     *rate.Limiter
	connectedAt time.Time

	// Unix nanos of the moment the send queue first filled; zero while
	// the queue has room. Drives the slow-consumer timeout.
	queueFullSince atomic.Int64
}

func (c *Conn) ID() int64 { return c.id }

// State returns the current lifecycle state.
func (c *Conn) State() connState {
	return connState(c.state.Load())
}

// Identity returns the connection's current validated identity.
func (c *Conn) Identity() auth.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// SetIdentity converges the connection on a new identity, rescheduling the
// token-expiry timer and keeping the registry's principal index current.
func (c *Conn) SetIdentity(id auth.Identity) {
	c.mu.Lock()
	old := c.identity
	c.identity = id

	if c.expiryTimer != nil {
		c.expiryTimer.Stop()
		c.expiryTimer = nil
	}
	if id.IsAuthenticated() && !id.TokenExpiry.IsZero() {
		wait := time.Until(id.TokenExpiry)
		if wait < 0 {
			wait = 0
		}
		c.expiryTimer = time.AfterFunc(wait, c.onTokenExpired)
	}
	c.mu.Unlock()

	c.gw.registry.UpdatePrincipal(c, old.PrincipalID, id.PrincipalID)
}

// onTokenExpired fires once per scheduled expiry: the client is told via
// 4401, restricted subscriptions are revoked and the identity drops to
// anonymous. The connection stays open; the client may re-auth with a
// fresh authToken on a later SUBSCRIBE.
func (c *Conn) onTokenExpired() {
	if c.State() != StateOpen {
		return
	}
	monitoring.AuthExpirations.Inc()

	principal := c.Identity().PrincipalID
	c.SendError(protocol.NewError(protocol.CodeTokenExpired, "token expired"))

	revoked := c.gw.registry.RevokeRestricted(c)
	for _, topic := range revoked {
		if h, ok := c.gw.handlers.Get(topic); ok {
			h.OnUnsubscribe(c.id)
		}
	}
	c.SetIdentity(auth.Anonymous())

	c.gw.audit.Event("token_expired", map[string]any{
		"conn_id":        c.id,
		"principal":      principal,
		"revoked_topics": revoked,
	})
	c.gw.logger.Info().
		Int64("conn_id", c.id).
		Str("principal", principal).
		Strs("revoked_topics", revoked).
		Msg("token expired, identity downgraded")
}

// Enqueue puts an encoded frame on the outbound queue without blocking.
// On queue-full the frame is dropped for this connection only; a queue
// that stays full past the slow-consumer timeout gets the connection
// reaped with close code 1013.
func (c *Conn) Enqueue(data []byte) bool {
	if c.State() != StateOpen {
		return false
	}
	select {
	case c.send <- data:
		c.queueFullSince.Store(0)
		monitoring.WriteQueueDepth.Observe(float64(len(c.send)))
		return true
	default:
		now := time.Now().UnixNano()
		if c.queueFullSince.CompareAndSwap(0, now) {
			// First drop since the queue filled: start the reap clock. The
			// timer fires even if no further enqueues arrive; it stands
			// down if the queue drained in the meantime.
			time.AfterFunc(c.gw.cfg.SlowConsumerTimeout, func() {
				if c.queueFullSince.Load() == now {
					c.closeSlowConsumer()
				}
			})
		}
		return false
	}
}

// SendEnvelope encodes and enqueues an outbound envelope.
func (c *Conn) SendEnvelope(env *protocol.Envelope) bool {
	data, err := protocol.Encode(env)
	if err != nil {
		c.gw.logger.Error().Err(err).Int64("conn_id", c.id).Msg("failed to encode envelope")
		return false
	}
	if !c.Enqueue(data) {
		return false
	}
	monitoring.MessagesOut.WithLabelValues(string(env.Type)).Inc()
	return true
}

// SendError maps a protocol error onto an ERROR envelope.
func (c *Conn) SendError(perr *protocol.Error) {
	monitoring.RecordError(perr.Code)
	c.SendEnvelope(protocol.ErrorEnvelope(perr))
}

// closeSlowConsumer reaps a connection whose queue stayed full beyond the
// timeout. The final ERROR and close frame are written directly to the
// socket: the queue is full, so the write pump cannot deliver them.
func (c *Conn) closeSlowConsumer() {
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateDraining)) {
		return
	}
	monitoring.SlowConsumerDisconnects.Inc()
	c.gw.logger.Warn().
		Int64("conn_id", c.id).
		Dur("timeout", c.gw.cfg.SlowConsumerTimeout).
		Msg("disconnecting slow consumer")

	if data, err := protocol.Encode(protocol.ErrorEnvelope(
		protocol.NewError(protocol.CloseTryAgain, "write queue full, closing connection"))); err == nil {
		c.writeMu.Lock()
		c.sock.SetWriteDeadline(time.Now().Add(time.Second))
		ws.WriteFrame(c.sock, ws.NewTextFrame(data))
		c.writeMu.Unlock()
	}
	c.Close(protocol.CloseTryAgain, "slow consumer")
}

// Close tears the connection down exactly once: pending requests are
// rejected, registry entries removed, handlers notified, the close frame
// written best-effort and the socket closed.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))

		c.mu.Lock()
		if c.expiryTimer != nil {
			c.expiryTimer.Stop()
			c.expiryTimer = nil
		}
		c.mu.Unlock()

		close(c.done)

		c.gw.dispatcher.cancelPending(c)
		topics := c.gw.registry.OnConnectionClosed(c)
		for _, topic := range topics {
			if h, ok := c.gw.handlers.Get(topic); ok {
				h.OnUnsubscribe(c.id)
			}
		}

		c.writeMu.Lock()
		c.sock.SetWriteDeadline(time.Now().Add(time.Second))
		// Flush frames the write pump never got to; the deadline bounds a
		// stalled peer.
	flush:
		for {
			select {
			case data := <-c.send:
				if err := ws.WriteFrame(c.sock, ws.NewTextFrame(data)); err != nil {
					break flush
				}
			default:
				break flush
			}
		}
		if code > 0 {
			body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
			ws.WriteFrame(c.sock, ws.NewCloseFrame(body))
		}
		c.writeMu.Unlock()
		c.sock.Close()

		c.gw.removeConn(c)
		monitoring.RecordClose(code)
		monitoring.ConnectionsActive.Dec()

		c.gw.logger.Info().
			Int64("conn_id", c.id).
			Int("close_code", code).
			Str("reason", reason).
			Dur("connected", time.Since(c.connectedAt)).
			Msg("connection closed")
	})
}
