package gateway

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/ws-gateway/internal/auth"
	"github.com/adred-codev/ws-gateway/internal/config"
	"github.com/adred-codev/ws-gateway/internal/limits"
	"github.com/adred-codev/ws-gateway/internal/monitoring"
	"github.com/adred-codev/ws-gateway/internal/offline"
)

// OfflineQueue is the gateway's seam to the persistent offline store.
// Append feeds store-and-forward; Undelivered and MarkDelivered drive
// replay on subscribe. A nil queue disables both.
type OfflineQueue interface {
	Append(principalID, topic string, envelope []byte) error
	Undelivered(principalID, topic string) ([]offline.Message, error)
	MarkDelivered(msg offline.Message) error
}

// Options wires the gateway's collaborators. Handlers must be fully
// registered before New; the table is read-only afterwards.
type Options struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Handlers *HandlerTable
	Offline  OfflineQueue
}

// Gateway owns every live connection and the machinery shared between
// them. One instance per process.
type Gateway struct {
	cfg      *config.Config
	logger   zerolog.Logger
	audit    *monitoring.AuditLogger
	verifier *auth.Verifier
	handlers *HandlerTable

	registry    *Registry
	broadcaster *Broadcaster
	dispatcher  *Dispatcher
	pool        *WorkerPool
	handshakes  *limits.HandshakeLimiter
	offline     OfflineQueue

	conns   sync.Map // int64 → *Conn
	connSeq atomic.Int64
	active  atomic.Int64

	shuttingDown atomic.Bool
	startedAt    time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Gateway {
	gw := &Gateway{
		cfg:      opts.Config,
		logger:   opts.Logger.With().Str("component", "gateway").Logger(),
		audit:    monitoring.NewAuditLogger(opts.Logger),
		verifier: auth.NewVerifier(opts.Config.AuthSecret, opts.Config.AuthIssuer),
		handlers: opts.Handlers,
		offline:  opts.Offline,
	}

	gw.registry = NewRegistry(opts.Handlers)
	gw.broadcaster = NewBroadcaster(gw.registry, opts.Offline, opts.Logger)
	gw.dispatcher = NewDispatcher(gw)
	gw.pool = NewWorkerPool(opts.Config.WorkerCount, opts.Config.WorkerQueueSize, opts.Logger)
	gw.handshakes = limits.NewHandshakeLimiter(limits.HandshakeConfig{
		IPRate:     opts.Config.HandshakeIPRate,
		IPBurst:    opts.Config.HandshakeIPBurst,
		IPTTL:      opts.Config.HandshakeIPTTL,
		GlobalRate: opts.Config.HandshakeGlobal,
		Logger:     opts.Logger,
	})
	return gw
}

// Start launches the worker pool. The context bounds every background
// goroutine and every handler invocation the gateway makes.
func (g *Gateway) Start(ctx context.Context) {
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.startedAt = time.Now()
	g.pool.Start(g.ctx)
	g.logger.Info().
		Strs("topics", g.handlers.Topics()).
		Int("workers", g.cfg.WorkerCount).
		Msg("gateway started")
}

// Broadcaster exposes the publish surface to topic handlers and the
// event-bus bridge.
func (g *Gateway) Broadcaster() *Broadcaster { return g.broadcaster }

// Registry exposes the subscription index read-side, used by the admin
// topic and the health endpoint.
func (g *Gateway) Registry() *Registry { return g.registry }

// Verifier exposes token validation, used at handshake and by tests.
func (g *Gateway) Verifier() *auth.Verifier { return g.verifier }

// newConn registers a freshly upgraded socket. The connection starts in
// the handshaking state; the server promotes it to open once the
// connect ACK is queued.
func (g *Gateway) newConn(sock net.Conn, remoteIP, deviceID string) *Conn {
	c := &Conn{
		id:          g.connSeq.Add(1),
		gw:          g,
		sock:        sock,
		deviceID:    deviceID,
		remoteIP:    remoteIP,
		send:        make(chan []byte, g.cfg.SendQueueSize),
		done:        make(chan struct{}),
		limiter:     limits.NewMessageLimiter(g.cfg.MessageRate, g.cfg.MessageBurst),
		connectedAt: time.Now(),
	}
	c.identity = auth.Anonymous()

	g.conns.Store(c.id, c)
	g.active.Add(1)
	monitoring.ConnectionsOpened.Inc()
	monitoring.ConnectionsActive.Inc()
	return c
}

func (g *Gateway) removeConn(c *Conn) {
	if _, loaded := g.conns.LoadAndDelete(c.id); loaded {
		g.active.Add(-1)
	}
}

// ActiveConnections returns the number of open connections.
func (g *Gateway) ActiveConnections() int64 {
	return g.active.Load()
}

// ShuttingDown reports whether new handshakes are being refused.
func (g *Gateway) ShuttingDown() bool {
	return g.shuttingDown.Load()
}

// Stats is a point-in-time operational snapshot, served by the admin
// topic and the health endpoint.
type Stats struct {
	ActiveConnections int64          `json:"activeConnections"`
	TopicSubscribers  map[string]int `json:"topicSubscribers"`
	PendingRequests   int            `json:"pendingRequests"`
	WorkerQueueDepth  int            `json:"workerQueueDepth"`
	TrackedIPs        int            `json:"trackedIps"`
	UptimeSeconds     float64        `json:"uptimeSeconds"`
	ShuttingDown      bool           `json:"shuttingDown"`
}

func (g *Gateway) Stats() Stats {
	subs := make(map[string]int)
	for _, topic := range g.handlers.Topics() {
		if n := g.registry.SubscriberCount(topic); n > 0 {
			subs[topic] = n
		}
	}
	return Stats{
		ActiveConnections: g.active.Load(),
		TopicSubscribers:  subs,
		PendingRequests:   g.dispatcher.PendingCount(),
		WorkerQueueDepth:  g.pool.QueueDepth(),
		TrackedIPs:        g.handshakes.TrackedIPs(),
		UptimeSeconds:     time.Since(g.startedAt).Seconds(),
		ShuttingDown:      g.shuttingDown.Load(),
	}
}

// eachConn snapshots the live connections and visits each one.
func (g *Gateway) eachConn(fn func(*Conn)) {
	g.conns.Range(func(_, v any) bool {
		fn(v.(*Conn))
		return true
	})
}
