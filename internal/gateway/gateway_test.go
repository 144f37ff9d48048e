package gateway

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/ws-gateway/internal/auth"
	"github.com/adred-codev/ws-gateway/internal/config"
	"github.com/adred-codev/ws-gateway/internal/offline"
	"github.com/adred-codev/ws-gateway/internal/protocol"
)

func testConfig() *config.Config {
	return &config.Config{
		Addr:                ":0",
		WSPath:              "/api/ws",
		AuthSecret:          "test-secret-test-secret-test-secret",
		AuthIssuer:          "ws-gateway",
		MaxConnections:      100,
		SendQueueSize:       64,
		MessageRate:         100,
		MessageBurst:        100,
		HandshakeIPRate:     100,
		HandshakeIPBurst:    100,
		HandshakeIPTTL:      time.Minute,
		RequestTimeout:      2 * time.Second,
		SlowConsumerTimeout: 5 * time.Second,
		HeartbeatInterval:   30 * time.Second,
		ShutdownGrace:       50 * time.Millisecond,
		WriteTimeout:        2 * time.Second,
		WorkerCount:         4,
		WorkerQueueSize:     64,
		LogLevel:            "error",
		LogFormat:           "json",
	}
}

// fakeHandler is a scriptable topic handler for dispatcher tests.
type fakeHandler struct {
	authReq      AuthRequirement
	acceptsUnsub bool
	snapshot     json.RawMessage

	requestFn func(ctx context.Context, id auth.Identity, action string, params Params) (json.RawMessage, *protocol.Error)
	commandFn func(ctx context.Context, id auth.Identity, action string, params Params) *protocol.Error

	mu           sync.Mutex
	unsubscribed []int64
}

func (f *fakeHandler) AuthRequirement() AuthRequirement { return f.authReq }

func (f *fakeHandler) AcceptsUnsubscribedRequests() bool { return f.acceptsUnsub }

func (f *fakeHandler) OnSubscribe(ctx context.Context, sub Subscriber, id auth.Identity) (json.RawMessage, error) {
	return f.snapshot, nil
}

func (f *fakeHandler) OnUnsubscribe(connID int64) {
	f.mu.Lock()
	f.unsubscribed = append(f.unsubscribed, connID)
	f.mu.Unlock()
}

func (f *fakeHandler) unsubscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.unsubscribed)
}

func (f *fakeHandler) Request(ctx context.Context, id auth.Identity, action string, params Params) (json.RawMessage, *protocol.Error) {
	if f.requestFn != nil {
		return f.requestFn(ctx, id, action, params)
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (f *fakeHandler) Command(ctx context.Context, id auth.Identity, action string, params Params) *protocol.Error {
	if f.commandFn != nil {
		return f.commandFn(ctx, id, action, params)
	}
	return nil
}

// defaultTable registers the topic mix the dispatcher tests exercise:
// one public topic, one restricted, one admin-only.
func defaultTable() (*HandlerTable, *fakeHandler, *fakeHandler, *fakeHandler) {
	public := &fakeHandler{authReq: AuthNone, acceptsUnsub: true, snapshot: json.RawMessage(`{"seed":1}`)}
	restricted := &fakeHandler{authReq: AuthRequired}
	admin := &fakeHandler{authReq: AuthAdmin}

	table := NewHandlerTable()
	table.Register("market-data", public)
	table.Register("portfolio", restricted)
	table.Register("admin", admin)
	return table, public, restricted, admin
}

func newTestGateway(t *testing.T, cfg *config.Config, table *HandlerTable, store OfflineQueue) *Gateway {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	gw := New(Options{
		Config:   cfg,
		Logger:   zerolog.Nop(),
		Handlers: table,
		Offline:  store,
	})
	gw.Start(context.Background())
	t.Cleanup(func() {
		gw.cancel()
		gw.handshakes.Stop()
	})
	return gw
}

// openTestConn wires a net.Pipe socket into the gateway, bypassing the
// HTTP handshake. The returned client side speaks WebSocket frames.
func openTestConn(t *testing.T, gw *Gateway) (*Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	c := gw.newConn(server, "127.0.0.1", "")
	c.state.Store(int32(StateOpen))
	gw.wg.Add(2)
	go c.readPump()
	go c.writePump()
	t.Cleanup(func() {
		c.Close(0, "test cleanup")
		client.Close()
	})
	return c, client
}

func sendJSON(t *testing.T, client net.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	client.SetWriteDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, wsutil.WriteClientMessage(client, ws.OpText, data))
}

func readEnvelope(t *testing.T, client net.Conn) *protocol.Envelope {
	t.Helper()
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(client)
	require.NoError(t, err)
	env := &protocol.Envelope{}
	require.NoError(t, json.Unmarshal(data, env))
	return env
}

// memQueue is an in-memory OfflineQueue for replay tests.
type memQueue struct {
	mu        sync.Mutex
	msgs      map[string][]offline.Message // principal/topic → messages
	delivered []string
}

func newMemQueue() *memQueue {
	return &memQueue{msgs: make(map[string][]offline.Message)}
}

func (q *memQueue) Append(principalID, topic string, envelope []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := principalID + "/" + topic
	q.msgs[key] = append(q.msgs[key], offline.Message{
		ID:          principalID + "-" + topic,
		PrincipalID: principalID,
		Topic:       topic,
		Envelope:    json.RawMessage(envelope),
		CreatedAt:   time.Now(),
	})
	return nil
}

func (q *memQueue) Undelivered(principalID, topic string) ([]offline.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.msgs[principalID+"/"+topic], nil
}

func (q *memQueue) MarkDelivered(msg offline.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delivered = append(q.delivered, msg.ID)
	return nil
}

func (q *memQueue) deliveredCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.delivered)
}
