package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/ws-gateway/internal/auth"
	"github.com/adred-codev/ws-gateway/internal/protocol"
)

func TestDispatchSubscribePublicTopic(t *testing.T) {
	table, _, _, _ := defaultTable()
	gw := newTestGateway(t, nil, table, nil)
	_, client := openTestConn(t, gw)

	sendJSON(t, client, map[string]any{"type": "SUBSCRIBE", "topics": []string{"market-data"}})

	ack := readEnvelope(t, client)
	assert.Equal(t, protocol.TypeAcknowledgment, ack.Type)
	assert.Equal(t, "subscribe", ack.Operation)
	assert.Equal(t, []string{"market-data"}, ack.Topics)
	assert.NotEmpty(t, ack.Timestamp)

	initial := readEnvelope(t, client)
	assert.Equal(t, protocol.TypeData, initial.Type)
	assert.Equal(t, "market-data", initial.Topic)
	assert.Equal(t, "initial", initial.Action)
	assert.JSONEq(t, `{"seed":1}`, string(initial.Data))
}

func TestDispatchSubscribeRestrictedWithoutAuth(t *testing.T) {
	table, _, _, _ := defaultTable()
	gw := newTestGateway(t, nil, table, nil)
	_, client := openTestConn(t, gw)

	sendJSON(t, client, map[string]any{"type": "SUBSCRIBE", "topics": []string{"market-data", "portfolio"}})

	ack := readEnvelope(t, client)
	assert.Equal(t, protocol.TypeAcknowledgment, ack.Type)
	assert.Equal(t, []string{"market-data"}, ack.Topics)

	errEnv := readEnvelope(t, client)
	assert.Equal(t, protocol.TypeError, errEnv.Type)
	assert.Equal(t, protocol.CodeAuthRequired, errEnv.Code)
	assert.Equal(t, "portfolio", errEnv.Topic)

	// Initial snapshot for the granted topic still arrives.
	initial := readEnvelope(t, client)
	assert.Equal(t, "initial", initial.Action)
}

func TestDispatchResubscribeAcknowledgesHeldTopic(t *testing.T) {
	table, _, _, _ := defaultTable()
	gw := newTestGateway(t, nil, table, nil)
	_, client := openTestConn(t, gw)

	sendJSON(t, client, map[string]any{"type": "SUBSCRIBE", "topics": []string{"market-data"}})
	ack := readEnvelope(t, client)
	assert.Equal(t, []string{"market-data"}, ack.Topics)
	readEnvelope(t, client) // initial snapshot

	// A retried SUBSCRIBE still lists the topic, so the client knows it
	// holds the subscription.
	sendJSON(t, client, map[string]any{"type": "SUBSCRIBE", "topics": []string{"market-data"}})
	ack = readEnvelope(t, client)
	assert.Equal(t, protocol.TypeAcknowledgment, ack.Type)
	assert.Equal(t, "subscribe", ack.Operation)
	assert.Equal(t, []string{"market-data"}, ack.Topics)

	// But the subscribe side effects do not re-run: no second snapshot.
	client.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, err := wsutil.ReadServerText(client)
	assert.Error(t, err)
}

func TestDispatchSubscribeWithAuthToken(t *testing.T) {
	table, _, _, _ := defaultTable()
	gw := newTestGateway(t, nil, table, nil)
	c, client := openTestConn(t, gw)

	token, err := gw.verifier.Generate("u1", auth.RoleUser, "s1", time.Minute)
	require.NoError(t, err)

	sendJSON(t, client, map[string]any{
		"type":      "SUBSCRIBE",
		"topics":    []string{"portfolio"},
		"authToken": token,
	})

	ack := readEnvelope(t, client)
	assert.Equal(t, []string{"portfolio"}, ack.Topics)
	assert.Equal(t, "u1", c.Identity().PrincipalID)
}

func TestDispatchSubscribeInvalidAuthTokenProceeds(t *testing.T) {
	table, _, _, _ := defaultTable()
	gw := newTestGateway(t, nil, table, nil)
	c, client := openTestConn(t, gw)

	sendJSON(t, client, map[string]any{
		"type":      "SUBSCRIBE",
		"topics":    []string{"market-data"},
		"authToken": "garbage",
	})

	// Token error first, then the subscribe continues anonymously.
	errEnv := readEnvelope(t, client)
	assert.Equal(t, protocol.CodeInvalidToken, errEnv.Code)

	ack := readEnvelope(t, client)
	assert.Equal(t, []string{"market-data"}, ack.Topics)
	assert.False(t, c.Identity().IsAuthenticated())
}

func TestDispatchUnsubscribe(t *testing.T) {
	table, public, _, _ := defaultTable()
	gw := newTestGateway(t, nil, table, nil)
	c, client := openTestConn(t, gw)

	sendJSON(t, client, map[string]any{"type": "SUBSCRIBE", "topics": []string{"market-data"}})
	readEnvelope(t, client) // ack
	readEnvelope(t, client) // initial

	sendJSON(t, client, map[string]any{"type": "UNSUBSCRIBE", "topics": []string{"market-data"}})
	ack := readEnvelope(t, client)
	assert.Equal(t, protocol.TypeAcknowledgment, ack.Type)
	assert.Equal(t, "unsubscribe", ack.Operation)
	assert.Equal(t, []string{"market-data"}, ack.Topics)

	assert.False(t, gw.registry.IsSubscribed(c, "market-data"))
	assert.Equal(t, 1, public.unsubscribeCount())
}

func TestDispatchRequestCorrelation(t *testing.T) {
	table, public, _, _ := defaultTable()
	public.requestFn = func(_ context.Context, _ auth.Identity, action string, params Params) (json.RawMessage, *protocol.Error) {
		symbol, _ := params.String("symbol")
		return json.RawMessage(`{"symbol":"` + symbol + `"}`), nil
	}
	gw := newTestGateway(t, nil, table, nil)
	_, client := openTestConn(t, gw)

	sendJSON(t, client, map[string]any{
		"type":      "REQUEST",
		"topic":     "market-data",
		"action":    "getToken",
		"requestId": "req-1",
		"symbol":    "SOL",
	})

	reply := readEnvelope(t, client)
	assert.Equal(t, protocol.TypeData, reply.Type)
	assert.Equal(t, "market-data", reply.Topic)
	assert.Equal(t, "getToken", reply.Action)
	assert.Equal(t, "req-1", reply.RequestID)
	assert.JSONEq(t, `{"symbol":"SOL"}`, string(reply.Data))
	assert.Equal(t, 0, gw.dispatcher.PendingCount())
}

func TestDispatchRequestNotSubscribed(t *testing.T) {
	table, _, restricted, _ := defaultTable()
	restricted.acceptsUnsub = false
	gw := newTestGateway(t, nil, table, nil)
	c, client := openTestConn(t, gw)

	c.SetIdentity(auth.Identity{PrincipalID: "u1", Role: auth.RoleUser})
	sendJSON(t, client, map[string]any{
		"type":      "REQUEST",
		"topic":     "portfolio",
		"action":    "getPortfolio",
		"requestId": "req-1",
	})

	errEnv := readEnvelope(t, client)
	assert.Equal(t, protocol.CodeInvalidState, errEnv.Code)
	assert.Equal(t, "portfolio", errEnv.Topic)
	assert.Equal(t, "req-1", errEnv.RequestID)
}

func TestDispatchRequestUnknownTopic(t *testing.T) {
	table, _, _, _ := defaultTable()
	gw := newTestGateway(t, nil, table, nil)
	_, client := openTestConn(t, gw)

	sendJSON(t, client, map[string]any{
		"type":      "REQUEST",
		"topic":     "nope",
		"action":    "x",
		"requestId": "req-1",
	})

	errEnv := readEnvelope(t, client)
	assert.Equal(t, protocol.CodeNotFound, errEnv.Code)
	assert.Equal(t, "req-1", errEnv.RequestID)
}

func TestDispatchRequestTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.RequestTimeout = 100 * time.Millisecond

	table, public, _, _ := defaultTable()
	block := make(chan struct{})
	public.requestFn = func(ctx context.Context, _ auth.Identity, _ string, _ Params) (json.RawMessage, *protocol.Error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return json.RawMessage(`{}`), nil
	}
	gw := newTestGateway(t, cfg, table, nil)
	defer close(block)
	_, client := openTestConn(t, gw)

	sendJSON(t, client, map[string]any{
		"type":      "REQUEST",
		"topic":     "market-data",
		"action":    "slow",
		"requestId": "req-1",
	})

	errEnv := readEnvelope(t, client)
	assert.Equal(t, protocol.CodeRequestTimeout, errEnv.Code)
	assert.Equal(t, "req-1", errEnv.RequestID)

	require.Eventually(t, func() bool {
		return gw.dispatcher.PendingCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestDispatchRequestIDCollision(t *testing.T) {
	table, public, _, _ := defaultTable()
	release := make(chan struct{})
	public.requestFn = func(ctx context.Context, _ auth.Identity, _ string, _ Params) (json.RawMessage, *protocol.Error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return json.RawMessage(`{"done":true}`), nil
	}
	gw := newTestGateway(t, nil, table, nil)
	_, client := openTestConn(t, gw)

	sendJSON(t, client, map[string]any{
		"type": "REQUEST", "topic": "market-data", "action": "a", "requestId": "dup",
	})
	sendJSON(t, client, map[string]any{
		"type": "REQUEST", "topic": "market-data", "action": "b", "requestId": "dup",
	})

	// The first request is superseded; the second still completes.
	errEnv := readEnvelope(t, client)
	assert.Equal(t, protocol.CodeSuperseded, errEnv.Code)
	assert.Equal(t, "dup", errEnv.RequestID)

	close(release)
	reply := readEnvelope(t, client)
	assert.Equal(t, protocol.TypeData, reply.Type)
	assert.Equal(t, "dup", reply.RequestID)
}

func TestDispatchCommandRequiresAuth(t *testing.T) {
	table, public, _, _ := defaultTable()
	gw := newTestGateway(t, nil, table, nil)
	_, client := openTestConn(t, gw)
	_ = public

	sendJSON(t, client, map[string]any{
		"type": "COMMAND", "topic": "market-data", "action": "doThing", "requestId": "c1",
	})

	errEnv := readEnvelope(t, client)
	assert.Equal(t, protocol.CodeAuthRequired, errEnv.Code)
	assert.Equal(t, "c1", errEnv.RequestID)
}

func TestDispatchCommandAcknowledged(t *testing.T) {
	table, public, _, _ := defaultTable()
	var gotAction string
	public.commandFn = func(_ context.Context, _ auth.Identity, action string, _ Params) *protocol.Error {
		gotAction = action
		return nil
	}
	gw := newTestGateway(t, nil, table, nil)
	c, client := openTestConn(t, gw)

	c.SetIdentity(auth.Identity{PrincipalID: "u1", Role: auth.RoleUser})
	sendJSON(t, client, map[string]any{
		"type": "COMMAND", "topic": "market-data", "action": "doThing", "requestId": "c1",
	})

	ack := readEnvelope(t, client)
	assert.Equal(t, protocol.TypeAcknowledgment, ack.Type)
	assert.Equal(t, "command", ack.Operation)
	assert.Equal(t, "c1", ack.RequestID)
	assert.Equal(t, "doThing", gotAction)
}

func TestDispatchRejectsServerTypes(t *testing.T) {
	table, _, _, _ := defaultTable()
	gw := newTestGateway(t, nil, table, nil)
	_, client := openTestConn(t, gw)

	for _, typ := range []string{"DATA", "ERROR", "SYSTEM", "ACKNOWLEDGMENT"} {
		sendJSON(t, client, map[string]any{"type": typ})
		errEnv := readEnvelope(t, client)
		assert.Equal(t, protocol.CodeInvalidFormat, errEnv.Code, "type %s", typ)
	}
}

func TestDispatchMissingType(t *testing.T) {
	table, _, _, _ := defaultTable()
	gw := newTestGateway(t, nil, table, nil)
	_, client := openTestConn(t, gw)

	sendJSON(t, client, map[string]any{"topics": []string{"market-data"}})
	errEnv := readEnvelope(t, client)
	assert.Equal(t, protocol.CodeMissingType, errEnv.Code)
}

func TestDispatchRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MessageRate = 1
	cfg.MessageBurst = 3

	table, _, _, _ := defaultTable()
	gw := newTestGateway(t, cfg, table, nil)
	c, client := openTestConn(t, gw)

	// Burst of pings: the first three pass, the fourth hits the bucket.
	for i := 0; i < 4; i++ {
		sendJSON(t, client, map[string]any{
			"type": "REQUEST", "topic": "market-data", "action": "ping", "requestId": "r",
		})
	}

	var rateLimited bool
	for i := 0; i < 6 && !rateLimited; i++ {
		env := readEnvelope(t, client)
		if env.Type == protocol.TypeError && env.Code == protocol.CodeRateLimited {
			rateLimited = true
		}
	}
	assert.True(t, rateLimited)
	// The connection stays open.
	assert.Equal(t, StateOpen, c.State())
}

func TestDispatchOfflineReplay(t *testing.T) {
	table, _, _, _ := defaultTable()
	queue := newMemQueue()

	stored, err := protocol.Encode(&protocol.Envelope{
		Type:   protocol.TypeData,
		Topic:  "portfolio",
		Action: "update",
		Data:   json.RawMessage(`{"missed":true}`),
	})
	require.NoError(t, err)
	require.NoError(t, queue.Append("u1", "portfolio", stored))

	gw := newTestGateway(t, nil, table, queue)
	c, client := openTestConn(t, gw)
	c.SetIdentity(auth.Identity{PrincipalID: "u1", Role: auth.RoleUser})

	sendJSON(t, client, map[string]any{"type": "SUBSCRIBE", "topics": []string{"portfolio"}})
	readEnvelope(t, client) // ack

	replayed := readEnvelope(t, client)
	assert.Equal(t, protocol.TypeData, replayed.Type)
	assert.Equal(t, "portfolio", replayed.Topic)
	assert.JSONEq(t, `{"missed":true}`, string(replayed.Data))

	require.Eventually(t, func() bool {
		return queue.deliveredCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestTokenExpiryDowngradesIdentity(t *testing.T) {
	table, _, restricted, _ := defaultTable()
	gw := newTestGateway(t, nil, table, nil)
	c, client := openTestConn(t, gw)

	c.SetIdentity(auth.Identity{
		PrincipalID: "u1",
		Role:        auth.RoleUser,
		TokenExpiry: time.Now().Add(150 * time.Millisecond),
	})
	gw.registry.Subscribe(c, []string{"market-data", "portfolio"})

	errEnv := readEnvelope(t, client)
	assert.Equal(t, protocol.CodeTokenExpired, errEnv.Code)

	require.Eventually(t, func() bool {
		return !c.Identity().IsAuthenticated()
	}, time.Second, 10*time.Millisecond)
	assert.False(t, gw.registry.IsSubscribed(c, "portfolio"))
	assert.True(t, gw.registry.IsSubscribed(c, "market-data"))
	assert.Equal(t, 1, restricted.unsubscribeCount())
	assert.Equal(t, StateOpen, c.State())
}

func TestCloseCancelsPendingRequests(t *testing.T) {
	table, public, _, _ := defaultTable()
	block := make(chan struct{})
	public.requestFn = func(ctx context.Context, _ auth.Identity, _ string, _ Params) (json.RawMessage, *protocol.Error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, protocol.NewError(protocol.CodeInternal, "never sent")
	}
	gw := newTestGateway(t, nil, table, nil)
	c, client := openTestConn(t, gw)
	defer close(block)

	sendJSON(t, client, map[string]any{
		"type": "REQUEST", "topic": "market-data", "action": "a", "requestId": "r1",
	})
	require.Eventually(t, func() bool {
		return gw.dispatcher.PendingCount() == 1
	}, time.Second, 10*time.Millisecond)

	c.Close(protocol.CloseNormal, "test")
	assert.Equal(t, 0, gw.dispatcher.PendingCount())
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	table, _, _, _ := defaultTable()
	gw := newTestGateway(t, nil, table, nil)
	c, client := openTestConn(t, gw)

	// Drain the server's final frames so its direct writes don't stall
	// on the pipe.
	go func() {
		for {
			client.SetReadDeadline(time.Now().Add(2 * time.Second))
			if _, err := wsutil.ReadServerText(client); err != nil {
				return
			}
		}
	}()

	big := make([]byte, protocol.MaxEnvelopeBytes+1)
	for i := range big {
		big[i] = 'a'
	}
	sendJSON(t, client, map[string]any{"type": "REQUEST", "topic": "x", "action": string(big)})

	require.Eventually(t, func() bool {
		return c.State() == StateClosed
	}, 2*time.Second, 10*time.Millisecond)
}
