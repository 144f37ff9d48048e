package topics

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/ws-gateway/internal/auth"
)

func userIdentity(pid string) auth.Identity {
	return auth.Identity{PrincipalID: pid, Role: auth.RoleUser}
}

func TestBalanceStore(t *testing.T) {
	store := NewBalanceStore()
	store.Set("u1", "SOL", 10)
	store.Set("u1", "USDC", 250)
	store.Set("u2", "SOL", 1)

	balances := store.Get("u1")
	assert.Equal(t, 10.0, balances["SOL"])
	assert.Equal(t, 250.0, balances["USDC"])
	assert.Len(t, store.Get("u2"), 1)
	assert.Empty(t, store.Get("unknown"))

	// Get returns a copy.
	balances["SOL"] = 999
	assert.Equal(t, 10.0, store.Get("u1")["SOL"])
}

func TestWalletGetBalance(t *testing.T) {
	store := NewBalanceStore()
	store.Set("u1", "SOL", 10)
	w := NewWallet(store, &capture{}, zerolog.Nop())

	data, perr := w.Request(context.Background(), userIdentity("u1"), "getBalance", nil)
	require.Nil(t, perr)
	assert.JSONEq(t, `{"balances":{"SOL":10}}`, string(data))
}

func TestWalletRefreshBalancePushes(t *testing.T) {
	store := NewBalanceStore()
	store.Set("u1", "SOL", 10)
	pub := &capture{}
	w := NewWallet(store, pub, zerolog.Nop())

	perr := w.Command(context.Background(), userIdentity("u1"), "refreshBalance", nil)
	require.Nil(t, perr)

	events := pub.directedTo()
	require.Len(t, events, 1)
	assert.Equal(t, "u1", events[0].principalID)
	assert.Equal(t, TopicWalletBalance, events[0].env.Topic)
	assert.Equal(t, "balance", events[0].env.Action)
}

func TestWalletBalanceApplyUpdate(t *testing.T) {
	store := NewBalanceStore()
	pub := &capture{}
	wb := NewWalletBalance(store, pub, zerolog.Nop())

	require.NoError(t, wb.ApplyUpdate(json.RawMessage(
		`{"principalId":"u1","asset":"SOL","amount":12.5}`)))

	assert.Equal(t, 12.5, store.Get("u1")["SOL"])

	events := pub.directedTo()
	require.Len(t, events, 1)
	assert.Equal(t, "u1", events[0].principalID)
	// Stored for replay when the principal is offline.
	require.NotNil(t, events[0].opts)
	assert.True(t, events[0].opts.Store)
}

func TestWalletBalanceScopedToCaller(t *testing.T) {
	store := NewBalanceStore()
	store.Set("u1", "SOL", 10)
	store.Set("u2", "SOL", 99)
	wb := NewWalletBalance(store, &capture{}, zerolog.Nop())

	data, perr := wb.Request(context.Background(), userIdentity("u1"), "getBalance", nil)
	require.Nil(t, perr)
	assert.JSONEq(t, `{"balances":{"SOL":10}}`, string(data))
}
