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

// BalanceStore holds per-principal asset balances. It backs both the
// wallet and wallet-balance topics; the source of truth is upstream,
// this is the gateway-local cache that subscribers read from.
type BalanceStore struct {
	mu       sync.RWMutex
	balances map[string]map[string]float64 // principal → asset → amount
}

func NewBalanceStore() *BalanceStore {
	return &BalanceStore{balances: make(map[string]map[string]float64)}
}

// Set replaces one asset balance for a principal.
func (s *BalanceStore) Set(principalID, asset string, amount float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wallet, ok := s.balances[principalID]
	if !ok {
		wallet = make(map[string]float64)
		s.balances[principalID] = wallet
	}
	wallet[asset] = amount
}

// Get returns a copy of the principal's balances.
func (s *BalanceStore) Get(principalID string) map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64, len(s.balances[principalID]))
	for asset, amount := range s.balances[principalID] {
		out[asset] = amount
	}
	return out
}

// Wallet serves a principal's wallet state. Restricted: subscribers must
// be authenticated, and every payload is scoped to the caller.
type Wallet struct {
	store  *BalanceStore
	pub    Publisher
	logger zerolog.Logger
}

func NewWallet(store *BalanceStore, pub Publisher, logger zerolog.Logger) *Wallet {
	return &Wallet{
		store:  store,
		pub:    pub,
		logger: logger.With().Str("topic", TopicWallet).Logger(),
	}
}

func (w *Wallet) AuthRequirement() gateway.AuthRequirement { return gateway.AuthRequired }

func (w *Wallet) OnSubscribe(ctx context.Context, sub gateway.Subscriber, id auth.Identity) (json.RawMessage, error) {
	return balancePayload(w.store, id.PrincipalID)
}

func (w *Wallet) OnUnsubscribe(connID int64) {}

func (w *Wallet) Request(ctx context.Context, id auth.Identity, action string, params gateway.Params) (json.RawMessage, *protocol.Error) {
	switch action {
	case "getBalance":
		data, err := balancePayload(w.store, id.PrincipalID)
		if err != nil {
			return nil, protocol.NewError(protocol.CodeInternal, "internal server error")
		}
		return data, nil
	}
	return nil, errUnknownAction(action)
}

func (w *Wallet) Command(ctx context.Context, id auth.Identity, action string, params gateway.Params) *protocol.Error {
	switch action {
	case "refreshBalance":
		w.pushBalance(id.PrincipalID)
		return nil
	}
	return errUnknownAction(action)
}

// pushBalance sends the principal's current balances to all of their
// open connections as a wallet-balance DATA event.
func (w *Wallet) pushBalance(principalID string) {
	data, err := balancePayload(w.store, principalID)
	if err != nil {
		w.logger.Error().Err(err).Str("principal", principalID).Msg("failed to marshal balances")
		return
	}
	w.pub.PublishDirected(principalID, &protocol.Envelope{
		Type:   protocol.TypeData,
		Topic:  TopicWalletBalance,
		Action: "balance",
		Data:   data,
	}, nil)
}

// WalletBalance is the push channel for balance changes. Reads mirror
// the wallet topic; updates from upstream land here via ApplyUpdate.
type WalletBalance struct {
	store  *BalanceStore
	pub    Publisher
	logger zerolog.Logger
}

func NewWalletBalance(store *BalanceStore, pub Publisher, logger zerolog.Logger) *WalletBalance {
	return &WalletBalance{
		store:  store,
		pub:    pub,
		logger: logger.With().Str("topic", TopicWalletBalance).Logger(),
	}
}

func (w *WalletBalance) AuthRequirement() gateway.AuthRequirement { return gateway.AuthRequired }

func (w *WalletBalance) OnSubscribe(ctx context.Context, sub gateway.Subscriber, id auth.Identity) (json.RawMessage, error) {
	return balancePayload(w.store, id.PrincipalID)
}

func (w *WalletBalance) OnUnsubscribe(connID int64) {}

func (w *WalletBalance) Request(ctx context.Context, id auth.Identity, action string, params gateway.Params) (json.RawMessage, *protocol.Error) {
	switch action {
	case "getBalance":
		data, err := balancePayload(w.store, id.PrincipalID)
		if err != nil {
			return nil, protocol.NewError(protocol.CodeInternal, "internal server error")
		}
		return data, nil
	}
	return nil, errUnknownAction(action)
}

func (w *WalletBalance) Command(ctx context.Context, id auth.Identity, action string, params gateway.Params) *protocol.Error {
	return errUnknownAction(action)
}

// balanceUpdate is the bus payload for a balance change.
type balanceUpdate struct {
	PrincipalID string  `json:"principalId"`
	Asset       string  `json:"asset"`
	Amount      float64 `json:"amount"`
}

// ApplyUpdate ingests a balance change from the event bus, updates the
// cache and pushes the new state to the principal. The push is stored
// for replay when the principal is offline.
func (w *WalletBalance) ApplyUpdate(data json.RawMessage) error {
	var upd balanceUpdate
	if err := json.Unmarshal(data, &upd); err != nil {
		return err
	}
	w.store.Set(upd.PrincipalID, upd.Asset, upd.Amount)

	payload, err := balancePayload(w.store, upd.PrincipalID)
	if err != nil {
		return err
	}
	w.pub.PublishDirected(upd.PrincipalID, &protocol.Envelope{
		Type:   protocol.TypeData,
		Topic:  TopicWalletBalance,
		Action: "balance",
		Data:   payload,
	}, &gateway.PublishOptions{Store: true})
	return nil
}

func balancePayload(store *BalanceStore, principalID string) (json.RawMessage, error) {
	return json.Marshal(map[string]any{"balances": store.Get(principalID)})
}
