package topics

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/ws-gateway/internal/auth"
	"github.com/adred-codev/ws-gateway/internal/gateway"
	"github.com/adred-codev/ws-gateway/internal/protocol"
)

// Quote is the last known price state of one token.
type Quote struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Change24h float64 `json:"change24h"`
	Volume24h float64 `json:"volume24h"`
	UpdatedAt string  `json:"updatedAt"`
}

// MarketData serves public price data. Subscribers get the full quote
// snapshot on subscribe and per-token updates as they arrive from the
// event bus; one-shot REQUESTs work without a subscription.
type MarketData struct {
	mu     sync.RWMutex
	quotes map[string]Quote

	pub    Publisher
	logger zerolog.Logger
}

func NewMarketData(pub Publisher, logger zerolog.Logger) *MarketData {
	return &MarketData{
		quotes: make(map[string]Quote),
		pub:    pub,
		logger: logger.With().Str("topic", TopicMarketData).Logger(),
	}
}

func (m *MarketData) AuthRequirement() gateway.AuthRequirement { return gateway.AuthNone }

func (m *MarketData) AcceptsUnsubscribedRequests() bool { return true }

func (m *MarketData) OnSubscribe(ctx context.Context, sub gateway.Subscriber, id auth.Identity) (json.RawMessage, error) {
	return m.snapshot()
}

func (m *MarketData) OnUnsubscribe(connID int64) {}

func (m *MarketData) Request(ctx context.Context, id auth.Identity, action string, params gateway.Params) (json.RawMessage, *protocol.Error) {
	switch action {
	case "getToken":
		symbol, ok := params.String("symbol")
		if !ok || symbol == "" {
			return nil, protocol.NewError(protocol.CodeInvalidFormat, "symbol parameter is required")
		}
		m.mu.RLock()
		quote, found := m.quotes[symbol]
		m.mu.RUnlock()
		if !found {
			return nil, protocol.NewError(protocol.CodeNotFound, "unknown token: "+symbol)
		}
		data, err := json.Marshal(quote)
		if err != nil {
			return nil, protocol.NewError(protocol.CodeInternal, "internal server error")
		}
		return data, nil

	case "getAllTokens":
		data, err := m.snapshot()
		if err != nil {
			return nil, protocol.NewError(protocol.CodeInternal, "internal server error")
		}
		return data, nil
	}
	return nil, errUnknownAction(action)
}

func (m *MarketData) Command(ctx context.Context, id auth.Identity, action string, params gateway.Params) *protocol.Error {
	return errUnknownAction(action)
}

// UpdateQuote stores a fresh quote and broadcasts it to subscribers.
func (m *MarketData) UpdateQuote(q Quote) {
	if q.UpdatedAt == "" {
		q.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	m.mu.Lock()
	m.quotes[q.Symbol] = q
	m.mu.Unlock()

	data, err := json.Marshal(q)
	if err != nil {
		m.logger.Error().Err(err).Str("symbol", q.Symbol).Msg("failed to marshal quote")
		return
	}
	m.pub.Publish(TopicMarketData, &protocol.Envelope{
		Type:   protocol.TypeData,
		Action: "price",
		Data:   data,
	}, nil)
}

// ApplyUpdate feeds a raw quote payload from the event bus into the cache.
func (m *MarketData) ApplyUpdate(data json.RawMessage) error {
	var q Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return fmt.Errorf("decode quote: %w", err)
	}
	if q.Symbol == "" {
		return fmt.Errorf("quote has no symbol")
	}
	m.UpdateQuote(q)
	return nil
}

// QuoteCount reports the number of cached quotes.
func (m *MarketData) QuoteCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.quotes)
}

func (m *MarketData) snapshot() (json.RawMessage, error) {
	m.mu.RLock()
	tokens := make([]Quote, 0, len(m.quotes))
	for _, q := range m.quotes {
		tokens = append(tokens, q)
	}
	m.mu.RUnlock()

	return json.Marshal(map[string]any{"tokens": tokens})
}
