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

// DuelState is the public state of one duel lobby.
type DuelState struct {
	ID      string   `json:"id"`
	Status  string   `json:"status"`
	Players []string `json:"players"`
	Wager   float64  `json:"wager"`
}

// SkyDuel serves head-to-head duel lobbies. Anyone may watch;
// authenticated principals join via COMMAND. A lobby starts once it has
// two players.
type SkyDuel struct {
	mu    sync.RWMutex
	duels map[string]*DuelState

	pub    Publisher
	logger zerolog.Logger
}

func NewSkyDuel(pub Publisher, logger zerolog.Logger) *SkyDuel {
	return &SkyDuel{
		duels:  make(map[string]*DuelState),
		pub:    pub,
		logger: logger.With().Str("topic", TopicSkyDuel).Logger(),
	}
}

func (s *SkyDuel) AuthRequirement() gateway.AuthRequirement { return gateway.AuthOptional }

func (s *SkyDuel) OnSubscribe(ctx context.Context, sub gateway.Subscriber, id auth.Identity) (json.RawMessage, error) {
	return s.listPayload()
}

func (s *SkyDuel) OnUnsubscribe(connID int64) {}

func (s *SkyDuel) Request(ctx context.Context, id auth.Identity, action string, params gateway.Params) (json.RawMessage, *protocol.Error) {
	switch action {
	case "getDuels":
		data, err := s.listPayload()
		if err != nil {
			return nil, protocol.NewError(protocol.CodeInternal, "internal server error")
		}
		return data, nil
	}
	return nil, errUnknownAction(action)
}

func (s *SkyDuel) Command(ctx context.Context, id auth.Identity, action string, params gateway.Params) *protocol.Error {
	switch action {
	case "join":
		duelID, ok := params.String("duelId")
		if !ok || duelID == "" {
			return protocol.NewError(protocol.CodeInvalidFormat, "duelId parameter is required")
		}
		return s.join(duelID, id.PrincipalID)
	}
	return errUnknownAction(action)
}

func (s *SkyDuel) join(duelID, principalID string) *protocol.Error {
	s.mu.Lock()
	duel, found := s.duels[duelID]
	if !found {
		s.mu.Unlock()
		return protocol.NewError(protocol.CodeNotFound, "unknown duel: "+duelID)
	}
	if duel.Status != "waiting" {
		s.mu.Unlock()
		return protocol.NewError(protocol.CodeInvalidState, "duel is not accepting players")
	}
	for _, player := range duel.Players {
		if player == principalID {
			s.mu.Unlock()
			return protocol.NewError(protocol.CodeInvalidState, "already in duel")
		}
	}
	duel.Players = append(duel.Players, principalID)
	if len(duel.Players) == 2 {
		duel.Status = "active"
	}
	snapshot := *duel
	s.mu.Unlock()

	s.broadcastState(snapshot)
	return nil
}

// UpsertDuel creates or replaces a lobby from upstream state.
func (s *SkyDuel) UpsertDuel(state DuelState) {
	s.mu.Lock()
	s.duels[state.ID] = &state
	s.mu.Unlock()

	s.broadcastState(state)
}

// ApplyUpdate ingests a duel change from the event bus.
func (s *SkyDuel) ApplyUpdate(data json.RawMessage) error {
	var state DuelState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.ID == "" {
		return errMissingID
	}
	s.UpsertDuel(state)
	return nil
}

func (s *SkyDuel) broadcastState(state DuelState) {
	data, err := json.Marshal(state)
	if err != nil {
		s.logger.Error().Err(err).Str("duel_id", state.ID).Msg("failed to marshal duel")
		return
	}
	s.pub.Publish(TopicSkyDuel, &protocol.Envelope{
		Type:   protocol.TypeData,
		Action: "state",
		Data:   data,
	}, nil)
}

func (s *SkyDuel) listPayload() (json.RawMessage, error) {
	s.mu.RLock()
	list := make([]DuelState, 0, len(s.duels))
	for _, duel := range s.duels {
		list = append(list, *duel)
	}
	s.mu.RUnlock()
	return json.Marshal(map[string]any{"duels": list})
}
