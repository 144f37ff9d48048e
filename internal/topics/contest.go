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

// ContestInfo is the public state of one running contest.
type ContestInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	Entrants int    `json:"entrants"`
}

// Contest serves contest listings to anyone and lets authenticated
// principals join. Anonymous subscribers see public state; the join
// COMMAND is gated by the dispatcher's authenticated floor.
type Contest struct {
	mu       sync.RWMutex
	contests map[string]*ContestInfo
	entrants map[string]map[string]struct{} // contest → principals

	pub    Publisher
	logger zerolog.Logger
}

func NewContest(pub Publisher, logger zerolog.Logger) *Contest {
	return &Contest{
		contests: make(map[string]*ContestInfo),
		entrants: make(map[string]map[string]struct{}),
		pub:      pub,
		logger:   logger.With().Str("topic", TopicContest).Logger(),
	}
}

func (c *Contest) AuthRequirement() gateway.AuthRequirement { return gateway.AuthOptional }

func (c *Contest) OnSubscribe(ctx context.Context, sub gateway.Subscriber, id auth.Identity) (json.RawMessage, error) {
	return c.listPayload()
}

func (c *Contest) OnUnsubscribe(connID int64) {}

func (c *Contest) Request(ctx context.Context, id auth.Identity, action string, params gateway.Params) (json.RawMessage, *protocol.Error) {
	switch action {
	case "getContests":
		data, err := c.listPayload()
		if err != nil {
			return nil, protocol.NewError(protocol.CodeInternal, "internal server error")
		}
		return data, nil

	case "getContest":
		contestID, ok := params.String("contestId")
		if !ok || contestID == "" {
			return nil, protocol.NewError(protocol.CodeInvalidFormat, "contestId parameter is required")
		}
		c.mu.RLock()
		info, found := c.contests[contestID]
		var snapshot ContestInfo
		if found {
			snapshot = *info
		}
		c.mu.RUnlock()
		if !found {
			return nil, protocol.NewError(protocol.CodeNotFound, "unknown contest: "+contestID)
		}
		data, err := json.Marshal(snapshot)
		if err != nil {
			return nil, protocol.NewError(protocol.CodeInternal, "internal server error")
		}
		return data, nil
	}
	return nil, errUnknownAction(action)
}

func (c *Contest) Command(ctx context.Context, id auth.Identity, action string, params gateway.Params) *protocol.Error {
	switch action {
	case "join":
		contestID, ok := params.String("contestId")
		if !ok || contestID == "" {
			return protocol.NewError(protocol.CodeInvalidFormat, "contestId parameter is required")
		}
		return c.join(contestID, id.PrincipalID)
	}
	return errUnknownAction(action)
}

func (c *Contest) join(contestID, principalID string) *protocol.Error {
	c.mu.Lock()
	info, found := c.contests[contestID]
	if !found {
		c.mu.Unlock()
		return protocol.NewError(protocol.CodeNotFound, "unknown contest: "+contestID)
	}
	if info.Status != "open" {
		c.mu.Unlock()
		return protocol.NewError(protocol.CodeInvalidState, "contest is not open for entry")
	}
	entrants, ok := c.entrants[contestID]
	if !ok {
		entrants = make(map[string]struct{})
		c.entrants[contestID] = entrants
	}
	if _, joined := entrants[principalID]; joined {
		c.mu.Unlock()
		return protocol.NewError(protocol.CodeInvalidState, "already entered")
	}
	entrants[principalID] = struct{}{}
	info.Entrants = len(entrants)
	snapshot := *info
	c.mu.Unlock()

	c.broadcastUpdate(snapshot)
	return nil
}

// UpsertContest creates or replaces a contest from upstream state and
// broadcasts the change.
func (c *Contest) UpsertContest(info ContestInfo) {
	c.mu.Lock()
	if existing, ok := c.contests[info.ID]; ok {
		info.Entrants = existing.Entrants
	}
	c.contests[info.ID] = &info
	c.mu.Unlock()

	c.broadcastUpdate(info)
}

// ApplyUpdate ingests a contest change from the event bus.
func (c *Contest) ApplyUpdate(data json.RawMessage) error {
	var info ContestInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return err
	}
	if info.ID == "" {
		return errMissingID
	}
	c.UpsertContest(info)
	return nil
}

func (c *Contest) broadcastUpdate(info ContestInfo) {
	data, err := json.Marshal(info)
	if err != nil {
		c.logger.Error().Err(err).Str("contest_id", info.ID).Msg("failed to marshal contest")
		return
	}
	c.pub.Publish(TopicContest, &protocol.Envelope{
		Type:   protocol.TypeData,
		Action: "update",
		Data:   data,
	}, nil)
}

func (c *Contest) listPayload() (json.RawMessage, error) {
	c.mu.RLock()
	list := make([]ContestInfo, 0, len(c.contests))
	for _, info := range c.contests {
		list = append(list, *info)
	}
	c.mu.RUnlock()
	return json.Marshal(map[string]any{"contests": list})
}
