// Package topics holds the concrete topic handlers served by the
// gateway. Handlers keep their own state and reach the outside world
// only through the Publisher.
package topics

import (
	"errors"

	"github.com/adred-codev/ws-gateway/internal/gateway"
	"github.com/adred-codev/ws-gateway/internal/protocol"
)

// Topic names. The set registered at startup is closed.
const (
	TopicMarketData    = "market-data"
	TopicSystem        = "system"
	TopicPortfolio     = "portfolio"
	TopicWallet        = "wallet"
	TopicWalletBalance = "wallet-balance"
	TopicUser          = "user"
	TopicContest       = "contest"
	TopicSkyDuel       = "skyduel"
	TopicAdmin         = "admin"
)

// Publisher is the handlers' outbound seam, satisfied by
// *gateway.Broadcaster.
type Publisher interface {
	Publish(topic string, env *protocol.Envelope, opts *gateway.PublishOptions)
	PublishDirected(principalID string, env *protocol.Envelope, opts *gateway.PublishOptions)
}

func errUnknownAction(action string) *protocol.Error {
	return protocol.NewError(protocol.CodeNotFound, "unknown action: "+action)
}

var errMissingID = errors.New("update has no id")
