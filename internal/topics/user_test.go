package topics

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/ws-gateway/internal/auth"
	"github.com/adred-codev/ws-gateway/internal/gateway"
	"github.com/adred-codev/ws-gateway/internal/protocol"
)

func TestUserProfileDefaults(t *testing.T) {
	u := NewUser(&capture{}, zerolog.Nop())

	data, perr := u.Request(context.Background(), userIdentity("u1"), "getProfile", nil)
	require.Nil(t, perr)

	var profile Profile
	require.NoError(t, json.Unmarshal(data, &profile))
	assert.Equal(t, "u1", profile.PrincipalID)
	assert.Equal(t, "user", profile.Role)
	assert.Empty(t, profile.Nickname)
}

func TestUserSetNickname(t *testing.T) {
	u := NewUser(&capture{}, zerolog.Nop())

	perr := u.Command(context.Background(), userIdentity("u1"), "setNickname",
		gateway.Params{"nickname": param("degen")})
	require.Nil(t, perr)

	data, perr := u.Request(context.Background(), userIdentity("u1"), "getProfile", nil)
	require.Nil(t, perr)
	var profile Profile
	require.NoError(t, json.Unmarshal(data, &profile))
	assert.Equal(t, "degen", profile.Nickname)
}

func TestUserSetNicknameMissingParam(t *testing.T) {
	u := NewUser(&capture{}, zerolog.Nop())

	perr := u.Command(context.Background(), userIdentity("u1"), "setNickname", nil)
	require.NotNil(t, perr)
	assert.Equal(t, protocol.CodeInvalidFormat, perr.Code)
}

func TestUserNotifyStores(t *testing.T) {
	pub := &capture{}
	u := NewUser(pub, zerolog.Nop())

	require.NoError(t, u.ApplyUpdate(json.RawMessage(
		`{"principalId":"u1","action":"achievement","data":{"badge":"whale"}}`)))

	events := pub.directedTo()
	require.Len(t, events, 1)
	assert.Equal(t, "u1", events[0].principalID)
	assert.Equal(t, TopicUser, events[0].env.Topic)
	assert.Equal(t, "achievement", events[0].env.Action)
	require.NotNil(t, events[0].opts)
	assert.True(t, events[0].opts.Store)
}

func TestAdminAnnounce(t *testing.T) {
	pub := &capture{}
	a := NewAdmin(stubStats{}, pub, zerolog.Nop())

	perr := a.Command(context.Background(),
		auth.Identity{PrincipalID: "a1", Role: auth.RoleAdmin},
		"announce", gateway.Params{"message": param("maintenance at midnight")})
	require.Nil(t, perr)

	events := pub.published()
	require.Len(t, events, 1)
	assert.Equal(t, TopicSystem, events[0].topic)
	assert.Equal(t, protocol.TypeSystem, events[0].env.Type)
	assert.Equal(t, "announcement", events[0].env.Action)
}

func TestAdminGetStats(t *testing.T) {
	a := NewAdmin(stubStats{}, &capture{}, zerolog.Nop())

	data, perr := a.Request(context.Background(),
		auth.Identity{PrincipalID: "a1", Role: auth.RoleAdmin}, "getStats", nil)
	require.Nil(t, perr)
	assert.Contains(t, string(data), "activeConnections")
}

type stubStats struct{}

func (stubStats) Stats() gateway.Stats {
	return gateway.Stats{ActiveConnections: 3}
}
