package monitoring

import (
	"github.com/rs/zerolog"
)

// AuditLogger records security-relevant connection events (subscribes,
// unsubscribes, auth changes, forced disconnects) as structured log lines
// that can be shipped to the audit pipeline separately from service logs.
type AuditLogger struct {
	logger zerolog.Logger
}

func NewAuditLogger(base zerolog.Logger) *AuditLogger {
	return &AuditLogger{logger: base.With().Str("log_type", "audit").Logger()}
}

// Event writes one audit record. name is a stable event identifier such
// as "subscribe" or "token_expired".
func (a *AuditLogger) Event(name string, fields map[string]any) {
	event := a.logger.Info().Str("audit_event", name)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg("audit")
}

// Subscribe records a subscription change for one connection.
func (a *AuditLogger) Subscribe(connID int64, principalID string, topics []string) {
	a.Event("subscribe", map[string]any{
		"conn_id":   connID,
		"principal": principalID,
		"topics":    topics,
	})
}

// Unsubscribe records a subscription removal for one connection.
func (a *AuditLogger) Unsubscribe(connID int64, principalID string, topics []string) {
	a.Event("unsubscribe", map[string]any{
		"conn_id":   connID,
		"principal": principalID,
		"topics":    topics,
	})
}
