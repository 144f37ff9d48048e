// Package offline persists envelopes addressed to principals that have no
// live subscribed connection, for replay when they next subscribe.
package offline

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Message is one stored envelope. Keys sort by (principal, topic,
// createdAt) so prefix iteration yields replay order for free.
type Message struct {
	ID          string          `json:"id"`
	PrincipalID string          `json:"principal_id"`
	Topic       string          `json:"topic"`
	Envelope    json.RawMessage `json:"envelope_json"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`

	key []byte
}

// Store is the append-only offline queue backed by an embedded badger
// database. Retention is enforced with badger TTLs; the per-principal cap
// is enforced at append time.
type Store struct {
	db           *badger.DB
	retention    time.Duration
	perPrincipal int
	logger       zerolog.Logger
}

// Config holds store settings. Zero retention defaults to 7 days, zero
// cap to 1000 messages per principal.
type Config struct {
	Dir          string
	Retention    time.Duration
	PerPrincipal int
	Logger       zerolog.Logger
}

// ErrPrincipalFull is returned when a principal's backlog is at the cap.
var ErrPrincipalFull = fmt.Errorf("offline queue full for principal")

func Open(cfg Config) (*Store, error) {
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.PerPrincipal <= 0 {
		cfg.PerPrincipal = 1000
	}

	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open offline store: %w", err)
	}

	return &Store{
		db:           db,
		retention:    cfg.Retention,
		perPrincipal: cfg.PerPrincipal,
		logger:       cfg.Logger.With().Str("component", "offline_store").Logger(),
	}, nil
}

// Keys: om/<principal>/<topic>/<createdAt ns, zero padded>/<uuid>.
// The padding keeps lexicographic order equal to chronological order.
func messageKey(principalID, topic string, createdAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("om/%s/%s/%020d/%s", principalID, topic, createdAt.UnixNano(), id))
}

func topicPrefix(principalID, topic string) []byte {
	return []byte(fmt.Sprintf("om/%s/%s/", principalID, topic))
}

func principalPrefix(principalID string) []byte {
	return []byte(fmt.Sprintf("om/%s/", principalID))
}

// Append persists one envelope for a principal. Fails with
// ErrPrincipalFull once the principal's backlog reaches the cap. The cap
// check and the write share one transaction; concurrent appends that
// would race past the cap conflict instead and are retried.
func (s *Store) Append(principalID, topic string, envelope []byte) error {
	now := time.Now().UTC()
	msg := Message{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		Topic:       topic,
		Envelope:    json.RawMessage(envelope),
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.retention),
	}
	value, err := json.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("marshal offline message: %w", err)
	}

	key := messageKey(principalID, topic, now, msg.ID)
	for attempt := 0; ; attempt++ {
		err = s.db.Update(func(txn *badger.Txn) error {
			if countPrincipal(txn, principalID) >= s.perPrincipal {
				return fmt.Errorf("%w: %s", ErrPrincipalFull, principalID)
			}
			entry := badger.NewEntry(key, value).WithTTL(s.retention)
			return txn.SetEntry(entry)
		})
		if !errors.Is(err, badger.ErrConflict) || attempt >= 2 {
			break
		}
	}
	if err != nil {
		if errors.Is(err, ErrPrincipalFull) {
			return err
		}
		return fmt.Errorf("store offline message: %w", err)
	}

	s.logger.Debug().
		Str("principal", principalID).
		Str("topic", topic).
		Str("message_id", msg.ID).
		Msg("offline message stored")
	return nil
}

// Undelivered returns the principal's stored messages for a topic in
// createdAt order, skipping already delivered ones.
func (s *Store) Undelivered(principalID, topic string) ([]Message, error) {
	var out []Message
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = topicPrefix(principalID, topic)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var msg Message
			if err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &msg)
			}); err != nil {
				return err
			}
			if msg.DeliveredAt != nil {
				continue
			}
			msg.key = item.KeyCopy(nil)
			out = append(out, msg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan offline messages: %w", err)
	}
	return out, nil
}

// MarkDelivered stamps deliveredAt on a message returned by Undelivered.
// The record stays until retention expires so deliveries are auditable.
func (s *Store) MarkDelivered(msg Message) error {
	if msg.key == nil {
		return fmt.Errorf("message has no storage key")
	}
	now := time.Now().UTC()
	msg.DeliveredAt = &now

	value, err := json.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("marshal offline message: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(msg.key, value)
		if ttl := time.Until(msg.ExpiresAt); ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

func countPrincipal(txn *badger.Txn, principalID string) int {
	count := 0
	opts := badger.DefaultIteratorOptions
	opts.Prefix = principalPrefix(principalID)
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		count++
	}
	return count
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
