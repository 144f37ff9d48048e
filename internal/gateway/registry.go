package gateway

import (
	"sync"

	"github.com/adred-codev/ws-gateway/internal/protocol"
)

// Registry is the topic ↔ connections index. It exclusively owns the
// topic index; connections and principals are tracked by id so nothing
// here outlives a closed connection. All methods are safe for concurrent
// use.
type Registry struct {
	mu         sync.RWMutex
	topics     map[string]map[int64]*Conn    // topic → subscribers
	conns      map[int64]map[string]struct{} // connection → topics (reverse index)
	principals map[string]map[int64]*Conn    // principal → open connections
	table      *HandlerTable
}

func NewRegistry(table *HandlerTable) *Registry {
	return &Registry{
		topics:     make(map[string]map[int64]*Conn),
		conns:      make(map[int64]map[string]struct{}),
		principals: make(map[string]map[int64]*Conn),
		table:      table,
	}
}

// Subscribe checks each topic's auth requirement against the connection's
// current identity and adds the successes to the index. It returns every
// accepted topic (already-held ones included, so the acknowledgment
// reflects what the connection holds), the subset that is newly added,
// and one error per refused topic; handler notification is the
// dispatcher's job, after this returns.
func (r *Registry) Subscribe(c *Conn, topics []string) (accepted, added []string, errs []*protocol.Error) {
	if c.State() != StateOpen {
		return nil, nil, []*protocol.Error{
			protocol.NewError(protocol.CodeInvalidState, "connection is not open"),
		}
	}
	id := c.Identity()

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, topic := range topics {
		h, ok := r.table.Get(topic)
		if !ok {
			errs = append(errs, protocol.NewError(protocol.CodeNotFound, "unknown topic").WithTopic(topic))
			continue
		}
		if perr := h.AuthRequirement().Check(id); perr != nil {
			errs = append(errs, perr.WithTopic(topic))
			continue
		}

		subs, ok := r.topics[topic]
		if !ok {
			subs = make(map[int64]*Conn)
			r.topics[topic] = subs
		}
		if _, already := subs[c.id]; already {
			// Idempotent: acknowledged, but not newly added.
			accepted = append(accepted, topic)
			continue
		}
		subs[c.id] = c

		rev, ok := r.conns[c.id]
		if !ok {
			rev = make(map[string]struct{})
			r.conns[c.id] = rev
		}
		rev[topic] = struct{}{}

		accepted = append(accepted, topic)
		added = append(added, topic)
	}
	return accepted, added, errs
}

// Unsubscribe removes the connection from the given topics. Removal is
// idempotent; only topics actually removed are returned.
func (r *Registry) Unsubscribe(c *Conn, topics []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for _, topic := range topics {
		if r.removeLocked(c.id, topic) {
			removed = append(removed, topic)
		}
	}
	return removed
}

func (r *Registry) removeLocked(connID int64, topic string) bool {
	subs, ok := r.topics[topic]
	if !ok {
		return false
	}
	if _, present := subs[connID]; !present {
		return false
	}
	delete(subs, connID)
	if len(subs) == 0 {
		delete(r.topics, topic)
	}
	if rev, ok := r.conns[connID]; ok {
		delete(rev, topic)
		if len(rev) == 0 {
			delete(r.conns, connID)
		}
	}
	return true
}

// SubscribersOf returns a snapshot of the topic's subscribers, safe to
// iterate while subscriptions change concurrently.
func (r *Registry) SubscribersOf(topic string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs, ok := r.topics[topic]
	if !ok {
		return nil
	}
	out := make([]*Conn, 0, len(subs))
	for _, c := range subs {
		out = append(out, c)
	}
	return out
}

// SubscriberCount returns the number of subscribers on a topic.
func (r *Registry) SubscriberCount(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics[topic])
}

// IsSubscribed reports whether the connection holds a subscription.
func (r *Registry) IsSubscribed(c *Conn, topic string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[c.id][topic]
	return ok
}

// TopicsOf returns the topics the connection is subscribed to.
func (r *Registry) TopicsOf(c *Conn) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rev := r.conns[c.id]
	out := make([]string, 0, len(rev))
	for topic := range rev {
		out = append(out, topic)
	}
	return out
}

// RevokeRestricted removes the connection from every topic whose auth
// requirement is required or admin. Called on identity loss.
func (r *Registry) RevokeRestricted(c *Conn) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var revoked []string
	for topic := range r.conns[c.id] {
		h, ok := r.table.Get(topic)
		if !ok || !h.AuthRequirement().Restricted() {
			continue
		}
		revoked = append(revoked, topic)
	}
	for _, topic := range revoked {
		r.removeLocked(c.id, topic)
	}
	return revoked
}

// OnConnectionClosed removes the connection from all indexes and returns
// the topics it held, so the caller can notify handlers.
func (r *Registry) OnConnectionClosed(c *Conn) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var topics []string
	for topic := range r.conns[c.id] {
		topics = append(topics, topic)
	}
	for _, topic := range topics {
		r.removeLocked(c.id, topic)
	}

	pid := c.Identity().PrincipalID
	if pid != "" {
		r.dropPrincipalLocked(pid, c.id)
	}
	return topics
}

// UpdatePrincipal moves the connection between principal index entries
// when its identity changes.
func (r *Registry) UpdatePrincipal(c *Conn, oldPID, newPID string) {
	if oldPID == newPID {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if oldPID != "" {
		r.dropPrincipalLocked(oldPID, c.id)
	}
	if newPID != "" {
		conns, ok := r.principals[newPID]
		if !ok {
			conns = make(map[int64]*Conn)
			r.principals[newPID] = conns
		}
		conns[c.id] = c
	}
}

func (r *Registry) dropPrincipalLocked(pid string, connID int64) {
	if conns, ok := r.principals[pid]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.principals, pid)
		}
	}
}

// ConnsForPrincipal snapshots the open connections authenticated as the
// given principal.
func (r *Registry) ConnsForPrincipal(pid string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns, ok := r.principals[pid]
	if !ok {
		return nil
	}
	out := make([]*Conn, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// HasOpenSubscriber reports whether the principal has at least one open
// connection currently subscribed to the topic. Drives the
// store-and-forward decision.
func (r *Registry) HasOpenSubscriber(pid, topic string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for connID, c := range r.principals[pid] {
		if c.State() != StateOpen {
			continue
		}
		if _, ok := r.conns[connID][topic]; ok {
			return true
		}
	}
	return false
}
