package broker

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/rubiojr/netpulse/pkg/realtime"
)

// ConnectionID identifies one live client connection for its whole lifetime.
type ConnectionID string

// Peer is the write side of one client connection.
type Peer interface {
	Send(frame []byte) error
	Close() error
}

// ErrUnknownConnection is returned when an operation names a connection that
// is not (or no longer) registered.
var ErrUnknownConnection = errors.New("unknown connection")

// Subscriber is a point-in-time view of one subscribed connection.
type Subscriber struct {
	ID   ConnectionID
	Peer Peer
}

// Stats is a consistent snapshot of the registry.
type Stats struct {
	Connections int           `json:"connections"`
	Workspaces  map[int64]int `json:"workspaces"`
}

type connEntry struct {
	peer      Peer
	principal int64
	topics    map[int64]struct{}
}

// Registry tracks live connections and the workspaces each one follows.
//
// Both directions of the mapping live behind a single lock so that a
// connection is in a workspace's subscriber set exactly when that workspace
// is in the connection's topic set.
type Registry struct {
	mu     sync.RWMutex
	conns  map[ConnectionID]*connEntry
	topics map[int64]map[ConnectionID]struct{}
	newID  func() string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[ConnectionID]*connEntry),
		topics: make(map[int64]map[ConnectionID]struct{}),
		newID:  uuid.NewString,
	}
}

// Register adds peer and sends it the connected acknowledgement.
// principal is the authenticated user behind the connection, 0 for system.
func (r *Registry) Register(peer Peer, principal int64) ConnectionID {
	r.mu.Lock()
	id := ConnectionID(r.newID())
	for {
		if _, taken := r.conns[id]; !taken {
			break
		}
		id = ConnectionID(r.newID())
	}
	r.conns[id] = &connEntry{
		peer:      peer,
		principal: principal,
		topics:    make(map[int64]struct{}),
	}
	r.mu.Unlock()

	if err := peer.Send(realtime.ConnectedMessage(string(id))); err != nil {
		logger.Warnf("connection %s: failed to send connected ack: %v", id, err)
	}
	return id
}

// Subscribe adds id to workspace's subscriber set and acknowledges it.
// Repeated subscribes are no-ops on the index but are acknowledged again.
// The boolean reports whether the subscription is new.
func (r *Registry) Subscribe(id ConnectionID, workspace int64) (bool, error) {
	r.mu.Lock()
	entry, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return false, ErrUnknownConnection
	}
	_, existed := entry.topics[workspace]
	if !existed {
		entry.topics[workspace] = struct{}{}
		set, ok := r.topics[workspace]
		if !ok {
			set = make(map[ConnectionID]struct{})
			r.topics[workspace] = set
		}
		set[id] = struct{}{}
	}
	peer := entry.peer
	r.mu.Unlock()

	if err := peer.Send(realtime.SubscribedMessage(workspace)); err != nil {
		logger.Warnf("connection %s: failed to send subscribed ack: %v", id, err)
	}
	return !existed, nil
}

// Unsubscribe removes id from workspace's subscriber set. Unsubscribing from a
// workspace that was never subscribed is a no-op.
func (r *Registry) Unsubscribe(id ConnectionID, workspace int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.conns[id]
	if !ok {
		return ErrUnknownConnection
	}
	delete(entry.topics, workspace)
	r.removeFromTopicLocked(workspace, id)
	return nil
}

// Deregister drops id and all of its subscriptions. It reports whether the
// connection was registered; calling it twice is harmless.
func (r *Registry) Deregister(id ConnectionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.conns[id]
	if !ok {
		return false
	}
	for ws := range entry.topics {
		r.removeFromTopicLocked(ws, id)
	}
	delete(r.conns, id)
	return true
}

func (r *Registry) removeFromTopicLocked(workspace int64, id ConnectionID) {
	set, ok := r.topics[workspace]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(r.topics, workspace)
	}
}

// Subscribers returns the connections following workspace. The slice is a
// copy; callers may send to it without holding any lock.
func (r *Registry) Subscribers(workspace int64) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.topics[workspace]
	if len(set) == 0 {
		return nil
	}
	out := make([]Subscriber, 0, len(set))
	for id := range set {
		out = append(out, Subscriber{ID: id, Peer: r.conns[id].peer})
	}
	return out
}

// Topics returns the workspaces id follows, sorted ascending.
func (r *Registry) Topics(id ConnectionID) ([]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.conns[id]
	if !ok {
		return nil, ErrUnknownConnection
	}
	out := make([]int64, 0, len(entry.topics))
	for ws := range entry.topics {
		out = append(out, ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Principal returns the user id recorded at registration.
func (r *Registry) Principal(id ConnectionID) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.conns[id]
	if !ok {
		return 0, ErrUnknownConnection
	}
	return entry.principal, nil
}

// Peer returns the peer registered under id.
func (r *Registry) Peer(id ConnectionID) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return entry.peer, true
}

// SubscriberCount returns how many connections follow workspace.
func (r *Registry) SubscriberCount(workspace int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics[workspace])
}

// ConnectionCount returns the number of registered connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns connection and per-workspace subscriber counts taken under
// one read lock.
func (r *Registry) Snapshot() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		Connections: len(r.conns),
		Workspaces:  make(map[int64]int, len(r.topics)),
	}
	for ws, set := range r.topics {
		s.Workspaces[ws] = len(set)
	}
	return s
}

// peers returns every registered peer.
func (r *Registry) peers() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Peer, 0, len(r.conns))
	for _, e := range r.conns {
		out = append(out, e.peer)
	}
	return out
}
