package ws

import "sync"

// Registry maps a user identity to its set of live connections. It is
// owned by a Hub instance and safe for concurrent use; a user's entry
// is dropped entirely once its last connection is removed.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]map[*Client]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]map[*Client]struct{}),
	}
}

func (r *Registry) Add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[c.userID]
	if !ok {
		set = make(map[*Client]struct{})
		r.conns[c.userID] = set
	}
	set[c] = struct{}{}
}

// Remove reports whether the client was registered.
func (r *Registry) Remove(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[c.userID]
	if !ok {
		return false
	}
	if _, ok := set[c]; !ok {
		return false
	}

	delete(set, c)
	if len(set) == 0 {
		delete(r.conns, c.userID)
	}
	return true
}

// Connections returns a snapshot of the user's live connections.
func (r *Registry) Connections(userID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.conns[userID]
	clients := make([]*Client, 0, len(set))
	for c := range set {
		clients = append(clients, c)
	}
	return clients
}

func (r *Registry) Count(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[userID])
}

func (r *Registry) HasUser(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[userID]
	return ok
}

// All returns a snapshot of every registered connection.
func (r *Registry) All() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0)
	for _, set := range r.conns {
		for c := range set {
			clients = append(clients, c)
		}
	}
	return clients
}
