package coordinator

import (
	"maps"
	"slices"
	"sync"
	"time"
)

type ClientStatus string

const (
	ClientRegistered ClientStatus = "registered"
	ClientTraining   ClientStatus = "training"
	ClientSubmitted  ClientStatus = "submitted"
	ClientTimedOut   ClientStatus = "timed_out"
)

type Client struct {
	ID           string            `json:"id"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Status       ClientStatus      `json:"status"`
	RegisteredAt time.Time         `json:"registered_at"`
	LastSeen     time.Time         `json:"last_seen"`
	// LastRound is the last round the client submitted for. It is only
	// meaningful when Submissions > 0.
	LastRound   uint64 `json:"last_round"`
	Submissions int    `json:"submissions"`
	Timeouts    int    `json:"timeouts"`
}

// Registry tracks every client that ever registered. Clients are never
// removed.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// Register adds the client, or refreshes LastSeen and Metadata if it is
// already known. A timed out client that registers again becomes
// registered. The returned bool reports whether the client is new.
func (r *Registry) Register(id string, metadata map[string]string, now time.Time) (Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[id]; ok {
		c.LastSeen = now
		if metadata != nil {
			c.Metadata = maps.Clone(metadata)
		}
		if c.Status == ClientTimedOut {
			c.Status = ClientRegistered
		}

		return c.copy(), false
	}

	c := &Client{
		ID:           id,
		Metadata:     maps.Clone(metadata),
		Status:       ClientRegistered,
		RegisteredAt: now,
		LastSeen:     now,
	}
	r.clients[id] = c

	return c.copy(), true
}

func (r *Registry) Get(id string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[id]
	if !ok {
		return Client{}, false
	}

	return c.copy(), true
}

func (r *Registry) Touch(id string, now time.Time) {
	r.update(id, func(c *Client) { c.LastSeen = now })
}

func (r *Registry) MarkTraining(ids []string) {
	for _, id := range ids {
		r.update(id, func(c *Client) { c.Status = ClientTraining })
	}
}

func (r *Registry) MarkSubmitted(id string, round uint64, now time.Time) {
	r.update(id, func(c *Client) {
		c.Status = ClientSubmitted
		c.LastSeen = now
		c.LastRound = round
		c.Submissions++
	})
}

func (r *Registry) MarkTimedOut(id string) {
	r.update(id, func(c *Client) {
		c.Status = ClientTimedOut
		c.Timeouts++
	})
}

func (r *Registry) update(id string, fn func(*Client)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[id]; ok {
		fn(c)
	}
}

// List returns all clients sorted by ID.
func (r *Registry) List() []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c.copy())
	}
	slices.SortFunc(out, func(a, b Client) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}

		return 0
	})

	return out
}

// IDs returns all client IDs in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := slices.Collect(maps.Keys(r.clients))
	slices.Sort(ids)

	return ids
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.clients)
}

// ActiveCount counts clients that are not timed out.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, c := range r.clients {
		if c.Status != ClientTimedOut {
			n++
		}
	}

	return n
}

func (c *Client) copy() Client {
	out := *c
	out.Metadata = maps.Clone(c.Metadata)

	return out
}
