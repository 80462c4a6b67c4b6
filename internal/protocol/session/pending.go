package session

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/ddpctl/internal/observability"
	"github.com/danmuck/ddpctl/internal/protocol"
)

// Outcome is the single resolution delivered to a pending request.
type Outcome struct {
	Message protocol.Message
	Err     error
}

// Pending is one awaited reply. Its outcome fires at most once.
type Pending struct {
	Kind         protocol.Kind
	ID           string
	RegisteredAt time.Time

	sink chan Outcome
	once sync.Once
}

// Done yields the outcome once the request resolves.
func (p *Pending) Done() <-chan Outcome {
	return p.sink
}

func (p *Pending) fulfil(out Outcome) bool {
	fired := false
	p.once.Do(func() {
		p.sink <- out
		fired = true
	})
	return fired
}

// PendingInfo is a read-only view of one registry entry.
type PendingInfo struct {
	Kind protocol.Kind `json:"kind"`
	ID   string        `json:"id,omitempty"`
	Age  time.Duration `json:"age"`
}

// Registry holds in-flight requests in registration order.
//
// Entries are keyed by (kind, id); only the connect handshake registers without an id.
// Id-less entries queue. A second entry for the same (kind, id) is rejected.
type Registry struct {
	name  string
	mu    sync.Mutex
	items []*Pending
	now   func() time.Time
}

// NewRegistry returns an empty registry whose size is reported under name.
func NewRegistry(name string) *Registry {
	return &Registry{name: name, now: time.Now}
}

func (r *Registry) Register(kind protocol.Kind, id string) (*Pending, error) {
	id = strings.TrimSpace(id)
	if id == "" && kind != protocol.KindConnected {
		return nil, fmt.Errorf("%w: kind=%s", ErrCorrelationIDRequired, kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if id != "" {
		for _, item := range r.items {
			if item.Kind == kind && item.ID == id {
				return nil, fmt.Errorf("%w: kind=%s id=%s", ErrDuplicatePending, kind, id)
			}
		}
	}
	p := &Pending{
		Kind:         kind,
		ID:           id,
		RegisteredAt: r.now(),
		sink:         make(chan Outcome, 1),
	}
	r.items = append(r.items, p)
	observability.SetPendingRequests(r.name, len(r.items))
	return p, nil
}

// ResolveMatching removes and returns the first entry of kind whose id matches.
// An empty id matches any entry of that kind. A nil, false return means the
// message is unsolicited.
func (r *Registry) ResolveMatching(kind protocol.Kind, id string) (*Pending, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, item := range r.items {
		if item.Kind != kind {
			continue
		}
		if id != "" && item.ID != id {
			continue
		}
		r.items = slices.Delete(r.items, i, i+1)
		observability.SetPendingRequests(r.name, len(r.items))
		return item, true
	}
	return nil, false
}

// Remove drops p if it is still registered. It reports false when p was already
// resolved, in which case its outcome is (or is about to be) on Done.
func (r *Registry) Remove(p *Pending) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := slices.Index(r.items, p)
	if i < 0 {
		return false
	}
	r.items = slices.Delete(r.items, i, i+1)
	observability.SetPendingRequests(r.name, len(r.items))
	return true
}

// Drain removes every entry and returns them in registration order.
func (r *Registry) Drain() []*Pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.items
	r.items = nil
	observability.SetPendingRequests(r.name, 0)
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func (r *Registry) List() []PendingInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	out := make([]PendingInfo, 0, len(r.items))
	for _, item := range r.items {
		out = append(out, PendingInfo{
			Kind: item.Kind,
			ID:   item.ID,
			Age:  now.Sub(item.RegisteredAt),
		})
	}
	return out
}
