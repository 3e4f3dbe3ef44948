package feed

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"civicsync/internal/telemetry"
)

// Handlers are the per-subscriber callbacks for one logical subscription.
// Nil callbacks are skipped.
type Handlers struct {
	OnInsert func(Event)
	OnUpdate func(Event)
	OnDelete func(Event)
	OnStatus func(Status)
}

// Registry multiplexes logical subscriptions over shared physical clients.
// Identical (resource, filter) pairs are reference-counted onto one
// connection; the connection is torn down when the last subscriber leaves.
type Registry struct {
	transport Transport
	errSink   func(error)

	mu      sync.Mutex
	entries map[string]*registryEntry
	closed  bool
}

type registryEntry struct {
	client *Client
	subs   map[string]Handlers
	status Status
}

// NewRegistry builds an empty registry. errSink receives recovered callback
// faults; nil means they are dropped.
func NewRegistry(transport Transport, errSink func(error)) *Registry {
	return &Registry{
		transport: transport,
		errSink:   errSink,
		entries:   make(map[string]*registryEntry),
	}
}

// Subscribe registers callbacks for a resource's change stream and returns
// an unsubscribe function. Unsubscribe is idempotent and safe to call after
// the registry has been closed.
func (r *Registry) Subscribe(ctx context.Context, resource, filter string, h Handlers) func() {
	key := ChannelName(resource, filter)
	subID := uuid.New().String()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return func() {}
	}
	entry, ok := r.entries[key]
	var opened *Client
	if !ok {
		entry = &registryEntry{subs: make(map[string]Handlers), status: StatusConnecting}
		entry.client = NewClient(ClientConfig{
			Transport: r.transport,
			Resource:  resource,
			Filter:    filter,
			OnEvent:   func(ev Event) { r.dispatch(key, ev) },
			OnStatus:  func(s Status) { r.trackStatus(key, s) },
			OnError:   r.errSink,
		})
		r.entries[key] = entry
		opened = entry.client
		telemetry.FeedSubscriptions.Inc()
	}
	entry.subs[subID] = h
	r.mu.Unlock()

	// Open outside the lock: the client reports its first status change
	// synchronously, and trackStatus needs the mutex again.
	if opened != nil {
		opened.Open(ctx)
	}

	var once sync.Once
	return func() {
		once.Do(func() { r.unsubscribe(key, subID) })
	}
}

func (r *Registry) unsubscribe(key, subID string) {
	r.mu.Lock()
	entry, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(entry.subs, subID)
	var client *Client
	if len(entry.subs) == 0 {
		client = entry.client
		delete(r.entries, key)
		telemetry.FeedSubscriptions.Dec()
	}
	r.mu.Unlock()

	if client != nil {
		client.Close()
	}
}

func (r *Registry) dispatch(key string, ev Event) {
	r.mu.Lock()
	entry, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	handlers := make([]Handlers, 0, len(entry.subs))
	for _, h := range entry.subs {
		handlers = append(handlers, h)
	}
	r.mu.Unlock()

	for _, h := range handlers {
		switch ev.Action {
		case ActionInsert:
			if h.OnInsert != nil {
				h.OnInsert(ev)
			}
		case ActionUpdate:
			if h.OnUpdate != nil {
				h.OnUpdate(ev)
			}
		case ActionDelete:
			if h.OnDelete != nil {
				h.OnDelete(ev)
			}
		}
	}
}

func (r *Registry) trackStatus(key string, s Status) {
	r.mu.Lock()
	entry, ok := r.entries[key]
	if ok {
		entry.status = s
	}
	var handlers []Handlers
	if ok {
		for _, h := range entry.subs {
			if h.OnStatus != nil {
				handlers = append(handlers, h)
			}
		}
	}
	r.mu.Unlock()

	for _, h := range handlers {
		h.OnStatus(s)
	}
}

// IsOnline reports whether at least one physical connection is live.
func (r *Registry) IsOnline() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.entries {
		if entry.status == StatusConnected {
			return true
		}
	}
	return false
}

// Resume retries every dead connection once, used on UI foregrounding.
func (r *Registry) Resume(ctx context.Context) {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.entries))
	for _, entry := range r.entries {
		clients = append(clients, entry.client)
	}
	r.mu.Unlock()

	for _, c := range clients {
		c.Resume(ctx)
	}
}

// Close tears down every physical connection. Outstanding unsubscribe
// functions become no-ops.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	clients := make([]*Client, 0, len(r.entries))
	for _, entry := range r.entries {
		clients = append(clients, entry.client)
	}
	r.entries = make(map[string]*registryEntry)
	r.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	telemetry.FeedSubscriptions.Set(0)
}
