// Package filesync keeps agents informed about workspace file changes. A
// registry holds one FIFO notification queue per registered agent; a
// watcher feeds it from fsnotify events and periodic fingerprint rescans.
package filesync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sandrasocial/agent-bridge/internal/bus"
	"github.com/sandrasocial/agent-bridge/internal/otel"
)

// Operation is the kind of change a notification describes.
type Operation string

const (
	OpCreate Operation = "create"
	OpModify Operation = "modify"
	OpDelete Operation = "delete"
)

// Notification is one undelivered file change addressed to one agent.
type Notification struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Operation Operation `json:"operation"`
	QueuedAt  time.Time `json:"queued_at"`
}

// subscription owns one agent's queue. The pending set keys (path, op)
// pairs so a change is queued at most once until acknowledged.
type subscription struct {
	queue   []Notification
	pending map[string]string // change key -> notification id
}

// Registry is the per-agent notification fan-out. All access is serialized;
// an agent's queue is only ever mutated through the registry's contract.
type Registry struct {
	mu      sync.Mutex
	subs    map[string]*subscription
	logger  *slog.Logger
	bus     *bus.Bus
	metrics *otel.Metrics
}

func NewRegistry(logger *slog.Logger, eventBus *bus.Bus, metrics *otel.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		subs:    make(map[string]*subscription),
		logger:  logger.With("component", "filesync"),
		bus:     eventBus,
		metrics: metrics,
	}
}

// Register creates a fresh subscription with an empty queue. Registering an
// already-registered agent resets its queue; there is no historical replay.
func (r *Registry) Register(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[agentID] = &subscription{pending: make(map[string]string)}
	r.logger.Info("agent registered for file sync", "agent", agentID)
}

// Unregister discards the subscription and any undelivered notifications.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, agentID)
	r.logger.Info("agent unregistered from file sync", "agent", agentID)
}

// Registered reports whether the agent currently holds a subscription.
func (r *Registry) Registered(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[agentID]
	return ok
}

// Agents returns the currently registered agent ids.
func (r *Registry) Agents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.subs))
	for id := range r.subs {
		out = append(out, id)
	}
	return out
}

// Notify enqueues a change for one agent. Unregistered targets are a no-op.
// A (path, operation) pair already pending for the agent is not re-queued.
func (r *Registry) Notify(agentID, path string, op Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifyLocked(agentID, path, op)
}

// NotifyAll fans one change out to every registered agent and returns how
// many subscriptions it reached.
func (r *Registry) NotifyAll(path string, op Operation) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for agentID := range r.subs {
		if r.notifyLocked(agentID, path, op) {
			n++
		}
	}
	return n
}

func (r *Registry) notifyLocked(agentID, path string, op Operation) bool {
	sub, ok := r.subs[agentID]
	if !ok {
		return false
	}
	key := path + "|" + string(op)
	if _, dup := sub.pending[key]; dup {
		return false
	}
	n := Notification{
		ID:        uuid.NewString(),
		Path:      path,
		Operation: op,
		QueuedAt:  time.Now().UTC(),
	}
	sub.pending[key] = n.ID
	sub.queue = append(sub.queue, n)
	if r.metrics != nil {
		r.metrics.NotificationsQueued.Add(context.Background(), 1)
	}
	return true
}

// Pending returns the agent's undelivered notifications in queue order.
// Reading does not deliver; the queue is unchanged until MarkDelivered.
func (r *Registry) Pending(agentID string) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[agentID]
	if !ok {
		return nil
	}
	out := make([]Notification, len(sub.queue))
	copy(out, sub.queue)
	return out
}

// MarkDelivered removes only the named notifications from the agent's
// queue. Ids not listed stay pending; unknown ids are ignored.
func (r *Registry) MarkDelivered(agentID string, notificationIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[agentID]
	if !ok {
		return
	}
	acked := make(map[string]bool, len(notificationIDs))
	for _, id := range notificationIDs {
		acked[id] = true
	}
	var kept []Notification
	for _, n := range sub.queue {
		if acked[n.ID] {
			delete(sub.pending, n.Path+"|"+string(n.Operation))
			continue
		}
		kept = append(kept, n)
	}
	sub.queue = kept
}
