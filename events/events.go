// Package events publishes change set notifications. Bus fans events out
// in process; RedisPublisher forwards them to a Redis channel per
// workspace for other processes.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"vgraph/cas"
	"vgraph/ident"
)

// Kind names an event.
type Kind string

const (
	ChangeSetCreated       Kind = "change_set.created"
	ChangeSetApplied       Kind = "change_set.applied"
	ChangeSetAbandoned     Kind = "change_set.abandoned"
	ChangeSetRenamed       Kind = "change_set.renamed"
	ChangeSetStatusChanged Kind = "change_set.status_changed"
	ChangeSetWritten       Kind = "change_set.written"
)

// Event is one notification.
type Event struct {
	Kind        Kind              `json:"kind"`
	WorkspaceID ident.ID          `json:"workspaceId"`
	ChangeSetID ident.ID          `json:"changeSetId"`
	Actor       string            `json:"actor,omitempty"`
	Time        int64             `json:"time"`
	Data        map[string]string `json:"data,omitempty"`
}

// New returns an event stamped with the current time.
func New(kind Kind, workspaceID, changeSetID ident.ID, actor string) Event {
	return Event{Kind: kind, WorkspaceID: workspaceID, ChangeSetID: changeSetID, Actor: actor, Time: cas.NowMs()}
}

// With returns a copy of e with key set in Data.
func (e Event) With(key, value string) Event {
	data := make(map[string]string, len(e.Data)+1)
	for k, v := range e.Data {
		data[k] = v
	}
	data[key] = value
	e.Data = data
	return e
}

// Publisher delivers events. Publishing is best effort: failures are
// reported but never undo the change that produced the event.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Bus is an in-memory fan-out publisher.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
	buffer int
}

// NewBus returns a bus whose subscriber channels hold buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{subs: make(map[int]chan Event), buffer: buffer}
}

// Subscribe returns a channel of events and a function that ends the
// subscription and closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

// Publish delivers e to every subscriber. A subscriber whose buffer is
// full misses the event.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
	return nil
}

// RedisPublisher publishes events as JSON on vgraph:events:<workspace>.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher wraps client.
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// Channel returns the Redis channel for a workspace.
func Channel(workspaceID ident.ID) string {
	return "vgraph:events:" + workspaceID.String()
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := p.client.Publish(ctx, Channel(e.WorkspaceID), payload).Err(); err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}
	return nil
}

// Multi publishes to several publishers, logging rather than stopping at
// the first failure.
type Multi struct {
	publishers []Publisher
	log        *zap.SugaredLogger
}

// NewMulti combines publishers.
func NewMulti(log *zap.SugaredLogger, publishers ...Publisher) *Multi {
	return &Multi{publishers: publishers, log: log}
}

func (m *Multi) Publish(ctx context.Context, e Event) error {
	var firstErr error
	for _, p := range m.publishers {
		if err := p.Publish(ctx, e); err != nil {
			m.log.Warnw("event publish failed", "kind", e.Kind, "changeSet", e.ChangeSetID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
