// Package changefeed delivers insert, update and delete notifications for the
// campaign collections to subscribers over channels.
package changefeed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Collection string

const (
	CollectionMissions         Collection = "missions"
	CollectionSubmissions      Collection = "user_submissions"
	CollectionPlatformAccounts Collection = "platform_accounts"
	CollectionSettings         Collection = "mission_settings"
)

var Collections = []Collection{
	CollectionMissions,
	CollectionSubmissions,
	CollectionPlatformAccounts,
	CollectionSettings,
}

type Operation string

const (
	OperationInsert Operation = "INSERT"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

type Event struct {
	Collection Collection      `json:"collection"`
	Operation  Operation       `json:"operation"`
	ID         string          `json:"id"`
	Record     json.RawMessage `json:"record,omitempty"`
	At         time.Time       `json:"at"`
}

// Publisher is what stores use to announce changes.
type Publisher interface {
	Publish(evt Event)
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}

// NewEvent builds an event, encoding record as the event payload.
func NewEvent(collection Collection, op Operation, id string, record any) Event {
	evt := Event{
		Collection: collection,
		Operation:  op,
		ID:         id,
		At:         time.Now().UTC(),
	}
	if record != nil {
		if raw, err := json.Marshal(record); err == nil {
			evt.Record = raw
		}
	}
	return evt
}

const subscriberBuffer = 64

type subscriber struct {
	ch      chan Event
	filter  map[Collection]struct{}
	dropped int
}

func (s *subscriber) wants(c Collection) bool {
	if len(s.filter) == 0 {
		return true
	}
	_, ok := s.filter[c]
	return ok
}

// Broker fans events out to subscribers without ever blocking a publisher:
// a subscriber whose buffer is full misses the event.
type Broker struct {
	logger *zap.Logger

	mu   sync.Mutex
	seq  int
	subs map[int]*subscriber
}

func NewBroker(logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		logger: logger,
		subs:   make(map[int]*subscriber),
	}
}

func (b *Broker) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		if !sub.wants(evt.Collection) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			sub.dropped++
			b.logger.Warn("change feed subscriber lagging, event dropped",
				zap.Int("subscriber", id),
				zap.String("collection", string(evt.Collection)),
				zap.Int("dropped_total", sub.dropped),
			)
		}
	}
}

// Subscribe returns a channel of events for the given collections (all when
// none are given). The channel is closed once ctx is done.
func (b *Broker) Subscribe(ctx context.Context, collections ...Collection) <-chan Event {
	sub := &subscriber{
		ch:     make(chan Event, subscriberBuffer),
		filter: make(map[Collection]struct{}, len(collections)),
	}
	for _, c := range collections {
		sub.filter[c] = struct{}{}
	}

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(sub.ch)
		b.mu.Unlock()
	}()
	return sub.ch
}

// Subscribers reports how many subscriptions are active.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
