package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/roomsync/internal/rooms"
)

const (
	RealtimeEventSubscriptionsChanged = "subscriptions-change"
	RealtimeEventRoomsChanged         = "rooms-change"
	realtimeEventHeartbeat            = "heartbeat"
	realtimeSource                    = "roomsync"
)

type RealtimeMessage struct {
	EventType string
	RoomIDs   []string
	Timestamp time.Time
}

// RealtimeDispatcher fans committed store changes out to event stream
// subscribers. Slow subscribers miss messages rather than block the pipeline.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context) (<-chan RealtimeMessage, func()) {
	subscriber := &realtimeSubscriber{
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish implements rooms.Notifier.
func (d *RealtimeDispatcher) Publish(change rooms.Change) {
	eventType := RealtimeEventSubscriptionsChanged
	if change.Kind == rooms.KindRoom {
		eventType = RealtimeEventRoomsChanged
	}
	d.broadcast(RealtimeMessage{
		EventType: eventType,
		RoomIDs:   append([]string(nil), change.RoomIDs...),
		Timestamp: change.At,
	})
}

// SubscriberCount reports the number of open streams.
func (d *RealtimeDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *RealtimeDispatcher) broadcast(message RealtimeMessage) {
	if message.EventType == "" || len(message.RoomIDs) == 0 {
		return
	}
	d.mu.RLock()
	if len(d.subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *RealtimeDispatcher) registerSubscriber(subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	subscriber.id = d.nextID
	d.subscribers[subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(subscriberID int64) {
	d.mu.Lock()
	delete(d.subscribers, subscriberID)
	d.mu.Unlock()
}
