package server

import (
	"context"
	"sync"
	"time"
)

const (
	RealtimeEventPostLiked     = "post-liked"
	RealtimeEventPostCommented = "post-commented"
	realtimeEventHeartbeat     = "heartbeat"
	realtimeSourceBackend      = "socialapp-backend"
)

// ActivityMessage announces activity on a post to the post's author.
// RecipientID and ActorID are internal user ids.
type ActivityMessage struct {
	RecipientID string
	ActorID     string
	EventType   string
	PostID      string
	CommentID   string
	Timestamp   time.Time
}

// RealtimeDispatcher fans activity out to the open streams of one process.
// Messages for a slow subscriber are dropped rather than blocking the publisher.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan ActivityMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, recipientID string) (<-chan ActivityMessage, func()) {
	if recipientID == "" {
		ch := make(chan ActivityMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan ActivityMessage, d.bufferSize),
	}
	d.registerSubscriber(recipientID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(recipientID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message ActivityMessage) {
	if message.RecipientID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, subscriber := range d.subscribers[message.RecipientID] {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports the open streams for a recipient.
func (d *RealtimeDispatcher) SubscriberCount(recipientID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[recipientID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(recipientID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[recipientID]; !ok {
		d.subscribers[recipientID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[recipientID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(recipientID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[recipientID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, recipientID)
		}
	}
	d.mu.Unlock()
}
