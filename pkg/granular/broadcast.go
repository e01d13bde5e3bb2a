/*
 * Copyright (c) 2024-present Statera AI, Ltd.
 */

package granular

import (
	"sync"

	"github.com/google/uuid"
)

// MemBroadcaster is an in-process Broadcaster: one channel per subscribed
// session. Hosts with their own fan-out keep implementing Broadcaster
// themselves; this one serves embedded engines and tests.
type MemBroadcaster struct {
	mu       sync.RWMutex
	channels map[string]*memChannel
}

type memChannel struct {
	id      string
	session Session
	send    func(msg OutgoingMessage) error
	fail    func(err error)
}

func (c *memChannel) Session() Session { return c.session }

func (c *memChannel) Send(msg OutgoingMessage) error { return c.send(msg) }

func (c *memChannel) SendError(err error) { c.fail(err) }

// NewMemBroadcaster returns an empty broadcaster.
func NewMemBroadcaster() *MemBroadcaster {
	return &MemBroadcaster{channels: map[string]*memChannel{}}
}

// Subscribe registers a session with its delivery callbacks and returns a
// cleanup that unsubscribes it.
func (b *MemBroadcaster) Subscribe(session Session, send func(msg OutgoingMessage) error, fail func(err error)) (cleanup func()) {
	channelID := uuid.NewString()
	b.mu.Lock()
	b.channels[channelID] = &memChannel{id: channelID, session: session, send: send, fail: fail}
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.channels, channelID)
		b.mu.Unlock()
	}
}

// ForEachSubscriber visits every live channel.
func (b *MemBroadcaster) ForEachSubscriber(fn func(sub Subscriber) error) error {
	b.mu.RLock()
	channels := make([]*memChannel, 0, len(b.channels))
	for _, c := range b.channels {
		channels = append(channels, c)
	}
	b.mu.RUnlock()
	for _, c := range channels {
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

// NumSubscribers reports the live channel count.
func (b *MemBroadcaster) NumSubscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels)
}
