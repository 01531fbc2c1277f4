// Package redis handles pub/sub fan-out between server instances sharing a
// document room.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
)

// PubSub handles Redis pub/sub for multi-instance synchronization
type PubSub struct {
	client     *redis.Client
	ctx        context.Context
	cancel     context.CancelFunc
	subs       map[string]*redis.PubSub
	subsMu     sync.RWMutex
	handlers   map[string][]MessageHandler
	handlersMu sync.RWMutex
}

// MessageHandler is a function that handles pub/sub messages
type MessageHandler func(channel string, payload []byte)

// Message represents a pub/sub message
type Message struct {
	Type    string          `json:"type"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// New creates a new PubSub instance
func New(ctx context.Context, redisURL string) (*PubSub, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)

	return &PubSub{
		client:   client,
		ctx:      subCtx,
		cancel:   cancel,
		subs:     make(map[string]*redis.PubSub),
		handlers: make(map[string][]MessageHandler),
	}, nil
}

// Close closes the PubSub connection
func (ps *PubSub) Close() error {
	ps.cancel()

	ps.subsMu.Lock()
	for _, sub := range ps.subs {
		sub.Close()
	}
	ps.subsMu.Unlock()

	return ps.client.Close()
}

// Subscribe subscribes to a channel
func (ps *PubSub) Subscribe(channel string, handler MessageHandler) error {
	ps.subsMu.Lock()
	defer ps.subsMu.Unlock()

	ps.handlersMu.Lock()
	ps.handlers[channel] = append(ps.handlers[channel], handler)
	ps.handlersMu.Unlock()

	if _, exists := ps.subs[channel]; exists {
		return nil
	}

	sub := ps.client.Subscribe(ps.ctx, channel)
	ps.subs[channel] = sub

	go ps.listen(channel, sub)

	return nil
}

// Unsubscribe unsubscribes from a channel
func (ps *PubSub) Unsubscribe(channel string) error {
	ps.subsMu.Lock()
	defer ps.subsMu.Unlock()

	if sub, exists := ps.subs[channel]; exists {
		sub.Close()
		delete(ps.subs, channel)
	}

	ps.handlersMu.Lock()
	delete(ps.handlers, channel)
	ps.handlersMu.Unlock()

	return nil
}

// Publish publishes a message to a channel
func (ps *PubSub) Publish(channel string, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return ps.client.Publish(ps.ctx, channel, data).Err()
}

// listen listens for messages on a subscription
func (ps *PubSub) listen(channel string, sub *redis.PubSub) {
	ch := sub.Channel()

	for {
		select {
		case <-ps.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			ps.handlersMu.RLock()
			handlers := ps.handlers[channel]
			ps.handlersMu.RUnlock()

			for _, handler := range handlers {
				go handler(channel, []byte(msg.Payload))
			}
		}
	}
}

// DocChannel returns the broadcast channel name for a document room.
func DocChannel(documentID int64) string {
	return fmt.Sprintf("doc:%d", documentID)
}
