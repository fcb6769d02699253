// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package messaging holds a worker's connection to the message bus.
//
// The bus is Redis pub/sub. A worker subscribes to the deploy-status and
// migration-status channels during startup; Listen only returns once the
// subscription has been confirmed by the server.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/tombee/mbaas/internal/log"
)

// ErrClosed is returned by Listen and Publish after Close.
var ErrClosed = errors.New("messaging: connection closed")

// Message is one delivery on a subscribed channel.
type Message struct {
	Channel string
	Payload []byte
}

// Handler processes a message. A returned error is logged; it never stops
// the subscription.
type Handler func(ctx context.Context, msg Message) error

// Conn is a worker's bus connection.
type Conn struct {
	client *redis.Client
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	subs    []*redis.PubSub
	workers sync.WaitGroup
}

// Connect dials the bus at url (redis://...) and pings it.
func Connect(ctx context.Context, url string, logger *slog.Logger) (*Conn, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid messaging url: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to message bus: %w", err)
	}

	c := &Conn{client: client, logger: log.WithComponent(logger, "messaging")}
	c.logger.Info("message bus connected", slog.String("addr", opts.Addr))
	return c, nil
}

// Ping checks the connection.
func (c *Conn) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Listen subscribes to channel and dispatches each message to h on a
// goroutine started through spawn. It returns after the server confirms
// the subscription.
func (c *Conn) Listen(ctx context.Context, channel string, h Handler, spawn func(func())) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	sub := c.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sub.Close()
		return ErrClosed
	}
	c.subs = append(c.subs, sub)
	c.workers.Add(1)
	c.mu.Unlock()

	if spawn == nil {
		spawn = func(fn func()) { go fn() }
	}
	spawn(func() {
		defer c.workers.Done()
		c.dispatch(ctx, sub, h)
	})

	c.logger.Info("listening", slog.String("channel", channel))
	return nil
}

func (c *Conn) dispatch(ctx context.Context, sub *redis.PubSub, h Handler) {
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := h(ctx, Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}); err != nil {
				c.logger.Warn("message handler failed",
					slog.String("channel", msg.Channel),
					log.Error(err))
			}
		}
	}
}

// Close stops all subscriptions, waits for their dispatch loops and
// closes the client.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.workers.Wait()
	if err := c.client.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
