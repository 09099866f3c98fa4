// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

// Package bus is the in-process address-routed message substrate.
// Platform services consume well-known addresses; bridge connections
// and internal components send requests, publish events, and receive
// deliveries on registered addresses. The bridge extends the same
// address space over TCP.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrNoHandlers is returned by Send and Publish when no consumer is
// registered on the address.
var ErrNoHandlers = errors.New("bus: no handlers on address")

// Delivery is one message handed to a consumer. For send deliveries,
// exactly one of Reply or Fail must be called; for publish
// deliveries, both are no-ops.
type Delivery struct {
	Address string
	Headers map[string]string
	Body    json.RawMessage

	replyOnce sync.Once
	replyTo   chan<- outcome
}

type outcome struct {
	body json.RawMessage
	err  error
}

// Header returns a header value, tolerating a nil map.
func (d *Delivery) Header(name string) string {
	if d.Headers == nil {
		return ""
	}
	return d.Headers[name]
}

// Reply answers a send delivery with an encoded value.
func (d *Delivery) Reply(value any) {
	if d.replyTo == nil {
		return
	}
	body, err := json.Marshal(value)
	if err != nil {
		d.Fail(fmt.Errorf("bus: encoding reply: %w", err))
		return
	}
	d.replyOnce.Do(func() { d.replyTo <- outcome{body: body} })
}

// ReplyRaw answers a send delivery with a pre-encoded body.
func (d *Delivery) ReplyRaw(body json.RawMessage) {
	if d.replyTo == nil {
		return
	}
	d.replyOnce.Do(func() { d.replyTo <- outcome{body: body} })
}

// Fail answers a send delivery with an error.
func (d *Delivery) Fail(err error) {
	if d.replyTo == nil {
		return
	}
	d.replyOnce.Do(func() { d.replyTo <- outcome{err: err} })
}

// Handler consumes deliveries on one address.
type Handler func(ctx context.Context, delivery *Delivery)

// Bus routes messages by address. Safe for concurrent use.
type Bus struct {
	mu        sync.RWMutex
	consumers map[string][]*consumer
	nextSend  map[string]int
}

type consumer struct {
	handler Handler
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{
		consumers: make(map[string][]*consumer),
		nextSend:  make(map[string]int),
	}
}

// Consume registers a handler on an address. Multiple handlers on one
// address all receive publishes; sends are distributed round-robin.
// The returned function unregisters the handler.
func (b *Bus) Consume(address string, handler Handler) func() {
	registered := &consumer{handler: handler}
	b.mu.Lock()
	b.consumers[address] = append(b.consumers[address], registered)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			handlers := b.consumers[address]
			for i, candidate := range handlers {
				if candidate == registered {
					b.consumers[address] = append(handlers[:i:i], handlers[i+1:]...)
					break
				}
			}
			if len(b.consumers[address]) == 0 {
				delete(b.consumers, address)
			}
		})
	}
}

// HasConsumer reports whether any handler is registered on address.
func (b *Bus) HasConsumer(address string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.consumers[address]) > 0
}

// Send delivers a request to one consumer of the address and waits
// for its reply or failure, bounded by ctx.
func (b *Bus) Send(ctx context.Context, address string, headers map[string]string, body json.RawMessage) (json.RawMessage, error) {
	b.mu.Lock()
	handlers := b.consumers[address]
	if len(handlers) == 0 {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNoHandlers, address)
	}
	target := handlers[b.nextSend[address]%len(handlers)]
	b.nextSend[address]++
	b.mu.Unlock()

	replyTo := make(chan outcome, 1)
	delivery := &Delivery{
		Address: address,
		Headers: headers,
		Body:    body,
		replyTo: replyTo,
	}
	go target.handler(ctx, delivery)

	select {
	case result := <-replyTo:
		return result.body, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Publish delivers a message to every consumer of the address,
// each in its own goroutine. Returns ErrNoHandlers when nothing is
// registered.
func (b *Bus) Publish(ctx context.Context, address string, headers map[string]string, body json.RawMessage) error {
	b.mu.RLock()
	handlers := append([]*consumer(nil), b.consumers[address]...)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return fmt.Errorf("%w: %s", ErrNoHandlers, address)
	}
	for _, target := range handlers {
		delivery := &Delivery{Address: address, Headers: headers, Body: body}
		go target.handler(ctx, delivery)
	}
	return nil
}

// SendTyped sends an encoded request and decodes the reply into
// result. A nil result discards the reply body.
func SendTyped(ctx context.Context, b *Bus, address string, headers map[string]string, request, result any) error {
	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("bus: encoding request: %w", err)
	}
	reply, err := b.Send(ctx, address, headers, body)
	if err != nil {
		return err
	}
	if result == nil || len(reply) == 0 {
		return nil
	}
	if err := json.Unmarshal(reply, result); err != nil {
		return fmt.Errorf("bus: decoding reply: %w", err)
	}
	return nil
}
