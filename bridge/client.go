// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/livetap/livetap/wire"
)

// ErrConnectionClosed is returned by client operations after the
// connection has terminated.
var ErrConnectionClosed = errors.New("bridge: connection closed")

// ErrConnectRejected is returned by Announce when the platform
// answers the connect handshake with false.
var ErrConnectRejected = errors.New("bridge: connect rejected")

// Credentials are attached to every outgoing frame. A probe sets the
// client pair; a marker sets Token.
type Credentials struct {
	ClientID     string
	ClientSecret string
	Token        string
}

func (c Credentials) apply(frame *wire.Frame) {
	if c.ClientID != "" {
		frame.SetHeader(wire.HeaderClientID, c.ClientID)
		frame.SetHeader(wire.HeaderClientSecret, c.ClientSecret)
	}
	if c.Token != "" {
		frame.SetHeader(wire.HeaderAuthToken, c.Token)
	}
}

// Client is the peer side of a bridge connection, shared by the probe
// and marker libraries.
type Client struct {
	conn        net.Conn
	credentials Credentials

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan *wire.Frame
	handlers map[string]func(*wire.Frame)
	closed   bool

	nextReply atomic.Uint64
	done      chan struct{}
}

// Dial connects to a bridge endpoint and starts the read loop. The
// connection is unauthenticated until Announce succeeds.
func Dial(ctx context.Context, address string, credentials Credentials) (*Client, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("bridge: dialing %s: %w", address, err)
	}
	c := &Client{
		conn:        conn,
		credentials: credentials,
		pending:     make(map[string]chan *wire.Frame),
		handlers:    make(map[string]func(*wire.Frame)),
		done:        make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// SetToken replaces the bearer token attached to subsequent frames.
// Markers call it after exchanging an authorization code.
func (c *Client) SetToken(token string) {
	c.writeMu.Lock()
	c.credentials.Token = token
	c.writeMu.Unlock()
}

// Done is closed when the connection terminates for any reason.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close terminates the connection and fails all pending requests.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		pending := c.pending
		c.pending = make(map[string]chan *wire.Frame)
		c.mu.Unlock()
		for _, waiter := range pending {
			close(waiter)
		}
		close(c.done)
	}()

	for {
		frame, err := wire.ReadFrame(c.conn)
		if err != nil {
			return
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame *wire.Frame) {
	if frame.Type == wire.FramePong {
		frame.Address = pongAddress
	}

	c.mu.Lock()
	if waiter, ok := c.pending[frame.Address]; ok {
		delete(c.pending, frame.Address)
		c.mu.Unlock()
		waiter <- frame
		return
	}
	handler := c.handlers[frame.Address]
	c.mu.Unlock()

	if handler != nil {
		handler(frame)
	}
}

// pongAddress is a synthetic reply address for ping correlation;
// pong frames carry no address of their own.
const pongAddress = "\x00pong"

func (c *Client) writeFrame(frame *wire.Frame) error {
	c.credentials.apply(frame)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wire.WriteFrame(c.conn, frame); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}

// request writes a send frame and waits for the correlated reply.
func (c *Client) request(ctx context.Context, frame *wire.Frame, replyAddress string) (*wire.Frame, error) {
	waiter := make(chan *wire.Frame, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.pending[replyAddress] = waiter
	c.mu.Unlock()

	abandon := func() {
		c.mu.Lock()
		delete(c.pending, replyAddress)
		c.mu.Unlock()
	}

	if err := c.writeFrame(frame); err != nil {
		abandon()
		return nil, err
	}
	select {
	case reply, ok := <-waiter:
		if !ok {
			return nil, ErrConnectionClosed
		}
		if reply.Type == wire.FrameErr {
			return nil, wire.DecodeError(reply.Body)
		}
		return reply, nil
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}

func (c *Client) newReplyAddress() string {
	return "reply." + strconv.FormatUint(c.nextReply.Add(1), 10)
}

// Send issues a request to a platform address and returns the reply
// body.
func (c *Client) Send(ctx context.Context, address string, headers map[string]string, body json.RawMessage) (json.RawMessage, error) {
	replyAddress := c.newReplyAddress()
	frame := &wire.Frame{
		Type:         wire.FrameSend,
		Address:      address,
		Headers:      headers,
		Body:         body,
		ReplyAddress: replyAddress,
	}
	reply, err := c.request(ctx, frame, replyAddress)
	if err != nil {
		return nil, err
	}
	return reply.Body, nil
}

// Publish fires a message at a platform address without waiting.
func (c *Client) Publish(address string, headers map[string]string, body json.RawMessage) error {
	return c.writeFrame(&wire.Frame{
		Type:    wire.FramePublish,
		Address: address,
		Headers: headers,
		Body:    body,
	})
}

// Announce runs the connect handshake for the given lifecycle address
// (probe-connected or marker-connected).
func (c *Client) Announce(ctx context.Context, address string, announcement wire.InstanceConnection) error {
	body, err := json.Marshal(announcement)
	if err != nil {
		return fmt.Errorf("bridge: encoding announcement: %w", err)
	}
	reply, err := c.Send(ctx, address, nil, body)
	if err != nil {
		return err
	}
	var accepted bool
	if err := json.Unmarshal(reply, &accepted); err != nil || !accepted {
		return ErrConnectRejected
	}
	return nil
}

// Handle installs a handler for frames arriving on address without
// sending a register frame. Used for addresses the platform
// subscribes on the connection's behalf, such as a probe's command
// address.
func (c *Client) Handle(address string, handler func(*wire.Frame)) {
	c.mu.Lock()
	c.handlers[address] = handler
	c.mu.Unlock()
}

// Register subscribes to an owned per-instance address; matching
// frames from the platform are passed to handler on the read
// goroutine.
func (c *Client) Register(address string, handler func(*wire.Frame)) error {
	c.mu.Lock()
	c.handlers[address] = handler
	c.mu.Unlock()
	if err := c.writeFrame(&wire.Frame{Type: wire.FrameRegister, Address: address}); err != nil {
		c.mu.Lock()
		delete(c.handlers, address)
		c.mu.Unlock()
		return err
	}
	return nil
}

// Unregister drops a subscription.
func (c *Client) Unregister(address string) error {
	c.mu.Lock()
	delete(c.handlers, address)
	c.mu.Unlock()
	return c.writeFrame(&wire.Frame{Type: wire.FrameUnregister, Address: address})
}

// Ping round-trips a keepalive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.request(ctx, &wire.Frame{Type: wire.FramePing}, pongAddress)
	return err
}
