// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge carries the platform's address-routed messaging over
// persistent TCP connections. The server side authenticates probes
// and markers, enforces per-connection address allow-lists, and
// relays frames onto the in-process bus; the client side is the
// dialer used by probe and marker libraries.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/livetap/livetap/bus"
	"github.com/livetap/livetap/wire"
)

// Role selects which peer kind a server endpoint accepts. Each
// listener serves exactly one role.
type Role int

const (
	RoleProbe Role = iota
	RoleMarker
)

func (r Role) String() string {
	if r == RoleProbe {
		return "probe"
	}
	return "marker"
}

// Authenticator resolves connection credentials. Implemented by the
// platform on top of the identity store; a deployment with
// authentication disabled accepts everything and resolves markers to
// the system identity.
type Authenticator interface {
	// AuthenticateProbe validates a client accessor pair.
	AuthenticateProbe(ctx context.Context, clientID, clientSecret string) (bool, error)

	// AuthenticateMarker resolves a bearer token to a developer id.
	AuthenticateMarker(ctx context.Context, token string) (string, error)
}

// Server accepts bridge connections for one role and relays their
// frames onto the bus.
type Server struct {
	role   Role
	bus    *bus.Bus
	auth   Authenticator
	logger *slog.Logger
}

// NewServer returns a bridge endpoint for one role.
func NewServer(role Role, b *bus.Bus, auth Authenticator, logger *slog.Logger) *Server {
	return &Server{role: role, bus: b, auth: auth, logger: logger}
}

// Serve accepts connections until the listener closes or ctx is
// cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("bridge: accept: %w", err)
		}
		go s.handleConnection(ctx, conn)
	}
}

// connection is the per-socket state: authenticated identity,
// registered addresses, and the original connect body republished on
// disconnect.
type connection struct {
	server *Server
	conn   net.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu            sync.Mutex
	authenticated bool
	identity      string // probe instance id or developer id
	connectBody   json.RawMessage
	registered    map[string]func()
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	c := &connection{
		server:     s,
		conn:       conn,
		logger:     s.logger.With("role", s.role.String(), "remote", conn.RemoteAddr().String()),
		registered: make(map[string]func()),
	}
	defer c.close(ctx)

	for {
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				c.logger.Debug("connection read failed", "error", err)
			}
			return
		}
		c.handleFrame(ctx, frame)
	}
}

// close fires the disconnect path: unregister every address and, for
// an authenticated connection, publish the disconnect event carrying
// the original connect body. This is the only disconnect signal.
func (c *connection) close(ctx context.Context) {
	c.conn.Close()

	c.mu.Lock()
	authenticated := c.authenticated
	identity := c.identity
	connectBody := c.connectBody
	registered := c.registered
	c.registered = make(map[string]func())
	c.mu.Unlock()

	for _, unregister := range registered {
		unregister()
	}
	if !authenticated {
		return
	}

	address := wire.MarkerDisconnected
	if c.server.role == RoleProbe {
		address = wire.ProbeDisconnected
	}
	if err := c.server.bus.Publish(ctx, address, nil, connectBody); err != nil && !errors.Is(err, bus.ErrNoHandlers) {
		c.logger.Warn("publishing disconnect failed", "error", err)
	}
	c.logger.Info("connection closed", "identity", identity)
}

func (c *connection) handleFrame(ctx context.Context, frame *wire.Frame) {
	switch frame.Type {
	case wire.FramePing:
		c.writeFrame(&wire.Frame{Type: wire.FramePong})
	case wire.FrameSend, wire.FramePublish:
		c.handleMessage(ctx, frame)
	case wire.FrameRegister:
		c.handleRegister(ctx, frame)
	case wire.FrameUnregister:
		c.handleUnregister(frame)
	default:
		c.rejectFrame(frame, &wire.ServiceError{Message: "unknown frame type " + frame.Type})
	}
}

// handleMessage relays a send or publish onto the bus after the
// connect handshake, the allow-list, and per-frame credential checks.
func (c *connection) handleMessage(ctx context.Context, frame *wire.Frame) {
	if c.isConnectFrame(frame) {
		c.handleConnect(ctx, frame)
		return
	}

	c.mu.Lock()
	authenticated := c.authenticated
	identity := c.identity
	c.mu.Unlock()

	if !authenticated && !c.isTokenRequest(frame) {
		c.rejectFrame(frame, &wire.AccessDeniedError{Reason: "connection not authenticated"})
		return
	}
	if !c.inboundAllowed(frame.Address) {
		c.rejectFrame(frame, &wire.AccessDeniedError{Reason: "address not permitted: " + frame.Address})
		return
	}
	if frame.Type == wire.FrameSend {
		if ok, reason := c.revalidate(ctx, frame); !ok {
			c.rejectFrame(frame, &wire.AccessDeniedError{Reason: reason})
			return
		}
	}
	// The authenticated identity travels with the frame so services
	// never trust a client-supplied identity header.
	frame.SetHeader(identityHeader, identity)

	if frame.Type == wire.FramePublish {
		if err := c.server.bus.Publish(ctx, frame.Address, frame.Headers, frame.Body); err != nil && !errors.Is(err, bus.ErrNoHandlers) {
			c.logger.Warn("publish failed", "address", frame.Address, "error", err)
		}
		return
	}

	replyAddress := frame.ReplyAddress
	go func() {
		body, err := c.server.bus.Send(ctx, frame.Address, frame.Headers, frame.Body)
		if replyAddress == "" {
			return
		}
		if err != nil {
			encoded, encodeErr := wire.EncodeError(err)
			if encodeErr != nil {
				c.logger.Error("encoding reply error failed", "error", encodeErr)
				return
			}
			c.writeFrame(&wire.Frame{Type: wire.FrameErr, Address: replyAddress, Body: encoded})
			return
		}
		c.writeFrame(&wire.Frame{Type: wire.FrameSend, Address: replyAddress, Body: body})
	}()
}

// identityHeader carries the platform-resolved identity on relayed
// frames. The bridge overwrites any client-supplied value.
const identityHeader = "livetap-identity"

// Identity returns the authenticated identity a relayed frame was
// stamped with.
func Identity(headers map[string]string) string {
	return headers[identityHeader]
}

// WithIdentity stamps an identity onto headers, allocating the map if
// needed. In-process callers use it to invoke services the same way
// bridged frames do.
func WithIdentity(headers map[string]string, identity string) map[string]string {
	if headers == nil {
		headers = make(map[string]string)
	}
	headers[identityHeader] = identity
	return headers
}

// isTokenRequest recognizes the one send a marker may issue before
// authenticating: exchanging its authorization code for a token. The
// code in the body is the credential.
func (c *connection) isTokenRequest(frame *wire.Frame) bool {
	return c.server.role == RoleMarker &&
		frame.Type == wire.FrameSend &&
		frame.Address == wire.ServiceManagement &&
		frame.Header(wire.HeaderAction) == wire.ActionGetAccessToken
}

func (c *connection) isConnectFrame(frame *wire.Frame) bool {
	if frame.Type != wire.FrameSend {
		return false
	}
	if c.server.role == RoleProbe {
		return frame.Address == wire.ProbeConnected
	}
	return frame.Address == wire.MarkerConnected
}

// handleConnect runs the connect handshake: validate credentials,
// stamp the authenticated identity into the announcement, publish the
// connect event, and reply true. Auth failure replies false and
// leaves the connection unregistered.
func (c *connection) handleConnect(ctx context.Context, frame *wire.Frame) {
	replyBool := func(accepted bool) {
		if frame.ReplyAddress == "" {
			return
		}
		body, _ := json.Marshal(accepted)
		c.writeFrame(&wire.Frame{Type: wire.FrameSend, Address: frame.ReplyAddress, Body: body})
	}

	var announcement wire.InstanceConnection
	if err := json.Unmarshal(frame.Body, &announcement); err != nil || announcement.InstanceID == "" {
		replyBool(false)
		return
	}

	var identity string
	switch c.server.role {
	case RoleProbe:
		accepted, err := c.server.auth.AuthenticateProbe(ctx, frame.Header(wire.HeaderClientID), frame.Header(wire.HeaderClientSecret))
		if err != nil {
			c.logger.Error("probe authentication failed", "error", err)
			replyBool(false)
			return
		}
		if !accepted {
			c.logger.Info("probe connect rejected", "clientId", frame.Header(wire.HeaderClientID))
			replyBool(false)
			return
		}
		identity = announcement.InstanceID
	case RoleMarker:
		developerID, err := c.server.auth.AuthenticateMarker(ctx, frame.Header(wire.HeaderAuthToken))
		if err != nil {
			c.logger.Info("marker connect rejected", "error", err)
			replyBool(false)
			return
		}
		identity = developerID
	}

	if announcement.Meta == nil {
		announcement.Meta = make(map[string]string)
	}
	announcement.Meta[wire.MetaSelfID] = identity
	connectBody, err := json.Marshal(announcement)
	if err != nil {
		replyBool(false)
		return
	}

	c.mu.Lock()
	c.authenticated = true
	c.identity = identity
	c.connectBody = connectBody
	c.mu.Unlock()

	// A probe's command address is subscribed before the connect event
	// goes out, so instruments pushed in reaction to the connect are
	// never lost to a registration race.
	if c.server.role == RoleProbe {
		c.subscribe(wire.ProbeCommandAddress(identity))
	}

	if err := c.server.bus.Publish(ctx, frame.Address, frame.Headers, connectBody); err != nil && !errors.Is(err, bus.ErrNoHandlers) {
		c.logger.Warn("publishing connect failed", "error", err)
	}
	c.logger.Info("connection authenticated", "identity", identity)
	replyBool(true)
}

// revalidate re-checks connection credentials on a send or register
// frame. A rotated or revoked accessor cuts off an already-connected
// probe at the next frame.
func (c *connection) revalidate(ctx context.Context, frame *wire.Frame) (bool, string) {
	switch c.server.role {
	case RoleProbe:
		accepted, err := c.server.auth.AuthenticateProbe(ctx, frame.Header(wire.HeaderClientID), frame.Header(wire.HeaderClientSecret))
		if err != nil {
			c.logger.Error("probe revalidation failed", "error", err)
			return false, "credential validation failed"
		}
		if !accepted {
			return false, "invalid client credentials"
		}
	case RoleMarker:
		// The authorization code is itself the credential for token
		// minting, so that one action passes without a token.
		if frame.Address == wire.ServiceManagement && frame.Header(wire.HeaderAction) == wire.ActionGetAccessToken {
			return true, ""
		}
		if _, err := c.server.auth.AuthenticateMarker(ctx, frame.Header(wire.HeaderAuthToken)); err != nil {
			return false, "invalid auth token"
		}
	}
	return true, ""
}

// inboundAllowed is the per-role send/publish allow-list.
func (c *connection) inboundAllowed(address string) bool {
	if c.server.role == RoleProbe {
		switch address {
		case wire.InstrumentApplied, wire.InstrumentApplyFailed,
			wire.InstrumentRemoved, wire.InstrumentHit:
			return true
		}
		return false
	}
	switch address {
	case wire.ServiceInstrument, wire.ServiceManagement:
		return true
	}
	return false
}

// handleRegister subscribes the connection to an owned per-instance
// address. Probes own their command address; markers own their
// subscriber address. Everything else is rejected.
func (c *connection) handleRegister(ctx context.Context, frame *wire.Frame) {
	c.mu.Lock()
	authenticated := c.authenticated
	identity := c.identity
	c.mu.Unlock()

	if !authenticated {
		c.rejectFrame(frame, &wire.AccessDeniedError{Reason: "connection not authenticated"})
		return
	}
	if ok, reason := c.revalidate(ctx, frame); !ok {
		c.rejectFrame(frame, &wire.AccessDeniedError{Reason: reason})
		return
	}

	var owner string
	var owned bool
	if c.server.role == RoleProbe {
		owner, owned = wire.ProbeCommandOwner(frame.Address)
	} else {
		owner, owned = wire.SubscriberOwner(frame.Address)
	}
	if !owned || owner != identity {
		c.rejectFrame(frame, &wire.AccessDeniedError{Reason: "registration not permitted: " + frame.Address})
		return
	}

	c.subscribe(frame.Address)
}

// subscribe relays bus traffic on address down this connection.
// Re-subscribing an already-registered address is a no-op.
func (c *connection) subscribe(address string) {
	c.mu.Lock()
	if _, exists := c.registered[address]; exists {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	unregister := c.server.bus.Consume(address, func(ctx context.Context, delivery *bus.Delivery) {
		reply := &wire.Frame{
			Type:    wire.FramePublish,
			Address: address,
			Headers: delivery.Headers,
			Body:    delivery.Body,
		}
		c.writeFrame(reply)
		delivery.Reply(nil)
	})

	c.mu.Lock()
	if _, exists := c.registered[address]; exists {
		c.mu.Unlock()
		unregister()
		return
	}
	c.registered[address] = unregister
	c.mu.Unlock()
	c.logger.Debug("address registered", "address", address)
}

func (c *connection) handleUnregister(frame *wire.Frame) {
	c.mu.Lock()
	unregister, exists := c.registered[frame.Address]
	delete(c.registered, frame.Address)
	c.mu.Unlock()
	if exists {
		unregister()
	}
}

// rejectFrame answers a violating frame with an err frame. The
// connection stays open.
func (c *connection) rejectFrame(frame *wire.Frame, reason error) {
	encoded, err := wire.EncodeError(reason)
	if err != nil {
		c.logger.Error("encoding rejection failed", "error", err)
		return
	}
	address := frame.ReplyAddress
	if address == "" {
		address = frame.Address
	}
	c.writeFrame(&wire.Frame{Type: wire.FrameErr, Address: address, Body: encoded})
	c.logger.Debug("frame rejected", "address", frame.Address, "reason", reason.Error())
}

func (c *connection) writeFrame(frame *wire.Frame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wire.WriteFrame(c.conn, frame); err != nil {
		c.logger.Debug("frame write failed", "error", err)
	}
}
