// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/livetap/livetap/bus"
	"github.com/livetap/livetap/wire"
)

// fakeAuth is a mutable Authenticator for bridge tests.
type fakeAuth struct {
	mu      sync.Mutex
	clients map[string]string // client id -> secret
	tokens  map[string]string // token -> developer id
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{
		clients: map[string]string{"probe-client": "probe-secret"},
		tokens:  map[string]string{"token-alice": "dev-alice"},
	}
}

func (a *fakeAuth) AuthenticateProbe(ctx context.Context, clientID, clientSecret string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	secret, ok := a.clients[clientID]
	return ok && secret == clientSecret, nil
}

func (a *fakeAuth) AuthenticateMarker(ctx context.Context, token string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	developerID, ok := a.tokens[token]
	if !ok {
		return "", errors.New("unknown token")
	}
	return developerID, nil
}

func (a *fakeAuth) revokeToken(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tokens, token)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startServer runs a bridge endpoint on a loopback listener and
// returns its address.
func startServer(t *testing.T, role Role, b *bus.Bus, auth Authenticator) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	server := NewServer(role, b, auth, testLogger())
	go server.Serve(ctx, listener)
	return listener.Addr().String()
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func dialMarker(t *testing.T, ctx context.Context, address, token, instanceID string) *Client {
	t.Helper()
	client, err := Dial(ctx, address, Credentials{Token: token})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	if err := client.Announce(ctx, wire.MarkerConnected, wire.InstanceConnection{
		InstanceID:     instanceID,
		ConnectionTime: time.Now().UnixMilli(),
	}); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	return client
}

func TestMarkerConnectAndRequest(t *testing.T) {
	ctx := testContext(t)
	b := bus.New()
	auth := newFakeAuth()
	address := startServer(t, RoleMarker, b, auth)

	connects := make(chan wire.InstanceConnection, 1)
	b.Consume(wire.MarkerConnected, func(ctx context.Context, delivery *bus.Delivery) {
		var announcement wire.InstanceConnection
		json.Unmarshal(delivery.Body, &announcement)
		connects <- announcement
	})
	b.Consume(wire.ServiceInstrument, func(ctx context.Context, delivery *bus.Delivery) {
		delivery.Reply(map[string]string{
			"identity": Identity(delivery.Headers),
			"action":   delivery.Header(wire.HeaderAction),
		})
	})

	client := dialMarker(t, ctx, address, "token-alice", "marker-1")

	select {
	case announcement := <-connects:
		if announcement.Meta[wire.MetaSelfID] != "dev-alice" {
			t.Errorf("selfId = %q, want dev-alice", announcement.Meta[wire.MetaSelfID])
		}
	case <-ctx.Done():
		t.Fatal("connect event not published")
	}

	headers := map[string]string{wire.HeaderAction: wire.ActionGetLiveInstruments}
	reply, err := client.Send(ctx, wire.ServiceInstrument, headers, []byte(`{}`))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	var decoded map[string]string
	if err := json.Unmarshal(reply, &decoded); err != nil {
		t.Fatalf("decoding reply: %v", err)
	}
	if decoded["identity"] != "dev-alice" {
		t.Errorf("service saw identity %q, want dev-alice", decoded["identity"])
	}
	if decoded["action"] != wire.ActionGetLiveInstruments {
		t.Errorf("service saw action %q", decoded["action"])
	}
}

func TestMarkerConnectRejected(t *testing.T) {
	ctx := testContext(t)
	b := bus.New()
	address := startServer(t, RoleMarker, b, newFakeAuth())

	client, err := Dial(ctx, address, Credentials{Token: "bogus"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	err = client.Announce(ctx, wire.MarkerConnected, wire.InstanceConnection{InstanceID: "marker-x"})
	if !errors.Is(err, ErrConnectRejected) {
		t.Fatalf("Announce error = %v, want ErrConnectRejected", err)
	}

	// The unauthenticated connection gets err frames, not service
	// access.
	if _, err := client.Send(ctx, wire.ServiceInstrument, nil, []byte(`{}`)); err == nil {
		t.Fatal("unauthenticated send succeeded")
	}
}

func TestTokenRevocationCutsOffConnection(t *testing.T) {
	ctx := testContext(t)
	b := bus.New()
	auth := newFakeAuth()
	address := startServer(t, RoleMarker, b, auth)

	b.Consume(wire.ServiceInstrument, func(ctx context.Context, delivery *bus.Delivery) {
		delivery.Reply(true)
	})

	client := dialMarker(t, ctx, address, "token-alice", "marker-1")
	if _, err := client.Send(ctx, wire.ServiceInstrument, nil, []byte(`{}`)); err != nil {
		t.Fatalf("Send before revocation: %v", err)
	}

	auth.revokeToken("token-alice")
	_, err := client.Send(ctx, wire.ServiceInstrument, nil, []byte(`{}`))
	var denied *wire.AccessDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("Send after revocation = %v, want AccessDeniedError", err)
	}
}

func TestProbeInboundAllowList(t *testing.T) {
	ctx := testContext(t)
	b := bus.New()
	address := startServer(t, RoleProbe, b, newFakeAuth())

	client, err := Dial(ctx, address, Credentials{ClientID: "probe-client", ClientSecret: "probe-secret"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()
	if err := client.Announce(ctx, wire.ProbeConnected, wire.InstanceConnection{InstanceID: "probe-1"}); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	// The instrument service address is marker territory; a probe
	// send there must be rejected.
	_, err = client.Send(ctx, wire.ServiceInstrument, nil, []byte(`{}`))
	var denied *wire.AccessDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("probe send to service address = %v, want AccessDeniedError", err)
	}

	// The probe status addresses are allowed.
	applied := make(chan struct{})
	b.Consume(wire.InstrumentApplied, func(ctx context.Context, delivery *bus.Delivery) {
		close(applied)
	})
	if err := client.Publish(wire.InstrumentApplied, nil, []byte(`{}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case <-applied:
	case <-ctx.Done():
		t.Fatal("probe status publish not relayed")
	}
}

func TestRegisterOwnership(t *testing.T) {
	ctx := testContext(t)
	b := bus.New()
	address := startServer(t, RoleMarker, b, newFakeAuth())
	client := dialMarker(t, ctx, address, "token-alice", "marker-1")

	// A foreign subscriber address is rejected with an err frame.
	rejections := make(chan *wire.Frame, 1)
	foreign := wire.SubscriberAddress("dev-bob")
	if err := client.Register(foreign, func(frame *wire.Frame) {
		rejections <- frame
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	select {
	case frame := <-rejections:
		if frame.Type != wire.FrameErr {
			t.Errorf("foreign registration produced %q frame", frame.Type)
		}
	case <-ctx.Done():
		t.Fatal("no rejection for foreign registration")
	}

	// The owned subscriber address receives platform publishes.
	deliveries := make(chan *wire.Frame, 1)
	owned := wire.SubscriberAddress("dev-alice")
	if err := client.Register(owned, func(frame *wire.Frame) {
		deliveries <- frame
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	waitForConsumer(t, ctx, b, owned)
	if err := b.Publish(ctx, owned, nil, []byte(`{"eventType":"LOG_HIT"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case frame := <-deliveries:
		if frame.Type != wire.FramePublish {
			t.Errorf("delivery frame type = %q", frame.Type)
		}
	case <-ctx.Done():
		t.Fatal("owned subscription received nothing")
	}

	// Publishes stop after unregister.
	if err := client.Unregister(owned); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for b.HasConsumer(owned) {
		if time.Now().After(deadline) {
			t.Fatal("bus consumer survived unregister")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDisconnectPublishesConnectBody(t *testing.T) {
	ctx := testContext(t)
	b := bus.New()
	address := startServer(t, RoleMarker, b, newFakeAuth())

	disconnects := make(chan wire.InstanceConnection, 1)
	b.Consume(wire.MarkerDisconnected, func(ctx context.Context, delivery *bus.Delivery) {
		var announcement wire.InstanceConnection
		json.Unmarshal(delivery.Body, &announcement)
		disconnects <- announcement
	})

	client := dialMarker(t, ctx, address, "token-alice", "marker-1")
	client.Close()

	select {
	case announcement := <-disconnects:
		if announcement.InstanceID != "marker-1" {
			t.Errorf("disconnect instanceId = %q", announcement.InstanceID)
		}
		if announcement.Meta[wire.MetaSelfID] != "dev-alice" {
			t.Errorf("disconnect selfId = %q", announcement.Meta[wire.MetaSelfID])
		}
	case <-ctx.Done():
		t.Fatal("disconnect event not published")
	}
}

func TestPing(t *testing.T) {
	ctx := testContext(t)
	b := bus.New()
	address := startServer(t, RoleMarker, b, newFakeAuth())

	client, err := Dial(ctx, address, Credentials{Token: "token-alice"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	// Ping works before authentication; it carries no payload.
	if err := client.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

// waitForConsumer blocks until the server-side registration reaches
// the bus.
func waitForConsumer(t *testing.T, ctx context.Context, b *bus.Bus, address string) {
	t.Helper()
	for !b.HasConsumer(address) {
		select {
		case <-ctx.Done():
			t.Fatalf("no consumer appeared on %s", address)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
