// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

// Package platform implements the coordination daemon: connection
// tracking, the instrument lifecycle registry, access control, event
// fan-out, and the instrument and management services exposed over the
// bridge.
package platform

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/livetap/livetap/bridge"
	"github.com/livetap/livetap/bus"
	"github.com/livetap/livetap/lib/auth"
	"github.com/livetap/livetap/lib/clock"
	"github.com/livetap/livetap/lib/store"
)

// Platform is the assembled daemon.
type Platform struct {
	config   Config
	logger   *slog.Logger
	clock    clock.Clock
	bus      *bus.Bus
	core     store.CoreStore
	identity *store.Identity
	registry *Registry
	probes   *Tracker
	markers  *Tracker

	instrumentService *InstrumentService
	management        *ManagementService
	probeServer       *bridge.Server
	markerServer      *bridge.Server
	promRegistry      *prometheus.Registry
}

// New assembles a platform from its configuration. The store backend
// is opened here; Run starts the listeners.
func New(ctx context.Context, config Config, logger *slog.Logger, c clock.Clock) (*Platform, error) {
	core, err := openStore(ctx, config.Storage)
	if err != nil {
		return nil, err
	}
	identity := store.NewIdentity(core)

	privateKey, err := signingKey(config.Auth)
	if err != nil {
		core.Close()
		return nil, err
	}

	promRegistry := prometheus.NewRegistry()
	metrics := NewMetrics(promRegistry)
	b := bus.New()

	fanout, err := NewFanout(b, c, logger, metrics)
	if err != nil {
		core.Close()
		return nil, err
	}
	probes := NewProbeTracker(b, core, c, logger, metrics)
	markers := NewMarkerTracker(b, core, c, logger, metrics)
	registry := NewRegistry(b, core, c, logger, metrics, fanout, probes, config.ApplyTimeout)

	gate := NewGate(IdentityStep(identity), PermissionStep(), LocationStep())
	authenticator := &storeAuthenticator{
		enabled:   config.Auth.Enabled,
		identity:  identity,
		publicKey: privateKey.Public().(ed25519.PublicKey),
		clock:     c,
	}

	p := &Platform{
		config:            config,
		logger:            logger,
		clock:             c,
		bus:               b,
		core:              core,
		identity:          identity,
		registry:          registry,
		probes:            probes,
		markers:           markers,
		instrumentService: NewInstrumentService(registry, gate, logger),
		management:        NewManagementService(identity, core, registry, probes, markers, privateKey, config.Auth.TokenTTL, c, logger),
		probeServer:       bridge.NewServer(bridge.RoleProbe, b, authenticator, logger),
		markerServer:      bridge.NewServer(bridge.RoleMarker, b, authenticator, logger),
		promRegistry:      promRegistry,
	}
	if err := p.bootstrap(ctx); err != nil {
		core.Close()
		return nil, err
	}
	return p, nil
}

func openStore(ctx context.Context, config StorageConfig) (store.CoreStore, error) {
	if config.Backend == "redis" {
		return store.NewRedisStore(ctx, config.Redis)
	}
	return store.NewMemoryStore(), nil
}

func signingKey(config AuthConfig) (ed25519.PrivateKey, error) {
	if config.SigningSeed != "" {
		return auth.ParseSigningKey(config.SigningSeed)
	}
	// Auth disabled and no seed configured: tokens minted with an
	// ephemeral key stay valid for this process lifetime only.
	_, privateKey, err := auth.GenerateSigningKey()
	return privateKey, err
}

// bootstrap seeds identity state from the config. Existing entries
// are left untouched so restarts are idempotent.
func (p *Platform) bootstrap(ctx context.Context) error {
	for _, client := range p.config.Bootstrap.Clients {
		if err := p.identity.PutClientAccess(ctx, auth.ClientAccess{ID: client.ID, Secret: client.Secret}); err != nil {
			return fmt.Errorf("platform: bootstrapping client %q: %w", client.ID, err)
		}
	}
	for _, role := range p.config.Bootstrap.Roles {
		if err := p.identity.AddRole(ctx, role.Name); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
			return fmt.Errorf("platform: bootstrapping role %q: %w", role.Name, err)
		}
		for _, permission := range role.Permissions {
			if err := p.identity.AddRolePermission(ctx, role.Name, permission); err != nil {
				return fmt.Errorf("platform: bootstrapping role %q: %w", role.Name, err)
			}
		}
		if role.AccessType != "" {
			permission, err := p.identity.AddAccessPermission(ctx, auth.AccessPermission{
				Type:             role.AccessType,
				LocationPatterns: role.LocationPatterns,
			})
			if err != nil {
				return fmt.Errorf("platform: bootstrapping role %q access: %w", role.Name, err)
			}
			if err := p.identity.AddAccessPermissionToRole(ctx, permission.ID, role.Name); err != nil {
				return fmt.Errorf("platform: bootstrapping role %q access: %w", role.Name, err)
			}
		}
	}
	for _, developer := range p.config.Bootstrap.Developers {
		exists, err := p.identity.HasDeveloper(ctx, developer.ID)
		if err != nil {
			return err
		}
		if !exists {
			created, err := p.identity.AddDeveloper(ctx, developer.ID)
			if err != nil {
				return fmt.Errorf("platform: bootstrapping developer %q: %w", developer.ID, err)
			}
			// Shown once; rotate with refreshDeveloperToken.
			p.logger.Info("developer bootstrapped",
				"developer", created.ID,
				"authorizationCode", created.AuthorizationCode)
		}
		for _, role := range developer.Roles {
			if err := p.identity.AddDeveloperRole(ctx, developer.ID, role); err != nil {
				return fmt.Errorf("platform: bootstrapping developer %q roles: %w", developer.ID, err)
			}
		}
	}
	return nil
}

// Run starts the consumers, listeners, and the expiry sweep, blocking
// until ctx is cancelled or a listener fails.
func (p *Platform) Run(ctx context.Context) error {
	stopRegistry, err := p.registry.Start(ctx)
	if err != nil {
		return err
	}
	defer stopRegistry()
	defer p.probes.Start()()
	defer p.markers.Start()()
	defer p.instrumentService.Start(p.bus)()
	defer p.management.Start(p.bus)()
	defer p.core.Close()

	probeListener, err := net.Listen("tcp", p.config.ProbeListen)
	if err != nil {
		return fmt.Errorf("platform: probe listener: %w", err)
	}
	markerListener, err := net.Listen("tcp", p.config.MarkerListen)
	if err != nil {
		probeListener.Close()
		return fmt.Errorf("platform: marker listener: %w", err)
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return p.probeServer.Serve(ctx, probeListener) })
	group.Go(func() error { return p.markerServer.Serve(ctx, markerListener) })
	group.Go(func() error { return p.registry.RunExpirySweep(ctx) })
	if p.config.AdminListen != "" {
		group.Go(func() error { return p.serveAdmin(ctx) })
	}

	p.logger.Info("platform started",
		"probeListen", probeListener.Addr().String(),
		"markerListen", markerListener.Addr().String(),
		"storage", p.config.Storage.Backend,
		"auth", p.config.Auth.Enabled)

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Platform) serveAdmin(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(p.promRegistry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})

	server := &http.Server{Addr: p.config.AdminListen, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("platform: admin listener: %w", err)
	}
	return ctx.Err()
}

// storeAuthenticator resolves bridge credentials against the identity
// store. With authentication disabled every probe is accepted and
// markers resolve to the system identity.
type storeAuthenticator struct {
	enabled   bool
	identity  *store.Identity
	publicKey ed25519.PublicKey
	clock     clock.Clock
}

func (a *storeAuthenticator) AuthenticateProbe(ctx context.Context, clientID, clientSecret string) (bool, error) {
	if !a.enabled {
		return true, nil
	}
	return a.identity.ValidateClientAccess(ctx, clientID, clientSecret)
}

func (a *storeAuthenticator) AuthenticateMarker(ctx context.Context, token string) (string, error) {
	if !a.enabled {
		return auth.SystemDeveloperID, nil
	}
	claims, err := auth.VerifyToken(a.publicKey, token, a.clock.Now())
	if err != nil {
		return "", err
	}
	exists, err := a.identity.HasDeveloper(ctx, claims.DeveloperID)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("developer %q no longer exists", claims.DeveloperID)
	}
	return claims.DeveloperID, nil
}
