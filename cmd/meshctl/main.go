package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/meshctl/internal/admin"
	"github.com/danmuck/meshctl/internal/config"
	"github.com/danmuck/meshctl/internal/coordinator"
	"github.com/danmuck/meshctl/internal/discovery"
	"github.com/danmuck/meshctl/internal/logging"
	"github.com/danmuck/meshctl/internal/transport/wsnet"
	"github.com/danmuck/meshctl/internal/world"
	"github.com/rs/zerolog/log"
)

func main() {
	path := flag.String("config", "cmd/meshctl/config.toml", "node config path")
	dump := flag.Bool("dump-config", false, "print the effective session config as TOML and exit")
	initKind := flag.String("init-config", "", "write a config template (server|client|session) to -config and exit")
	force := flag.Bool("force", false, "overwrite an existing config when used with -init-config")
	flag.Parse()

	if *initKind != "" {
		if err := config.WriteTemplate(*path, *initKind, *force); err != nil {
			fail(err)
		}
		fmt.Printf("wrote %s config template to %s\n", *initKind, *path)
		return
	}

	cfg, err := loadNodeConfig(*path)
	if err != nil {
		fail(err)
	}
	if *dump {
		out, err := cfg.Session.Encode()
		if err != nil {
			fail(err)
		}
		fmt.Print(string(out))
		return
	}

	logging.ConfigureRuntime()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "meshctl: %v\n", err)
	os.Exit(1)
}

func run(ctx context.Context, cfg nodeConfig) error {
	logger := log.Logger.With().Str("node", cfg.ID).Str("role", cfg.Role).Logger()

	host, err := wsnet.New(cfg.Transport, logger)
	if err != nil {
		return fmt.Errorf("host transport: %w", err)
	}
	client, err := wsnet.New(cfg.Transport, logger)
	if err != nil {
		return fmt.Errorf("client transport: %w", err)
	}
	c, err := coordinator.New(host, client, cfg.Session, coordinator.WithLogger(logger))
	if err != nil {
		return err
	}
	c.OnEvent(func(ev coordinator.Event) {
		switch ev.Kind() {
		case coordinator.KindNetworkUpdate, coordinator.KindNetworkUpdateSent:
			return
		}
		logger.Debug().Str("event", string(ev.Kind())).Interface("detail", ev).Msg("session event")
	})

	scene := world.NewScene(cfg.World)
	switch cfg.Role {
	case roleServer:
		if err := startServer(c, cfg, scene); err != nil {
			return err
		}
	case roleClient:
		identity, err := world.EncodeIdentity(cfg.Identity)
		if err != nil {
			return fmt.Errorf("encode identity: %w", err)
		}
		if err := c.Connect(cfg.ServerHost, cfg.ServerPort, scene, identity); err != nil {
			return err
		}
	}

	adminErr := make(chan error, 1)
	if cfg.AdminAddr != "" {
		srv := admin.New(cfg.ID, cfg.AdminAddr, cfg.CORSOrigins, c.Snapshot, logger)
		go func() {
			adminErr <- srv.Serve(ctx)
		}()
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- c.Run(ctx, 0)
	}()
	select {
	case err := <-runErr:
		return err
	case err := <-adminErr:
		if err != nil {
			logger.Error().Err(err).Msg("admin server stopped")
		}
		return <-runErr
	}
}

func startServer(c *coordinator.Coordinator, cfg nodeConfig, scene *world.Scene) error {
	c.SetDefaultWorld(scene)
	if len(cfg.Beacon) > 0 {
		blob, err := discovery.Encode(discovery.Beacon(cfg.Beacon))
		if err != nil {
			return fmt.Errorf("encode beacon: %w", err)
		}
		if err := c.SetDiscoveryBeacon(blob); err != nil {
			return err
		}
	}
	return c.Listen(cfg.ListenPort, cfg.Session.MaxConnections)
}
