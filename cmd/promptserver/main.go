package main

import (
	"context"
	"os"

	"github.com/spf13/pflag"

	"github.com/DIO0550/instructions/internal/app"
	"github.com/DIO0550/instructions/internal/bridge"
	"github.com/DIO0550/instructions/internal/engine"
	"github.com/DIO0550/instructions/internal/httpserver"
	"github.com/DIO0550/instructions/internal/lifecycle"
	"github.com/DIO0550/instructions/internal/logger"
	"github.com/DIO0550/instructions/internal/session"
	"github.com/DIO0550/instructions/internal/transport/sse"
	"github.com/DIO0550/instructions/internal/transport/streamable"
)

func main() {
	os.Exit(app.Main(os.Stderr, run))
}

func run() error {
	fs := pflag.NewFlagSet("promptserver", pflag.ContinueOnError)
	noLegacy := fs.Bool("no-sse", false, "Disable the legacy /sse and /messages endpoints")
	bridgeSocket := fs.Bool("bridge-socket", false, "Expose the process bridge as a websocket at /bridge")

	var flags app.Flags
	rt, err := app.Boot(fs, &flags, os.Args[1:], os.Getenv)
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg := rt.Config

	prof, err := rt.StartProfiler()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := rt.OpenStore(ctx)
	if err != nil {
		return err
	}
	factory := engine.NewFactory(store)

	coord := lifecycle.New(cfg.ShutdownTimeout())

	streams := session.NewRouter(session.KindStreamable, session.NewRegistry("streamable"), factory)
	streams.ImplicitStreamCreate = cfg.HTTP.ImplicitStreamSessions
	routers := []*session.Router{streams}
	stream := streamable.New(streams, streamable.Options{
		Retention: cfg.HTTP.ReplayBuffer,
		KeepAlive: cfg.KeepAlive(),
	})

	var legacy *sse.Handler
	if !*noLegacy {
		sseRouter := session.NewRouter(session.KindSSE, session.NewRegistry("sse"), factory)
		routers = append(routers, sseRouter)
		legacy = sse.New(sseRouter, cfg.KeepAlive())
	}

	var b *bridge.Bridge
	if *bridgeSocket || cfg.HTTP.EnableBridgeSocket {
		b = &bridge.Bridge{
			Command:        cfg.Bridge.Executable,
			Args:           cfg.Bridge.Args,
			Dir:            cfg.Bridge.WorkingDir,
			KillGrace:      cfg.KillGrace(),
			MaxConnections: cfg.Bridge.MaxConnections,
		}
	}

	srv := httpserver.New(cfg.HTTPAddr(), stream, legacy, b)
	if err := srv.Listen(); err != nil {
		return err
	}

	store.OnChange(func() {
		for _, r := range routers {
			r.Broadcast(func(s *session.Session) {
				if err := s.Engine.ResourcesChanged(ctx); err != nil {
					logger.Debug("resource change notification to %s failed: %v", s.ID, err)
				}
			})
		}
	})

	coord.AddStopper(srv)
	coord.AddStopper(prof)
	for _, r := range routers {
		coord.AddDrainer(r)
		coord.Go(func(ctx context.Context) error {
			r.Run(ctx)
			return nil
		})
	}
	if b != nil {
		coord.AddDrainer(b)
	}
	coord.Go(srv.Serve)

	logger.Info("%s %s ready", engine.ServerName, engine.ServerVersion)
	return coord.Run(ctx)
}
