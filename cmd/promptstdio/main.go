package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/DIO0550/instructions/internal/app"
	"github.com/DIO0550/instructions/internal/engine"
	"github.com/DIO0550/instructions/internal/logger"
)

func main() {
	os.Exit(app.Main(os.Stderr, run))
}

func run() error {
	fs := pflag.NewFlagSet("promptstdio", pflag.ContinueOnError)
	flags := app.Flags{NoPidFile: true}
	rt, err := app.Boot(fs, &flags, os.Args[1:], os.Getenv)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := rt.OpenStore(ctx)
	if err != nil {
		return err
	}
	eng := engine.NewFactory(store).New(engine.DefaultCapabilities())
	store.OnChange(func() {
		if err := eng.ResourcesChanged(ctx); err != nil {
			logger.Debug("resource change notification failed: %v", err)
		}
	})

	logger.Info("serving %s over stdio", engine.ServerName)
	return engine.ServeStdio(ctx, eng, os.Stdin, os.Stdout)
}
