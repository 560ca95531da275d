package main

import (
	"context"
	"os"

	"github.com/spf13/pflag"

	"github.com/DIO0550/instructions/internal/app"
	"github.com/DIO0550/instructions/internal/bridge"
	"github.com/DIO0550/instructions/internal/lifecycle"
)

func main() {
	os.Exit(app.Main(os.Stderr, run))
}

func run() error {
	fs := pflag.NewFlagSet("promptbridge", pflag.ContinueOnError)
	executable := fs.String("executable", "", "Child started for every connection (overrides MCP_EXECUTABLE)")

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
	if fs.Changed("executable") {
		cfg.Bridge.Executable = *executable
	}

	b := &bridge.Bridge{
		Addr:           cfg.BridgeAddr(),
		Command:        cfg.Bridge.Executable,
		Args:           cfg.Bridge.Args,
		Dir:            cfg.Bridge.WorkingDir,
		KillGrace:      cfg.KillGrace(),
		MaxConnections: cfg.Bridge.MaxConnections,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Start(ctx); err != nil {
		return err
	}

	coord := lifecycle.New(cfg.ShutdownTimeout())
	coord.AddStopper(b)
	coord.AddStopper(prof)
	coord.AddDrainer(b)
	return coord.Run(ctx)
}
