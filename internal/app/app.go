// Package app holds the startup steps shared by the server binaries:
// flag parsing, configuration layering, logger setup and the pid file.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/DIO0550/instructions/internal/config"
	"github.com/DIO0550/instructions/internal/docstore"
	"github.com/DIO0550/instructions/internal/logger"
	"github.com/DIO0550/instructions/internal/pidfile"
	"github.com/DIO0550/instructions/internal/pprof"
)

// ErrHelp is returned by Boot when --help was requested.
var ErrHelp = pflag.ErrHelp

// Flags are the options every binary accepts.
type Flags struct {
	ConfigPath string
	PromptsDir string
	LogLevel   string
	LogPath    string
	PidFile    string
	NoWatch    bool
	PprofAddr  string
	PprofDump  string

	// NoPidFile ignores any configured pid file. Bridge children share the
	// parent's environment and must not contend for its pid file.
	NoPidFile bool
}

// Register adds the common flags to fs.
func (f *Flags) Register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.ConfigPath, "config", "c", "", "Configuration file (.json or .toml)")
	fs.StringVar(&f.PromptsDir, "prompts-dir", "", "Directory scanned for markdown prompts")
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error, none)")
	fs.StringVar(&f.LogPath, "log-path", "", "Log file path")
	fs.StringVar(&f.PidFile, "pid-file", "", "PID file guarding against a second instance")
	fs.BoolVar(&f.NoWatch, "no-watch", false, "Do not reload prompts when files change")
	fs.StringVar(&f.PprofAddr, "pprof-addr", "", "Serve /debug/pprof on this address")
	fs.StringVar(&f.PprofDump, "pprof-goroutines", "", "Write a goroutine dump here on shutdown")
}

// apply overlays the flags the user actually set.
func (f *Flags) apply(fs *pflag.FlagSet, cfg *config.Config) {
	if fs.Changed("prompts-dir") {
		cfg.PromptsDir = f.PromptsDir
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = f.LogLevel
	}
	if fs.Changed("log-path") {
		cfg.LogPath = f.LogPath
	}
	if fs.Changed("pid-file") {
		cfg.PidFile = f.PidFile
	}
	if f.NoWatch {
		cfg.WatchPrompts = false
	}
}

// Runtime is a booted process: its configuration and the cleanup to run on
// exit.
type Runtime struct {
	Config *config.Config
	flags  *Flags
	pid    *pidfile.Pidfile
}

// Boot parses args with fs, layers file, environment and flags into a
// config, and initializes the global logger. Configuration errors are
// startup failures.
func Boot(fs *pflag.FlagSet, flags *Flags, args []string, getenv func(string) string) (*Runtime, error) {
	flags.Register(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, err
	}
	flags.apply(fs, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	rt := &Runtime{Config: cfg, flags: flags}
	if cfg.PidFile != "" && !flags.NoPidFile {
		rt.pid = pidfile.New(cfg.PidFile)
		if err := rt.pid.Acquire(); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

// Close releases the pid file and flushes the logger.
func (rt *Runtime) Close() {
	if rt.pid != nil {
		if err := rt.pid.Release(); err != nil {
			logger.Warn("%v", err)
		}
	}
	if err := logger.Global().Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", err)
	}
}

// StartProfiler starts the optional profiling listener. The returned handler
// is a lifecycle stopper.
func (rt *Runtime) StartProfiler() (*pprof.Handler, error) {
	h := pprof.NewHandler(pprof.Config{
		HTTPAddr:      rt.flags.PprofAddr,
		GoroutineDump: rt.flags.PprofDump,
	})
	if err := h.Start(); err != nil {
		return nil, err
	}
	return h, nil
}

// OpenStore loads the prompt directory and, when enabled, keeps it fresh in
// the background until ctx is done.
func (rt *Runtime) OpenStore(ctx context.Context) (*docstore.Store, error) {
	store := docstore.New(rt.Config.PromptsDir)
	if err := store.Load(); err != nil {
		return nil, fmt.Errorf("failed to load prompts from %s: %w", rt.Config.PromptsDir, err)
	}
	logger.Info("loaded %d prompts from %s", store.Len(), store.Root())
	if rt.Config.WatchPrompts {
		go func() {
			if err := store.Watch(ctx); err != nil {
				logger.Warn("prompt watcher stopped: %v", err)
			}
		}()
	}
	return store, nil
}

// Main runs fn and converts its error into a process exit code.
func Main(stderr io.Writer, fn func() error) int {
	err := fn()
	switch {
	case err == nil, errors.Is(err, ErrHelp):
		return 0
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
}
