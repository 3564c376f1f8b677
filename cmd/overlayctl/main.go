// overlayctl stores overlay images and runs them under the overlay manager.
//
// Usage:
//
//	overlayctl [flags] demo [out.elf]
//	overlayctl [flags] import <file.elf> [name]
//	overlayctl [flags] list
//	overlayctl [flags] run <image> <function> [args...]
//	overlayctl [flags] check <image>
//	overlayctl [flags] repl <image>
//	overlayctl [flags] trace [session [events]]
//
// An image is named by its ID, a unique ID prefix, or the name it was
// imported under.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/fortiblox/overlay/internal/config"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// Configuration flags
var (
	configPath  = flag.String("config", "", "Config file (default <data-dir>/"+config.FileName+")")
	dataDir     = flag.String("data-dir", defaultDataDir(), "Data directory for the image store and traces")
	logLevel    = flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	monitorAddr = flag.String("monitor", "", "Serve the gRPC monitor on this address during run and repl")
	traceOn     = flag.Bool("trace", false, "Record manager events during run, check and repl")
	debug       = flag.Bool("debug", false, "Check manager invariants after every table change")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

var errUsage = errors.New("usage")

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".overlayctl"
	}
	return filepath.Join(home, ".overlayctl")
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: overlayctl [flags] <command> [args]

Commands:
  demo [out.elf]                    write the demo image
  import <file.elf> [name]          store an image
  list                              list stored images
  run <image> <function> [args...]  call one function
  check <image>                     call every function with invariant checks
  repl <image>                      interactive prompt
  trace [session [events]]          list sessions, summarize one, or dump its events

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("overlayctl %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	a, err := newApp()
	if err != nil {
		fmt.Fprintf(os.Stderr, "overlayctl: %v\n", err)
		os.Exit(1)
	}
	err = a.dispatch(flag.Arg(0), flag.Args()[1:])
	a.log.Sync()

	switch {
	case errors.Is(err, errUsage):
		fmt.Fprintf(os.Stderr, "overlayctl: %v\n\n", err)
		usage()
		os.Exit(2)
	case err != nil:
		fmt.Fprintf(os.Stderr, "overlayctl: %v\n", err)
		os.Exit(1)
	}
}

// app carries what every command needs.
type app struct {
	cfg config.Config
	log *zap.Logger
}

func newApp() (*app, error) {
	cfg, err := config.Load(*configPath, *dataDir)
	if err != nil {
		return nil, err
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *monitorAddr != "" {
		cfg.Monitor.Enabled = true
		cfg.Monitor.Address = *monitorAddr
	}
	if *traceOn {
		cfg.Trace.Enabled = true
	}
	if *debug {
		cfg.Overlay.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, err := cfg.Logger()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return &app{cfg: cfg, log: log}, nil
}

func (a *app) dispatch(cmd string, args []string) error {
	switch cmd {
	case "demo":
		return a.demo(args)
	case "import":
		return a.importImage(args)
	case "list":
		return a.list(args)
	case "run":
		return a.run(args)
	case "check":
		return a.check(args)
	case "repl":
		return a.repl(args)
	case "trace":
		return a.trace(args)
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
}
