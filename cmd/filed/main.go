// Command filed launches the reactor-based static file server: it parses
// CLI flags and an optional config file, validates the merged config,
// builds the logger, and runs the reactor until SIGINT/SIGTERM.
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/filed/filed/internal/config"
	"github.com/filed/filed/internal/logging"
	"github.com/filed/filed/internal/server"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is separated from main so the exit code can be asserted directly
// by callers instead of via a subprocess.
func run(args []string) int {
	fs := flag.NewFlagSet("filed", flag.ContinueOnError)

	def := config.Default()
	port := fs.Int("port", def.Port, "TCP port to listen on")
	fs.IntVar(port, "p", def.Port, "TCP port to listen on (shorthand)")
	threads := fs.Int("threads", def.ThreadCount, "worker pool size")
	fs.IntVar(threads, "t", def.ThreadCount, "worker pool size (shorthand)")
	docRoot := fs.String("document-root", def.DocumentRoot, "directory served and uploaded into")
	fs.StringVar(docRoot, "d", def.DocumentRoot, "directory served and uploaded into (shorthand)")
	logLevel := fs.String("log-level", string(def.LogLevel), "debug|info|warn|error")
	fs.StringVar(logLevel, "l", string(def.LogLevel), "debug|info|warn|error (shorthand)")
	logFile := fs.String("log-file", def.LogFile, "log file path (default stdout)")
	fs.StringVar(logFile, "f", def.LogFile, "log file path (default stdout, shorthand)")
	configPath := fs.String("config", "", "path to a YAML config file")
	fs.StringVar(configPath, "c", "", "path to a YAML config file (shorthand)")

	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "filed serves static files and multipart uploads over HTTP/1.1")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 1
	}

	cfg := def
	if *configPath != "" {
		merged, err := config.LoadFile(cfg, *configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		cfg = merged
	}

	// Flags always win over the config file, matching the launcher's
	// documented precedence: CLI flags layered over file, layered over
	// built-in defaults.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port", "p":
			cfg.Port = *port
		case "threads", "t":
			cfg.ThreadCount = *threads
		case "document-root", "d":
			cfg.DocumentRoot = *docRoot
		case "log-level", "l":
			cfg.LogLevel = config.LogLevel(*logLevel)
		case "log-file", "f":
			cfg.LogFile = *logFile
		}
	})
	if cfg.ThreadCount <= 0 {
		cfg.ThreadCount = runtime.NumCPU()
	}
	cfg.Resolve()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	reactor, err := server.New(cfg, log)
	if err != nil {
		log.Error("startup failed", logging.Fields{"error": err.Error()})
		return 1
	}
	if err := reactor.Run(); err != nil {
		log.Error("reactor exited with error", logging.Fields{"error": err.Error()})
		return 1
	}
	return 0
}
