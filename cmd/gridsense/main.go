// GridSense bridges HTTP telemetry ingestion, MQTT device commands and
// realtime WebSocket observers, scoped per channel.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]); without one, the
// defaults plus environment overrides are used.
//
// Usage:
//
//	gridsense serve                                  Start the server
//	gridsense init [dir]                             Write a starter config.yaml
//	gridsense user add <name>                        Create a user and print its API key
//	gridsense channel add -user <id> <project> [field[:unit]...]
//	gridsense channel show <id>                      Print a channel
//	gridsense channel delete <id>                    Delete a channel and its readings
//	gridsense version                                Print version information
//	gridsense -o json version                        Output version information as JSON
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/nugget/gridsense/internal/buildinfo"
	"github.com/nugget/gridsense/internal/config"
)

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. ctx controls the process lifetime,
// structured logs go to stdout and args is os.Args[1:]. Arguments are
// parsed by hand so run can be called concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command == "" && args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case command == "" && strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case command == "" && (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case command == "" && strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case command == "" && strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "user":
		return runUser(ctx, stdout, configPath, outputFmt, cmdArgs)
	case "channel":
		return runChannel(ctx, stdout, configPath, outputFmt, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Get()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	fmt.Fprintf(w, "  %-12s %s\n", "commit:", info.GitCommit)
	if info.BuildTime != "" {
		fmt.Fprintf(w, "  %-12s %s\n", "built:", info.BuildTime)
	}
	fmt.Fprintf(w, "  %-12s %s\n", "go:", info.GoVersion)
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "GridSense - channel-scoped telemetry and command bridge")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: gridsense [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                     Start the HTTP, WebSocket and MQTT bridge")
	fmt.Fprintln(w, "  init [dir]                Write a starter config.yaml (default: .)")
	fmt.Fprintln(w, "  user add <name>           Create a user and print its API key")
	fmt.Fprintln(w, "  channel add -user <id> <project> [field[:unit]...]")
	fmt.Fprintln(w, "                            Create a channel with declared fields")
	fmt.Fprintln(w, "  channel show <id>         Show a channel")
	fmt.Fprintln(w, "  channel delete <id>       Delete a channel and its readings")
	fmt.Fprintln(w, "  version                   Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

// loadConfig locates and parses the configuration. An explicit path
// must exist; when discovery finds nothing, defaults plus environment
// overrides are used and the returned path is empty.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if errors.Is(err, config.ErrNoConfigFile) {
		cfg, err := config.FromEnv()
		return cfg, "", err
	}
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

func dbPath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "gridsense.db")
}

// shutdownContext bounds graceful shutdown once the serve context is
// done.
func shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

// notifyContext cancels on SIGINT or SIGTERM.
func notifyContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
}

func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	return config.NewLogger(w, level, cfg.LogFormat)
}
