// Deskpresence mirrors local user presence to MQTT.
//
// It watches whether the user is active (keyboard and mouse idle time)
// and whether the workstation is locked, and publishes both as Home
// Assistant sensors with MQTT discovery. Configuration is loaded
// from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	deskpresence serve              Run the presence bridge
//	deskpresence init [dir]         Write a default config.yaml
//	deskpresence identity           Print the resolved device identity and topics
//	deskpresence version            Print version and build information
//	deskpresence -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nugget/deskpresence/internal/bridge"
	"github.com/nugget/deskpresence/internal/buildinfo"
	"github.com/nugget/deskpresence/internal/config"
	"github.com/nugget/deskpresence/internal/connwatch"
	"github.com/nugget/deskpresence/internal/discovery"
	"github.com/nugget/deskpresence/internal/identity"
	"github.com/nugget/deskpresence/internal/mqtt"
	"github.com/nugget/deskpresence/internal/opstate"
	"github.com/nugget/deskpresence/internal/presence"
	"github.com/nugget/deskpresence/internal/sampler"
	"github.com/nugget/deskpresence/internal/statepub"
	"github.com/nugget/deskpresence/internal/topics"
)

// main only builds the OS-level environment and hands off to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout; the
// caller prints a returned error to stderr and exits non-zero.
//
// Arguments are parsed by hand: the flag package's global FlagSet
// would keep run from being called concurrently in tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
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
	case "identity":
		return runIdentity(ctx, stdout, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "platform"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "deskpresence - publish user presence and lock state to MQTT")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: deskpresence [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Run the presence bridge")
	fmt.Fprintln(w, "  init [dir]   Write a default config.yaml (default: .)")
	fmt.Fprintln(w, "  identity     Show the device identity and MQTT topics")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/deskpresence/config.yaml, /etc/deskpresence/config.yaml")
	return nil
}

// identityReport is the output of the identity subcommand.
type identityReport struct {
	HostName     string            `json:"host_name"`
	HardwareID   string            `json:"hardware_id,omitempty"`
	OSVersion    string            `json:"os_version,omitempty"`
	Slug         string            `json:"slug"`
	ClientID     string            `json:"client_id"`
	Availability string            `json:"availability_topic"`
	Topics       map[string]string `json:"topics"`
}

// runIdentity resolves the device identity without connecting to the
// broker and prints the topics it maps to. Useful for checking what an
// identity change would do before restarting the bridge.
func runIdentity(ctx context.Context, w io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(io.Discard, slog.LevelInfo, "text")

	id := newResolver(cfg, logger).Resolve(ctx)
	namer := newNamer(cfg)

	report := identityReport{
		HostName:     id.HostName,
		HardwareID:   id.HardwareID,
		OSVersion:    id.OSVersion,
		Slug:         id.Slug(),
		ClientID:     clientID(cfg, id),
		Availability: namer.Availability(id),
		Topics:       make(map[string]string),
	}
	var order []string
	for _, def := range presence.Definitions() {
		for _, kind := range []topics.Kind{topics.State, topics.DiscoveryConfig} {
			name := def.ObjectID + "_" + kind.String()
			report.Topics[name] = namer.Topic(id, def.Key, kind)
			order = append(order, name)
		}
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	fmt.Fprintf(w, "  %-28s %s\n", "host_name:", report.HostName)
	fmt.Fprintf(w, "  %-28s %s\n", "hardware_id:", report.HardwareID)
	fmt.Fprintf(w, "  %-28s %s\n", "os_version:", report.OSVersion)
	fmt.Fprintf(w, "  %-28s %s\n", "slug:", report.Slug)
	fmt.Fprintf(w, "  %-28s %s\n", "client_id:", report.ClientID)
	fmt.Fprintf(w, "  %-28s %s\n", "availability:", report.Availability)
	for _, name := range order {
		fmt.Fprintf(w, "  %-28s %s\n", name+":", report.Topics[name])
	}
	return nil
}

// runServe handles the "deskpresence serve" subcommand. It blocks until
// SIGINT or SIGTERM, then publishes "offline" and disconnects.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting deskpresence", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Validate has already accepted the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = config.NewLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"broker", cfg.MQTT.Broker,
		"protocol", cfg.MQTT.Protocol,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	id := newResolver(cfg, logger).Resolve(ctx)
	namer := newNamer(cfg)

	// --- Operational state ---
	// Remembers the last announced slug so an identity change is noticed.
	store, err := opstate.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open operational state: %w", err)
	}
	defer store.Close()

	// --- Broker session ---
	offline := &mqtt.Message{
		Topic:   namer.Availability(id),
		Payload: []byte("offline"),
		QoS:     1,
		Retain:  true,
	}
	dialer, err := mqtt.NewDialer(cfg.MQTT, mqtt.Settings{
		ClientID: clientID(cfg, id),
		Will:     offline,
	})
	if err != nil {
		return err
	}
	sup := connwatch.New(connwatch.Config{
		Name:           cfg.MQTT.Broker,
		Dialer:         dialer,
		ConnectTimeout: cfg.MQTT.ConnectTimeout(),
		PublishTimeout: cfg.MQTT.PublishTimeout(),
		Offline:        offline,
		Logger:         logger,
	})

	// --- Samplers ---
	idle := sampler.NewCommandIdleSource(cfg.Presence.IdleCommand, cfg.Presence.IdleThreshold())
	var lock sampler.LockSource
	if cfg.Presence.LockWatcherEnabled() {
		ls := sampler.NewLoginctlLockSource(cfg.Presence.LockSession, cfg.Presence.LockPollInterval(), logger)
		logger.Info("lock watcher enabled", "session", ls.Session())
		lock = ls
	}

	b := bridge.New(bridge.Config{
		Identity:  id,
		Conn:      sup,
		Publisher: statepub.New(sup, namer, id, logger),
		Announcer: discovery.New(sup, namer, discovery.Options{
			Store:        store,
			RetractStale: cfg.MQTT.RetractStaleDiscovery,
		}, logger),
		Idle:         idle,
		Lock:         lock,
		TickInterval: cfg.Presence.TickInterval(),
		Placeholders: cfg.Presence.PlaceholdersEnabled(),
		Logger:       logger,
	})

	if err := b.Run(ctx); err != nil {
		logger.Error("presence loop failed", "error", err, "chain", errorChain(err))
		return err
	}
	logger.Info("deskpresence stopped", "uptime", buildinfo.Uptime())
	return nil
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

func newResolver(cfg *config.Config, logger *slog.Logger) *identity.Resolver {
	return identity.NewResolver(identity.Options{
		HostName:      cfg.Identity.HostName,
		HardwareID:    cfg.Identity.HardwareID,
		UseHardwareID: cfg.Identity.HardwareIDEnabled(),
	}, logger)
}

func newNamer(cfg *config.Config) topics.Namer {
	return topics.Namer{
		DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
		StatePrefix:     cfg.MQTT.StatePrefix,
	}
}

func clientID(cfg *config.Config, id identity.Identity) string {
	if cfg.MQTT.ClientID != "" {
		return cfg.MQTT.ClientID
	}
	return mqtt.ClientID(buildinfo.Name, id.Slug())
}

// errorChain flattens the messages of a wrapped error, outermost first.
func errorChain(err error) []string {
	var chain []string
	for err != nil {
		chain = append(chain, err.Error())
		err = errors.Unwrap(err)
	}
	return chain
}
