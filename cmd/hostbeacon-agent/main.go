// hostbeacon-agent samples the local host and pushes its metrics to a
// Collector.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/danielrobbins/hostbeacon/internal/agent"
	"github.com/danielrobbins/hostbeacon/internal/keys"
	"github.com/danielrobbins/hostbeacon/internal/sampling"
)

const version = "0.1.0"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	showHelp := flag.Bool("help", false, "show usage")
	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.BoolVar(showHelp, "h", false, "show usage")
	keyDir := flag.String("key-dir", envOr("HOSTBEACON_KEY_DIR", "/etc/hostbeacon/keys"), "directory holding this role's keypair and the collector's public key")
	agentPort := flag.Int("agent-port", envIntOr("HOSTBEACON_AGENT_PORT", 5556), "collector agent-endpoint port")
	logLevel := flag.String("log-level", envOr("HOSTBEACON_LOG_LEVEL", "info"), "log level: debug, info, warn, error")

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("hostbeacon-agent %s\n", version)
		os.Exit(0)
	}
	if *showHelp {
		printUsage()
		os.Exit(0)
	}
	if flag.NArg() != 1 {
		printUsage()
		os.Exit(2)
	}
	collectorHost := flag.Arg(0)

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	setLevel(*logLevel)

	provider, err := keys.NewFileProvider(*keyDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize key provider")
	}

	host, err := sampling.NewHost()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to resolve hostname")
	}

	log.Info().Str("version", version).Str("hostname", host.Hostname).Str("collector", collectorHost).Msg("hostbeacon-agent starting")

	fsm := agent.New(agent.Config{
		Log:          log,
		CollectorURL: fmt.Sprintf("ws://%s:%d/", collectorHost, *agentPort),
		KeyProvider:  provider,
		Sampler:      sampling.NewProcSampler(host),
		Host:         host,
	})

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
		cancel()
	}()

	if err := fsm.Run(ctx); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("agent failed")
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: hostbeacon-agent [options] <collector_host>

Options:
  -v, --version     Print version and exit
  -h, --help        Print this help and exit
  --key-dir DIR     Key material directory (env HOSTBEACON_KEY_DIR)
  --agent-port N    Collector agent-endpoint port (env HOSTBEACON_AGENT_PORT)
  --log-level LVL   debug, info, warn, error (env HOSTBEACON_LOG_LEVEL)
`)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return fallback
	}
	return n
}

func setLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
