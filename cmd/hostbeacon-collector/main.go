// hostbeacon-collector accepts agent and client connections, caches each
// host's model data, and fans out metrics to connected viewers.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/danielrobbins/hostbeacon/internal/collector"
	"github.com/danielrobbins/hostbeacon/internal/keys"
)

const version = "0.1.0"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	showHelp := flag.Bool("help", false, "show usage")
	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.BoolVar(showHelp, "h", false, "show usage")
	keyDir := flag.String("key-dir", envOr("HOSTBEACON_KEY_DIR", "/etc/hostbeacon/keys"), "directory holding this role's keypair and authorized client keys")
	agentPort := flag.Int("agent-port", envIntOr("HOSTBEACON_AGENT_PORT", 5556), "agent-endpoint port")
	clientPort := flag.Int("client-port", envIntOr("HOSTBEACON_CLIENT_PORT", 5557), "client-endpoint port")
	logLevel := flag.String("log-level", envOr("HOSTBEACON_LOG_LEVEL", "info"), "log level: debug, info, warn, error")

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("hostbeacon-collector %s\n", version)
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
	bindIP := flag.Arg(0)

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	setLevel(*logLevel)

	provider, err := keys.NewFileProvider(*keyDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize key provider")
	}

	srv, err := collector.NewServer(collector.ServerConfig{
		Log:         log,
		KeyProvider: provider,
		AgentAddr:   fmt.Sprintf("%s:%d", bindIP, *agentPort),
		ClientAddr:  fmt.Sprintf("%s:%d", bindIP, *clientPort),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize collector server")
	}

	log.Info().
		Str("version", version).
		Str("agent_addr", fmt.Sprintf("%s:%d", bindIP, *agentPort)).
		Str("client_addr", fmt.Sprintf("%s:%d", bindIP, *clientPort)).
		Msg("hostbeacon-collector starting")

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
		cancel()
	}()

	if err := srv.Run(ctx); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("collector failed")
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: hostbeacon-collector [options] <bind_ip>

Options:
  -v, --version       Print version and exit
  -h, --help          Print this help and exit
  --key-dir DIR       Key material directory (env HOSTBEACON_KEY_DIR)
  --agent-port N      Agent-endpoint port (env HOSTBEACON_AGENT_PORT)
  --client-port N     Client-endpoint port (env HOSTBEACON_CLIENT_PORT)
  --log-level LVL     debug, info, warn, error (env HOSTBEACON_LOG_LEVEL)
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
