// hostbeacon-client connects to a Collector's client endpoint and displays
// live host metrics in a terminal.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/danielrobbins/hostbeacon/internal/clientapp"
	"github.com/danielrobbins/hostbeacon/internal/display"
	"github.com/danielrobbins/hostbeacon/internal/keys"
)

const version = "0.1.0"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	showHelp := flag.Bool("help", false, "show usage")
	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.BoolVar(showHelp, "h", false, "show usage")
	keyDir := flag.String("key-dir", envOr("HOSTBEACON_KEY_DIR", "/etc/hostbeacon/keys"), "directory holding this role's keypair and the collector's public key")
	clientPort := flag.Int("client-port", envIntOr("HOSTBEACON_CLIENT_PORT", 5557), "collector client-endpoint port")
	logLevel := flag.String("log-level", envOr("HOSTBEACON_LOG_LEVEL", "warn"), "log level: debug, info, warn, error")

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("hostbeacon-client %s\n", version)
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

	c := clientapp.New(clientapp.Config{
		Log:          log,
		CollectorURL: fmt.Sprintf("ws://%s:%d/", collectorHost, *clientPort),
		KeyProvider:  provider,
		Display:      display.NewTermDisplay(os.Stdout),
	})

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
		cancel()
	}()

	if err := c.Run(ctx); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("client failed")
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: hostbeacon-client [options] <collector_host>

Options:
  -v, --version      Print version and exit
  -h, --help         Print this help and exit
  --key-dir DIR      Key material directory (env HOSTBEACON_KEY_DIR)
  --client-port N    Collector client-endpoint port (env HOSTBEACON_CLIENT_PORT)
  --log-level LVL    debug, info, warn, error (env HOSTBEACON_LOG_LEVEL)
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
