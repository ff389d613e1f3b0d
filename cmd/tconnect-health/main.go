// tconnect-health probes the per-protocol health endpoints of a bridge
// server, once or continuously. It exits non-zero when any probed protocol
// is unhealthy, which makes it usable as a container health check.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tconnect-io/tconnect-go/core/config"
	"github.com/tconnect-io/tconnect-go/core/logx"
	"github.com/tconnect-io/tconnect-go/core/reconnect"
	"github.com/tconnect-io/tconnect-go/providers/etherlink"
	"github.com/tconnect-io/tconnect-go/providers/evm"
	"github.com/tconnect-io/tconnect-go/providers/tezosbeacon"
	"github.com/tconnect-io/tconnect-go/providers/tezoswc"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

var probes = map[string]func(context.Context, string) error{
	"evm":          evm.Health,
	"etherlink":    etherlink.Health,
	"tezos-beacon": tezosbeacon.Health,
	"tezos-wc":     tezoswc.Health,
}

type fileConfig struct {
	BridgeURL string        `yaml:"bridge_url"`
	Protocols []string      `yaml:"protocols"`
	Timeout   time.Duration `yaml:"timeout"`
}

func main() {
	var (
		cfgPath   = flag.String("config", config.GetEnv("CONFIG_FILE", ""), "path to YAML config")
		bridgeURL = flag.String("bridge-url", config.GetEnv("BRIDGE_URL", ""), "bridge base URL")
		protocols = flag.String("protocols", config.GetEnv("PROTOCOLS", ""), "comma-separated protocols to probe (default: all)")
		timeout   = flag.Duration("timeout", 10*time.Second, "per-probe timeout")
		watch     = flag.Bool("watch", false, "keep probing with backoff instead of exiting")
		logLevel  = flag.String("log-level", config.GetEnv("LOG_LEVEL", "info"), "log level")
		showVer   = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVer {
		fmt.Printf("tconnect-health %s (%s, %s)\n", version, buildSHA, buildDate)
		return
	}
	logx.Configure(*logLevel)

	cfg := fileConfig{Timeout: *timeout}
	path := *cfgPath
	if path == "" {
		if def := config.DefaultConfigPath("health.yaml"); fileExists(def) {
			path = def
		}
	}
	if path != "" {
		if err := config.LoadFile(path, &cfg); err != nil {
			logx.Log.Fatal().Err(err).Str("path", path).Msg("load config")
		}
	}
	if *bridgeURL != "" {
		cfg.BridgeURL = *bridgeURL
	}
	if *protocols != "" {
		cfg.Protocols = strings.Split(*protocols, ",")
	}
	if cfg.BridgeURL == "" {
		logx.Log.Fatal().Msg("bridge url is required (flag --bridge-url, env BRIDGE_URL, or config)")
	}
	if len(cfg.Protocols) == 0 {
		for name := range probes {
			cfg.Protocols = append(cfg.Protocols, name)
		}
	}
	for _, name := range cfg.Protocols {
		if _, ok := probes[name]; !ok {
			logx.Log.Fatal().Str("protocol", name).Msg("unknown protocol")
		}
	}

	ctx := context.Background()
	if *watch {
		monitor(ctx, cfg)
		return
	}
	if !probeAll(ctx, cfg) {
		os.Exit(1)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// probeAll checks every configured protocol and reports overall health.
func probeAll(ctx context.Context, cfg fileConfig) bool {
	healthy := true
	for _, name := range cfg.Protocols {
		probeCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		err := probes[name](probeCtx, cfg.BridgeURL)
		cancel()
		if err != nil {
			healthy = false
			logx.Log.Warn().Err(err).Str("protocol", name).Msg("bridge unhealthy")
			continue
		}
		logx.Log.Info().Str("protocol", name).Msg("bridge healthy")
	}
	return healthy
}

// monitor keeps probing, backing off while the bridge is unhealthy.
func monitor(ctx context.Context, cfg fileConfig) {
	attempt := 0
	for {
		var delay time.Duration
		if probeAll(ctx, cfg) {
			attempt = 0
			delay = 30 * time.Second
		} else {
			delay = reconnect.Delay(attempt)
			attempt++
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}
