package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/slowbreak/internal/config"
	"github.com/danmuck/slowbreak/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	path := flag.String("config", "cmd/slowbreakctl/config.toml", "daemon config path")
	flag.Parse()

	logging.ConfigureRuntime()
	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "slowbreakctl: %v\n", err)
		os.Exit(1)
	}
	applyLogLevel(cfg.LogLevel)

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "slowbreakctl: %v\n", err)
		os.Exit(1)
	}
}

// applyLogLevel honors the config file unless the environment already
// chose a level.
func applyLogLevel(raw string) {
	if os.Getenv(logging.EnvLogLevel) != "" {
		return
	}
	lvl, ok := logging.ParseLevel(raw)
	if !ok {
		if raw != "" {
			log.Warn().Str("log_level", raw).Msg("slowbreakctl unknown log level, keeping info")
		}
		return
	}
	zerolog.SetGlobalLevel(lvl)
}
