// Package config provides type-safe environment variable loading for the
// runtime's tuning knobs: THEATER_HOME, the default operation timeout, the
// handler start-up grace period, and the chain persistence cadence.
//
// A .env file, if present in the working directory, is loaded once before
// the first Load call. Variables already set in the process environment
// take precedence over the .env file's values, which never overwrite them;
// fields are read following caarlos0/env's struct-tag conventions.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Runtime holds every environment-tunable knob for a Theater process.
type Runtime struct {
	// Home is THEATER_HOME, the root directory for persisted chains and
	// content-store blobs. Defaults to $HOME/.theater.
	Home string `env:"THEATER_HOME"`

	// OperationTimeout bounds a single CallFunction invocation before the
	// operation loop replies OperationTimeout and pauses the actor.
	OperationTimeout time.Duration `env:"THEATER_OPERATION_TIMEOUT" envDefault:"300s"`

	// HandlerStartGrace is the handler start-up grace period knob. It is
	// parsed and exposed here only; the control loop does not read it and
	// does not wait for handler tasks to report readiness.
	HandlerStartGrace time.Duration `env:"THEATER_HANDLER_START_GRACE" envDefault:"5s"`

	// ChainPersistInterval is the chain persistence cadence knob. It is
	// parsed and exposed here only; no component runs a background flush,
	// so a running actor's chain is persisted only on SaveChain and at
	// teardown whatever its value.
	ChainPersistInterval time.Duration `env:"THEATER_CHAIN_PERSIST_INTERVAL" envDefault:"30s"`

	// RedisAddr, when set, enables the Redis-backed pieces: the Pulse
	// event broadcast and the shared label index. Empty keeps everything
	// in-process and on the local filesystem.
	RedisAddr string `env:"THEATER_REDIS_ADDR"`

	// RedisPassword authenticates RedisAddr when required.
	RedisPassword string `env:"THEATER_REDIS_PASSWORD"`

	// EventIndexPath, when set, maintains a SQLite index of every chain
	// event under this path for by-type queries. Empty disables the index.
	EventIndexPath string `env:"THEATER_EVENT_INDEX"`
}

var (
	envOnce    sync.Once
	loadedOnce sync.Once
	loaded     Runtime
	loadErr    error
)

func loadDotenv() {
	envOnce.Do(func() {
		_ = godotenv.Load()
	})
}

// Load parses Runtime from the environment, applying defaults for any
// field left unset. Subsequent calls return the cached result of the first
// call, error included; configuration is resolved once per process.
func Load() (Runtime, error) {
	loadDotenv()
	loadedOnce.Do(func() {
		loaded, loadErr = parse()
	})
	return loaded, loadErr
}

// parse performs one uncached environment parse. It is split out from Load
// so tests can exercise parsing logic without fighting the process-wide
// cache.
func parse() (Runtime, error) {
	var cfg Runtime
	if err := env.Parse(&cfg); err != nil {
		return Runtime{}, fmt.Errorf("config: parse environment: %w", err)
	}
	if cfg.Home == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Runtime{}, fmt.Errorf("config: resolve home directory: %w", err)
		}
		cfg.Home = filepath.Join(home, ".theater")
	}
	return cfg, nil
}

// MustLoad calls Load and panics on failure. Intended for process startup,
// where an unparsable configuration is unrecoverable.
func MustLoad() Runtime {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}
