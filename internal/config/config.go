package config

import (
	"flag"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	// MaxClients is the default number of connections served at once.
	MaxClients = 10

	// CacheCapacity bounds the total footprint of the response cache.
	CacheCapacity = 200 << 20
	// MaxElementSize bounds the footprint of a single cached response.
	MaxElementSize = 10 << 20

	// MaxRequestBytes caps how much of a client request is buffered
	// before the request is rejected as too large.
	MaxRequestBytes = 1 << 20

	ReadTimeout = 10 * time.Second
	DialTimeout = 10 * time.Second
	IdleTimeout = 30 * time.Second
)

// ErrUsage is returned by Parse when the command line is unusable. The usage
// text has already been written by then.
var ErrUsage = errors.New("usage")

// Config holds everything the proxy needs at startup.
type Config struct {
	Port int

	MaxClients      int
	CacheCapacity   int64
	MaxElementSize  int64
	MaxRequestBytes int

	ReadTimeout time.Duration
	DialTimeout time.Duration
	IdleTimeout time.Duration

	BlocklistPath string
	MetricsAddr   string

	LogLevel zerolog.Level
	LogJSON  bool
}

// Default returns a Config with every field but Port set to its default.
func Default() Config {
	return Config{
		MaxClients:      MaxClients,
		CacheCapacity:   CacheCapacity,
		MaxElementSize:  MaxElementSize,
		MaxRequestBytes: MaxRequestBytes,
		ReadTimeout:     ReadTimeout,
		DialTimeout:     DialTimeout,
		IdleTimeout:     IdleTimeout,
		LogLevel:        zerolog.InfoLevel,
	}
}

// Addr is the listen address for the configured port on all interfaces.
func (c Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch {
	case c.Port < 1 || c.Port > 65535:
		return errors.Errorf("invalid port %d: must be between 1 and 65535", c.Port)
	case c.MaxClients < 1:
		return errors.Errorf("invalid max-clients %d", c.MaxClients)
	case c.CacheCapacity < 1:
		return errors.Errorf("invalid cache-size %d", c.CacheCapacity)
	case c.MaxElementSize < 1 || c.MaxElementSize > c.CacheCapacity:
		return errors.Errorf("invalid max-entry %d: must be between 1 and cache-size", c.MaxElementSize)
	case c.MaxRequestBytes < 1:
		return errors.Errorf("invalid max-request %d", c.MaxRequestBytes)
	case c.ReadTimeout <= 0 || c.DialTimeout <= 0 || c.IdleTimeout <= 0:
		return errors.New("timeouts must be positive")
	}
	return nil
}

// Parse builds a Config from the command line arguments (without the program
// name). Exactly one positional argument, the port, is required.
func Parse(program string, args []string, stderr io.Writer) (Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet(program, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: %s [flags] <port>\n\nFlags:\n", program)
		fs.PrintDefaults()
	}

	fs.IntVar(&cfg.MaxClients, "max-clients", cfg.MaxClients, "maximum number of connections served concurrently")
	fs.Int64Var(&cfg.CacheCapacity, "cache-size", cfg.CacheCapacity, "total cache capacity in bytes")
	fs.Int64Var(&cfg.MaxElementSize, "max-entry", cfg.MaxElementSize, "largest cacheable response in bytes")
	fs.IntVar(&cfg.MaxRequestBytes, "max-request", cfg.MaxRequestBytes, "largest accepted request head in bytes")
	fs.DurationVar(&cfg.ReadTimeout, "read-timeout", cfg.ReadTimeout, "client read timeout")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "origin connect timeout")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "origin and client idle timeout while relaying")
	fs.StringVar(&cfg.BlocklistPath, "blocklist", "", "JSON file of blocked hosts, reloaded on change")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "address for /metrics and /healthz (disabled when empty)")
	fs.BoolVar(&cfg.LogJSON, "log-json", false, "log JSON lines instead of console output")
	level := fs.String("log-level", cfg.LogLevel.String(), "log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return cfg, ErrUsage
		}
		return cfg, errors.Wrap(ErrUsage, err.Error())
	}

	if fs.NArg() != 1 {
		fs.Usage()
		return cfg, ErrUsage
	}
	port, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "invalid port %q\n", fs.Arg(0))
		fs.Usage()
		return cfg, errors.Wrap(ErrUsage, "port is not a number")
	}
	cfg.Port = port

	lvl, err := zerolog.ParseLevel(*level)
	if err != nil {
		fmt.Fprintf(stderr, "invalid log level %q\n", *level)
		return cfg, errors.Wrap(ErrUsage, err.Error())
	}
	cfg.LogLevel = lvl

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, err)
		fs.Usage()
		return cfg, errors.Wrap(ErrUsage, err.Error())
	}
	return cfg, nil
}
