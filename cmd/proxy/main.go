package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/ArunGautham-Soundarrajan/proxy-server/internal/admission"
	"github.com/ArunGautham-Soundarrajan/proxy-server/internal/blocklist"
	"github.com/ArunGautham-Soundarrajan/proxy-server/internal/cache"
	"github.com/ArunGautham-Soundarrajan/proxy-server/internal/config"
	"github.com/ArunGautham-Soundarrajan/proxy-server/internal/metrics"
	"github.com/ArunGautham-Soundarrajan/proxy-server/internal/origin"
	"github.com/ArunGautham-Soundarrajan/proxy-server/internal/proxy"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Parse(os.Args[0], os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(2)
	}

	log := newLogger(cfg)
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("proxy stopped")
	}
}

func newLogger(cfg config.Config) zerolog.Logger {
	zerolog.SetGlobalLevel(cfg.LogLevel)
	if cfg.LogJSON {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lruCache := cache.NewLRUCache(cfg.CacheCapacity, cfg.MaxElementSize)
	slots := admission.New(cfg.MaxClients)

	var blocked *blocklist.List
	if cfg.BlocklistPath != "" {
		blocked = blocklist.New(log.With().Str("component", "blocklist").Logger())
		if err := blocked.Load(cfg.BlocklistPath); err != nil {
			return err
		}
		log.Info().Int("hosts", blocked.Len()).Msg("blocklist loaded")
		go func() {
			if err := blocked.Watch(ctx, cfg.BlocklistPath); err != nil {
				log.Error().Err(err).Msg("blocklist watch stopped")
			}
		}()
	}

	var m *metrics.Metrics
	if cfg.MetricsAddr != "" {
		m = metrics.New(lruCache, slots)
		go func() {
			if err := m.Serve(ctx, cfg.MetricsAddr, log); err != nil {
				log.Error().Err(err).Msg("metrics endpoint stopped")
			}
		}()
	}

	forwarder := origin.NewForwarder(origin.Options{
		DialTimeout: cfg.DialTimeout,
		IdleTimeout: cfg.IdleTimeout,
		MaxPayload:  cfg.MaxElementSize,
	}, log.With().Str("component", "origin").Logger())

	handler := proxy.NewProxyHandler(lruCache, forwarder, proxy.HandlerOptions{
		MaxRequestBytes: cfg.MaxRequestBytes,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.IdleTimeout,
		Blocklist:       blocked,
		Metrics:         m,
	})
	server := proxy.NewServer(proxy.LoggingMiddleware(log, handler), slots, log)

	ln, err := proxy.Listen(ctx, cfg.Addr())
	if err != nil {
		return err
	}
	log.Info().Msgf("Proxy Server is listening at port %d", cfg.Port)

	if err := server.Serve(ctx, ln); err != nil {
		return errors.Wrap(err, "serving")
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("connections aborted at shutdown")
	}
	return nil
}
