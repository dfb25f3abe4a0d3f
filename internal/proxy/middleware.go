package proxy

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// LoggingMiddleware gives each connection its own logger, reachable through
// zerolog.Ctx, and logs how long the connection was served for.
func LoggingMiddleware(log zerolog.Logger, next Handler) Handler {

	return HandlerFunc(func(ctx context.Context, conn net.Conn) {

		connLog := log.With().Str("remote", conn.RemoteAddr().String()).Logger()
		ctx = connLog.WithContext(ctx)

		connLog.Debug().Msg("Processing connection")
		start := time.Now()

		next.ServeConn(ctx, conn)

		dur := time.Since(start)
		// The handler may have added request fields to the context logger.
		zerolog.Ctx(ctx).Info().
			Float64("ms", float64(dur.Microseconds())/1000).
			Msg("Time Taken")
	})
}
