package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/ArunGautham-Soundarrajan/proxy-server/internal/blocklist"
	"github.com/ArunGautham-Soundarrajan/proxy-server/internal/cache"
	"github.com/ArunGautham-Soundarrajan/proxy-server/internal/httpreq"
	"github.com/ArunGautham-Soundarrajan/proxy-server/internal/metrics"
	"github.com/ArunGautham-Soundarrajan/proxy-server/internal/origin"
	"github.com/ArunGautham-Soundarrajan/proxy-server/internal/response"
)

// Handler serves a single client connection. The connection is closed by the
// caller once ServeConn returns.
type Handler interface {
	ServeConn(ctx context.Context, conn net.Conn)
}

type HandlerFunc func(ctx context.Context, conn net.Conn)

func (f HandlerFunc) ServeConn(ctx context.Context, conn net.Conn) { f(ctx, conn) }

type HandlerOptions struct {
	MaxRequestBytes int
	// ReadTimeout bounds the time a client may take to send its request.
	ReadTimeout time.Duration
	// WriteTimeout bounds every write of a cached response or error page.
	WriteTimeout time.Duration
	// Blocklist and Metrics are optional.
	Blocklist *blocklist.List
	Metrics   *metrics.Metrics
}

type ProxyHandler struct {
	Cache     *cache.LRUcache
	Forwarder *origin.Forwarder
	opts      HandlerOptions
}

// Constructor for dependency injection
func NewProxyHandler(c *cache.LRUcache, f *origin.Forwarder, opts HandlerOptions) *ProxyHandler {
	return &ProxyHandler{Cache: c, Forwarder: f, opts: opts}
}

func (p *ProxyHandler) ServeConn(ctx context.Context, conn net.Conn) {
	start := time.Now()
	outcome := p.serve(ctx, conn)
	p.opts.Metrics.ObserveRequest(outcome, time.Since(start))
	zerolog.Ctx(ctx).UpdateContext(func(c zerolog.Context) zerolog.Context {
		return c.Str("outcome", outcome)
	})
}

func (p *ProxyHandler) serve(ctx context.Context, conn net.Conn) string {
	log := zerolog.Ctx(ctx)

	conn.SetReadDeadline(time.Now().Add(p.opts.ReadTimeout))
	raw, err := httpreq.ReadRequest(conn, p.opts.MaxRequestBytes)
	if err != nil {
		switch {
		case err == io.EOF:
			log.Debug().Msg("client closed before sending a request")
		case errors.Cause(err) == httpreq.ErrTooLarge:
			log.Warn().Int("limit", p.opts.MaxRequestBytes).Msg("request too large")
			p.sendError(ctx, conn, http.StatusBadRequest)
			return metrics.OutcomeRejected
		case len(raw) > 0:
			// The head never ended but the socket can still carry a reply.
			log.Warn().Err(err).Int("bytes", len(raw)).Msg("incomplete request")
			p.sendError(ctx, conn, http.StatusBadRequest)
			return metrics.OutcomeRejected
		default:
			log.Warn().Err(err).Msg("reading request")
			p.sendError(ctx, conn, http.StatusInternalServerError)
		}
		return metrics.OutcomeError
	}
	conn.SetReadDeadline(time.Time{})

	req, err := httpreq.Parse(raw)
	if err == nil {
		err = req.Validate()
	}
	if err != nil {
		log.Warn().Err(err).Msg("rejecting request")
		p.sendError(ctx, conn, httpreq.StatusOf(err))
		return metrics.OutcomeRejected
	}
	log.UpdateContext(func(c zerolog.Context) zerolog.Context {
		return c.Str("method", req.Method).Str("target", req.Target)
	})

	if p.opts.Blocklist != nil && p.opts.Blocklist.IsBlocked(req.Host) {
		log.Info().Str("host", req.Host).Msg("host is blocked")
		p.sendError(ctx, conn, http.StatusForbidden)
		return metrics.OutcomeBlocked
	}

	// The cache is keyed by the exact request bytes.
	key := string(raw)
	if payload, ok := p.Cache.Get(key); ok {
		n, err := p.write(conn, payload)
		p.opts.Metrics.AddClientBytes(n)
		if err != nil {
			log.Warn().Err(err).Msg("sending cached response")
			return metrics.OutcomeError
		}
		log.Debug().Int("bytes", len(payload)).Msg("cache hit")
		return metrics.OutcomeHit
	}

	req.PrepareForward()
	res, err := p.Forwarder.Forward(ctx, req.Addr(), req.Bytes(), conn)
	if res != nil {
		p.opts.Metrics.AddOriginBytes(res.Received)
		p.opts.Metrics.AddClientBytes(res.Relayed)
	}
	if err != nil {
		log.Error().Err(err).Str("origin", req.Addr()).Msg("forwarding request")
		// Once part of a response is out the connection can only be cut.
		if res == nil || res.Relayed == 0 {
			p.sendError(ctx, conn, http.StatusInternalServerError)
		}
		return metrics.OutcomeError
	}

	if res.Payload != nil {
		if err := p.Cache.Put(key, res.Payload); err != nil {
			log.Debug().Err(err).Msg("response not cached")
		}
	}
	log.Debug().Int64("bytes", res.Received).Bool("cached", res.Payload != nil).Msg("cache miss")
	return metrics.OutcomeMiss
}

// write sends b in chunks, each under its own deadline.
func (p *ProxyHandler) write(conn net.Conn, b []byte) (int64, error) {
	var written int64
	for len(b) > 0 {
		chunk := b
		if len(chunk) > origin.ReadChunk {
			chunk = chunk[:origin.ReadChunk]
		}
		conn.SetWriteDeadline(time.Now().Add(p.opts.WriteTimeout))
		n, err := conn.Write(chunk)
		written += int64(n)
		if err != nil {
			return written, err
		}
		b = b[n:]
	}
	return written, nil
}

func (p *ProxyHandler) sendError(ctx context.Context, conn net.Conn, code int) {
	conn.SetWriteDeadline(time.Now().Add(p.opts.WriteTimeout))
	if err := response.WriteError(conn, code); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Int("status", code).Msg("sending error page")
	}
}
