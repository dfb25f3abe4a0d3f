// Package proxy accepts client connections and runs each one through the
// read, cache, forward pipeline.
package proxy

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/ArunGautham-Soundarrajan/proxy-server/internal/admission"
)

const maxAcceptDelay = time.Second

// Listen opens a TCP listener on addr with SO_REUSEADDR set.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listening on %s", addr)
	}
	return ln, nil
}

// Server hands every accepted connection to its own goroutine. At most
// slots.Capacity() of them run the handler at a time; the rest wait.
type Server struct {
	handler Handler
	slots   *admission.Controller
	log     zerolog.Logger

	// base is the context handed to workers. It is cancelled only when
	// Shutdown gives up waiting.
	base   context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	closing   atomic.Bool
	workers   sync.WaitGroup
}

func NewServer(h Handler, slots *admission.Controller, log zerolog.Logger) *Server {
	base, cancel := context.WithCancel(context.Background())
	return &Server{
		handler:   h,
		slots:     slots,
		log:       log,
		base:      base,
		cancel:    cancel,
		listeners: make(map[net.Listener]struct{}),
	}
}

// Serve accepts connections on ln until ln is closed, ctx is cancelled or
// Shutdown is called. It then returns nil; in-flight connections carry on.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if !s.track(ln) {
		ln.Close()
		return nil
	}
	defer s.untrack(ln)

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.log.Debug().Str("addr", ln.Addr().String()).Int("max_clients", s.slots.Capacity()).Msg("accepting connections")

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closing.Load() || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
			}
			if delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			s.log.Error().Err(err).Dur("retry_in", delay).Msg("accept failed")
			time.Sleep(delay)
			continue
		}
		delay = 0

		if !s.startWorker() {
			conn.Close()
			return nil
		}
		go s.worker(conn)
	}
}

func (s *Server) worker(conn net.Conn) {
	defer s.workers.Done()
	defer conn.Close()

	// Closing the conn unblocks reads the handler is waiting on.
	stop := context.AfterFunc(s.base, func() { conn.Close() })
	defer stop()

	if !s.slots.TryAcquire() {
		s.log.Debug().
			Str("remote", conn.RemoteAddr().String()).
			Int("active", s.slots.Active()).
			Msg("waiting for a free slot")
		if err := s.slots.Acquire(s.base); err != nil {
			return
		}
	}
	defer s.slots.Release()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Interface("panic", r).
				Str("remote", conn.RemoteAddr().String()).
				Msg("connection handler panicked")
		}
	}()

	s.handler.ServeConn(s.base, conn)
}

// Shutdown stops accepting and waits for in-flight connections. If ctx ends
// first, the remaining connections are aborted and ctx.Err() is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing.Store(true)
	for ln := range s.listeners {
		ln.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

// startWorker registers a worker unless Shutdown has begun, so that no Add
// races the Wait in Shutdown.
func (s *Server) startWorker() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.workers.Add(1)
	return true
}

func (s *Server) track(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.listeners[ln] = struct{}{}
	return true
}

func (s *Server) untrack(ln net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, ln)
}
