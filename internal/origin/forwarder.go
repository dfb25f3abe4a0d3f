// Package origin sends rewritten requests to origin servers and relays their
// responses.
package origin

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ReadChunk is the size of each read from the origin.
const ReadChunk = 4 << 10

var (
	// ErrConnect means the origin could not be resolved or connected to.
	ErrConnect = errors.New("cannot connect to origin")
	// ErrOrigin means the origin failed after the connection was made.
	ErrOrigin = errors.New("origin failed")
)

type Options struct {
	DialTimeout time.Duration
	// IdleTimeout bounds every single read and write on either side.
	IdleTimeout time.Duration
	// MaxPayload bounds the copy kept for caching. Responses past it are
	// still relayed but not kept.
	MaxPayload int64
}

// Forwarder relays one request per origin connection.
type Forwarder struct {
	dialer     *net.Dialer
	idle       time.Duration
	maxPayload int64
	log        zerolog.Logger
}

func NewForwarder(opts Options, log zerolog.Logger) *Forwarder {
	return &Forwarder{
		dialer:     &net.Dialer{Timeout: opts.DialTimeout},
		idle:       opts.IdleTimeout,
		maxPayload: opts.MaxPayload,
		log:        log,
	}
}

// Result describes a finished relay.
type Result struct {
	// Payload is the complete origin response, or nil when it must not be
	// cached (empty, too large, or cut short).
	Payload []byte
	// Received counts bytes read from the origin.
	Received int64
	// Relayed counts bytes delivered to the client.
	Relayed int64
	// ClientErr is the first failed write to the client. Reading from the
	// origin continues after it while the copy can still be cached.
	ClientErr error
	// Truncated is set when the response outgrew MaxPayload.
	Truncated bool
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Forward dials addr, sends request and streams the response to client as it
// arrives while keeping a copy of it.
//
// A non-nil Result is returned whenever the origin was reached, even together
// with an error; callers use Result.Relayed to tell whether the client has
// already seen part of a response.
func (f *Forwarder) Forward(ctx context.Context, addr string, request []byte, client io.Writer) (*Result, error) {
	conn, err := f.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(ErrConnect, "%s: %v", addr, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	res := &Result{}
	conn.SetWriteDeadline(time.Now().Add(f.idle))
	if _, err := conn.Write(request); err != nil {
		return res, errors.Wrapf(ErrOrigin, "sending request to %s: %v", addr, err)
	}

	clientDeadline, _ := client.(writeDeadliner)
	var acc []byte
	chunk := make([]byte, ReadChunk)
	for {
		conn.SetReadDeadline(time.Now().Add(f.idle))
		n, rerr := conn.Read(chunk)
		if n > 0 {
			res.Received += int64(n)
			if !res.Truncated {
				if int64(len(acc)+n) > f.maxPayload {
					acc, res.Truncated = nil, true
				} else {
					acc = append(acc, chunk[:n]...)
				}
			}
			if res.ClientErr == nil {
				if clientDeadline != nil {
					clientDeadline.SetWriteDeadline(time.Now().Add(f.idle))
				}
				w, werr := client.Write(chunk[:n])
				res.Relayed += int64(w)
				if werr != nil {
					res.ClientErr = werr
					f.log.Warn().Err(werr).Str("origin", addr).Int64("relayed", res.Relayed).
						Msg("client write failed, still reading origin")
				}
			}
		}
		if res.Truncated && res.ClientErr != nil {
			// Nobody is left to receive the rest and it cannot be cached.
			f.log.Debug().Str("origin", addr).Int64("received", res.Received).Msg("abandoning origin response")
			break
		}
		if rerr == io.EOF || (n == 0 && rerr == nil) {
			break
		}
		if rerr != nil {
			return res, errors.Wrapf(ErrOrigin, "reading from %s after %d bytes: %v", addr, res.Received, rerr)
		}
	}

	if res.Received == 0 {
		return res, errors.Wrapf(ErrOrigin, "%s closed without a response", addr)
	}
	if !res.Truncated {
		res.Payload = acc
	}
	return res, nil
}
