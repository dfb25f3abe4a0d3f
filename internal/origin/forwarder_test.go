package origin

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// startOrigin runs serve for every connection accepted on a loopback port.
func startOrigin(t *testing.T, serve func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("origin listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				serve(conn)
			}()
		}
	}()
	return ln.Addr().String()
}

// readHead consumes the request head the forwarder sent.
func readHead(conn net.Conn) string {
	var buf []byte
	chunk := make([]byte, 512)
	for !bytes.Contains(buf, []byte("\r\n\r\n")) {
		n, err := conn.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			break
		}
	}
	return string(buf)
}

func newTestForwarder(maxPayload int64) *Forwarder {
	return NewForwarder(Options{
		DialTimeout: time.Second,
		IdleTimeout: time.Second,
		MaxPayload:  maxPayload,
	}, zerolog.Nop())
}

const request = "GET /x HTTP/1.1\r\nHost: origin\r\nConnection: close\r\n\r\n"

func TestForwardRelaysAndKeepsCopy(t *testing.T) {
	body := "HTTP/1.1 200 OK\r\nContent-Length: 5000\r\n\r\n" + strings.Repeat("z", 5000)
	got := make(chan string, 1)
	addr := startOrigin(t, func(conn net.Conn) {
		got <- readHead(conn)
		io.WriteString(conn, body)
	})

	var client bytes.Buffer
	res, err := newTestForwarder(1<<20).Forward(context.Background(), addr, []byte(request), &client)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if sent := <-got; sent != request {
		t.Errorf("origin received %q", sent)
	}
	if client.String() != body {
		t.Errorf("client received %d bytes, want %d", client.Len(), len(body))
	}
	if string(res.Payload) != body {
		t.Errorf("payload has %d bytes, want %d", len(res.Payload), len(body))
	}
	if res.Received != int64(len(body)) || res.Relayed != int64(len(body)) {
		t.Errorf("unexpected counters %+v", res)
	}
}

// signalWriter reports its first write on a channel.
type signalWriter struct {
	bytes.Buffer
	once  sync.Once
	first chan struct{}
}

func (w *signalWriter) Write(p []byte) (int, error) {
	n, err := w.Buffer.Write(p)
	w.once.Do(func() { close(w.first) })
	return n, err
}

func TestForwardStreamsBeforeOriginFinishes(t *testing.T) {
	client := &signalWriter{first: make(chan struct{})}
	addr := startOrigin(t, func(conn net.Conn) {
		readHead(conn)
		io.WriteString(conn, "HTTP/1.0 200 OK\r\n\r\nfirst;")
		// The rest is only sent once the client has seen the first part.
		select {
		case <-client.first:
		case <-time.After(2 * time.Second):
			return
		}
		io.WriteString(conn, "second")
	})

	res, err := newTestForwarder(1<<20).Forward(context.Background(), addr, []byte(request), client)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	want := "HTTP/1.0 200 OK\r\n\r\nfirst;second"
	if client.String() != want || string(res.Payload) != want {
		t.Errorf("client=%q payload=%q", client.String(), res.Payload)
	}
}

type failingWriter struct{ writes int }

func (w *failingWriter) Write(p []byte) (int, error) {
	w.writes++
	return 0, errors.New("broken pipe")
}

func TestForwardKeepsReadingAfterClientFailure(t *testing.T) {
	body := strings.Repeat("r", 3*ReadChunk)
	addr := startOrigin(t, func(conn net.Conn) {
		readHead(conn)
		io.WriteString(conn, body)
	})

	client := &failingWriter{}
	res, err := newTestForwarder(1<<20).Forward(context.Background(), addr, []byte(request), client)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if res.ClientErr == nil {
		t.Error("expected the client error to be reported")
	}
	if client.writes != 1 {
		t.Errorf("expected writing to stop after the first failure, got %d writes", client.writes)
	}
	if string(res.Payload) != body {
		t.Errorf("expected full payload despite client failure, got %d bytes", len(res.Payload))
	}
}

func TestForwardStopsWhenNothingIsLeftToDo(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	addr := startOrigin(t, func(conn net.Conn) {
		readHead(conn)
		io.WriteString(conn, strings.Repeat("s", 3*ReadChunk))
		<-release
	})

	// The origin never closes, so only giving up early avoids the idle
	// timeout error.
	client := &failingWriter{}
	res, err := newTestForwarder(ReadChunk).Forward(context.Background(), addr, []byte(request), client)
	if err != nil {
		t.Fatalf("expected to stop without waiting for the origin, got %v", err)
	}
	if !res.Truncated || res.ClientErr == nil || res.Payload != nil {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestForwardDropsOversizedCopy(t *testing.T) {
	body := strings.Repeat("b", 10000)
	addr := startOrigin(t, func(conn net.Conn) {
		readHead(conn)
		io.WriteString(conn, body)
	})

	var client bytes.Buffer
	res, err := newTestForwarder(1024).Forward(context.Background(), addr, []byte(request), &client)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if !res.Truncated || res.Payload != nil {
		t.Errorf("expected no payload for an oversized response, got %d bytes", len(res.Payload))
	}
	if client.String() != body {
		t.Errorf("client must still receive the whole response, got %d bytes", client.Len())
	}
}

func TestForwardConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	res, err := newTestForwarder(1024).Forward(context.Background(), addr, []byte(request), io.Discard)
	if errors.Cause(err) != ErrConnect {
		t.Fatalf("expected ErrConnect, got %v", err)
	}
	if res != nil {
		t.Errorf("expected no result, got %+v", res)
	}
}

func TestForwardEmptyResponse(t *testing.T) {
	addr := startOrigin(t, func(conn net.Conn) {
		readHead(conn)
	})

	res, err := newTestForwarder(1024).Forward(context.Background(), addr, []byte(request), io.Discard)
	if errors.Cause(err) != ErrOrigin {
		t.Fatalf("expected ErrOrigin, got %v", err)
	}
	if res.Relayed != 0 {
		t.Errorf("nothing should have been relayed, got %d", res.Relayed)
	}
}

func TestForwardIdleOriginTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	addr := startOrigin(t, func(conn net.Conn) {
		readHead(conn)
		io.WriteString(conn, "HTTP/1.1 200 OK\r\n")
		<-release
	})

	f := NewForwarder(Options{DialTimeout: time.Second, IdleTimeout: 100 * time.Millisecond, MaxPayload: 1024}, zerolog.Nop())
	var client bytes.Buffer
	res, err := f.Forward(context.Background(), addr, []byte(request), &client)
	if errors.Cause(err) != ErrOrigin {
		t.Fatalf("expected ErrOrigin after the idle timeout, got %v", err)
	}
	if res.Relayed == 0 || res.Payload != nil {
		t.Errorf("expected partial relay and no payload, got %+v", res)
	}
}
