package httpreq

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
)

// ReadChunk is the size of each read from the client.
const ReadChunk = 4 << 10

var headEnd = []byte("\r\n\r\n")

// ReadRequest reads a request head from r into a growing buffer until the
// blank line that ends the headers, the end of input, or limit bytes.
//
// The returned bytes end right after the blank line; anything the client sent
// past it is dropped. When the peer closes before the blank line the partial
// bytes are returned and Parse reports them as incomplete. A peer that closes
// without sending anything yields io.EOF. Any other read failure, a timeout
// included, is returned together with whatever had arrived before it.
func ReadRequest(r io.Reader, limit int) ([]byte, error) {
	buf := make([]byte, 0, ReadChunk)
	chunk := make([]byte, ReadChunk)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			// The terminator may straddle two reads.
			from := len(buf) - len(headEnd) + 1
			if from < 0 {
				from = 0
			}
			buf = append(buf, chunk[:n]...)
			if i := bytes.Index(buf[from:], headEnd); i >= 0 {
				end := from + i + len(headEnd)
				if end > limit {
					return nil, ErrTooLarge
				}
				return buf[:end], nil
			}
			if len(buf) > limit {
				return nil, ErrTooLarge
			}
		}
		if err == io.EOF {
			if len(buf) == 0 {
				return nil, io.EOF
			}
			return buf, nil
		}
		if err != nil {
			return buf, errors.Wrap(err, "reading request")
		}
	}
}
