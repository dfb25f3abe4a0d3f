// Package response builds the fixed error pages the proxy sends to clients.
package response

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrUnsupportedStatus is returned for codes without an error page.
var ErrUnsupportedStatus = errors.New("no error page for status")

var supported = map[int]bool{
	http.StatusBadRequest:              true,
	http.StatusForbidden:               true,
	http.StatusNotFound:                true,
	http.StatusInternalServerError:     true,
	http.StatusNotImplemented:          true,
	http.StatusHTTPVersionNotSupported: true,
}

// Supported reports whether code has an error page.
func Supported(code int) bool { return supported[code] }

func body(code int) string {
	title := strconv.Itoa(code) + " " + http.StatusText(code)
	return "<html><head><title>" + title + "</title></head>\n" +
		"<body><h1>" + title + "</h1></body></html>\n"
}

// Error renders the complete response for code, dated now.
func Error(code int, now time.Time) ([]byte, error) {
	if !supported[code] {
		return nil, errors.Wrapf(ErrUnsupportedStatus, "%d", code)
	}
	b := body(code)

	var sb strings.Builder
	fmt.Fprintf(&sb, "HTTP/1.1 %d %s\r\n", code, http.StatusText(code))
	fmt.Fprintf(&sb, "Content-Length: %d\r\n", len(b))
	sb.WriteString("Connection: keep-alive\r\n")
	sb.WriteString("Content-Type: text/html\r\n")
	fmt.Fprintf(&sb, "Date: %s\r\n", now.UTC().Format(http.TimeFormat))
	sb.WriteString("\r\n")
	sb.WriteString(b)
	return []byte(sb.String()), nil
}

// WriteError sends the error page for code to w.
func WriteError(w io.Writer, code int) error {
	page, err := Error(code, time.Now())
	if err != nil {
		return err
	}
	if _, err := w.Write(page); err != nil {
		return errors.Wrapf(err, "sending %d", code)
	}
	return nil
}
