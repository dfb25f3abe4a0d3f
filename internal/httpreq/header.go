package httpreq

import (
	"bytes"
	"io"
	"strings"
)

// Field is a single header line.
type Field struct {
	Name  string
	Value string
}

// Header is an ordered header set. Names are compared exactly as received;
// setting a name that is already present overwrites it in place.
type Header struct {
	fields []Field
}

func (h *Header) index(name string) int {
	for i, f := range h.fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Get returns the value of the first field called name.
func (h *Header) Get(name string) (string, bool) {
	if i := h.index(name); i >= 0 {
		return h.fields[i].Value, true
	}
	return "", false
}

// getFold is Get with a case-insensitive name match.
func (h *Header) getFold(name string) (string, bool) {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

// Set stores value under name, keeping the position of an existing field.
func (h *Header) Set(name, value string) {
	if i := h.index(name); i >= 0 {
		h.fields[i].Value = value
		return
	}
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// setFold is Set with a case-insensitive name match. The existing name is
// kept as received.
func (h *Header) setFold(name, value string) {
	for i, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			h.fields[i].Value = value
			return
		}
	}
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// Add appends a field without looking for an existing one.
func (h *Header) Add(name, value string) {
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// Del removes every field called name and reports whether any existed.
func (h *Header) Del(name string) bool {
	kept := h.fields[:0]
	for _, f := range h.fields {
		if f.Name != name {
			kept = append(kept, f)
		}
	}
	removed := len(kept) != len(h.fields)
	h.fields = kept
	return removed
}

func (h *Header) Len() int { return len(h.fields) }

// Fields returns a copy of the fields in insertion order.
func (h *Header) Fields() []Field {
	out := make([]Field, len(h.fields))
	copy(out, h.fields)
	return out
}

// size is the number of bytes WriteTo produces, blank line included.
func (h *Header) size() int {
	n := 2
	for _, f := range h.fields {
		n += len(f.Name) + 2 + len(f.Value) + 2
	}
	return n
}

// WriteTo writes every field as "Name: Value\r\n" followed by the blank line.
func (h *Header) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	buf.Grow(h.size())
	for _, f := range h.fields {
		buf.WriteString(f.Name)
		buf.WriteString(": ")
		buf.WriteString(f.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	return buf.WriteTo(w)
}
