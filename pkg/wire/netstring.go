// Package wire implements the "session" worker protocol header block: a single
// netstring whose payload is a sequence of NUL-terminated key/value pairs.
//
//	<len>:KEY1\0VALUE1\0KEY2\0VALUE2\0,
package wire

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
)

// MaxHeaderBlockSize bounds the payload accepted by DecodeHeaders.
const MaxHeaderBlockSize = 1 << 20

// Header is one key/value pair of the header block. Order is preserved.
type Header struct {
	Key   string
	Value string
}

// EncodeHeaders serializes headers into a netstring.
func EncodeHeaders(headers []Header) []byte {
	size := 0
	for _, h := range headers {
		size += len(h.Key) + len(h.Value) + 2
	}
	prefix := strconv.Itoa(size)
	buf := make([]byte, 0, len(prefix)+size+2)
	buf = append(buf, prefix...)
	buf = append(buf, ':')
	for _, h := range headers {
		buf = append(buf, h.Key...)
		buf = append(buf, 0)
		buf = append(buf, h.Value...)
		buf = append(buf, 0)
	}
	return append(buf, ',')
}

// WriteHeaders writes the encoded header block to w in one call.
func WriteHeaders(w io.Writer, headers []Header) error {
	_, err := w.Write(EncodeHeaders(headers))
	return err
}

// DecodeHeaders reads one header block from r.
func DecodeHeaders(r *bufio.Reader) ([]Header, error) {
	lenStr, err := r.ReadString(':')
	if err != nil {
		return nil, fmt.Errorf("reading netstring length: %w", err)
	}
	lenStr = lenStr[:len(lenStr)-1]
	if lenStr == "" || len(lenStr) > 10 {
		return nil, fmt.Errorf("invalid netstring length %q", lenStr)
	}
	size, err := strconv.Atoi(lenStr)
	if err != nil || size < 0 {
		return nil, fmt.Errorf("invalid netstring length %q", lenStr)
	}
	if size > MaxHeaderBlockSize {
		return nil, fmt.Errorf("header block of %d bytes exceeds limit", size)
	}

	payload := make([]byte, size+1)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("reading netstring payload: %w", err)
	}
	if payload[size] != ',' {
		return nil, fmt.Errorf("netstring not terminated by ','")
	}
	return ParseHeaderPayload(payload[:size])
}

// ParseHeaderPayload splits a NUL-separated payload into headers.
func ParseHeaderPayload(payload []byte) ([]Header, error) {
	var headers []Header
	for len(payload) > 0 {
		k := bytes.IndexByte(payload, 0)
		if k < 0 {
			return nil, fmt.Errorf("unterminated header key")
		}
		key := string(payload[:k])
		payload = payload[k+1:]
		v := bytes.IndexByte(payload, 0)
		if v < 0 {
			return nil, fmt.Errorf("unterminated value for header %q", key)
		}
		headers = append(headers, Header{Key: key, Value: string(payload[:v])})
		payload = payload[v+1:]
	}
	return headers, nil
}

// Lookup returns the first value stored under key.
func Lookup(headers []Header, key string) (string, bool) {
	for _, h := range headers {
		if h.Key == key {
			return h.Value, true
		}
	}
	return "", false
}

// Personal.AI order the ending
