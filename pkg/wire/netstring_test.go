package wire

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeHeaders_Format(t *testing.T) {
	got := EncodeHeaders([]Header{
		{Key: "REQUEST_METHOD", Value: "GET"},
		{Key: "CONTENT_LENGTH", Value: "5"},
	})
	want := "36:REQUEST_METHOD\x00GET\x00CONTENT_LENGTH\x005\x00,"
	assert.Equal(t, want, string(got))
}

func TestHeaders_RoundTrip(t *testing.T) {
	headers := []Header{
		{Key: "REQUEST_METHOD", Value: "POST"},
		{Key: "PATH_INFO", Value: "/upload"},
		{Key: "QUERY_STRING", Value: ""},
		{Key: "HTTP_X_FORWARDED_FOR", Value: "10.0.0.1, 10.0.0.2"},
		{Key: "!~FLAGS", Value: "B"},
	}
	body := "trailing body bytes"
	stream := append(EncodeHeaders(headers), body...)

	r := bufio.NewReader(bytes.NewReader(stream))
	decoded, err := DecodeHeaders(r)
	require.NoError(t, err)
	if diff := cmp.Diff(headers, decoded); diff != "" {
		t.Errorf("headers mismatch (-want +got):\n%s", diff)
	}

	rest, err := r.ReadString(0)
	require.Error(t, err)
	assert.Equal(t, body, rest)

	v, ok := Lookup(decoded, "PATH_INFO")
	assert.True(t, ok)
	assert.Equal(t, "/upload", v)
}

func TestDecodeHeaders_Malformed(t *testing.T) {
	cases := map[string]string{
		"no colon":         "12",
		"bad length":       "x1:a\x00b\x00,",
		"short payload":    "10:a\x00b\x00,",
		"missing comma":    "4:a\x00b\x00;",
		"unterminated key": "1:a,",
		"missing value":    "2:a\x00,",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeHeaders(bufio.NewReader(strings.NewReader(input)))
			assert.Error(t, err)
		})
	}
}

func TestEncodeHeaders_Empty(t *testing.T) {
	assert.Equal(t, "0:,", string(EncodeHeaders(nil)))
	headers, err := DecodeHeaders(bufio.NewReader(strings.NewReader("0:,")))
	require.NoError(t, err)
	assert.Empty(t, headers)
}
