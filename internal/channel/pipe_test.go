package channel

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipe_RoundTripThroughSpillFile(t *testing.T) {
	loop := newTestLoop(t)
	cfg := testConfig(t)
	cfg.Threshold = 64 * 1024
	p := NewPipe(loop, cfg)
	defer p.Close()

	payload := make([]byte, 1<<20)
	rand.New(rand.NewSource(42)).Read(payload)

	errCh := make(chan error, 1)
	go func() {
		for off := 0; off < len(payload); off += 4096 {
			if _, err := p.Write(payload[off : off+4096]); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- p.CloseWrite()
	}()

	got, err := io.ReadAll(p)
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	assert.True(t, bytes.Equal(payload, got), "payload mismatch")
}

func TestPipe_WriteTo(t *testing.T) {
	loop := newTestLoop(t)
	p := NewPipe(loop, testConfig(t))
	defer p.Close()

	go func() {
		_, _ = p.Write([]byte("hello "))
		_, _ = p.Write([]byte("world"))
		_ = p.CloseWrite()
	}()

	var out bytes.Buffer
	n, err := p.WriteTo(&out)
	require.NoError(t, err)
	assert.Equal(t, int64(11), n)
	assert.Equal(t, "hello world", out.String())
}

func TestPipe_CloseWithError(t *testing.T) {
	loop := newTestLoop(t)
	p := NewPipe(loop, testConfig(t))
	defer p.Close()

	boom := errors.New("upstream reset")
	_, err := p.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, p.CloseWithError(boom))

	buf := make([]byte, 2)
	n, err := p.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(buf[:n]))

	n, err = p.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "c", string(buf[:n]))

	_, err = p.Read(buf)
	assert.ErrorIs(t, err, boom)

	_, err = p.Write([]byte("late"))
	assert.Error(t, err)
}

func TestPipe_CloseUnblocksWriter(t *testing.T) {
	loop := newTestLoop(t)
	cfg := testConfig(t)
	cfg.Threshold = 8
	cfg.DelayInFileModeSwitching = 1 << 40
	p := NewPipe(loop, cfg)

	_, err := p.Write(bytes.Repeat([]byte("x"), 16))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := p.Write([]byte("blocked"))
		done <- err
	}()

	require.NoError(t, p.Close())
	assert.ErrorIs(t, <-done, io.ErrClosedPipe)
}
