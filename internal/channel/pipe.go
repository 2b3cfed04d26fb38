package channel

import (
	"io"
	"sync"

	"github.com/turtacn/Portus/internal/evloop"
)

type chunk struct {
	data []byte
	eof  bool
	err  error
}

// Pipe connects a producer goroutine and a consumer goroutine through a
// FileBufferedChannel. Write blocks while the channel holds more than its
// threshold in memory, so a fast producer is throttled by the spill writer
// instead of growing the heap.
//
// Neither side may run on the loop itself.
type Pipe struct {
	loop *evloop.Loop
	ch   *FileBufferedChannel

	chunks    chan chunk
	closed    chan struct{}
	closeOnce sync.Once
	cur       *chunk

	mu       sync.Mutex
	cond     *sync.Cond
	pressure bool
	werr     error
}

// NewPipe creates a pipe whose channel lives on loop. cfg.AutoStartMover is
// forced on.
func NewPipe(loop *evloop.Loop, cfg Config) *Pipe {
	cfg.AutoStartMover = true
	p := &Pipe{
		loop:   loop,
		ch:     NewFileBufferedChannel(loop, cfg),
		chunks: make(chan chunk, 1),
		closed: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	p.ch.SetDataCallback(p.onData)
	p.ch.SetBuffersFlushedCallback(p.update)
	p.ch.SetDataFlushedCallback(p.update)
	return p
}

// onData hands buf to the consumer goroutine. At most one chunk is
// outstanding, so the send never blocks the loop.
func (p *Pipe) onData(buf []byte, err error) Result {
	if len(buf) == 0 {
		p.chunks <- chunk{eof: true, err: err}
		p.update()
		return Result{}
	}
	p.chunks <- chunk{data: buf}
	return Async
}

// update publishes the channel state to blocked writers. Runs on the loop.
func (p *Pipe) update() {
	p.mu.Lock()
	p.pressure = p.ch.PassedThreshold()
	switch p.ch.Mode() {
	case ModeError, ModeErrorWaiting:
		if p.werr == nil {
			p.werr = p.ch.Err()
		}
	default:
		if p.ch.Ended() && p.werr == nil {
			p.werr = io.ErrClosedPipe
		}
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Write queues a copy of b.
func (p *Pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	for p.pressure && p.werr == nil {
		p.cond.Wait()
	}
	err := p.werr
	p.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if len(b) == 0 {
		return 0, nil
	}

	buf := append([]byte(nil), b...)
	if err := p.loop.Call(func() {
		p.ch.Feed(buf)
		p.update()
	}); err != nil {
		return 0, err
	}
	return len(b), nil
}

// CloseWrite ends the stream. The consumer sees io.EOF after the last byte.
func (p *Pipe) CloseWrite() error {
	return p.loop.Call(func() {
		p.ch.Feed(nil)
		p.update()
	})
}

// CloseWithError ends the stream with err instead of io.EOF.
func (p *Pipe) CloseWithError(err error) error {
	if err == nil {
		return p.CloseWrite()
	}
	return p.loop.Call(func() {
		p.ch.FeedError(err)
		p.update()
	})
}

func (p *Pipe) next() (*chunk, bool) {
	if p.cur != nil {
		return p.cur, true
	}
	select {
	case c := <-p.chunks:
		p.cur = &c
		return p.cur, true
	case <-p.closed:
		return nil, false
	}
}

func (p *Pipe) consumed(n int, end bool) {
	p.cur = nil
	p.loop.Post(func() {
		p.ch.Consumed(n, end)
		p.update()
	})
}

// Read implements io.Reader for the consumer side. A short read leaves the
// rest of the buffer in the channel for the next call.
func (p *Pipe) Read(b []byte) (int, error) {
	c, ok := p.next()
	if !ok {
		return 0, io.ErrClosedPipe
	}
	if c.eof {
		if c.err != nil {
			return 0, c.err
		}
		return 0, io.EOF
	}
	if len(b) == 0 {
		return 0, nil
	}
	n := copy(b, c.data)
	p.consumed(n, false)
	return n, nil
}

// WriteTo drains the pipe into w until end of stream.
func (p *Pipe) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for {
		c, ok := p.next()
		if !ok {
			return total, io.ErrClosedPipe
		}
		if c.eof {
			return total, c.err
		}
		n, err := w.Write(c.data)
		total += int64(n)
		if err != nil {
			p.consumed(n, true)
			return total, err
		}
		p.consumed(n, false)
	}
}

// Close tears the channel down. Blocked writers return io.ErrClosedPipe.
func (p *Pipe) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		_ = p.loop.Call(p.ch.Deinitialize)
		p.mu.Lock()
		if p.werr == nil {
			p.werr = io.ErrClosedPipe
		}
		p.mu.Unlock()
		p.cond.Broadcast()
	})
	return nil
}

// Inspect returns the state of the underlying channel.
func (p *Pipe) Inspect() Snapshot {
	var s Snapshot
	_ = p.loop.Call(func() { s = p.ch.Inspect() })
	return s
}

// Personal.AI order the ending
