package channel

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/turtacn/Portus/internal/evloop"
	"github.com/turtacn/Portus/internal/monitor"
	perrors "github.com/turtacn/Portus/pkg/errors"
	"github.com/turtacn/Portus/pkg/logger"
)

// Mode is the buffering mode of a FileBufferedChannel.
type Mode int

const (
	ModeInMemory Mode = iota
	ModeInFile
	// ModeError: an error was delivered to the consumer.
	ModeError
	// ModeErrorWaiting: an error is pending until the consumer is ready for data.
	ModeErrorWaiting
	// ModeEOF: the reader delivered end-of-stream or the consumer ended the channel.
	ModeEOF
)

func (m Mode) String() string {
	switch m {
	case ModeInMemory:
		return "IN_MEMORY"
	case ModeInFile:
		return "IN_FILE"
	case ModeError:
		return "ERROR"
	case ModeErrorWaiting:
		return "ERROR_WAITING"
	case ModeEOF:
		return "EOF"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

type ReaderState int

const (
	ReaderInactive ReaderState = iota
	ReaderFeeding
	ReaderFeedingEOF
	ReaderWaitingForChannelIdle
	ReaderWaitingForFileIO
	ReaderTerminated
)

func (s ReaderState) String() string {
	switch s {
	case ReaderInactive:
		return "INACTIVE"
	case ReaderFeeding:
		return "FEEDING"
	case ReaderFeedingEOF:
		return "FEEDING_EOF"
	case ReaderWaitingForChannelIdle:
		return "WAITING_FOR_CHANNEL_IDLE"
	case ReaderWaitingForFileIO:
		return "WAITING_FOR_FILE_IO"
	case ReaderTerminated:
		return "TERMINATED"
	}
	return fmt.Sprintf("ReaderState(%d)", int(s))
}

type WriterState int

const (
	WriterInactive WriterState = iota
	WriterCreatingFile
	WriterMoving
	WriterTruncating
	WriterTerminated
)

func (s WriterState) String() string {
	switch s {
	case WriterInactive:
		return "INACTIVE"
	case WriterCreatingFile:
		return "CREATING_FILE"
	case WriterMoving:
		return "MOVING"
	case WriterTruncating:
		return "TRUNCATING"
	case WriterTerminated:
		return "TERMINATED"
	}
	return fmt.Sprintf("WriterState(%d)", int(s))
}

// entry is one fed buffer. An eof entry ends the stream, with err when the
// producer failed.
type entry struct {
	data []byte
	eof  bool
	err  error
}

// ioTask is the handle of one goroutine doing file I/O for the channel. Its
// completion is posted to the loop and dropped when the task was canceled.
type ioTask struct {
	canceled bool
}

// spill is the state of IN_FILE mode.
type spill struct {
	file *os.File
	path string
	// readOffset is where the reader continues in the file.
	readOffset int64
	// written is the number of moved bytes the reader has not read yet. It goes
	// negative when the reader serves buffers straight from memory before the
	// writer moved them. readOffset+written is always the file size.
	written int64
	pending sync.WaitGroup
}

// release closes the file once all in-flight I/O on it has finished.
func (s *spill) release() {
	if s.file == nil {
		return
	}
	f := s.file
	s.file = nil
	go func() {
		s.pending.Wait()
		_ = f.Close()
	}()
}

// FileBufferedChannel is a Channel that never refuses input. Whatever the
// consumer cannot take right away is queued in memory and, above
// Config.Threshold, moved to an unlinked temporary file.
type FileBufferedChannel struct {
	Channel

	cfg         Config
	log         logger.Logger
	mode        Mode
	readerState ReaderState
	writerState WriterState
	generation  uint

	buffers       []entry
	bytesBuffered int
	ended         bool
	inFile        *spill
	err           error

	readerTask *ioTask
	writerTask *ioTask
	delayTask  *evloop.Task

	buffersFlushed func()
	dataFlushed    func()
}

// NewFileBufferedChannel creates a channel bound to loop. All further calls
// must happen on that loop.
func NewFileBufferedChannel(loop *evloop.Loop, cfg Config) *FileBufferedChannel {
	c := &FileBufferedChannel{
		Channel: newChannel(loop),
		cfg:     cfg,
		log:     logger.Log.With("component", "channel"),
	}
	c.Channel.consumedCallback = c.onChannelConsumed
	return c
}

func (c *FileBufferedChannel) SetDataCallback(cb DataCallback) { c.dataCallback = cb }

// SetBuffersFlushedCallback registers cb to run when the in-memory queue
// drains to empty while in IN_FILE mode.
func (c *FileBufferedChannel) SetBuffersFlushedCallback(cb func()) { c.buffersFlushed = cb }

// SetDataFlushedCallback registers cb to run when the reader has handed
// everything fed so far to the consumer.
func (c *FileBufferedChannel) SetDataFlushedCallback(cb func()) { c.dataFlushed = cb }

// Feed queues buf. Feeding an empty buffer ends the stream. Input after the
// end of the stream is ignored.
func (c *FileBufferedChannel) Feed(buf []byte) {
	if c.Ended() {
		return
	}
	if len(buf) == 0 {
		c.push(entry{eof: true})
	} else {
		c.push(entry{data: buf})
	}
}

// FeedError ends the stream with err once the consumer reached it.
func (c *FileBufferedChannel) FeedError(err error) {
	if c.Ended() {
		return
	}
	c.push(entry{eof: true, err: err})
}

func (c *FileBufferedChannel) push(e entry) {
	if e.eof {
		c.ended = true
	}
	c.buffers = append(c.buffers, e)
	c.bytesBuffered += len(e.data)

	if c.mode == ModeInMemory && c.PassedThreshold() {
		c.switchToInFileMode()
	} else if c.mode == ModeInFile && c.writerState == WriterInactive && c.cfg.AutoStartMover {
		c.moveNextBufferToFile()
	}

	if c.readerState == ReaderInactive {
		if c.Channel.acceptingInput() {
			c.readNext()
		} else {
			c.readerState = ReaderWaitingForChannelIdle
		}
	}
}

// Start resumes delivery on the next tick.
func (c *FileBufferedChannel) Start() { c.Channel.start() }

// Stop pauses delivery. It may be called from inside the data callback.
func (c *FileBufferedChannel) Stop() { c.Channel.stop() }

func (c *FileBufferedChannel) IsStarted() bool { return c.Channel.isStarted() }

// Consumed completes an asynchronous consumption started by returning Async
// from the data callback.
func (c *FileBufferedChannel) Consumed(n int, end bool) { c.Channel.consumed(n, end) }

// Reinitialize makes a deinitialized channel usable again.
func (c *FileBufferedChannel) Reinitialize() {
	c.Channel.reinitialize()
}

// Deinitialize cancels pending ticks and file I/O, drops all buffers and
// releases the spill file.
func (c *FileBufferedChannel) Deinitialize() {
	c.generation++
	c.cancelDelay()
	c.cancelReader()
	c.cancelWriter()
	if c.inFile != nil {
		c.inFile.release()
		c.inFile = nil
	}
	c.buffers = nil
	c.bytesBuffered = 0
	c.ended = false
	c.err = nil
	c.mode = ModeInMemory
	c.readerState = ReaderInactive
	c.writerState = WriterInactive
	c.Channel.deinitialize()
}

func (c *FileBufferedChannel) Mode() Mode               { return c.mode }
func (c *FileBufferedChannel) ReaderState() ReaderState { return c.readerState }
func (c *FileBufferedChannel) WriterState() WriterState { return c.writerState }
func (c *FileBufferedChannel) State() State             { return c.Channel.state }
func (c *FileBufferedChannel) Err() error               { return c.err }

// BytesBuffered is the number of bytes held in memory.
func (c *FileBufferedChannel) BytesBuffered() int { return c.bytesBuffered }

// BytesBufferedOnDisk is the number of moved bytes the reader has not read yet.
func (c *FileBufferedChannel) BytesBufferedOnDisk() int64 {
	if c.inFile == nil || c.inFile.written < 0 {
		return 0
	}
	return c.inFile.written
}

func (c *FileBufferedChannel) TotalBytesBuffered() int64 {
	return int64(c.bytesBuffered) + c.BytesBufferedOnDisk()
}

// PassedThreshold reports whether producers should hold back.
func (c *FileBufferedChannel) PassedThreshold() bool {
	return c.bytesBuffered >= c.cfg.Threshold
}

// Ended reports whether end-of-stream was fed, the consumer ended the
// channel, or an error terminated it.
func (c *FileBufferedChannel) Ended() bool {
	return c.ended || c.mode >= ModeError || c.Channel.ended()
}

// Snapshot is the JSON form of a channel's state.
type Snapshot struct {
	Mode                string `json:"mode"`
	ReaderState         string `json:"reader_state"`
	WriterState         string `json:"writer_state"`
	State               string `json:"state"`
	Buffers             int    `json:"buffers"`
	BytesBuffered       int    `json:"bytes_buffered"`
	BytesBufferedOnDisk int64  `json:"bytes_buffered_on_disk"`
	Started             bool   `json:"started"`
	Error               string `json:"error,omitempty"`
}

func (c *FileBufferedChannel) Inspect() Snapshot {
	s := Snapshot{
		Mode:                c.mode.String(),
		ReaderState:         c.readerState.String(),
		WriterState:         c.writerState.String(),
		State:               c.Channel.state.String(),
		Buffers:             len(c.buffers),
		BytesBuffered:       c.bytesBuffered,
		BytesBufferedOnDisk: c.BytesBufferedOnDisk(),
		Started:             c.IsStarted(),
	}
	if c.err != nil {
		s.Error = c.err.Error()
	}
	return s
}

/***** Reader *****/

func (c *FileBufferedChannel) readNext() {
	for {
		switch c.mode {
		case ModeInMemory:
			if !c.readNextFromMemory() {
				return
			}
		case ModeInFile:
			if !c.readNextInFileMode() {
				return
			}
		default:
			return
		}
	}
}

// readNextFromMemory delivers the head of the queue and reports whether the
// reader should go on right away.
func (c *FileBufferedChannel) readNextFromMemory() bool {
	if len(c.buffers) == 0 {
		c.readerState = ReaderInactive
		c.callDataFlushed()
		return false
	}
	e := c.buffers[0]
	c.buffers[0] = entry{}
	c.buffers = c.buffers[1:]
	c.bytesBuffered -= len(e.data)
	return c.deliver(e)
}

func (c *FileBufferedChannel) readNextInFileMode() bool {
	if c.inFile.written > 0 {
		c.readNextChunkFromFile()
		return false
	}
	e, ok := c.findBufferForReadProcessing()
	if !ok {
		c.readerState = ReaderInactive
		if c.cfg.AutoTruncateFile {
			c.switchToInMemoryMode()
		}
		c.callDataFlushed()
		return false
	}
	c.inFile.readOffset += int64(len(e.data))
	c.inFile.written -= int64(len(e.data))
	return c.deliver(e)
}

// findBufferForReadProcessing returns the in-memory buffer the reader is at
// while the writer has not moved it to the file yet.
func (c *FileBufferedChannel) findBufferForReadProcessing() (entry, bool) {
	target := -c.inFile.written
	var offset int64
	for _, e := range c.buffers {
		if offset == target {
			return e, true
		}
		offset += int64(len(e.data))
	}
	return entry{}, false
}

// deliver feeds e to the consumer and reports whether the reader may continue.
func (c *FileBufferedChannel) deliver(e entry) bool {
	generation := c.generation
	if e.eof {
		c.readerState = ReaderFeedingEOF
		final := ModeEOF
		if e.err != nil {
			c.err = e.err
			final = ModeError
			c.Channel.feedError(e.err)
		} else {
			c.Channel.feed(nil)
		}
		if generation != c.generation {
			return false
		}
		c.terminateReader(final)
		return false
	}

	c.readerState = ReaderFeeding
	c.Channel.feed(e.data)
	if generation != c.generation || c.mode >= ModeError {
		return false
	}
	return c.afterFeed()
}

func (c *FileBufferedChannel) afterFeed() bool {
	switch {
	case c.Channel.acceptingInput():
		return true
	case c.Channel.mayAcceptInputLater():
		c.readerState = ReaderWaitingForChannelIdle
		return false
	default:
		c.terminateReader(ModeEOF)
		return false
	}
}

func (c *FileBufferedChannel) readNextChunkFromFile() {
	size := int64(c.cfg.readChunkSize())
	if c.inFile.written < size {
		size = c.inFile.written
	}
	f := c.inFile
	offset := f.readOffset
	buf := make([]byte, size)
	task := &ioTask{}
	c.readerTask = task
	c.readerState = ReaderWaitingForFileIO

	f.pending.Add(1)
	file := f.file
	go func() {
		n, err := file.ReadAt(buf, offset)
		f.pending.Done()
		if err == io.EOF && n == len(buf) {
			err = nil
		}
		c.loop.Post(func() {
			if task.canceled {
				return
			}
			c.readerTask = nil
			c.onFileRead(buf[:n], err)
		})
	}()
}

func (c *FileBufferedChannel) onFileRead(buf []byte, err error) {
	if err != nil || len(buf) == 0 {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		c.setError(perrors.New(perrors.ErrCodeSpillReadFailed, "channel.read", "cannot read from spill file", err))
		return
	}
	if !c.Channel.acceptingInput() {
		// Paused meanwhile. The chunk is read again once the channel is idle.
		if c.Channel.mayAcceptInputLater() {
			c.readerState = ReaderWaitingForChannelIdle
		} else {
			c.terminateReader(ModeEOF)
		}
		return
	}
	c.inFile.readOffset += int64(len(buf))
	c.inFile.written -= int64(len(buf))
	if c.deliver(entry{data: buf}) {
		c.readNext()
	}
}

func (c *FileBufferedChannel) onChannelConsumed(int) {
	if c.mode == ModeErrorWaiting {
		if c.Channel.acceptingInput() {
			c.mode = ModeError
			c.Channel.feedError(c.err)
		}
		return
	}
	if c.readerState != ReaderWaitingForChannelIdle {
		return
	}
	if c.Channel.acceptingInput() {
		c.readNext()
	} else if !c.Channel.mayAcceptInputLater() {
		c.terminateReader(ModeEOF)
	}
}

// terminateReader stops reading for good and discards whatever is still
// buffered.
func (c *FileBufferedChannel) terminateReader(final Mode) {
	c.cancelReader()
	c.readerState = ReaderTerminated
	if c.mode >= ModeError {
		return
	}
	c.mode = final
	c.ended = true
	c.cancelDelay()
	c.cancelWriter()
	c.writerState = WriterTerminated
	if c.inFile != nil {
		c.inFile.release()
		c.inFile = nil
	}
	c.buffers = nil
	c.bytesBuffered = 0
}

func (c *FileBufferedChannel) cancelReader() {
	if c.readerTask != nil {
		c.readerTask.canceled = true
		c.readerTask = nil
	}
}

func (c *FileBufferedChannel) callDataFlushed() {
	if c.dataFlushed != nil {
		c.dataFlushed()
	}
}

/***** Writer *****/

func (c *FileBufferedChannel) switchToInFileMode() {
	c.mode = ModeInFile
	c.inFile = &spill{}
	c.cancelWriter()
	c.writerState = WriterCreatingFile
	if c.cfg.DelayInFileModeSwitching > 0 {
		c.delayTask = c.loop.PostAfter(c.cfg.DelayInFileModeSwitching, func() {
			c.delayTask = nil
			c.createBufferFile()
		})
	} else {
		c.createBufferFile()
	}
}

func (c *FileBufferedChannel) switchToInMemoryMode() {
	c.cancelDelay()
	c.cancelWriter()
	// Everything still queued was already delivered from memory.
	c.buffers = nil
	c.bytesBuffered = 0
	c.mode = ModeInMemory

	f := c.inFile
	c.inFile = nil
	if f == nil || f.file == nil {
		c.writerState = WriterInactive
		return
	}
	c.writerState = WriterTruncating
	task := &ioTask{}
	c.writerTask = task
	file := f.file
	f.file = nil
	go func() {
		f.pending.Wait()
		_ = file.Truncate(0)
		_ = file.Close()
		c.loop.Post(func() {
			if task.canceled {
				return
			}
			c.writerTask = nil
			c.writerState = WriterInactive
		})
	}()
}

func (c *FileBufferedChannel) createBufferFile() {
	task := &ioTask{}
	c.writerTask = task
	dir := c.cfg.BufferDir
	go func() {
		f, path, err := createSpillFile(dir)
		c.loop.Post(func() {
			if task.canceled {
				if f != nil {
					_ = f.Close()
				}
				return
			}
			c.writerTask = nil
			if err != nil {
				c.setError(perrors.New(perrors.ErrCodeSpillCreateFail, "channel.create", "cannot create spill file", err))
				return
			}
			c.inFile.file = f
			c.inFile.path = path
			c.writerState = WriterInactive
			monitor.ChannelSpillsTotal.Inc()
			c.log.Debug("Switched to in-file mode", "path", path, "bytes_buffered", c.bytesBuffered)
			if c.cfg.AutoStartMover {
				c.moveNextBufferToFile()
			}
		})
	}()
}

// createSpillFile creates buffer.<random> under dir and unlinks it, so the
// data disappears with the last descriptor.
func createSpillFile(dir string) (*os.File, string, error) {
	for {
		var suffix [8]byte
		if _, err := rand.Read(suffix[:]); err != nil {
			return nil, "", err
		}
		path := filepath.Join(dir, "buffer."+hex.EncodeToString(suffix[:]))
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		if err := os.Remove(path); err != nil {
			_ = f.Close()
			return nil, "", err
		}
		return f, path, nil
	}
}

// StartMover starts moving buffers to the spill file when AutoStartMover is off.
func (c *FileBufferedChannel) StartMover() {
	if c.mode == ModeInFile {
		c.moveNextBufferToFile()
	}
}

func (c *FileBufferedChannel) moveNextBufferToFile() {
	if c.writerState != WriterInactive || c.inFile == nil || c.inFile.file == nil {
		return
	}
	if len(c.buffers) == 0 {
		return
	}
	e := c.buffers[0]
	if e.eof {
		c.writerState = WriterTerminated
		return
	}

	c.writerState = WriterMoving
	task := &ioTask{}
	c.writerTask = task
	f := c.inFile
	offset := f.readOffset + f.written
	f.pending.Add(1)
	file := f.file
	go func() {
		_, err := file.WriteAt(e.data, offset)
		f.pending.Done()
		c.loop.Post(func() {
			if task.canceled {
				return
			}
			c.writerTask = nil
			c.onBufferMoved(len(e.data), err)
		})
	}()
}

func (c *FileBufferedChannel) onBufferMoved(n int, err error) {
	if err != nil {
		c.setError(perrors.New(perrors.ErrCodeSpillWriteFailed, "channel.write", "cannot write to spill file", err))
		return
	}
	generation := c.generation
	c.inFile.written += int64(n)
	c.writerState = WriterInactive
	c.popBuffer()
	if generation != c.generation || c.mode != ModeInFile {
		return
	}
	c.moveNextBufferToFile()
}

func (c *FileBufferedChannel) popBuffer() {
	e := c.buffers[0]
	c.buffers[0] = entry{}
	c.buffers = c.buffers[1:]
	c.bytesBuffered -= len(e.data)
	if len(c.buffers) == 0 && c.mode == ModeInFile && c.buffersFlushed != nil {
		c.buffersFlushed()
	}
}

func (c *FileBufferedChannel) cancelWriter() {
	if c.writerTask != nil {
		c.writerTask.canceled = true
		c.writerTask = nil
	}
}

func (c *FileBufferedChannel) cancelDelay() {
	if c.delayTask != nil {
		c.delayTask.Cancel()
		c.delayTask = nil
	}
}

/***** Errors *****/

func (c *FileBufferedChannel) setError(err error) {
	if c.mode >= ModeError {
		return
	}
	monitor.ChannelErrorsTotal.Inc()
	c.log.Warn("Buffered channel failed", "err", err)

	c.cancelDelay()
	c.cancelReader()
	c.cancelWriter()
	c.readerState = ReaderTerminated
	c.writerState = WriterTerminated
	c.err = err
	c.ended = true
	if c.inFile != nil {
		c.inFile.release()
		c.inFile = nil
	}
	c.buffers = nil
	c.bytesBuffered = 0

	if c.Channel.acceptingInput() {
		c.mode = ModeError
		c.Channel.feedError(err)
	} else {
		c.mode = ModeErrorWaiting
	}
}

// Personal.AI order the ending
