package channel

import (
	"os"
	"time"

	"github.com/turtacn/Portus/pkg/consts"
	"github.com/turtacn/Portus/pkg/protocol"
)

// Config tunes a FileBufferedChannel.
type Config struct {
	// Threshold is the number of in-memory bytes above which the channel
	// starts moving buffers to a spill file.
	Threshold int
	// DelayInFileModeSwitching postpones creating the spill file.
	DelayInFileModeSwitching time.Duration
	// AutoTruncateFile discards the spill file once the reader caught up.
	AutoTruncateFile bool
	// AutoStartMover starts moving buffers to disk as soon as they are fed.
	// When false, the mover only runs after StartMover.
	AutoStartMover bool
	// MaxDiskChunkReadSize, when set, is the size of a single read from the
	// spill file instead of DiskChunkSize.
	MaxDiskChunkReadSize int
	DiskChunkSize        int
	BufferDir            string
}

func DefaultConfig() Config {
	return Config{
		Threshold:            consts.DefaultBufferThreshold,
		AutoTruncateFile:     true,
		AutoStartMover:       true,
		MaxDiskChunkReadSize: consts.DefaultMaxDiskChunkReadSize,
		DiskChunkSize:        consts.DefaultDiskChunkSize,
		BufferDir:            os.TempDir(),
	}
}

// ConfigFrom builds a Config out of the buffering section of the server config.
// Unset values keep their defaults.
func ConfigFrom(bc protocol.BufferingConfig) Config {
	cfg := DefaultConfig()
	if bc.Threshold > 0 {
		cfg.Threshold = bc.Threshold
	}
	cfg.DelayInFileModeSwitching = protocol.ParseDuration(bc.DelayInFileModeSwitching, 0)
	if bc.AutoTruncateFile != nil {
		cfg.AutoTruncateFile = *bc.AutoTruncateFile
	}
	if bc.MaxDiskChunkReadSize > 0 {
		cfg.MaxDiskChunkReadSize = bc.MaxDiskChunkReadSize
	}
	if bc.BufferDir != "" {
		cfg.BufferDir = bc.BufferDir
	}
	return cfg
}

func (c Config) readChunkSize() int {
	n := c.DiskChunkSize
	if n <= 0 {
		n = consts.DefaultDiskChunkSize
	}
	if c.MaxDiskChunkReadSize > 0 {
		return c.MaxDiskChunkReadSize
	}
	return n
}

// Personal.AI order the ending
