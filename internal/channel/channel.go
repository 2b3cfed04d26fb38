// Package channel implements the data-callback channels used to move request
// and response bodies between a producer and a consumer that may be slower
// than the producer.
//
// A Channel delivers one buffer at a time to a DataCallback. The callback may
// consume the buffer synchronously, partially, or asynchronously (returning a
// negative Consumed and calling Consumed later). A FileBufferedChannel sits on
// top of a Channel and queues what the consumer cannot take yet, spilling to a
// temporary file once the in-memory queue passes a threshold.
//
// Channels are not safe for concurrent use. All methods, and all callbacks,
// run on the evloop.Loop the channel was created with.
package channel

import (
	"fmt"

	"github.com/turtacn/Portus/internal/evloop"
)

// State is the state of the underlying Channel.
type State int

const (
	// Idle: no buffer is being processed; Feed may be called.
	Idle State = iota
	// Calling: the data callback is running.
	Calling
	// WaitingForCallback: the data callback asked for asynchronous consumption.
	WaitingForCallback
	// Stopped: delivery is paused.
	Stopped
	// StoppedWhileCalling: Stop was called from inside the data callback.
	StoppedWhileCalling
	// StoppedWhileWaiting: Stop was called while waiting for Consumed.
	StoppedWhileWaiting
	// PlanningToCall: the rest of a partially consumed buffer is scheduled for the next tick.
	PlanningToCall
	// CallingWithEOF: the data callback is running with the end-of-stream marker.
	CallingWithEOF
	// EOFWaiting: end-of-stream was delivered, waiting for Consumed.
	EOFWaiting
	// EOFReached: the channel has ended. Nothing will be delivered anymore.
	EOFReached
)

var stateNames = [...]string{
	"IDLE", "CALLING", "WAITING_FOR_CALLBACK", "STOPPED", "STOPPED_WHILE_CALLING",
	"STOPPED_WHILE_WAITING", "PLANNING_TO_CALL", "CALLING_WITH_EOF", "EOF_WAITING", "EOF_REACHED",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Result is what a DataCallback reports back.
type Result struct {
	// Consumed is the number of bytes taken from the buffer. A negative value
	// means the consumer will call Consumed later.
	Consumed int
	// End means the consumer does not want any more data.
	End bool
}

// Async is the Result a callback returns to consume asynchronously.
var Async = Result{Consumed: -1}

// DataCallback receives the next buffer. An empty buffer marks end of stream;
// err is non-nil when the stream ended because of an error.
type DataCallback func(buf []byte, err error) Result

// Channel is the base data-callback state machine.
type Channel struct {
	loop          *evloop.Loop
	state         State
	plan          *evloop.Task
	err           error
	generation    uint
	bytesConsumed int
	buffer        []byte

	dataCallback     DataCallback
	consumedCallback func(n int)
}

func newChannel(loop *evloop.Loop) Channel {
	return Channel{loop: loop, state: Idle}
}

func (c *Channel) callDataCallback() int {
	generation := c.generation
	for {
		res := c.dataCallback(c.buffer, c.err)
		if generation != c.generation {
			return c.bytesConsumed
		}
		if res.Consumed > len(c.buffer) {
			res.Consumed = len(c.buffer)
		}

		if res.Consumed < 0 {
			switch c.state {
			case Calling:
				c.state = WaitingForCallback
			case StoppedWhileCalling:
				c.state = StoppedWhileWaiting
			case CallingWithEOF, EOFReached:
				c.state = EOFWaiting
			}
			return -1
		}

		c.bytesConsumed += res.Consumed
		c.buffer = c.buffer[res.Consumed:]
		if len(c.buffer) == 0 {
			c.buffer = nil
		}

		switch c.state {
		case Calling:
			if res.End {
				c.state = EOFReached
				c.callConsumedCallback()
				return c.bytesConsumed
			} else if len(c.buffer) == 0 {
				c.state = Idle
				c.callConsumedCallback()
				return c.bytesConsumed
			} else if res.Consumed == 0 {
				// Nothing taken: retry on the next tick instead of spinning.
				n := c.bytesConsumed
				c.planNextActivity()
				return n
			}
			// partially consumed: offer the rest right away
		case StoppedWhileCalling:
			if res.End {
				c.state = EOFReached
				c.callConsumedCallback()
				return c.bytesConsumed
			}
			c.state = Stopped
			return -1
		case CallingWithEOF:
			c.state = EOFReached
			c.callConsumedCallback()
			return c.bytesConsumed
		default:
			return c.bytesConsumed
		}
	}
}

func (c *Channel) planNextActivity() {
	if len(c.buffer) == 0 {
		c.state = Idle
		c.callConsumedCallback()
		return
	}
	c.state = PlanningToCall
	c.plan = c.loop.Post(c.executeCall)
}

func (c *Channel) executeCall() {
	c.plan = nil
	if c.state != PlanningToCall {
		return
	}
	if len(c.buffer) == 0 {
		c.state = Idle
		c.callConsumedCallback()
		return
	}
	c.state = Calling
	c.callDataCallback()
}

func (c *Channel) callConsumedCallback() {
	n := c.bytesConsumed
	c.bytesConsumed = 0
	if c.consumedCallback != nil {
		c.consumedCallback(n)
	}
}

func (c *Channel) cancelPlan() {
	if c.plan != nil {
		c.plan.Cancel()
		c.plan = nil
	}
}

// feed hands buf to the data callback. The channel must be idle.
func (c *Channel) feed(buf []byte) int {
	if c.state != Idle {
		panic(fmt.Sprintf("channel: feed in state %s", c.state))
	}
	if len(buf) == 0 {
		c.state = CallingWithEOF
		buf = nil
	} else {
		c.state = Calling
	}
	c.buffer = buf
	return c.callDataCallback()
}

func (c *Channel) feedError(err error) {
	switch c.state {
	case Idle:
		c.err = err
		c.state = CallingWithEOF
		c.callDataCallback()
	case Calling, WaitingForCallback, CallingWithEOF, EOFWaiting:
		c.err = err
		c.state = EOFReached
		c.callConsumedCallback()
	case EOFReached:
		c.err = err
	case PlanningToCall:
		c.cancelPlan()
		c.err = err
		c.state = EOFReached
		c.callConsumedCallback()
	default:
		panic(fmt.Sprintf("channel: feedError in state %s", c.state))
	}
}

func (c *Channel) start() {
	switch c.state {
	case Stopped:
		// Resumes on the next tick, even with nothing left to deliver.
		c.state = PlanningToCall
		c.plan = c.loop.Post(c.executeCall)
	case StoppedWhileCalling:
		c.state = Calling
	case StoppedWhileWaiting:
		c.state = WaitingForCallback
	}
}

func (c *Channel) stop() {
	switch c.state {
	case Idle:
		c.state = Stopped
	case PlanningToCall:
		c.cancelPlan()
		c.state = Stopped
	case Calling:
		c.state = StoppedWhileCalling
	case WaitingForCallback:
		c.state = StoppedWhileWaiting
	}
}

func (c *Channel) consumed(n int, end bool) {
	switch c.state {
	case WaitingForCallback, StoppedWhileWaiting, EOFWaiting:
	default:
		// Only meaningful after a callback asked for asynchronous consumption.
		return
	}
	if n < 0 {
		n = 0
	}
	if n > len(c.buffer) {
		n = len(c.buffer)
	}
	c.bytesConsumed += n
	c.buffer = c.buffer[n:]
	if len(c.buffer) == 0 {
		c.buffer = nil
	}

	switch c.state {
	case WaitingForCallback:
		if end {
			c.state = EOFReached
			c.callConsumedCallback()
		} else {
			c.planNextActivity()
		}
	case StoppedWhileWaiting:
		if end {
			c.state = EOFReached
			c.callConsumedCallback()
		} else {
			c.state = Stopped
		}
	case EOFWaiting:
		c.state = EOFReached
		c.callConsumedCallback()
	}
}

func (c *Channel) reinitialize() {
	c.state = Idle
	c.err = nil
	c.bytesConsumed = 0
}

func (c *Channel) deinitialize() {
	c.cancelPlan()
	c.buffer = nil
	c.generation++
}

func (c *Channel) acceptingInput() bool {
	return c.state == Idle
}

func (c *Channel) mayAcceptInputLater() bool {
	return c.state >= Calling && c.state <= PlanningToCall
}

func (c *Channel) isStarted() bool {
	return c.state != Stopped && c.state != StoppedWhileCalling && c.state != StoppedWhileWaiting
}

func (c *Channel) ended() bool {
	return c.state == CallingWithEOF || c.state == EOFWaiting || c.state == EOFReached
}

func (c *Channel) endAcked() bool {
	return c.state == EOFReached
}

// Personal.AI order the ending
