package protocol

import "time"

// Defaults for the controller side of a run.
const (
	// DefaultStartPort is the first loopback port the broker tries to bind.
	DefaultStartPort = 10000

	// DefaultMaxPortAttempts bounds the bind retry loop on port collisions.
	DefaultMaxPortAttempts = 1000

	// DefaultGracePeriod is the wait between escalating termination steps.
	DefaultGracePeriod = 1 * time.Second

	// DefaultPollInterval bounds how long any blocking loop goes without
	// re-checking the abort flag.
	DefaultPollInterval = 100 * time.Millisecond

	// DefaultTickInterval is the elapsed-time event period.
	DefaultTickInterval = 1 * time.Second

	// DefaultHandshakeTimeout bounds authentication of a single inbound peer.
	DefaultHandshakeTimeout = 5 * time.Second

	// DefaultDrainWindow is how long a stopping forwarder keeps reading
	// output that is already in the pipe.
	DefaultDrainWindow = 200 * time.Millisecond

	// DefaultAckTimeout bounds how long a worker waits for the controller's
	// closing echo.
	DefaultAckTimeout = 5 * time.Second
)

// LoopbackHost is the only address the broker binds and the endpoint dials.
const LoopbackHost = "127.0.0.1"

// MaxFrameSize is the largest frame (kind byte plus body) accepted on a
// task channel.
const MaxFrameSize = 64 << 20

// AbortSentinel is the body of an abort frame.
const AbortSentinel = "ABORT"

// MaxPort is the highest TCP port number.
const MaxPort = 65535
