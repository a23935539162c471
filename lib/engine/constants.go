package engine

// Buffer sizes for internal channels.
const (
	// RedisPubSubWorkerChannelSize buffers messages between the PUB/SUB
	// receive loop and the dispatch loop so a slow scheduler hand-off
	// never blocks the underlying Receive() call.
	RedisPubSubWorkerChannelSize = 4096

	// schedulerQueueSize buffers pending callback dispatches; a full
	// queue means the scheduler is saturated or not running, and the
	// dispatch is dropped with a log.
	schedulerQueueSize = 4096
)
