package providers

import "sync/atomic"

// DefaultAudioQueueDepth is the default bounded push_audio queue depth.
const DefaultAudioQueueDepth = 256

// PushDropOldest implements the push_audio backpressure contract shared
// by every streaming adapter: a non-blocking send on ch; if ch is full,
// the oldest queued frame is dropped (and drops incremented) before the
// new frame is enqueued. Dropping is preferred over blocking the client
// transport.
func PushDropOldest(ch chan []byte, frame []byte, drops *uint64) {
	select {
	case ch <- frame:
		return
	default:
	}
	select {
	case <-ch:
		atomic.AddUint64(drops, 1)
	default:
	}
	select {
	case ch <- frame:
	default:
		// Another producer raced us and refilled the queue; count this
		// frame as dropped too rather than spin.
		atomic.AddUint64(drops, 1)
	}
}
