package api

import (
	"sync"
	"sync/atomic"
)

// DefaultViewerQueueBytes bounds the media buffered for one slow viewer.
const DefaultViewerQueueBytes = 1 << 20

// frameQueue is a byte-bounded FIFO between the event loop, which must never
// block on a viewer, and the viewer's websocket writer goroutine.
type frameQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxBytes int
	curBytes int
	frames   [][]byte

	drops atomic.Uint64
}

func newFrameQueue(maxBytes int) *frameQueue {
	if maxBytes <= 0 {
		maxBytes = DefaultViewerQueueBytes
	}
	q := &frameQueue{maxBytes: maxBytes}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *frameQueue) Drops() uint64 { return q.drops.Load() }

// Push appends frame if it fits in the byte budget. It never blocks.
func (q *frameQueue) Push(frame []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.curBytes+len(frame) > q.maxBytes {
		q.drops.Add(1)
		return false
	}
	q.frames = append(q.frames, frame)
	q.curBytes += len(frame)
	q.notEmpty.Signal()
	return true
}

// Pop blocks until a frame is available. It reports false once the queue is
// closed; frames still queued at that point are discarded.
func (q *frameQueue) Pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.closed {
		return nil, false
	}
	frame := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	q.curBytes -= len(frame)
	return frame, true
}

func (q *frameQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.frames = nil
	q.curBytes = 0
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
