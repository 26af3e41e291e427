package relay

import "sync"

// Queue is a bounded FIFO of audio frames. When full, Push evicts the oldest
// frame instead of blocking.
type Queue struct {
	mu      sync.Mutex
	frames  [][]byte
	head    int
	size    int
	dropped uint64
	ready   chan struct{}
}

// NewQueue creates a queue holding at most capacity frames.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		frames: make([][]byte, capacity),
		ready:  make(chan struct{}, 1),
	}
}

// Push appends frame and reports whether an older frame was dropped to make
// room. It never blocks.
func (q *Queue) Push(frame []byte) bool {
	q.mu.Lock()
	dropped := false
	if q.size == len(q.frames) {
		q.frames[q.head] = nil
		q.head = (q.head + 1) % len(q.frames)
		q.size--
		q.dropped++
		dropped = true
	}
	q.frames[(q.head+q.size)%len(q.frames)] = frame
	q.size++
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return dropped
}

// Pop removes and returns the oldest frame.
func (q *Queue) Pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return nil, false
	}
	frame := q.frames[q.head]
	q.frames[q.head] = nil
	q.head = (q.head + 1) % len(q.frames)
	q.size--
	return frame, true
}

// Flush discards every queued frame and returns how many were removed.
func (q *Queue) Flush() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.size
	for i := 0; i < q.size; i++ {
		q.frames[(q.head+i)%len(q.frames)] = nil
	}
	q.head, q.size = 0, 0
	return n
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Dropped returns the number of frames evicted so far.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Ready is signalled after a Push.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// SplitFrames cuts pcm into frames of size bytes, zero-padding the last.
func SplitFrames(pcm []byte, size int) [][]byte {
	if size <= 0 || len(pcm) == 0 {
		return nil
	}
	frames := make([][]byte, 0, (len(pcm)+size-1)/size)
	for start := 0; start < len(pcm); start += size {
		frame := make([]byte, size)
		copy(frame, pcm[start:min(start+size, len(pcm))])
		frames = append(frames, frame)
	}
	return frames
}
