package signaling

import "sync"

type frameKind uint8

const (
	textFrame frameKind = iota
	pingFrame
	closeFrame
)

type outbound struct {
	kind frameKind
	data []byte
}

// sendQueue is a FIFO bounded by both frame count and total bytes.
//
// It lets handlers hand frames to a connection without ever blocking on the
// peer's network; only the connection's writer goroutine waits on it.
type sendQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond

	// sealed queues accept no new frames but still drain; closed queues drop
	// everything.
	sealed bool
	closed bool

	maxFrames int
	maxBytes  int
	curBytes  int
	frames    []outbound
}

func newSendQueue(maxFrames, maxBytes int) *sendQueue {
	q := &sendQueue{maxFrames: maxFrames, maxBytes: maxBytes}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// push appends f if it fits. It never blocks.
func (q *sendQueue) push(f outbound) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.sealed {
		return ErrConnClosed
	}
	if len(q.frames) >= q.maxFrames || q.curBytes+len(f.data) > q.maxBytes {
		return ErrSendQueueFull
	}
	q.frames = append(q.frames, f)
	q.curBytes += len(f.data)
	q.notEmpty.Signal()
	return nil
}

// seal appends a final frame regardless of the budget and rejects every later
// push. It reports false if the queue was already sealed or closed.
func (q *sendQueue) seal(f outbound) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.sealed {
		return false
	}
	q.sealed = true
	q.frames = append(q.frames, f)
	q.curBytes += len(f.data)
	q.notEmpty.Signal()
	return true
}

// pop blocks until a frame is available. It returns false once the queue is
// closed, or sealed and drained.
func (q *sendQueue) pop() (outbound, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) == 0 && !q.closed && !q.sealed {
		q.notEmpty.Wait()
	}
	if q.closed || len(q.frames) == 0 {
		return outbound{}, false
	}
	f := q.frames[0]
	q.frames[0] = outbound{}
	q.frames = q.frames[1:]
	q.curBytes -= len(f.data)
	return f, true
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

func (q *sendQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.frames = nil
	q.curBytes = 0
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
