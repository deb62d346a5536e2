package signaling

import (
	"errors"
	"testing"
	"time"
)

func TestSendQueue_FrameAndByteBudgets(t *testing.T) {
	q := newSendQueue(2, 10)

	if err := q.push(outbound{data: []byte("12345")}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := q.push(outbound{data: []byte("123456")}); !errors.Is(err, ErrSendQueueFull) {
		t.Fatalf("err=%v, want %v (byte budget)", err, ErrSendQueueFull)
	}
	if err := q.push(outbound{data: []byte("12345")}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := q.push(outbound{data: nil}); !errors.Is(err, ErrSendQueueFull) {
		t.Fatalf("err=%v, want %v (frame budget)", err, ErrSendQueueFull)
	}

	if _, ok := q.pop(); !ok {
		t.Fatalf("pop ok=false")
	}
	if err := q.push(outbound{data: []byte("1")}); err != nil {
		t.Fatalf("push after pop: %v", err)
	}
}

func TestSendQueue_SealDrainsThenStops(t *testing.T) {
	q := newSendQueue(1, 1)
	if err := q.push(outbound{kind: textFrame, data: []byte("a")}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if !q.seal(outbound{kind: closeFrame, data: []byte("bye")}) {
		t.Fatalf("seal=false on open queue")
	}
	if q.seal(outbound{kind: closeFrame}) {
		t.Fatalf("second seal=true")
	}
	if err := q.push(outbound{data: []byte("b")}); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("err=%v, want %v", err, ErrConnClosed)
	}

	var kinds []frameKind
	for {
		f, ok := q.pop()
		if !ok {
			break
		}
		kinds = append(kinds, f.kind)
	}
	if len(kinds) != 2 || kinds[0] != textFrame || kinds[1] != closeFrame {
		t.Fatalf("kinds=%v, want [text close]", kinds)
	}
}

func TestSendQueue_CloseWakesWaiter(t *testing.T) {
	q := newSendQueue(4, 64)
	done := make(chan bool, 1)
	go func() {
		_, ok := q.pop()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.close()

	select {
	case ok := <-done:
		if ok {
			t.Fatalf("pop ok=true after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pop did not return after close")
	}
	if err := q.push(outbound{}); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("err=%v, want %v", err, ErrConnClosed)
	}
}

func TestSendQueue_CloseDropsPending(t *testing.T) {
	q := newSendQueue(4, 64)
	_ = q.push(outbound{data: []byte("x")})
	q.close()
	if q.len() != 0 {
		t.Fatalf("len=%d, want 0", q.len())
	}
	if _, ok := q.pop(); ok {
		t.Fatalf("pop ok=true on closed queue")
	}
}
