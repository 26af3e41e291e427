package relay

import (
	"bytes"
	"testing"
)

func TestQueueDropsOldest(t *testing.T) {
	q := NewQueue(3)
	for i := byte(1); i <= 3; i++ {
		if q.Push([]byte{i}) {
			t.Fatalf("push %d dropped a frame below capacity", i)
		}
	}
	if !q.Push([]byte{4}) {
		t.Fatal("push over capacity did not report a drop")
	}
	if q.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", q.Len())
	}
	if q.Dropped() != 1 {
		t.Fatalf("Dropped() = %d, want 1", q.Dropped())
	}
	for _, want := range []byte{2, 3, 4} {
		frame, ok := q.Pop()
		if !ok || frame[0] != want {
			t.Fatalf("Pop() = %v, %v; want [%d]", frame, ok, want)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("Pop() on empty queue returned a frame")
	}
}

func TestQueueDefaultCapacity(t *testing.T) {
	q := NewQueue(2500)
	for i := 0; i < 2600; i++ {
		q.Push([]byte{byte(i)})
	}
	if q.Len() != 2500 {
		t.Fatalf("Len() = %d, want 2500", q.Len())
	}
	if q.Dropped() != 100 {
		t.Fatalf("Dropped() = %d, want 100", q.Dropped())
	}
	frame, _ := q.Pop()
	if frame[0] != byte(100) {
		t.Fatalf("oldest frame = %d, want %d", frame[0], byte(100))
	}
}

func TestQueueFlush(t *testing.T) {
	q := NewQueue(4)
	q.Push([]byte{1})
	q.Push([]byte{2})
	if n := q.Flush(); n != 2 {
		t.Fatalf("Flush() = %d, want 2", n)
	}
	if q.Len() != 0 {
		t.Fatalf("Len() after flush = %d", q.Len())
	}
	q.Push([]byte{9})
	if frame, ok := q.Pop(); !ok || frame[0] != 9 {
		t.Fatalf("Pop() after flush = %v, %v", frame, ok)
	}
}

func TestQueueReadySignal(t *testing.T) {
	q := NewQueue(2)
	select {
	case <-q.Ready():
		t.Fatal("ready before any push")
	default:
	}
	q.Push([]byte{1})
	q.Push([]byte{2})
	select {
	case <-q.Ready():
	default:
		t.Fatal("no ready signal after push")
	}
}

func TestSplitFrames(t *testing.T) {
	tests := []struct {
		name   string
		pcm    []byte
		size   int
		frames int
	}{
		{"empty", nil, 160, 0},
		{"exact", make([]byte, 320), 160, 2},
		{"padded", bytes.Repeat([]byte{7}, 170), 160, 2},
		{"bad size", make([]byte, 10), 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frames := SplitFrames(tt.pcm, tt.size)
			if len(frames) != tt.frames {
				t.Fatalf("got %d frames, want %d", len(frames), tt.frames)
			}
			for i, f := range frames {
				if len(f) != tt.size {
					t.Fatalf("frame %d has %d bytes, want %d", i, len(f), tt.size)
				}
			}
		})
	}

	frames := SplitFrames(bytes.Repeat([]byte{7}, 170), 160)
	tail := frames[1]
	if !bytes.Equal(tail[:10], bytes.Repeat([]byte{7}, 10)) {
		t.Fatal("tail frame lost data")
	}
	if !bytes.Equal(tail[10:], make([]byte, 150)) {
		t.Fatal("tail frame not zero-padded")
	}
}
