package recorder

import (
	"testing"
)

func TestPendingBuffer_put_pop(t *testing.T) {
	b := newPendingBuffer()
	b.Put(pendingChunk{Sequence: 4, RawPath: "/4.webm"})
	b.Put(pendingChunk{Sequence: 2, RawPath: "/2.webm"})
	b.Put(pendingChunk{Sequence: 3, RawPath: "/3.webm"})

	if got := b.Sequences(); len(got) != 3 || got[0] != 2 || got[2] != 4 {
		t.Errorf("expected sorted [2 3 4], got %v", got)
	}

	if _, ok := b.Pop(1); ok {
		t.Error("pop of missing sequence should fail")
	}
	c, ok := b.Pop(2)
	if !ok || c.RawPath != "/2.webm" {
		t.Errorf("pop 2: ok=%v chunk=%v", ok, c)
	}
	if b.Len() != 2 {
		t.Errorf("expected 2 left, got %d", b.Len())
	}
	if _, ok := b.Get(2); ok {
		t.Error("popped chunk should be gone")
	}
}

func TestPendingBuffer_contiguous_from(t *testing.T) {
	b := newPendingBuffer()
	for _, seq := range []int64{2, 3, 5, 6} {
		b.Put(pendingChunk{Sequence: seq})
	}

	cases := []struct {
		next int64
		want int
	}{
		{1, 0},
		{2, 2},
		{4, 0},
		{5, 2},
		{6, 1},
	}
	for _, tc := range cases {
		if got := b.ContiguousFrom(tc.next); got != tc.want {
			t.Errorf("ContiguousFrom(%d) = %d, want %d", tc.next, got, tc.want)
		}
	}
}
