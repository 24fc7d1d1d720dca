package sse

import (
	"bytes"
	"testing"
)

func joinFrames(frames [][]byte) []byte {
	var out []byte
	for _, f := range frames {
		out = append(out, f...)
	}
	return out
}

func TestFeedEmitsCompleteLinesInOrder(t *testing.T) {
	n := New()
	frames := n.Feed([]byte("event: message\ndata: {\"a\":1}\n\n"))
	if len(frames) != 3 {
		t.Fatalf("expected 3 complete lines, got %d", len(frames))
	}
	if string(frames[0]) != "event: message\n" {
		t.Fatalf("unexpected first line: %q", frames[0])
	}
	if string(frames[2]) != "\n" {
		t.Fatalf("expected blank terminating line, got %q", frames[2])
	}
}

func TestFeedSplitAcrossChunksReassembles(t *testing.T) {
	n := New()
	var all [][]byte
	for _, chunk := range []string{`data: {"c":"he`, `llo"}` + "\n", "\n"} {
		all = append(all, n.Feed([]byte(chunk))...)
	}
	if len(all) != 2 {
		t.Fatalf("expected exactly 2 complete frames once reassembled, got %d: %q", len(all), all)
	}
	if string(all[0]) != `data: {"c":"hello"}`+"\n" {
		t.Fatalf("unexpected reassembled line: %q", all[0])
	}
	if string(all[1]) != "\n" {
		t.Fatalf("expected trailing blank line, got %q", all[1])
	}
}

func TestFeedMultipleRecordsInOneChunk(t *testing.T) {
	n := New()
	frames := n.Feed([]byte("data: one\n\ndata: two\n\n"))
	if len(frames) != 4 {
		t.Fatalf("expected 4 lines, got %d", len(frames))
	}
	if string(frames[0]) != "data: one\n" || string(frames[2]) != "data: two\n" {
		t.Fatalf("records out of order: %q", frames)
	}
}

func TestFlushReturnsUnterminatedTail(t *testing.T) {
	n := New()
	frames := n.Feed([]byte("data: partial"))
	if len(frames) != 0 {
		t.Fatalf("expected no complete frames yet, got %d", len(frames))
	}
	tail := n.Flush()
	if string(tail) != "data: partial" {
		t.Fatalf("unexpected flush tail: %q", tail)
	}
	if more := n.Flush(); more != nil {
		t.Fatalf("second flush should be empty, got %q", more)
	}
}

func TestBijectivePrefixInvariant(t *testing.T) {
	n := New()
	input := []byte("event: a\ndata: 1\n\nevent: b\ndata: 2\n\n")
	var emitted [][]byte
	// feed byte-by-byte to stress the carry-over buffer maximally
	for i := range input {
		emitted = append(emitted, n.Feed(input[i:i+1])...)
	}
	emitted = append(emitted, n.Flush())
	got := joinFrames(emitted)
	if !bytes.Equal(got, input) {
		t.Fatalf("emitted bytes do not reconstruct input exactly:\n got=%q\nwant=%q", got, input)
	}
}
