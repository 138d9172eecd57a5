package session

import (
	"bytes"
	"testing"
)

func TestRingBufferPartialFill(t *testing.T) {
	r := NewRingBuffer(16)
	r.Write([]byte("hello"))
	if got := r.Bytes(); !bytes.Equal(got, []byte("hello")) {
		t.Errorf("Bytes = %q, want %q", got, "hello")
	}
}

func TestRingBufferWrap(t *testing.T) {
	r := NewRingBuffer(8)
	r.Write([]byte("abcde"))
	r.Write([]byte("fghij"))
	if got := r.Bytes(); !bytes.Equal(got, []byte("cdefghij")) {
		t.Errorf("Bytes = %q, want %q", got, "cdefghij")
	}
}

func TestRingBufferOversizedChunk(t *testing.T) {
	r := NewRingBuffer(4)
	r.Write([]byte("0123456789"))
	if got := r.Bytes(); !bytes.Equal(got, []byte("6789")) {
		t.Errorf("Bytes = %q, want %q", got, "6789")
	}
	r.Write([]byte("ab"))
	if got := r.Bytes(); !bytes.Equal(got, []byte("89ab")) {
		t.Errorf("Bytes after wrap = %q, want %q", got, "89ab")
	}
}

func TestRingBufferExactFill(t *testing.T) {
	r := NewRingBuffer(4)
	r.Write([]byte("wxyz"))
	if got := r.Bytes(); !bytes.Equal(got, []byte("wxyz")) {
		t.Errorf("Bytes = %q, want %q", got, "wxyz")
	}
}
