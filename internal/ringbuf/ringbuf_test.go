package ringbuf

import (
	"net"
	"testing"
	"time"

	"ovms.dev/core/internal/errs"
)

func TestPushPopAccounting(t *testing.T) {
	b := New(8)
	for i := 0; i < 8; i++ {
		if err := b.Push(byte(i)); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if err := b.Push(0xff); !errs.Is(err, errs.ResourceExhausted) {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
	out := make([]byte, 3)
	if n := b.Pop(out); n != 3 {
		t.Fatalf("pop: got %d, want 3", n)
	}
	if b.Used() != 5 || b.Free() != 3 {
		t.Fatalf("used/free = %d/%d, want 5/3", b.Used(), b.Free())
	}
	if err := b.Push(0xaa); err != nil {
		t.Fatalf("push after pop: %v", err)
	}
}

func TestPushAllAtomic(t *testing.T) {
	b := New(4)
	if err := b.PushAll([]byte{1, 2, 3, 4, 5}); !errs.Is(err, errs.ResourceExhausted) {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
	if b.Used() != 0 {
		t.Fatalf("partial write leaked: used=%d", b.Used())
	}
	if err := b.PushAll([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("push exact capacity: %v", err)
	}
}

func TestReadLineCRLF(t *testing.T) {
	b := New(64)
	b.PushAll([]byte("AT+CSQ\r\nOK\r\n"))
	line, ok := b.ReadLine()
	if !ok || line != "AT+CSQ" {
		t.Fatalf("line=%q ok=%v, want AT+CSQ/true", line, ok)
	}
	line, ok = b.ReadLine()
	if !ok || line != "OK" {
		t.Fatalf("line=%q ok=%v, want OK/true", line, ok)
	}
	if b.Used() != 0 {
		t.Fatalf("residual bytes after consuming both lines: %d", b.Used())
	}
}

func TestReadLineLoneLF(t *testing.T) {
	b := New(64)
	b.PushAll([]byte("a\nb\rc"))
	line, _ := b.ReadLine()
	if line != "a" {
		t.Fatalf("line=%q, want a", line)
	}
	line, _ = b.ReadLine()
	if line != "b" {
		t.Fatalf("line=%q, want b", line)
	}
	if _, ok := b.ReadLine(); ok {
		t.Fatal("expected no complete line for trailing 'c'")
	}
}

func TestReadLineNoneLeavesBufferIntact(t *testing.T) {
	b := New(64)
	b.PushAll([]byte("partial"))
	if _, ok := b.ReadLine(); ok {
		t.Fatal("unexpected line found")
	}
	if b.Used() != len("partial") {
		t.Fatalf("used=%d, want %d", b.Used(), len("partial"))
	}
}

func TestPollSocketDrainsIntoFreeSpace(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		client.Write([]byte("hello"))
	}()

	b := New(16)
	n, err := b.PollSocket(server, time.Second)
	if err != nil {
		t.Fatalf("poll socket: %v", err)
	}
	if n != 5 {
		t.Fatalf("n=%d, want 5", n)
	}
	out := make([]byte, 5)
	b.Pop(out)
	if string(out) != "hello" {
		t.Fatalf("got %q", out)
	}
}

func TestPollSocketTimeout(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	b := New(16)
	n, err := b.PollSocket(server, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Fatalf("n=%d, want 0 on timeout", n)
	}
}

func TestUsedInvariant(t *testing.T) {
	b := New(16)
	pushed, popped := 0, 0
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	for _, c := range data {
		if err := b.Push(c); err == nil {
			pushed++
		}
		if pushed-popped > 3 {
			var tmp [1]byte
			popped += b.Pop(tmp[:])
		}
	}
	if b.Used() != pushed-popped {
		t.Fatalf("used=%d, want %d", b.Used(), pushed-popped)
	}
}
