package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestKeyFormat(t *testing.T) {
	got := Key("0123456789abcdef0123456789abcdef", "1-fr0-2")
	want := "stage1:0123456789abcdef0123456789abcdef:1-fr0-2"
	if got != want {
		t.Errorf("Key() = %s, want %s", got, want)
	}
}

func TestMemoryPutGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Put(ctx, "call", "1", []byte(`{"type":"terminal"}`), time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := m.Get(ctx, "call", "1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != `{"type":"terminal"}` {
		t.Errorf("Get() = %s", got)
	}

	if _, err := m.Get(ctx, "call", "1-fwd"); !errors.Is(err, ErrMiss) {
		t.Errorf("Get() on absent key = %v, want ErrMiss", err)
	}
}

func TestMemoryExpiry(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	// A negative TTL makes the entry expired on arrival.
	if err := m.Put(ctx, "call", "1", []byte("x"), -time.Second); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := m.Get(ctx, "call", "1"); !errors.Is(err, ErrMiss) {
		t.Errorf("Get() on expired key = %v, want ErrMiss", err)
	}
	if m.Len() != 0 {
		t.Errorf("expired entry should be dropped on read, Len() = %d", m.Len())
	}
}

func TestMemorySweep(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.Put(ctx, "call", "1", []byte("x"), -time.Second)
	m.Put(ctx, "call", "2", []byte("y"), time.Minute)

	m.sweep()

	if m.Len() != 1 {
		t.Errorf("Len() after sweep = %d, want 1", m.Len())
	}
	if _, err := m.Get(ctx, "call", "2"); err != nil {
		t.Errorf("live entry lost in sweep: %v", err)
	}
}

func TestMemoryPutCopiesValue(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	buf := []byte("original")
	m.Put(ctx, "call", "1", buf, time.Minute)
	copy(buf, "mutated!")

	got, err := m.Get(ctx, "call", "1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "original" {
		t.Errorf("stored value aliased the caller's buffer: %s", got)
	}
}
