package hostmem

import (
	"bytes"
	"testing"
)

func TestAllocAndAccess(t *testing.T) {
	w, err := Alloc("test", 4096)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	defer func() { _ = w.Free() }()

	if w.Name() != "test" {
		t.Errorf("name = %q, want test", w.Name())
	}
	if w.Size() != 4096 {
		t.Errorf("size = %d, want 4096", w.Size())
	}

	for _, b := range w.Bytes() {
		if b != 0 {
			t.Fatal("fresh window is not zero-filled")
		}
	}

	if _, err := w.WriteAt([]byte{1, 2, 3}, 100); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, 3)
	if _, err := w.ReadAt(got, 100); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Errorf("read back %v, want [1 2 3]", got)
	}
}

func TestAllocRejectsZeroSize(t *testing.T) {
	if _, err := Alloc("zero", 0); err == nil {
		t.Error("zero-size alloc succeeded")
	}
}

func TestAccessOutsideWindow(t *testing.T) {
	w, err := Alloc("test", 64)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	defer func() { _ = w.Free() }()

	if _, err := w.ReadAt(make([]byte, 4), 100); err == nil {
		t.Error("read past the window succeeded")
	}
	if _, err := w.WriteAt(make([]byte, 4), -1); err == nil {
		t.Error("write at negative offset succeeded")
	}
	if _, err := w.WriteAt(make([]byte, 8), 60); err == nil {
		t.Error("short write not reported")
	}
}

func TestFreeIdempotent(t *testing.T) {
	w, err := Alloc("test", 64)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if err := w.Free(); err != nil {
		t.Fatalf("first free: %v", err)
	}
	if err := w.Free(); err != nil {
		t.Fatalf("second free: %v", err)
	}

	var nilWindow *Window
	if err := nilWindow.Free(); err != nil {
		t.Fatalf("nil free: %v", err)
	}
	if nilWindow.Size() != 0 || nilWindow.Bytes() != nil {
		t.Error("nil window reports backing memory")
	}
}
