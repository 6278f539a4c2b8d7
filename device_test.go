package blockif

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestDevice(t *testing.T, extraOpts string) *Device {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.img")

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create backing file: %v", err)
	}
	if err := f.Truncate(4 << 20); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	f.Close()

	optstr := path + extraOpts
	d, err := Open(optstr, 2, nil, nil)
	if err != nil {
		t.Fatalf("Open(%q): %v", optstr, err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestOpenAndAccessors(t *testing.T) {
	d := openTestDevice(t, "")

	if d.Size() != 4<<20 {
		t.Errorf("Size() = %d, want %d", d.Size(), 4<<20)
	}
	if d.QueueDepth() <= 0 {
		t.Errorf("QueueDepth() = %d, want > 0", d.QueueDepth())
	}
	c, h, s := d.CHS()
	if c == 0 || h == 0 || s == 0 {
		t.Errorf("CHS() = (%d,%d,%d), want all non-zero", c, h, s)
	}
}

func TestSubmitWriteThenRead(t *testing.T) {
	d := openTestDevice(t, "")

	payload := []byte("blockif round trip")
	writeDone := make(chan error, 1)
	writeReq := &Request{
		Queue:  0,
		Offset: 0,
		Buf:    payload,
		Done:   func(n int, err error) { writeDone <- err },
	}
	if err := d.Submit(writeReq, OpWrite); err != nil {
		t.Fatalf("Submit(write): %v", err)
	}
	select {
	case err := <-writeDone:
		if err != nil {
			t.Fatalf("write completion error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for write")
	}

	readBuf := make([]byte, len(payload))
	readDone := make(chan error, 1)
	readReq := &Request{
		Queue:  0,
		Offset: 0,
		Buf:    readBuf,
		Done:   func(n int, err error) { readDone <- err },
	}
	if err := d.Submit(readReq, OpRead); err != nil {
		t.Fatalf("Submit(read): %v", err)
	}
	select {
	case err := <-readDone:
		if err != nil {
			t.Fatalf("read completion error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for read")
	}

	if string(readBuf) != string(payload) {
		t.Errorf("read back %q, want %q", readBuf, payload)
	}

	snap := d.Metrics()
	if snap.WriteOps != 1 || snap.ReadOps != 1 {
		t.Errorf("metrics = %+v, want 1 write / 1 read", snap)
	}
}

func TestSubmitRejectsOutOfRangeQueue(t *testing.T) {
	d := openTestDevice(t, "")

	req := &Request{Queue: 99, Offset: 0, Buf: make([]byte, 1), Done: func(int, error) {}}
	err := d.Submit(req, OpRead)
	if err == nil {
		t.Fatal("expected an error for an out-of-range queue index")
	}
	if !IsCode(err, ErrCodeInvalid) {
		t.Errorf("expected ErrCodeInvalid, got %v", err)
	}
}

func TestCancelUnknownRequestFails(t *testing.T) {
	d := openTestDevice(t, "")
	req := &Request{Queue: 0}
	if err := d.Cancel(req); err == nil {
		t.Fatal("expected Cancel on a never-submitted request to fail")
	}
}

func TestFlushAll(t *testing.T) {
	d := openTestDevice(t, "")
	if err := d.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
}
