package device

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/blockif-go/blockif/internal/constants"
)

func TestParseOptionsDefaults(t *testing.T) {
	opts, err := ParseOptions("/tmp/disk.img")
	if err != nil {
		t.Fatalf("ParseOptions: %v", err)
	}
	if opts.Path != "/tmp/disk.img" {
		t.Errorf("Path = %q, want /tmp/disk.img", opts.Path)
	}
	if opts.Writeback || opts.ReadOnly || opts.BypassHostCache {
		t.Errorf("expected all-false defaults, got %+v", opts)
	}
}

func TestParseOptionsDiscard(t *testing.T) {
	opts, err := ParseOptions("/tmp/disk.img,discard=1000:8:64")
	if err != nil {
		t.Fatalf("ParseOptions: %v", err)
	}
	if !opts.HasDiscard || opts.MaxDiscardSectors != 1000 || opts.MaxDiscardSeg != 8 || opts.DiscardSectorAlignment != 64 {
		t.Errorf("unexpected discard options: %+v", opts)
	}
}

func TestParseOptionsSectorSizeAndAio(t *testing.T) {
	opts, err := ParseOptions("/tmp/disk.img,sectorsize=4096/4096,aio=io_uring,ro")
	if err != nil {
		t.Fatalf("ParseOptions: %v", err)
	}
	if !opts.HasSectorSize || opts.LogicalSectorSize != 4096 || opts.PhysicalSectorSize != 4096 {
		t.Errorf("unexpected sector size options: %+v", opts)
	}
	if opts.AIOMode != constants.AIORing {
		t.Errorf("AIOMode = %v, want AIORing", opts.AIOMode)
	}
	if !opts.ReadOnly {
		t.Error("expected ro to set ReadOnly")
	}
}

func TestParseOptionsRejectsUnknownToken(t *testing.T) {
	if _, err := ParseOptions("/tmp/disk.img,bogus"); err == nil {
		t.Fatal("expected an error for an unrecognized option token")
	}
}

func TestOpenPlainFileAndCHS(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.img")

	const size = 16 * 1024 * 1024
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create backing file: %v", err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	f.Close()

	d, err := Open(path, 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if d.Size() != size {
		t.Errorf("Size() = %d, want %d", d.Size(), size)
	}
	if len(d.Queues) != 2 {
		t.Errorf("len(Queues) = %d, want 2", len(d.Queues))
	}
	if d.QueueDepth() != constants.MaxRequests-1 {
		t.Errorf("QueueDepth() = %d, want %d", d.QueueDepth(), constants.MaxRequests-1)
	}

	c, h, s := d.CHS()
	if c == 0 || h == 0 || s == 0 {
		t.Errorf("CHS() = (%d,%d,%d), expected all non-zero for a 16MB device", c, h, s)
	}
}

func TestOpenReadOnlyRejectsWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.Truncate(4096)
	f.Close()

	d, err := Open(path+",ro", 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if !d.ReadOnly() {
		t.Fatal("expected ReadOnly() true for ,ro option")
	}

	be := d.AsBackend()
	if _, err := be.WriteAt([]byte("x"), 0); err == nil {
		t.Fatal("expected write to a read-only device to fail")
	}
}
