package shm

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func closeFD(fd int) {
	if fd >= 0 {
		unix.Close(fd)
	}
}

func newPage(t *testing.T) *Page {
	t.Helper()
	key, fd, err := GenKey()
	if err != nil {
		t.Fatalf("GenKey: %v", err)
	}
	p, err := Create(key, fd, os.Getpid())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { p.Release() })
	return p
}

func TestCreateHeader(t *testing.T) {
	p := newPage(t)
	if !p.DMS() {
		t.Error("fresh page has dms cleared")
	}
	if p.Parent() != os.Getpid() {
		t.Errorf("parent = %d, want %d", p.Parent(), os.Getpid())
	}
	if p.Size() != StartSize {
		t.Errorf("size = %d, want %d", p.Size(), StartSize)
	}
}

func TestOpenCookie(t *testing.T) {
	p := newPage(t)
	q, err := Open(p.Name)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer q.unmap()
	if q.Parent() != p.Parent() {
		t.Errorf("reopened parent = %d, want %d", q.Parent(), p.Parent())
	}
}

func TestOpenBadCookie(t *testing.T) {
	p := newPage(t)
	// Corrupt the cookie in place; a second open must refuse the page.
	p.mem[offCookie] ^= 0xff
	if _, err := Open(p.Name); err == nil {
		t.Fatal("expected cookie mismatch")
	}
}

func TestDMSRoundTrip(t *testing.T) {
	p := newPage(t)
	p.SetDMS(false)
	if p.DMS() {
		t.Error("dms still set after clear")
	}
	p.SetDMS(true)
	if !p.DMS() {
		t.Error("dms not set")
	}
}

func TestResizeDamping(t *testing.T) {
	p := newPage(t)
	if err := p.Resize(1920, 1080); err != nil {
		t.Fatalf("first resize: %v", err)
	}
	before := p.Size()
	// Near-identical resolution: must be damped, size unchanged.
	if err := p.Resize(1919, 1081); err != nil {
		t.Fatalf("second resize: %v", err)
	}
	if p.Size() != before {
		t.Errorf("size changed %d -> %d, want no-op", before, p.Size())
	}
	w, h := p.Dimensions()
	if w != 1919 || h != 1081 {
		t.Errorf("dimensions = %dx%d", w, h)
	}
}

func TestResizeShrinkNoop(t *testing.T) {
	p := newPage(t)
	if err := p.Resize(1920, 1080); err != nil {
		t.Fatalf("grow: %v", err)
	}
	before := p.Size()
	// Well within 80% of current: damped.
	if err := p.Resize(1800, 1012); err != nil {
		t.Fatalf("shrink: %v", err)
	}
	if p.Size() != before {
		t.Errorf("shrink within damping window changed size %d -> %d", before, p.Size())
	}
}

func TestResizeShrinkReal(t *testing.T) {
	p := newPage(t)
	if err := p.Resize(3840, 2160); err != nil {
		t.Fatalf("grow: %v", err)
	}
	before := p.Size()
	if err := p.Resize(320, 200); err != nil {
		t.Fatalf("shrink: %v", err)
	}
	if p.Size() >= before {
		t.Errorf("deep shrink kept size %d", p.Size())
	}
	if !p.DMS() {
		t.Error("header lost across remap")
	}
}

func TestResizeTooLarge(t *testing.T) {
	p := newPage(t)
	if err := p.Resize(32768, 32768); err == nil {
		t.Fatal("expected refusal above maximum")
	}
}

func TestReleaseUnlinks(t *testing.T) {
	key, fd, err := GenKey()
	if err != nil {
		t.Fatalf("GenKey: %v", err)
	}
	p, err := Create(key, fd, os.Getpid())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	vn, an, en, _ := SemNames(key)
	for _, n := range []string{vn, an, en} {
		s, err := CreateSem(n, 0)
		if err != nil {
			t.Fatalf("CreateSem %s: %v", n, err)
		}
		s.Close()
	}
	if err := p.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat("/dev/shm/" + key); !os.IsNotExist(err) {
		t.Errorf("page file survived release: %v", err)
	}
	for _, n := range []string{vn, an, en} {
		if _, err := os.Stat("/dev/shm/sem." + n); !os.IsNotExist(err) {
			t.Errorf("semaphore %s survived release: %v", n, err)
		}
	}
}

// A failed remap leaves the page unmapped; teardown must still be safe.
func TestReleaseAfterLostMapping(t *testing.T) {
	key, fd, err := GenKey()
	if err != nil {
		t.Fatalf("GenKey: %v", err)
	}
	p, err := Create(key, fd, os.Getpid())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	unix.Munmap(p.mem)
	p.mem = nil

	if p.DMS() {
		t.Error("unmapped page reads as alive")
	}
	p.SetDMS(false)
	if err := p.Resize(640, 480); err == nil {
		t.Error("resize succeeded without a mapping")
	}
	if err := p.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat("/dev/shm/" + key); !os.IsNotExist(err) {
		t.Errorf("page file survived release: %v", err)
	}
}

// A producer writing the video region and posting the video semaphore is
// observed byte-for-byte after one wait cycle, through an independent mapping
// of the same page.
func TestVideoRoundTrip(t *testing.T) {
	p := newPage(t)
	p.SetDimensions(32, 32)
	vn, _, _, _ := SemNames(p.Name)
	sem, err := CreateSem(vn, 0)
	if err != nil {
		t.Fatalf("CreateSem: %v", err)
	}
	defer func() {
		sem.Close()
		UnlinkSem(vn)
	}()

	producer, err := Open(p.Name)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer producer.unmap()
	psem, err := OpenSem(vn)
	if err != nil {
		t.Fatalf("OpenSem: %v", err)
	}
	defer psem.Close()

	frame := producer.Video()
	for i := range frame {
		frame[i] = byte(i * 7)
	}
	if err := psem.Post(); err != nil {
		t.Fatalf("Post: %v", err)
	}

	if err := sem.Wait(0); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	got := p.Video()
	if len(got) != 32*32*4 {
		t.Fatalf("video buffer = %d bytes", len(got))
	}
	for i := range got {
		if got[i] != byte(i*7) {
			t.Fatalf("byte %d = %#x, want %#x", i, got[i], byte(i*7))
		}
	}
}
