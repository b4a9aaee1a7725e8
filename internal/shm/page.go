package shm

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Header layout, little-endian at fixed offsets from the start of the page.
// Both ends of the segment compute the same offsets; Cookie() guards against
// drift between builds.
const (
	offDMS       = 0  // uint32, dead-man-switch, written by either side
	offParent    = 4  // int32, host pid
	offMajor     = 8  // uint8
	offMinor     = 9  // uint8
	offSegSize   = 12 // uint32
	offCookie    = 16 // uint64
	offWidth     = 24 // uint16
	offHeight    = 26 // uint16
	offVideo     = 28 // uint32, offset of the video buffer
	offAudio     = 32 // uint32, offset of the audio buffer
	offAudioSize = 36 // uint32, audio buffer capacity in bytes
	offInRing    = 40 // uint32, offset of the child->host event ring
	offOutRing   = 44 // uint32, offset of the host->child event ring

	headerSize = 64
)

// DefaultAudioSize is the audio buffer capacity a fresh segment starts with.
const DefaultAudioSize = 65536

// Page is a mapped shared-memory segment. The mapping lifetime equals the
// lifetime of the handle; Release is the only teardown path.
type Page struct {
	Name string
	fd   int
	mem  []byte
}

// Create builds a fresh page on an already-reserved descriptor (see GenKey):
// truncate to the start size, map, zero-fill and initialize the header.
func Create(name string, fd int, parent int) (*Page, error) {
	if fd < 0 || name == "" {
		return nil, fmt.Errorf("bad page handle")
	}
	if err := unix.Ftruncate(fd, StartSize); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("truncate %s: %w", name, err)
	}
	mem, err := unix.Mmap(fd, 0, StartSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("map %s: %w", name, err)
	}
	p := &Page{Name: name, fd: fd, mem: mem}
	for i := range mem {
		mem[i] = 0
	}
	p.SetDMS(true)
	binary.LittleEndian.PutUint32(mem[offParent:], uint32(parent))
	mem[offMajor] = VersionMajor
	mem[offMinor] = VersionMinor
	binary.LittleEndian.PutUint32(mem[offSegSize:], StartSize)
	binary.LittleEndian.PutUint64(mem[offCookie:], Cookie())
	p.layout(StartSize)
	return p, nil
}

// Open maps an existing page by name and validates the cookie.
func Open(name string) (*Page, error) {
	fd, err := unix.Open("/dev/shm/"+name, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("stat %s: %w", name, err)
	}
	mem, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("map %s: %w", name, err)
	}
	p := &Page{Name: name, fd: fd, mem: mem}
	if got := binary.LittleEndian.Uint64(mem[offCookie:]); got != Cookie() {
		p.unmap()
		return nil, fmt.Errorf("%s: cookie mismatch %#x, incompatible producer", name, got)
	}
	return p, nil
}

// layout recomputes the derived buffer offsets for a page of the given size
// and stores them in the header. Ring control blocks sit right after the
// header, the video buffer starts at the next page boundary after the rings,
// audio follows video.
func (p *Page) layout(size uint32) {
	inRing := uint32(headerSize)
	outRing := inRing + ringBytes
	vofs := (outRing + ringBytes + 4095) &^ 4095
	w, h := p.Dimensions()
	vend := vofs + uint32(w)*uint32(h)*4
	absz := binary.LittleEndian.Uint32(p.mem[offAudioSize:])
	if absz == 0 {
		absz = DefaultAudioSize
	}
	binary.LittleEndian.PutUint32(p.mem[offInRing:], inRing)
	binary.LittleEndian.PutUint32(p.mem[offOutRing:], outRing)
	binary.LittleEndian.PutUint32(p.mem[offVideo:], vofs)
	binary.LittleEndian.PutUint32(p.mem[offAudio:], vend)
	binary.LittleEndian.PutUint32(p.mem[offAudioSize:], absz)
	binary.LittleEndian.PutUint32(p.mem[offSegSize:], size)
}

// Size returns the current segment size from the header.
func (p *Page) Size() uint32 {
	return binary.LittleEndian.Uint32(p.mem[offSegSize:])
}

// Required returns the page size needed for a w x h video buffer plus the
// default audio buffer and the rings.
func Required(w, h int) uint64 {
	return requiredWith(w, h, DefaultAudioSize)
}

func requiredWith(w, h int, absz uint32) uint64 {
	vofs := uint64(headerSize) + 2*ringBytes
	vofs = (vofs + 4095) &^ 4095
	need := vofs + uint64(w)*uint64(h)*4 + uint64(absz)
	// Coarse granularity so near-identical resolutions land on the same
	// size and get damped by Resize instead of churning the mapping.
	const gran = 1 << 16
	return (need + gran - 1) &^ (gran - 1)
}

// required sizes against the page's own audio capacity, which may exceed the
// default.
func (p *Page) required(w, h int) uint64 {
	absz := binary.LittleEndian.Uint32(p.mem[offAudioSize:])
	if absz < DefaultAudioSize {
		absz = DefaultAudioSize
	}
	return requiredWith(w, h, absz)
}

// DMS reports the dead-man-switch flag. An unmapped page reads as dead.
func (p *Page) DMS() bool {
	if p.mem == nil {
		return false
	}
	return atomic.LoadUint32(p.word(offDMS)) != 0
}

// SetDMS flips the dead-man-switch. Clearing it declares the segment dead to
// the other side. A no-op once the mapping is gone, so the release path stays
// safe after a failed remap.
func (p *Page) SetDMS(alive bool) {
	if p.mem == nil {
		return
	}
	var v uint32
	if alive {
		v = 1
	}
	atomic.StoreUint32(p.word(offDMS), v)
}

// Parent returns the host pid recorded at creation.
func (p *Page) Parent() int {
	return int(int32(binary.LittleEndian.Uint32(p.mem[offParent:])))
}

// Dimensions returns the current video dimensions from the header.
func (p *Page) Dimensions() (w, h uint16) {
	return binary.LittleEndian.Uint16(p.mem[offWidth:]),
		binary.LittleEndian.Uint16(p.mem[offHeight:])
}

// SetDimensions stores the video dimensions and recomputes buffer offsets.
func (p *Page) SetDimensions(w, h uint16) {
	binary.LittleEndian.PutUint16(p.mem[offWidth:], w)
	binary.LittleEndian.PutUint16(p.mem[offHeight:], h)
	p.layout(p.Size())
}

// Video returns the video buffer slice for the current dimensions.
func (p *Page) Video() []byte {
	vofs := binary.LittleEndian.Uint32(p.mem[offVideo:])
	w, h := p.Dimensions()
	n := uint32(w) * uint32(h) * 4
	if vofs+n > uint32(len(p.mem)) {
		n = uint32(len(p.mem)) - vofs
	}
	return p.mem[vofs : vofs+n]
}

// Audio returns the audio buffer slice.
func (p *Page) Audio() []byte {
	aofs := binary.LittleEndian.Uint32(p.mem[offAudio:])
	absz := binary.LittleEndian.Uint32(p.mem[offAudioSize:])
	if aofs+absz > uint32(len(p.mem)) {
		absz = uint32(len(p.mem)) - aofs
	}
	return p.mem[aofs : aofs+absz]
}

// AudioSize returns the audio buffer capacity recorded in the header.
func (p *Page) AudioSize() uint32 {
	return binary.LittleEndian.Uint32(p.mem[offAudioSize:])
}

// SetAudioSize overrides the audio buffer capacity and recomputes offsets.
func (p *Page) SetAudioSize(n uint32) {
	binary.LittleEndian.PutUint32(p.mem[offAudioSize:], n)
	p.layout(p.Size())
}

// InQueue returns the child-to-host event ring.
func (p *Page) InQueue() *EventQueue {
	return p.ring(binary.LittleEndian.Uint32(p.mem[offInRing:]))
}

// OutQueue returns the host-to-child event ring.
func (p *Page) OutQueue() *EventQueue {
	return p.ring(binary.LittleEndian.Uint32(p.mem[offOutRing:]))
}

// Resize grows or shrinks the page for a new video resolution. Sizes above
// the maximum are refused. A shrink that stays within 80% of the current size
// is a no-op: churn damping, the mapping is still large enough.
func (p *Page) Resize(w, h int) error {
	if p.mem == nil {
		return fmt.Errorf("%s: page not mapped", p.Name)
	}
	need64 := p.required(w, h)
	if need64 > MaxSize {
		return fmt.Errorf("%s: %dx%d needs %d bytes, max %d", p.Name, w, h, need64, MaxSize)
	}
	need := uint32(need64)
	cur := p.Size()
	if need <= cur {
		if uint64(need)*10 >= uint64(cur)*8 {
			p.SetDimensions(uint16(w), uint16(h))
			return nil
		}
	}

	// Remap: the header survives in a copy while the region is gone. A
	// failure below leaves the page unmapped; Release is the only valid
	// operation on it then.
	var hdr [headerSize]byte
	copy(hdr[:], p.mem[:headerSize])
	if err := unix.Munmap(p.mem); err != nil {
		p.mem = nil
		return fmt.Errorf("unmap %s: %w", p.Name, err)
	}
	p.mem = nil
	if err := unix.Ftruncate(p.fd, int64(need)); err != nil {
		return fmt.Errorf("truncate %s: %w", p.Name, err)
	}
	mem, err := unix.Mmap(p.fd, 0, int(need), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("remap %s: %w", p.Name, err)
	}
	p.mem = mem
	copy(p.mem[:headerSize], hdr[:])
	binary.LittleEndian.PutUint16(p.mem[offWidth:], uint16(w))
	binary.LittleEndian.PutUint16(p.mem[offHeight:], uint16(h))
	p.layout(need)
	return nil
}

// Release unmaps the page, closes the descriptor and unlinks the
// shared-memory name plus the three derived semaphore names.
func (p *Page) Release() error {
	p.unmap()
	var first error
	if err := Unlink(p.Name); err != nil {
		first = err
	}
	vn, an, en, err := SemNames(p.Name)
	if err == nil {
		for _, n := range []string{vn, an, en} {
			if err := UnlinkSem(n); err != nil && first == nil {
				first = err
			}
		}
	} else if first == nil {
		first = err
	}
	return first
}

func (p *Page) unmap() {
	if p.mem != nil {
		unix.Munmap(p.mem)
		p.mem = nil
	}
	if p.fd >= 0 {
		unix.Close(p.fd)
		p.fd = -1
	}
}

func (p *Page) word(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&p.mem[off]))
}
