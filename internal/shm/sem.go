package shm

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux futex(2) operation codes. golang.org/x/sys/unix exposes the FUTEX
// syscall number (unix.SYS_FUTEX) but not these op constants, so they are
// defined here with their fixed kernel ABI values.
const (
	futexWait = 0
	futexWake = 1
)

// Semaphore is a named counting semaphore shared between host and child: a
// single mapped word under /dev/shm, posted and waited on with futexes. The
// name follows the POSIX sem convention (sem.<name>) so co-local tooling can
// enumerate them next to the segment pages.
type Semaphore struct {
	Name string
	fd   int
	mem  []byte
}

const semBytes = 4

func semPath(name string) string {
	return "/dev/shm/sem." + name
}

// CreateSem creates the backing file for a named semaphore with the given
// initial count. In production the creator is a privileged helper; the
// segment allocator also calls it for any derived name that the helper has
// not pre-seeded.
func CreateSem(name string, value uint32) (*Semaphore, error) {
	fd, err := unix.Open(semPath(name), unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0600)
	if err != nil {
		return nil, fmt.Errorf("create sem %s: %w", name, err)
	}
	if err := unix.Ftruncate(fd, semBytes); err != nil {
		unix.Close(fd)
		unix.Unlink(semPath(name))
		return nil, fmt.Errorf("size sem %s: %w", name, err)
	}
	s, err := mapSem(name, fd)
	if err != nil {
		unix.Unlink(semPath(name))
		return nil, err
	}
	atomic.StoreUint32(s.count(), value)
	return s, nil
}

// OpenSem opens an existing named semaphore.
func OpenSem(name string) (*Semaphore, error) {
	fd, err := unix.Open(semPath(name), unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open sem %s: %w", name, err)
	}
	return mapSem(name, fd)
}

func mapSem(name string, fd int) (*Semaphore, error) {
	mem, err := unix.Mmap(fd, 0, semBytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("map sem %s: %w", name, err)
	}
	return &Semaphore{Name: name, fd: fd, mem: mem}, nil
}

func (s *Semaphore) count() *uint32 {
	return (*uint32)(unsafe.Pointer(&s.mem[0]))
}

// Value returns the current count. Racy by nature, useful for diagnostics.
func (s *Semaphore) Value() uint32 {
	return atomic.LoadUint32(s.count())
}

// Post increments the count and wakes one waiter.
func (s *Semaphore) Post() error {
	atomic.AddUint32(s.count(), 1)
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(s.count())), futexWake, 1, 0, 0, 0)
	if errno != 0 {
		return fmt.Errorf("wake sem %s: %w", s.Name, errno)
	}
	return nil
}

// TryWait decrements the count if it is positive. Returns false without
// blocking otherwise.
func (s *Semaphore) TryWait() bool {
	for {
		v := atomic.LoadUint32(s.count())
		if v == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(s.count(), v, v-1) {
			return true
		}
	}
}

// Wait blocks until the count can be decremented, or until the timeout
// expires (zero timeout blocks forever).
func (s *Semaphore) Wait(timeout time.Duration) error {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if s.TryWait() {
			return nil
		}
		var tsp *unix.Timespec
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				return os.ErrDeadlineExceeded
			}
			ts := unix.NsecToTimespec(left.Nanoseconds())
			tsp = &ts
		}
		_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
			uintptr(unsafe.Pointer(s.count())), futexWait, 0,
			uintptr(unsafe.Pointer(tsp)), 0, 0)
		switch errno {
		case 0, unix.EAGAIN, unix.EINTR:
			// value moved or spurious wake, retry the decrement
		case unix.ETIMEDOUT:
			return os.ErrDeadlineExceeded
		default:
			return fmt.Errorf("wait sem %s: %w", s.Name, errno)
		}
	}
}

// Close unmaps and closes the handle without unlinking the name.
func (s *Semaphore) Close() {
	if s.mem != nil {
		unix.Munmap(s.mem)
		s.mem = nil
	}
	if s.fd >= 0 {
		unix.Close(s.fd)
		s.fd = -1
	}
}

// UnlinkSem removes a named semaphore from the namespace. Missing names are
// not an error.
func UnlinkSem(name string) error {
	err := unix.Unlink(semPath(name))
	if err != nil && err != unix.ENOENT {
		return err
	}
	return nil
}
