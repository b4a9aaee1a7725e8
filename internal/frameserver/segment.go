// Package frameserver drives the lifecycle of frameserver segments: spawning
// trusted children, accepting and verifying external clients on rendezvous
// sockets, and brokering subsegments over an existing control channel.
package frameserver

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/calder-io/frameserv/internal/nanny"
	"github.com/calder-io/frameserv/internal/shm"
)

// State of a segment's connection machine. Explicit and dispatched on, one
// state per segment.
type State int

const (
	StateListen State = iota
	StateVerifying
	StateLive
	StateDead
)

func (s State) String() string {
	switch s {
	case StateListen:
		return "listen"
	case StateVerifying:
		return "verifying"
	case StateLive:
		return "live"
	default:
		return "dead"
	}
}

// Cmd is the per-frame command the host issues to a segment.
type Cmd int

const (
	CmdPoll Cmd = iota
	CmdDestroy
)

// ChildExternal marks a segment whose peer connected over the rendezvous
// socket: there is no process to supervise.
const ChildExternal = -1

var (
	ErrBadHandle = errors.New("bad segment handle")
	ErrNotLive   = errors.New("segment not live")
)

// FrameHook is a host-side callback invoked synchronously from the frame
// loop. It must not block.
type FrameHook func(*Segment)

// Hooks are the host engine integration points a segment calls out through.
type Hooks struct {
	// EmptyFrame is the host's placeholder renderer, run each poll once a
	// segment is live.
	EmptyFrame FrameHook
	// AttachAudio wires the segment's audio buffer into the host mixer.
	AttachAudio func(*Segment) error
	// VideoPlaceholder builds the in-host video object for a segment.
	VideoPlaceholder func(s *Segment, w, h int) error
	// PostSpawn applies host-specific configuration to a freshly spawned
	// child: device hints, default input routing.
	PostSpawn func(*Segment)
	// Resolve maps a builtin frameserver mode name to a binary path.
	Resolve func(mode string) (string, error)
	// ApplPath is the application-relative resource root exported to
	// children as ARCAN_APPLPATH.
	ApplPath string
}

// Segment is the host-side handle of one shared-memory segment.
type Segment struct {
	Key        string
	Page       *shm.Page
	Vsem       *shm.Semaphore
	Asem       *shm.Semaphore
	Esem       *shm.Semaphore
	Rendezvous *shm.Rendezvous

	// Ctrl is the parent end of the datagram control socket shared with
	// the child, used for descriptor passing.
	Ctrl int
	// conn is the connected peer descriptor of a non-authoritative
	// segment, installed in place of the listening descriptor on accept.
	conn int

	Child int
	State State

	Subsegment bool
	Alive      bool
	SockSig    bool
	PBO        bool

	EventMask uint8

	// ExpectedKey, when set, is the shared secret a connecting client
	// must echo before the segment key is revealed.
	ExpectedKey []byte

	// Handshake scratch. Also reused to format the outgoing key line.
	inbuf [shm.ExpectedKeyLength]byte
	inofs int

	hooks Hooks
}

// Allocate creates a segment: a fresh collision-free key, the mapped page,
// the three semaphores, and optionally a rendezvous socket for external
// clients. With no rendezvous the segment belongs to the authoritative spawn
// path and starts live.
func Allocate(hooks Hooks, connpoint string) (*Segment, error) {
	key, fd, err := shm.GenKey()
	if err != nil {
		return nil, err
	}
	page, err := shm.Create(key, fd, os.Getpid())
	if err != nil {
		shm.Unlink(key)
		return nil, err
	}
	s := &Segment{
		Key:       key,
		Page:      page,
		Ctrl:      -1,
		conn:      -1,
		Child:     ChildExternal,
		State:     StateLive,
		Alive:     true,
		EventMask: shm.MaskAll,
		hooks:     hooks,
	}
	if err := s.openSems(); err != nil {
		page.Release()
		return nil, err
	}
	if connpoint != "" {
		rv, err := shm.Listen(connpoint)
		if err != nil {
			s.closeSems()
			page.Release()
			return nil, err
		}
		s.Rendezvous = rv
		s.State = StateListen
		s.Alive = false
		s.SockSig = true
	}
	return s, nil
}

// openSems opens the three derived semaphores, creating any that the
// privileged helper has not pre-seeded.
func (s *Segment) openSems() error {
	vn, an, en, err := shm.SemNames(s.Key)
	if err != nil {
		return err
	}
	open := func(name string) (*shm.Semaphore, error) {
		sem, err := shm.OpenSem(name)
		if err == nil {
			return sem, nil
		}
		return shm.CreateSem(name, 0)
	}
	if s.Vsem, err = open(vn); err != nil {
		return fmt.Errorf("video sem: %w", err)
	}
	if s.Asem, err = open(an); err != nil {
		s.closeSems()
		return fmt.Errorf("audio sem: %w", err)
	}
	if s.Esem, err = open(en); err != nil {
		s.closeSems()
		return fmt.Errorf("event sem: %w", err)
	}
	return nil
}

func (s *Segment) closeSems() {
	for _, sem := range []*shm.Semaphore{s.Vsem, s.Asem, s.Esem} {
		if sem != nil {
			sem.Close()
		}
	}
	s.Vsem, s.Asem, s.Esem = nil, nil, nil
}

// Resize renegotiates the page for a new video resolution. Forbidden while
// the segment is not live; a failed remap kills the segment.
func (s *Segment) Resize(w, h int) bool {
	if s == nil || s.Page == nil {
		return false
	}
	if s.State != StateLive {
		return false
	}
	if err := s.Page.Resize(w, h); err != nil {
		warnf("resize failed, dropping segment", "key", s.Key, "err", err)
		s.Release()
		return false
	}
	return true
}

// Enqueue places an event in the segment's outgoing queue, subject to the
// segment's category mask, and signals the event semaphore.
func (s *Segment) Enqueue(ev shm.Event) bool {
	if s.State != StateLive {
		return false
	}
	if ev.Category&s.EventMask == 0 {
		return false
	}
	if !s.Page.OutQueue().Enqueue(ev) {
		return false
	}
	s.Esem.Post()
	return true
}

// Dequeue drains one event from the segment's incoming queue.
func (s *Segment) Dequeue() (shm.Event, bool) {
	return s.Page.InQueue().Dequeue()
}

// Release tears the segment down: clears the dead-man-switch, unmaps and
// unlinks the page and semaphore names, closes every descriptor, removes the
// rendezvous path, and schedules the nanny for an authoritative child.
func (s *Segment) Release() {
	if s == nil || s.State == StateDead {
		return
	}
	if s.Page != nil {
		s.Page.SetDMS(false)
		s.Page.Release()
	}
	s.closeSems()
	if s.conn >= 0 {
		unix.Close(s.conn)
		s.conn = -1
	}
	if s.Ctrl >= 0 {
		unix.Close(s.Ctrl)
		s.Ctrl = -1
	}
	if s.Rendezvous != nil {
		s.Rendezvous.Close()
		s.Rendezvous = nil
	}
	if !s.Subsegment && s.Child > 0 {
		nanny.Schedule(s.Child)
	}
	s.Alive = false
	s.State = StateDead
}
