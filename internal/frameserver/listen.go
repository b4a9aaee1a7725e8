package frameserver

import (
	"crypto/subtle"
	"time"

	"golang.org/x/sys/unix"

	"github.com/calder-io/frameserv/internal/shm"
)

// sendRetries bounds the non-blocking key write loop.
const sendRetries = 10

// Tick drives the segment through one frame of its connection machine. The
// host calls it with CmdPoll each frame and CmdDestroy on teardown. Nothing
// in here blocks: sockets are polled with a zero timeout.
func (s *Segment) Tick(cmd Cmd) {
	if s == nil || s.State == StateDead {
		return
	}
	if cmd == CmdDestroy {
		s.Release()
		return
	}
	switch s.State {
	case StateListen:
		s.pollListen()
	case StateVerifying:
		s.pollVerify()
	case StateLive:
		if s.hooks.EmptyFrame != nil {
			s.hooks.EmptyFrame(s)
		}
	}
}

func (s *Segment) pollListen() {
	pfd := []unix.PollFd{{Fd: int32(s.Rendezvous.FD), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, 0)
	if err != nil || n == 0 {
		return
	}
	if pfd[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		warnf("rendezvous socket failed", "key", s.Key)
		s.Release()
		return
	}
	if pfd[0].Revents&unix.POLLIN == 0 {
		return
	}
	conn, _, err := unix.Accept4(s.Rendezvous.FD, unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EINTR || err == unix.EAGAIN {
			return
		}
		warnf("accept failed", "key", s.Key, "err", err)
		s.Release()
		return
	}

	// The connected descriptor replaces the listener, and the path goes
	// away: one client per connpoint.
	unix.Close(s.Rendezvous.FD)
	s.Rendezvous.FD = -1
	s.Rendezvous.Unlink()
	s.conn = conn
	s.State = StateVerifying

	// Same tick: a keyless segment goes live immediately.
	s.pollVerify()
}

func (s *Segment) pollVerify() {
	if len(s.ExpectedKey) == 0 {
		s.sendKey()
		return
	}
	for {
		pfd := []unix.PollFd{{Fd: int32(s.conn), Events: unix.POLLIN}}
		n, err := unix.Poll(pfd, 0)
		if err != nil || n == 0 {
			return
		}
		if pfd[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			s.Release()
			return
		}
		if pfd[0].Revents&unix.POLLIN == 0 {
			return
		}

		// One byte at a time: the same socket becomes the event
		// transport right after the newline, nothing past it may be
		// consumed here.
		var b [1]byte
		got, err := unix.Read(s.conn, b[:])
		if err == unix.EINTR || err == unix.EAGAIN {
			return
		}
		if err != nil || got == 0 {
			s.Release()
			return
		}
		if b[0] == '\n' {
			s.verifyKey()
			return
		}
		if s.inofs >= len(s.inbuf) {
			warnf("oversized key line from client", "key", s.Key)
			s.Release()
			return
		}
		s.inbuf[s.inofs] = b[0]
		s.inofs++
	}
}

// verifyKey compares the received line against the expected key. Both sides
// are zero-padded to the key limit and compared in constant time: the secret
// is long-lived, an early-out compare would leak prefix length to a local
// attacker racing connects.
func (s *Segment) verifyKey() {
	var got, want [shm.ExpectedKeyLength]byte
	copy(got[:], s.inbuf[:s.inofs])
	copy(want[:], s.ExpectedKey)
	if subtle.ConstantTimeCompare(got[:], want[:]) == 1 {
		s.sendKey()
		return
	}
	warnf("client failed key verification", "key", s.Key)
	s.Release()
}

// sendKey writes the segment key and newline to the peer, bounded and
// non-blocking, then promotes the segment to live.
func (s *Segment) sendKey() {
	line := s.inbuf[:0]
	line = append(line, s.Key...)
	line = append(line, '\n')
	unix.SetNonblock(s.conn, true)

	sent := 0
	for try := 0; try < sendRetries && sent < len(line); try++ {
		n, err := unix.Write(s.conn, line[sent:])
		if err == unix.EAGAIN || err == unix.EINTR {
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil {
			warnf("key delivery failed", "key", s.Key, "err", err)
			s.Release()
			return
		}
		sent += n
	}
	if sent < len(line) {
		warnf("key delivery retries exhausted", "key", s.Key)
		s.Release()
		return
	}

	s.State = StateLive
	s.Alive = true
	if s.hooks.AttachAudio != nil {
		if err := s.hooks.AttachAudio(s); err != nil {
			warnf("audio attach failed", "key", s.Key, "err", err)
		}
	}
	if s.Page.AudioSize() == 0 {
		s.Page.SetAudioSize(shm.DefaultAudioSize)
	}
}
