package frameserver

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/calder-io/frameserv/internal/logger"
)

func warnf(msg string, args ...any) {
	logger.Warn(msg, args...)
}

// ControlPair creates the datagram socket pair shared with a child. Both ends
// are close-on-exec; the child end reaches the child through descriptor
// inheritance, which clears the flag on the duplicate.
func ControlPair() (parent, child int, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, -1, fmt.Errorf("control socketpair: %w", err)
	}
	return fds[0], fds[1], nil
}

// SendFD passes a descriptor over a control socket as an auxiliary message,
// with payload as the in-band datagram.
func SendFD(via, fd int, payload []byte) error {
	if via < 0 || fd < 0 {
		return ErrBadHandle
	}
	rights := unix.UnixRights(fd)
	if err := unix.Sendmsg(via, payload, rights, nil, 0); err != nil {
		return fmt.Errorf("fd transfer: %w", err)
	}
	return nil
}

// RecvFD receives one descriptor and its in-band payload from a control
// socket.
func RecvFD(via int) (fd int, payload []byte, err error) {
	buf := make([]byte, 256)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := unix.Recvmsg(via, buf, oob, 0)
	if err != nil {
		return -1, nil, fmt.Errorf("fd receive: %w", err)
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, nil, fmt.Errorf("parse control message: %w", err)
	}
	for _, m := range msgs {
		fds, err := unix.ParseUnixRights(&m)
		if err == nil && len(fds) > 0 {
			return fds[0], buf[:n], nil
		}
	}
	return -1, nil, fmt.Errorf("no descriptor in message")
}
