package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// SocketPrefix is the compile-time prefix for rendezvous socket paths. A
// relative prefix is rooted in HOME; a leading NUL selects the abstract
// namespace where the platform has one.
const SocketPrefix = ".fsrv_sock_"

// SocketPerm is the compile-time permission mask applied to rendezvous
// sockets.
const SocketPerm = 0700

// sun_path limit, minus the terminator.
const maxSockPath = 107

// Rendezvous is a listening stream socket at a well-known filesystem path,
// where exactly one unprivileged client is accepted before the path is
// unlinked.
type Rendezvous struct {
	FD   int
	Path string
}

// SocketPath resolves the filesystem path for a connpoint name.
func SocketPath(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty connpoint name")
	}
	prefix := SocketPrefix
	var path string
	switch {
	case prefix[0] == 0:
		path = prefix + name
	case prefix[0] == '/':
		path = prefix + name
	default:
		home := os.Getenv("HOME")
		if home == "" {
			return "", fmt.Errorf("relative socket prefix and no HOME")
		}
		path = home + "/" + prefix + name
	}
	if len(path) > maxSockPath {
		return "", fmt.Errorf("socket path %q exceeds platform limit", path)
	}
	return path, nil
}

// Listen creates the rendezvous socket for a connpoint name: close-on-exec,
// stale path unlinked, permissions masked, backlog of one.
func Listen(name string) (*Rendezvous, error) {
	path, err := SocketPath(name)
	if err != nil {
		return nil, err
	}
	return ListenPath(path)
}

// ListenPath is Listen with an explicit, already-resolved path.
func ListenPath(path string) (*Rendezvous, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("rendezvous socket: %w", err)
	}
	abstract := path[0] == 0
	if !abstract {
		unix.Unlink(path)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %q: %w", path, err)
	}
	if !abstract {
		if err := unix.Chmod(path, SocketPerm); err != nil {
			unix.Close(fd)
			unix.Unlink(path)
			return nil, fmt.Errorf("chmod %q: %w", path, err)
		}
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		if !abstract {
			unix.Unlink(path)
		}
		return nil, fmt.Errorf("listen %q: %w", path, err)
	}
	return &Rendezvous{FD: fd, Path: path}, nil
}

// Unlink removes the filesystem path. Called immediately after accept so only
// one client ever binds to the name.
func (r *Rendezvous) Unlink() {
	if r.Path != "" && r.Path[0] != 0 {
		unix.Unlink(r.Path)
	}
	r.Path = ""
}

// Close tears down the listening descriptor and the path if still present.
func (r *Rendezvous) Close() {
	if r.FD >= 0 {
		unix.Close(r.FD)
		r.FD = -1
	}
	r.Unlink()
}
