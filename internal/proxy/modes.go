package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/calder-io/frameserv/internal/a12"
	"github.com/calder-io/frameserv/internal/logger"
	"github.com/calder-io/frameserv/internal/shm"
)

// runSrv opens the local connpoint and, for each local client, establishes a
// fresh outbound connection and runs the a12 client half against the shmif
// server half.
func runSrv(ctx context.Context, opts Options) error {
	rv, err := shm.Listen(opts.Connpoint)
	if err != nil {
		return fmt.Errorf("connpoint %q: %w", opts.Connpoint, err)
	}
	// FileListener dups; the original descriptor is done either way.
	f := os.NewFile(uintptr(rv.FD), "connpoint")
	ln, err := net.FileListener(f)
	f.Close()
	rv.FD = -1
	if err != nil {
		rv.Unlink()
		return fmt.Errorf("connpoint listener: %w", err)
	}
	defer ln.Close()
	defer rv.Unlink()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		local, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("connpoint accept: %w", err)
		}
		id := connID()
		logger.Info("local client connected", "id", id, "connpoint", opts.Connpoint)
		if err := serveOutbound(ctx, opts, id, local); err != nil {
			logger.Warn("outbound session failed", "id", id, "err", err)
		}
	}
}

// runSrvInherit is runSrv with the local primitive already connected on an
// inherited descriptor.
func runSrvInherit(ctx context.Context, opts Options) error {
	if opts.InheritFD < 0 {
		return errors.New("inherit mode without a descriptor")
	}
	f := os.NewFile(uintptr(opts.InheritFD), "shmif")
	local, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("inherited descriptor: %w", err)
	}
	return serveOutbound(ctx, opts, connID(), local)
}

func serveOutbound(ctx context.Context, opts Options, id string, local net.Conn) error {
	defer local.Close()

	alive := func() bool { return localAlive(local) }
	nc, err := dialRemote(ctx, opts, alive)
	if err != nil {
		return err
	}
	priv, err := opts.privKey()
	if err != nil {
		nc.Close()
		return err
	}
	remote, err := a12.Handshake(nc, a12.RoleClient, priv, a12.Options{
		Accept: opts.acceptPeer(),
		Trace:  opts.Trace,
	})
	if err != nil {
		a12.Reject(nc)
		return err
	}
	bridge(id, local, remote)
	return nil
}

// runCl accepts inbound connections and attaches each authenticated peer to
// a local shmif client. In a forked child the accepted descriptor arrives
// inherited and exactly one connection is served.
func runCl(ctx context.Context, opts Options) error {
	if opts.InheritFD >= 0 {
		f := os.NewFile(uintptr(opts.InheritFD), "conn")
		conn, err := net.FileConn(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("inherited connection: %w", err)
		}
		if opts.DropPriv != nil {
			if err := opts.DropPriv(); err != nil {
				conn.Close()
				return fmt.Errorf("privilege separation: %w", err)
			}
		}
		return handleInbound(ctx, opts, conn)
	}

	addr := net.JoinHostPort(opts.ListenHost, opts.ListenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	logger.Info("listening for inbound peers", "addr", addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// A failing listener will not get better by itself.
			return fmt.Errorf("accept: %w", err)
		}
		if opts.Single {
			if err := handleInbound(ctx, opts, conn); err != nil {
				logger.Warn("inbound session failed", "err", err)
			}
			continue
		}
		if err := forkChild(opts, conn); err != nil {
			logger.Warn("connection handoff failed", "err", err)
		}
		conn.Close()
	}
}

// forkChild hands the accepted connection to a re-exec of this binary. The
// parent closes the connection right after handoff; the child serves exactly
// one session and exits.
func forkChild(opts Options, conn net.Conn) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return fmt.Errorf("unexpected connection type %T", conn)
	}
	f, err := tc.File()
	if err != nil {
		return fmt.Errorf("dup connection: %w", err)
	}
	defer f.Close()

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	cmd := exec.Command(exe, opts.ChildArgs...)
	cmd.ExtraFiles = []*os.File{f}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn session child: %w", err)
	}
	// Terminal fork: SIGCHLD is ignored, the child is never waited on.
	cmd.Process.Release()
	return nil
}

func handleInbound(ctx context.Context, opts Options, conn net.Conn) error {
	defer conn.Close()
	id := connID()

	priv, err := opts.privKey()
	if err != nil {
		return err
	}
	remote, err := a12.Handshake(conn, a12.RoleServer, priv, a12.Options{
		Accept: opts.acceptPeer(),
		Trace:  opts.Trace,
	})
	if err != nil {
		a12.Reject(conn)
		return err
	}

	if opts.Mode == ModeExec {
		return execLocalClient(ctx, opts, id, remote)
	}

	path, err := shm.SocketPath(opts.Connpoint)
	if err != nil {
		remote.Close()
		return err
	}
	local, err := net.Dial("unix", path)
	if err != nil {
		remote.Close()
		return fmt.Errorf("local connpoint %q: %w", opts.Connpoint, err)
	}
	bridge(id, local, remote)
	return nil
}

// execLocalClient spawns the configured binary as the local shmif client,
// wired to the session over an inherited socket, and reaps it when the
// bridge ends.
func execLocalClient(ctx context.Context, opts Options, id string, remote *a12.Conn) error {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		remote.Close()
		return fmt.Errorf("client socketpair: %w", err)
	}
	ourFile := os.NewFile(uintptr(fds[0]), "bridge")
	childFile := os.NewFile(uintptr(fds[1]), "shmif")
	local, err := net.FileConn(ourFile)
	ourFile.Close()
	if err != nil {
		childFile.Close()
		remote.Close()
		return fmt.Errorf("bridge socket: %w", err)
	}

	cmd := exec.CommandContext(ctx, opts.ExecPath, opts.ExecArgs...)
	cmd.ExtraFiles = []*os.File{childFile}
	env := append(os.Environ(), "ARCAN_SOCKIN_FD=3")
	if !opts.NoRedirect && opts.RedirectPoint != "" {
		// The client migrates itself on server loss when it knows an
		// exit connpoint.
		env = append(env, "ARCAN_CONNPATH="+opts.RedirectPoint)
	}
	cmd.Env = env
	if err := cmd.Start(); err != nil {
		childFile.Close()
		local.Close()
		remote.Close()
		return fmt.Errorf("exec %s: %w", opts.ExecPath, err)
	}
	childFile.Close()
	logger.Info("local client spawned", "id", id, "path", opts.ExecPath, "pid", cmd.Process.Pid)

	bridge(id, local, remote)
	if err := cmd.Wait(); err != nil {
		logger.Warn("local client exited with error", "id", id, "err", err)
	}
	return nil
}

// localAlive peeks at the local descriptor without consuming anything; a
// zero-byte read or a hard error means the client is gone.
func localAlive(c net.Conn) bool {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return true
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return false
	}
	alive := true
	raw.Control(func(fd uintptr) {
		var b [1]byte
		n, _, err := unix.Recvfrom(int(fd), b[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		if n == 0 && err == nil {
			alive = false
		}
		if err != nil && err != unix.EAGAIN && err != unix.EINTR {
			alive = false
		}
	})
	return alive
}
