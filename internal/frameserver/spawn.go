package frameserver

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// Setup describes what to spawn. Builtin form: Mode names a well-known helper
// resolved through the host's path resolver, Resource is its pass-through
// argument string. External form: Path plus explicit argument and environment
// vectors.
type Setup struct {
	Mode     string
	Resource string

	Path string
	Args []string
	Env  []string
}

// External reports which form the setup takes.
func (st Setup) External() bool {
	return st.Path != ""
}

// Spawn allocates a segment without a rendezvous socket and launches a
// trusted frameserver child on it. The child inherits the control socket as
// descriptor 3; the external form also gets the segment key and size in the
// environment, the builtin form does not. Authoritative children do not
// negotiate, so the segment starts live.
func Spawn(hooks Hooks, setup Setup) (*Segment, error) {
	var bin string
	var args []string
	if setup.External() {
		bin = setup.Path
		args = setup.Args
	} else {
		if hooks.Resolve == nil {
			return nil, fmt.Errorf("no path resolver for builtin mode %q", setup.Mode)
		}
		resolved, err := hooks.Resolve(setup.Mode)
		if err != nil {
			return nil, fmt.Errorf("resolve mode %q: %w", setup.Mode, err)
		}
		bin = resolved
		args = []string{setup.Mode}
	}

	s, err := Allocate(hooks, "")
	if err != nil {
		return nil, err
	}

	parentFD, childFD, err := ControlPair()
	if err != nil {
		s.Release()
		return nil, err
	}
	childEnd := os.NewFile(uintptr(childFD), "ctrl")

	cmd := exec.Command(bin, args...)
	// The inherited duplicate lands at descriptor 3 in the child.
	cmd.ExtraFiles = []*os.File{childEnd}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	env := setup.Env
	if !setup.External() {
		env = os.Environ()
	}
	env = append(env,
		"ARCAN_SOCKIN_FD=3",
		"ARCAN_ARG="+setup.Resource,
		"ARCAN_APPLPATH="+hooks.ApplPath,
	)
	if setup.External() {
		env = append(env,
			"ARCAN_SHMKEY="+s.Key,
			"ARCAN_SHMSIZE="+strconv.FormatUint(uint64(s.Page.Size()), 10),
		)
	}
	cmd.Env = env

	// Own process group: a SIGINT aimed at the parent's terminal session
	// must not reach the child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		childEnd.Close()
		unix.Close(parentFD)
		s.Release()
		return nil, fmt.Errorf("exec %s: %w", bin, err)
	}
	childEnd.Close()

	s.Child = cmd.Process.Pid
	s.Ctrl = parentFD
	s.State = StateLive
	s.Alive = true
	if hooks.PostSpawn != nil {
		hooks.PostSpawn(s)
	}
	return s, nil
}

// ChildAlive polls the child with a non-blocking wait. A reaped or vanished
// pid marks the segment dead; the pid is a liveness hint, never an identity.
func (s *Segment) ChildAlive() bool {
	if s.Child == ChildExternal {
		return s.Alive
	}
	var ws unix.WaitStatus
	got, err := unix.Wait4(s.Child, &ws, unix.WNOHANG, nil)
	if err == unix.ECHILD || got == s.Child {
		s.Alive = false
		return false
	}
	return true
}
