// Package proxy bridges a local shmif endpoint to a remote peer over an
// authenticated a12 stream. Four modes: forward a local connpoint to a remote
// host, the same with an inherited descriptor, accept inbound connections for
// a local connpoint, or spawn a binary as the local client per inbound
// connection.
package proxy

import (
	"context"
	"crypto/ecdh"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/calder-io/frameserv/internal/a12"
	"github.com/calder-io/frameserv/internal/keystore"
	"github.com/calder-io/frameserv/internal/logger"
)

// Mode selects the top-level proxy behavior.
type Mode int

const (
	// ModeSrv opens a local connpoint and forwards each client to the
	// remote peer.
	ModeSrv Mode = iota
	// ModeSrvInherit is ModeSrv with the local primitive already open as
	// an inherited descriptor.
	ModeSrvInherit
	// ModeCl accepts inbound TCP and connects each peer to a local
	// connpoint.
	ModeCl
	// ModeExec is ModeCl but spawns a binary as the local client after
	// authentication.
	ModeExec
)

// Options configure a proxy run.
type Options struct {
	Mode Mode

	// Connpoint is the local rendezvous name (ModeSrv) or the local
	// connpoint each inbound peer is attached to (ModeCl).
	Connpoint string
	// Tag selects the keystore identity for outbound connections.
	Tag string
	// Host and Port name the remote peer (ModeSrv/ModeSrvInherit).
	Host string
	Port string

	// InheritFD is the pre-opened local primitive (ModeSrvInherit), or
	// the accepted connection in a forked child (<0 when unset).
	InheritFD int

	// ListenHost and ListenPort bind the inbound socket (ModeCl/ModeExec).
	ListenHost string
	ListenPort string

	// ExecPath and ExecArgs spawn the local client (ModeExec).
	ExecPath string
	ExecArgs []string

	// Single serves one connection at a time in-process instead of
	// forking per connection.
	Single bool

	// Retry bounds outbound connect attempts; negative retries forever.
	Retry int

	Trace uint32

	// NoRedirect disables the exit-redirect to ARCAN_CONNPATH.
	NoRedirect bool
	// RedirectPoint is the connpoint clients are pointed at on orderly
	// remote shutdown.
	RedirectPoint string

	// Keystore authenticates peers and provides the local identity. May
	// be nil for trust-on-first-use operation.
	Keystore *keystore.Store

	// DropPriv is the host-provided privilege-separation primitive a
	// forked child calls before bridging. May be nil.
	DropPriv func() error

	// ChildArgs re-launches this binary for fork-per-connection dispatch.
	// The accepted descriptor is appended as an inherited file.
	ChildArgs []string
}

// Run executes the proxy until ctx is done or the mode finishes.
func Run(ctx context.Context, opts Options) error {
	// Broken pipes surface as write errors and children are terminal
	// forks, so neither signal carries information here.
	signal.Ignore(syscall.SIGPIPE, syscall.SIGCHLD)

	switch opts.Mode {
	case ModeSrv:
		return runSrv(ctx, opts)
	case ModeSrvInherit:
		return runSrvInherit(ctx, opts)
	case ModeCl, ModeExec:
		return runCl(ctx, opts)
	default:
		return fmt.Errorf("unknown proxy mode %d", opts.Mode)
	}
}

func (o *Options) privKey() (*ecdh.PrivateKey, error) {
	if o.Keystore != nil && o.Tag != "" {
		_, _, priv, err := o.Keystore.Tag(o.Tag)
		if err == nil {
			return priv, nil
		}
		logger.Warn("no keystore entry for tag, using ephemeral key", "tag", o.Tag, "err", err)
	}
	return a12.GenerateKey()
}

func (o *Options) acceptPeer() func([]byte) bool {
	ks := o.Keystore
	if ks == nil {
		return nil
	}
	return func(pub []byte) bool {
		if ks.Empty() {
			// First contact: record and trust.
			if err := ks.Accept(pub, o.Tag); err != nil {
				logger.Warn("recording first peer failed", "err", err)
			}
			return true
		}
		return ks.Accepted(pub)
	}
}

// dialRemote connects to the peer with the linear retry policy. alive is
// polled between attempts so a dead local client aborts the loop early.
func dialRemote(ctx context.Context, opts Options, alive func() bool) (net.Conn, error) {
	addr := net.JoinHostPort(opts.Host, opts.Port)
	bo := NewBackoff(time.Second, 10*time.Second)
	for attempt := 0; ; attempt++ {
		if opts.Retry >= 0 && attempt > opts.Retry {
			return nil, fmt.Errorf("connect %s: retries exhausted", addr)
		}
		var d net.Dialer
		nc, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return nc, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if alive != nil && !alive() {
			return nil, fmt.Errorf("connect %s: local client gone", addr)
		}
		wait := bo.Next()
		logger.Info("remote unreachable, retrying", "addr", addr, "wait", wait, "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func connID() string {
	return uuid.NewString()[:8]
}
