package proxy

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/calder-io/frameserv/internal/a12"
	"github.com/calder-io/frameserv/internal/keystore"
)

// One inbound session in exec mode: an authenticated peer connects, the
// configured binary runs as the local client, and the session winds down
// cleanly when the peer leaves.
func TestExecModeSession(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	opts := Options{
		Mode:     ModeExec,
		ExecPath: "/bin/true",
		Single:   true,
	}

	srvErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			srvErr <- err
			return
		}
		srvErr <- handleInbound(context.Background(), opts, conn)
	}()

	nc, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	remote, err := a12.Handshake(nc, a12.RoleClient, nil, a12.Options{})
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	remote.Close()

	select {
	case err := <-srvErr:
		if err != nil {
			t.Fatalf("handleInbound: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("session never finished")
	}
}

// A peer that fails authentication gets nothing but a closed socket, and no
// local client is spawned.
func TestInboundRejectsBadPeer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	// A keystore that already trusts someone else denies the new peer.
	ks, err := keystore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("keystore: %v", err)
	}
	defer ks.Close()
	if err := ks.Accept(bytes.Repeat([]byte{0x11}, 32), "other"); err != nil {
		t.Fatalf("seed keystore: %v", err)
	}

	opts := Options{
		Mode:     ModeExec,
		ExecPath: "/bin/false", // must never run
		Single:   true,
		Keystore: ks,
	}

	srvErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			srvErr <- err
			return
		}
		srvErr <- handleInbound(context.Background(), opts, conn)
	}()

	nc, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer nc.Close()
	if _, err := a12.Handshake(nc, a12.RoleClient, nil, a12.Options{}); err == nil {
		t.Error("client handshake unexpectedly succeeded")
	}

	if err := <-srvErr; err == nil {
		t.Error("server accepted an untrusted peer")
	}
}
