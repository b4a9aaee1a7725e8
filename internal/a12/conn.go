package a12

import (
	"crypto/cipher"
	"crypto/ecdh"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Role of this end of the session. The two directions use distinct derived
// keys, so the labels must agree with the role split.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// ErrAuthFailed is returned when the peer cannot prove possession of an
// accepted key.
var ErrAuthFailed = errors.New("a12: authentication failed")

const (
	helloMagic       = "a12/1\n"
	maxFrame         = 1 << 20
	handshakeTimeout = 15 * time.Second
)

// Options tune a handshake.
type Options struct {
	// Accept decides whether a peer public key is trusted. Nil accepts
	// any peer and records nothing.
	Accept func(peerPub []byte) bool
	// Trace is the active trace bitmap.
	Trace uint32
}

// Conn is an authenticated, encrypted record stream.
type Conn struct {
	nc      net.Conn
	tx, rx  cipher.AEAD
	PeerPub []byte
	trace   uint32
}

// Handshake authenticates nc and returns the encrypted session. On failure
// the caller owns shutdown (see Reject).
func Handshake(nc net.Conn, role Role, priv *ecdh.PrivateKey, opts Options) (*Conn, error) {
	if priv == nil {
		k, err := GenerateKey()
		if err != nil {
			return nil, err
		}
		priv = k
	}
	nc.SetDeadline(time.Now().Add(handshakeTimeout))
	defer nc.SetDeadline(time.Time{})

	// Raw public key exchange, client first.
	ours := priv.PublicKey().Bytes()
	theirs := make([]byte, 32)
	if role == RoleClient {
		if _, err := nc.Write(ours); err != nil {
			return nil, fmt.Errorf("a12: send key: %w", err)
		}
		if _, err := io.ReadFull(nc, theirs); err != nil {
			return nil, fmt.Errorf("a12: read key: %w", err)
		}
	} else {
		if _, err := io.ReadFull(nc, theirs); err != nil {
			return nil, fmt.Errorf("a12: read key: %w", err)
		}
		if _, err := nc.Write(ours); err != nil {
			return nil, fmt.Errorf("a12: send key: %w", err)
		}
	}

	if opts.Accept != nil && !opts.Accept(theirs) {
		return nil, ErrAuthFailed
	}

	txInfo, rxInfo := "a12-c2s", "a12-s2c"
	if role == RoleServer {
		txInfo, rxInfo = rxInfo, txInfo
	}
	tx, err := deriveAEAD(priv, theirs, txInfo)
	if err != nil {
		return nil, err
	}
	rx, err := deriveAEAD(priv, theirs, rxInfo)
	if err != nil {
		return nil, err
	}
	c := &Conn{nc: nc, tx: tx, rx: rx, PeerPub: theirs, trace: opts.Trace}

	// Both sides prove key possession with an encrypted hello before any
	// shmif traffic flows. Client speaks first; the server only answers a
	// hello it could open.
	if role == RoleClient {
		if err := c.WriteFrame([]byte(helloMagic)); err != nil {
			return nil, fmt.Errorf("a12: hello: %w", err)
		}
		hello, err := c.ReadFrame()
		if err != nil || string(hello) != helloMagic {
			return nil, ErrAuthFailed
		}
	} else {
		hello, err := c.ReadFrame()
		if err != nil || string(hello) != helloMagic {
			return nil, ErrAuthFailed
		}
		if err := c.WriteFrame([]byte(helloMagic)); err != nil {
			return nil, fmt.Errorf("a12: hello: %w", err)
		}
	}
	c.tracef(TraceSecurity, "session established", "peer", fmt.Sprintf("%x", theirs[:8]))
	return c, nil
}

// Reject shuts a failed connection down half-duplex and closes it, leaking
// nothing to the peer beyond the close.
func Reject(nc net.Conn) {
	if tc, ok := nc.(*net.TCPConn); ok {
		tc.CloseWrite()
	}
	nc.Close()
}

// WriteFrame seals one record onto the wire: 4-byte length prefix, then
// nonce and ciphertext.
func (c *Conn) WriteFrame(payload []byte) error {
	if len(payload) > maxFrame {
		return fmt.Errorf("a12: frame of %d exceeds limit", len(payload))
	}
	rec, err := seal(c.tx, payload)
	if err != nil {
		return err
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(rec)))
	if _, err := c.nc.Write(hdr[:]); err != nil {
		return err
	}
	_, err = c.nc.Write(rec)
	c.tracef(TraceTransfer, "frame out", "bytes", len(payload))
	return err
}

// ReadFrame reads and opens one record.
func (c *Conn) ReadFrame() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.nc, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrame+64 {
		return nil, fmt.Errorf("a12: oversize frame %d", n)
	}
	rec := make([]byte, n)
	if _, err := io.ReadFull(c.nc, rec); err != nil {
		return nil, err
	}
	payload, err := open(c.rx, rec)
	if err != nil {
		return nil, fmt.Errorf("a12: record: %w", err)
	}
	c.tracef(TraceTransfer, "frame in", "bytes", len(payload))
	return payload, nil
}

// Close tears the session down.
func (c *Conn) Close() error {
	return c.nc.Close()
}
