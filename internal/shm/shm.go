// Package shm manages the shared-memory segments that connect the host to its
// frameserver children: a mapped page with a fixed header, video/audio buffers
// and two event rings, three named counting semaphores derived from the segment
// key, and an optional filesystem rendezvous socket for external clients.
package shm

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const (
	// KeyLength is the fixed length of a segment key. The last byte is
	// always alphanumeric so the semaphore names can be derived by
	// replacing it in place.
	KeyLength = 32

	// ExpectedKeyLength bounds the pre-shared secret an external client
	// must echo before the segment key is revealed.
	ExpectedKeyLength = 64

	shmDir    = "/dev/shm"
	keyPrefix = "fsrv"
)

const (
	// StartSize is the initial page size for a fresh segment.
	StartSize = 1 << 20
	// MaxSize caps what Resize will accept.
	MaxSize = 48 << 20
)

// Version of the page layout. Bumping either field changes the cookie.
const (
	VersionMajor = 0
	VersionMinor = 6
)

// Cookie returns the build-dependent magic stored in every page header. A
// consumer that computes a different cookie has an incompatible layout.
func Cookie() uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "fsrv-page/%d.%d/hdr=%d/ev=%dx%d", VersionMajor, VersionMinor,
		headerSize, EventSize, QueueDepth)
	return h.Sum64()
}

// GenKey probes the shared-memory namespace for an unused key and reserves it
// by creating the backing file exclusively. It returns the key and the open
// descriptor.
func GenKey() (string, int, error) {
	for try := 0; try < 10; try++ {
		var raw [14]byte
		if _, err := rand.Read(raw[:]); err != nil {
			return "", -1, fmt.Errorf("key entropy: %w", err)
		}
		key := keyPrefix + hex.EncodeToString(raw[:])
		if len(key) != KeyLength {
			return "", -1, fmt.Errorf("key length drifted: %d", len(key))
		}
		fd, err := unix.Open(filepath.Join(shmDir, key),
			unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0600)
		if err == unix.EEXIST {
			continue
		}
		if err != nil {
			return "", -1, fmt.Errorf("reserve %s: %w", key, err)
		}
		return key, fd, nil
	}
	return "", -1, fmt.Errorf("key namespace exhausted")
}

// SemNames derives the three semaphore names from a segment key: the key with
// its last byte replaced by v, a and e (video, audio, event).
func SemNames(key string) (vname, aname, ename string, err error) {
	if len(key) == 0 {
		return "", "", "", fmt.Errorf("empty key")
	}
	base := key[:len(key)-1]
	return base + "v", base + "a", base + "e", nil
}

// Unlink removes the backing file of a shared-memory name. Missing files are
// not an error so release stays idempotent.
func Unlink(name string) error {
	err := os.Remove(filepath.Join(shmDir, name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
