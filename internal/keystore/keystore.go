// Package keystore persists the proxy's identity keys and trusted peers:
// tag bindings (tag -> host, port, local private key) and the accepted set of
// remote public keys, in a sqlite database under the state directory.
package keystore

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	_ "modernc.org/sqlite"

	"github.com/calder-io/frameserv/internal/a12"
	"github.com/calder-io/frameserv/internal/logger"
)

const dbName = "keystore.db"

const schema = `
CREATE TABLE IF NOT EXISTS hostkeys (
	tag TEXT PRIMARY KEY,
	host TEXT NOT NULL,
	port INTEGER NOT NULL DEFAULT 6680,
	privkey BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS accepted (
	pubkey BLOB PRIMARY KEY,
	tag TEXT NOT NULL DEFAULT ''
);
`

// Store is an open keystore.
type Store struct {
	dir string
	db  *sql.DB

	mu       sync.RWMutex
	accepted map[string]bool
}

// Open opens (creating if needed) the keystore under dir.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("keystore: empty state dir")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("keystore dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, dbName))
	if err != nil {
		return nil, fmt.Errorf("open keystore: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	s := &Store{dir: dir, db: db}
	if err := s.reload(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Tag returns the binding of a registered tag. An unknown tag is an error;
// Register is what creates the binding and its private key.
func (s *Store) Tag(tag string) (host string, port int, priv *ecdh.PrivateKey, err error) {
	var raw []byte
	row := s.db.QueryRow("SELECT host, port, privkey FROM hostkeys WHERE tag = ?", tag)
	if err := row.Scan(&host, &port, &raw); err != nil {
		return "", 0, nil, fmt.Errorf("tag %q: %w", tag, err)
	}
	priv, err = a12.ParsePrivateKey(raw)
	if err != nil {
		return "", 0, nil, fmt.Errorf("tag %q key: %w", tag, err)
	}
	return host, port, priv, nil
}

// Register stores (or replaces) a tag binding. A fresh keypair is generated
// when the tag is new; an existing key survives host/port updates.
func (s *Store) Register(tag, host string, port int) (pub []byte, err error) {
	var raw []byte
	row := s.db.QueryRow("SELECT privkey FROM hostkeys WHERE tag = ?", tag)
	switch err := row.Scan(&raw); err {
	case nil:
	case sql.ErrNoRows:
		priv, err := a12.GenerateKey()
		if err != nil {
			return nil, err
		}
		raw = priv.Bytes()
	default:
		return nil, fmt.Errorf("tag %q: %w", tag, err)
	}
	_, err = s.db.Exec(`INSERT INTO hostkeys (tag, host, port, privkey) VALUES (?, ?, ?, ?)
		ON CONFLICT(tag) DO UPDATE SET host = excluded.host, port = excluded.port`,
		tag, host, port, raw)
	if err != nil {
		return nil, fmt.Errorf("register %q: %w", tag, err)
	}
	priv, err := a12.ParsePrivateKey(raw)
	if err != nil {
		return nil, err
	}
	return priv.PublicKey().Bytes(), nil
}

// Tags lists all registered tag bindings.
func (s *Store) Tags() (map[string]string, error) {
	rows, err := s.db.Query("SELECT tag, host || ':' || port FROM hostkeys ORDER BY tag")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var tag, hp string
		if err := rows.Scan(&tag, &hp); err != nil {
			return nil, err
		}
		out[tag] = hp
	}
	return out, rows.Err()
}

// Accept records a peer public key as trusted.
func (s *Store) Accept(pub []byte, tag string) error {
	if _, err := s.db.Exec(`INSERT OR IGNORE INTO accepted (pubkey, tag) VALUES (?, ?)`,
		pub, tag); err != nil {
		return err
	}
	s.mu.Lock()
	if s.accepted == nil {
		s.accepted = map[string]bool{}
	}
	s.accepted[string(pub)] = true
	s.mu.Unlock()
	return nil
}

// Accepted reports whether a peer public key is in the trusted set.
func (s *Store) Accepted(pub []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accepted[string(pub)]
}

// Empty reports whether any peer has been accepted yet; an empty store runs
// trust-on-first-use.
func (s *Store) Empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accepted) == 0
}

func (s *Store) reload() error {
	rows, err := s.db.Query("SELECT pubkey FROM accepted")
	if err != nil {
		return fmt.Errorf("load accepted peers: %w", err)
	}
	defer rows.Close()
	set := map[string]bool{}
	for rows.Next() {
		var pub []byte
		if err := rows.Scan(&pub); err != nil {
			return err
		}
		set[string(bytes.Clone(pub))] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.accepted = set
	s.mu.Unlock()
	return nil
}

// Watch reloads the accepted set whenever another process touches the
// database files, until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("keystore watch: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return fmt.Errorf("keystore watch %s: %w", s.dir, err)
	}
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				// In WAL mode another process's commits land in the
				// -wal file before any checkpoint reaches the main file.
				if base := filepath.Base(ev.Name); base != dbName && base != dbName+"-wal" {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := s.reload(); err != nil {
					logger.Warn("keystore reload failed", "err", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("keystore watcher error", "err", err)
			}
		}
	}()
	return nil
}
