package keystore

import (
	"bytes"
	"testing"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRegisterAndTag(t *testing.T) {
	s := openStore(t)

	pub, err := s.Register("desk", "10.0.0.5", 6680)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(pub) != 32 {
		t.Fatalf("public key length = %d", len(pub))
	}

	host, port, priv, err := s.Tag("desk")
	if err != nil {
		t.Fatalf("Tag: %v", err)
	}
	if host != "10.0.0.5" || port != 6680 {
		t.Errorf("binding = %s:%d", host, port)
	}
	if !bytes.Equal(priv.PublicKey().Bytes(), pub) {
		t.Error("private key does not match registered public key")
	}
}

func TestRegisterKeepsKeyOnUpdate(t *testing.T) {
	s := openStore(t)

	pub1, err := s.Register("desk", "10.0.0.5", 6680)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	pub2, err := s.Register("desk", "10.0.0.9", 7000)
	if err != nil {
		t.Fatalf("re-Register: %v", err)
	}
	if !bytes.Equal(pub1, pub2) {
		t.Error("re-registering a tag rotated its key")
	}
	host, port, _, err := s.Tag("desk")
	if err != nil {
		t.Fatalf("Tag: %v", err)
	}
	if host != "10.0.0.9" || port != 7000 {
		t.Errorf("binding not updated: %s:%d", host, port)
	}
}

func TestTagUnknown(t *testing.T) {
	s := openStore(t)
	if _, _, _, err := s.Tag("nope"); err == nil {
		t.Fatal("expected error for unknown tag")
	}
}

func TestAcceptedSet(t *testing.T) {
	s := openStore(t)
	peer := bytes.Repeat([]byte{0x5a}, 32)

	if !s.Empty() {
		t.Fatal("fresh store not empty")
	}
	if s.Accepted(peer) {
		t.Fatal("unknown peer accepted")
	}
	if err := s.Accept(peer, "desk"); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if s.Empty() {
		t.Error("store still empty after accept")
	}
	if !s.Accepted(peer) {
		t.Error("accepted peer not recognized")
	}
}

func TestAcceptedSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	peer := bytes.Repeat([]byte{0x7f}, 32)
	if err := s.Accept(peer, ""); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	s.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if !s2.Accepted(peer) {
		t.Error("accepted peer lost across reopen")
	}
}

func TestTags(t *testing.T) {
	s := openStore(t)
	s.Register("desk", "10.0.0.5", 6680)
	s.Register("lab", "10.0.0.6", 6681)

	tags, err := s.Tags()
	if err != nil {
		t.Fatalf("Tags: %v", err)
	}
	if tags["desk"] != "10.0.0.5:6680" || tags["lab"] != "10.0.0.6:6681" {
		t.Errorf("tags = %v", tags)
	}
}
