// Package a12 implements the authenticated transport the network proxy uses
// to bridge two shmif endpoints across hosts: an X25519 key agreement, HKDF
// key derivation, and AES-256-GCM framed records. The inner shmif payload
// format is defined by the peers, not by this layer.
package a12

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// GenerateKey creates a fresh X25519 private key.
func GenerateKey() (*ecdh.PrivateKey, error) {
	return ecdh.X25519().GenerateKey(rand.Reader)
}

// ParsePrivateKey rebuilds a private key from its raw 32 bytes.
func ParsePrivateKey(raw []byte) (*ecdh.PrivateKey, error) {
	return ecdh.X25519().NewPrivateKey(raw)
}

// deriveAEAD performs X25519 ECDH + HKDF-SHA256 and returns an AES-256-GCM
// sealer for one direction of the session.
func deriveAEAD(priv *ecdh.PrivateKey, peerPub []byte, info string) (cipher.AEAD, error) {
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, fmt.Errorf("parse peer public key: %w", err)
	}
	shared, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}

	// HKDF-SHA256, salt = 32 zero bytes, info = direction label.
	salt := make([]byte, 32)
	kdf := hkdf.New(sha256.New, shared, salt, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	return cipher.NewGCM(block)
}

// seal encrypts plaintext and returns nonce || ciphertext || tag.
func seal(gcm cipher.AEAD, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// open decrypts nonce || ciphertext || tag.
func open(gcm cipher.AEAD, data []byte) ([]byte, error) {
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("record too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
