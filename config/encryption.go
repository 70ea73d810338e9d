package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// keyDerivationMessage is signed once to derive the AES key. Changing it
// makes existing credentials.enc files unreadable.
var keyDerivationMessage = []byte("otcore-credential-key-v1")

// Sealer encrypts credential blobs with an AES-256-GCM key derived from an
// SSH private key signature.
type Sealer struct {
	aesKey []byte
}

// NewSealer loads the SSH key at keyPath and derives the sealing key. The
// passphrase is only needed for encrypted keys.
func NewSealer(keyPath, passphrase string) (*Sealer, error) {
	signer, err := LoadSSHSigner(keyPath, passphrase)
	if err != nil {
		return nil, err
	}
	key, err := DeriveAESKeyFromSSH(signer)
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	return &Sealer{aesKey: key}, nil
}

// Seal returns [nonce][ciphertext+tag].
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(s.aesKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	gcm, err := newGCM(s.aesKey)
	if err != nil {
		return nil, err
	}

	n := gcm.NonceSize()
	if len(sealed) < n {
		return nil, errors.New("ciphertext too short")
	}
	plaintext, err := gcm.Open(nil, sealed[:n], sealed[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// DeriveAESKeyFromSSH hashes the signature of a fixed message into a 32-byte
// key. ed25519 and RSA PKCS#1 v1.5 signatures are deterministic, so the same
// key always yields the same AES key.
func DeriveAESKeyFromSSH(signer ssh.Signer) ([]byte, error) {
	signature, err := signer.Sign(rand.Reader, keyDerivationMessage)
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	hash := sha256.Sum256(signature.Blob)
	return hash[:], nil
}

// ErrPassphraseRequired means the SSH key is encrypted and no passphrase was
// given.
var ErrPassphraseRequired = errors.New("SSH key is encrypted - passphrase required")

// LoadSSHSigner parses a private key, using passphrase when the key is
// encrypted.
func LoadSSHSigner(keyPath, passphrase string) (ssh.Signer, error) {
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read SSH key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(keyData)
	if err == nil {
		return signer, nil
	}

	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, fmt.Errorf("failed to parse SSH key: %w", err)
	}
	if passphrase == "" {
		return nil, ErrPassphraseRequired
	}

	signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(passphrase))
	if err != nil {
		return nil, fmt.Errorf("failed to parse SSH key (wrong passphrase?): %w", err)
	}
	return signer, nil
}

// FindSSHKeys returns the private keys in ~/.ssh usable for credential
// encryption, most preferred first.
func FindSSHKeys() []string {
	sshDir := filepath.Join(GetHomeDir(), ".ssh")

	var found []string
	for _, name := range []string{"otcore_ed25519", "id_ed25519", "id_rsa"} {
		path := filepath.Join(sshDir, name)
		if FileExists(path) {
			found = append(found, path)
		}
	}
	return found
}
