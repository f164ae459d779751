package state

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SecretStore persists secrets (refresh tokens, API keys) in a directory
// with restrictive permissions, encrypted at rest by a key-wrapping scheme
// whose input is the server's own API key.
//
// The wrapping construction is a minimal, explicit HMAC-based key
// derivation (HMAC-SHA256 used as a single-step KDF, the same primitive
// HKDF itself is built from) rather than golang.org/x/crypto/hkdf: no pack
// example pulls in an HKDF/AEAD dependency, and this is the only call site
// that would need one, so we stay on crypto/hmac + crypto/sha256 (see
// DESIGN.md "Dropped/avoided additions").
type SecretStore struct {
	dir     string
	wrapKey [32]byte
}

// NewSecretStore creates (if needed) dir with 0700 permissions and derives
// a wrapping key from apiKey.
func NewSecretStore(dir, apiKey string) (*SecretStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create secrets dir: %w", err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return nil, fmt.Errorf("chmod secrets dir: %w", err)
	}
	return &SecretStore{dir: dir, wrapKey: deriveKey(apiKey)}, nil
}

func deriveKey(apiKey string) [32]byte {
	mac := hmac.New(sha256.New, []byte("lancache-core/secret-wrap/v1"))
	mac.Write([]byte(apiKey))
	var key [32]byte
	copy(key[:], mac.Sum(nil))
	return key
}

type envelope struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// xorStream produces a keystream of len(out) bytes by repeatedly hashing
// key||nonce||counter, and XORs it into out in place. This is a stream
// cipher built from HMAC, matching this package's "no external crypto
// dependency" constraint (see the SecretStore doc comment).
func xorStream(out, key, nonce []byte) {
	counter := 0
	for i := 0; i < len(out); {
		mac := hmac.New(sha256.New, key)
		mac.Write(nonce)
		mac.Write([]byte{byte(counter), byte(counter >> 8), byte(counter >> 16), byte(counter >> 24)})
		block := mac.Sum(nil)
		n := len(block)
		if rem := len(out) - i; rem < n {
			n = rem
		}
		for j := 0; j < n; j++ {
			out[i+j] ^= block[j]
		}
		i += n
		counter++
	}
}

// Put encrypts value and writes it atomically to name within the secrets
// directory, with 0600 permissions.
func (s *SecretStore) Put(name string, value []byte) error {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	ct := make([]byte, len(value))
	copy(ct, value)
	xorStream(ct, s.wrapKey[:], nonce)

	env := envelope{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal secret envelope: %w", err)
	}
	return writeAtomic(filepath.Join(s.dir, name), data, 0o600)
}

// Get decrypts and returns the secret stored under name.
func (s *SecretStore) Get(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, fmt.Errorf("read secret %s: %w", name, err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse secret envelope %s: %w", name, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce %s: %w", name, err)
	}
	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext %s: %w", name, err)
	}
	pt := make([]byte, len(ct))
	copy(pt, ct)
	xorStream(pt, s.wrapKey[:], nonce)
	return pt, nil
}
