// Package secrets encrypts stored API keys at rest with AES-GCM under a
// rotating ring of master keys. Sealed values carry the id of the key that
// produced them, so old entries stay readable after a rotation.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

const sealedPrefix = "v1"

type Keyring struct {
	currentID string
	keys      map[string][]byte
}

func NewKeyring(currentID string, keys map[string][]byte) (*Keyring, error) {
	if currentID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("key ring is empty")
	}
	if _, ok := keys[currentID]; !ok {
		return nil, fmt.Errorf("current key id %q not found in ring", currentID)
	}
	cp := make(map[string][]byte, len(keys))
	for id, key := range keys {
		if strings.Contains(id, ":") {
			return nil, fmt.Errorf("key id %q must not contain ':'", id)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		buf := make([]byte, len(key))
		copy(buf, key)
		cp[id] = buf
	}
	return &Keyring{currentID: currentID, keys: cp}, nil
}

// Seal encrypts plaintext under the current key and returns a storable
// token of the form "v1:<key id>:<nonce b64>:<ciphertext b64>".
func (k *Keyring) Seal(plaintext string) (string, error) {
	aead, err := k.aead(k.currentID)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, []byte(plaintext), nil)
	return strings.Join([]string{
		sealedPrefix,
		k.currentID,
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(ct),
	}, ":"), nil
}

// Open decrypts a token produced by Seal, with any key still in the ring.
func (k *Keyring) Open(sealed string) (string, error) {
	parts := strings.SplitN(sealed, ":", 4)
	if len(parts) != 4 || parts[0] != sealedPrefix {
		return "", fmt.Errorf("malformed sealed value")
	}
	keyID := parts[1]
	aead, err := k.aead(keyID)
	if err != nil {
		return "", err
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt with key %q: %w", keyID, err)
	}
	return string(pt), nil
}

// Reseal re-encrypts a token under the current key, for key rotation sweeps.
func (k *Keyring) Reseal(sealed string) (string, error) {
	pt, err := k.Open(sealed)
	if err != nil {
		return "", err
	}
	return k.Seal(pt)
}

func (k *Keyring) aead(keyID string) (cipher.AEAD, error) {
	key, ok := k.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", keyID)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}
