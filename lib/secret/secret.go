/*
Copyright 2024 Aussie Gateway Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package secret encrypts sensitive values before they reach a store.
// Stored values are self-describing: "PLAIN:" marks cleartext written
// before encryption was enabled, "AESGCM:" marks ciphertext. A keyed
// codec reads both, so enabling encryption never invalidates existing
// records; new writes always use the strongest configured form.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"strings"

	"github.com/gravitational/trace"
)

const (
	plainPrefix  = "PLAIN:"
	aesgcmPrefix = "AESGCM:"
)

// Codec seals values for storage and opens stored values.
type Codec interface {
	// Seal encodes a value for storage.
	Seal(plaintext string) (string, error)
	// Open decodes a stored value.
	Open(stored string) (string, error)
}

// NewCodec returns an AES-256-GCM codec when key is non-empty, else the
// cleartext passthrough codec. The key must be 32 bytes.
func NewCodec(key []byte) (Codec, error) {
	if len(key) == 0 {
		return plainCodec{}, nil
	}
	if len(key) != 32 {
		return nil, trace.BadParameter("encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &aesCodec{aead: aead}, nil
}

type plainCodec struct{}

func (plainCodec) Seal(plaintext string) (string, error) {
	return plainPrefix + plaintext, nil
}

func (plainCodec) Open(stored string) (string, error) {
	if strings.HasPrefix(stored, plainPrefix) {
		return strings.TrimPrefix(stored, plainPrefix), nil
	}
	if strings.HasPrefix(stored, aesgcmPrefix) {
		return "", trace.BadParameter("value is encrypted but no encryption key is configured")
	}
	// Legacy value written before prefixes existed.
	return stored, nil
}

type aesCodec struct {
	aead cipher.AEAD
}

func (c *aesCodec) Seal(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", trace.Wrap(err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return aesgcmPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *aesCodec) Open(stored string) (string, error) {
	if strings.HasPrefix(stored, plainPrefix) {
		return strings.TrimPrefix(stored, plainPrefix), nil
	}
	if !strings.HasPrefix(stored, aesgcmPrefix) {
		return stored, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, aesgcmPrefix))
	if err != nil {
		return "", trace.BadParameter("malformed encrypted value")
	}
	if len(raw) < c.aead.NonceSize() {
		return "", trace.BadParameter("malformed encrypted value")
	}
	nonce, ciphertext := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", trace.BadParameter("decryption failed: wrong key or corrupt value")
	}
	return string(plaintext), nil
}
