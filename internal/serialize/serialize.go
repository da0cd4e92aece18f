// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package serialize (de)hydrates step/run/hook values for storage in the
// event log: a compact binary format for current-version runs, plain JSON
// for legacy runs, and optional per-run AES-256-GCM encryption layered on
// top of either. The "encr" framing is owned here, not by the crypto
// primitive — crypto/aes and crypto/cipher know nothing about it.
package serialize

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/tombee/wkf/internal/world"
)

var (
	prefixPlain     = []byte("plai")
	prefixEncrypted = []byte("encr")
)

const prefixLen = 4

// Cipher wraps a per-run AES-256-GCM AEAD. Constructing it imports the key
// into the cipher once; Serialize/Deserialize reuse it for every value in
// the run instead of re-importing the key on every call.
type Cipher struct {
	gcm cipher.AEAD
}

// NewCipher imports key once. A nil key is valid and means "unencrypted";
// Encrypt/Decrypt on a nil *Cipher both panic, so callers must check for a
// nil Cipher before using it (Options.Cipher == nil means plaintext).
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) == 0 {
		return nil, nil
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{gcm: gcm}, nil
}

// Encrypt returns [12-byte nonce][ciphertext + 16-byte auth tag].
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return c.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt; an auth tag mismatch (tampering) surfaces as
// an error from the underlying AEAD's Open.
func (c *Cipher) Decrypt(data []byte) ([]byte, error) {
	nonceSize := c.gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	return c.gcm.Open(nil, nonce, ciphertext, nil)
}

// Options controls how a value is (de)serialized.
type Options struct {
	// SpecVersion selects the wire encoding: >= world.CurrentSpecVersion
	// uses the binary format, anything lower uses legacy JSON.
	SpecVersion int

	// Cipher is the run's imported-once AEAD, or nil for an unencrypted run.
	Cipher *Cipher
}

func isLegacy(specVersion int) bool { return specVersion < world.CurrentSpecVersion }

// Serialize encodes v per opts.SpecVersion and, if opts.Cipher is set,
// encrypts the result.
func Serialize(v any, opts Options) ([]byte, error) {
	var body []byte
	var err error
	if isLegacy(opts.SpecVersion) {
		body, err = json.Marshal(v)
	} else {
		body, err = cbor.Marshal(v)
	}
	if err != nil {
		return nil, fmt.Errorf("serialize: encode: %w", err)
	}

	if opts.Cipher == nil {
		return append(append([]byte{}, prefixPlain...), body...), nil
	}
	ciphertext, err := opts.Cipher.Encrypt(body)
	if err != nil {
		return nil, fmt.Errorf("serialize: encrypt: %w", err)
	}
	return append(append([]byte{}, prefixEncrypted...), ciphertext...), nil
}

// Deserialize decodes data into target, decrypting first if it was
// produced with a key.
func Deserialize(data []byte, target any, opts Options) error {
	if len(data) < prefixLen {
		return fmt.Errorf("serialize: truncated payload")
	}
	prefix, rest := data[:prefixLen], data[prefixLen:]

	var body []byte
	switch {
	case bytes.Equal(prefix, prefixPlain):
		body = rest
	case bytes.Equal(prefix, prefixEncrypted):
		if opts.Cipher == nil {
			return fmt.Errorf("serialize: payload is encrypted but no key was provided")
		}
		plaintext, err := opts.Cipher.Decrypt(rest)
		if err != nil {
			return fmt.Errorf("serialize: decrypt: %w", err)
		}
		body = plaintext
	default:
		return fmt.Errorf("serialize: unrecognized prefix %q", prefix)
	}

	if isLegacy(opts.SpecVersion) {
		return json.Unmarshal(body, target)
	}
	return cbor.Unmarshal(body, target)
}
