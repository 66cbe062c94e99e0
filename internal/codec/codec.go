// Package codec converts activity measurements to and from the encrypted wire format.
package codec

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/crypto/chacha20poly1305"

	"example.com/settlement/internal/domain"
)

// KeySize is the symmetric key length in bytes.
const KeySize = chacha20poly1305.KeySize

// NonceSize is the length of the nonce produced by Encode.
const NonceSize = chacha20poly1305.NonceSizeX

const schemaURL = "mem://activity-payload.json"

// Key is a 256-bit symmetric key shared with the mobile client.
type Key [KeySize]byte

// ParseKey decodes a base64 (standard or URL alphabet) key.
func ParseKey(encoded string) (Key, error) {
	var key Key
	encoded = strings.TrimSpace(encoded)
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		raw, err = base64.URLEncoding.DecodeString(encoded)
		if err != nil {
			return key, fmt.Errorf("decode codec key: %w", err)
		}
	}
	if len(raw) != KeySize {
		return key, fmt.Errorf("codec key must be %d bytes, got %d", KeySize, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// Codec seals and opens activity payloads with XChaCha20-Poly1305.
type Codec struct {
	schema *jsonschema.Schema
	random io.Reader
}

// New compiles the payload schema and returns a Codec.
func New() (*Codec, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	if err := compiler.AddResource(schemaURL, strings.NewReader(payloadSchema)); err != nil {
		return nil, fmt.Errorf("load payload schema: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile payload schema: %w", err)
	}
	return &Codec{schema: schema, random: rand.Reader}, nil
}

// MustNew is New for package initialisation and tests.
func MustNew() *Codec {
	c, err := New()
	if err != nil {
		panic(err)
	}
	return c
}

// Encode serialises the measurements and seals them under a freshly generated nonce.
func (c *Codec) Encode(m domain.Measurements, key Key) (ciphertext, nonce []byte, err error) {
	plaintext, err := json.Marshal(m)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal payload: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(c.random, nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Decode authenticates and opens the ciphertext, then checks it against the payload schema.
func (c *Codec) Decode(ciphertext, nonce []byte, key Key) (domain.Measurements, error) {
	var m domain.Measurements

	if len(nonce) != NonceSize {
		return m, fmt.Errorf("%w: nonce must be %d bytes", domain.ErrDecryption, NonceSize)
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return m, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return m, fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}

	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(plaintext))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return m, fmt.Errorf("%w: %v", domain.ErrSchema, err)
	}
	if err := c.schema.Validate(doc); err != nil {
		return m, fmt.Errorf("%w: %v", domain.ErrSchema, err)
	}
	if err := json.Unmarshal(plaintext, &m); err != nil {
		return m, fmt.Errorf("%w: %v", domain.ErrSchema, err)
	}
	return m, nil
}
