package envelope

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
)

const (
	NonceSize = 12
	TagSize   = 16
)

// Plaintext is the sealed body. It is serialized as {"text","imageUrl"}.
type Plaintext struct {
	Text     *string `json:"text,omitempty"`
	ImageURL *string `json:"imageUrl,omitempty"`
}

type Payload struct {
	Ciphertext []byte
	IV         []byte
	AuthTag    []byte
	KeyVersion int
}

type Codec struct {
	ring *KeyRing
}

func NewCodec(ring *KeyRing) *Codec {
	return &Codec{ring: ring}
}

func (c *Codec) KeyRing() *KeyRing { return c.ring }

// Encrypt seals p with the active key under a fresh random nonce.
func (c *Codec) Encrypt(p Plaintext) (Payload, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return Payload{}, fmt.Errorf("envelope: encode plaintext: %w", err)
	}

	entry, err := c.ring.lookup(c.ring.active)
	if err != nil {
		return Payload{}, err
	}

	iv := make([]byte, entry.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return Payload{}, fmt.Errorf("envelope: nonce: %w", err)
	}

	sealed := entry.aead.Seal(nil, iv, body, nil)
	split := len(sealed) - entry.aead.Overhead()

	return Payload{
		Ciphertext: sealed[:split:split],
		IV:         iv,
		AuthTag:    sealed[split:],
		KeyVersion: entry.key.Version,
	}, nil
}

// Decrypt never returns partial plaintext: any mismatch in iv, tag or body
// yields ErrAuthenticationFailed.
func (c *Codec) Decrypt(p Payload) (Plaintext, error) {
	entry, err := c.ring.lookup(p.KeyVersion)
	if err != nil {
		return Plaintext{}, err
	}
	if len(p.IV) != entry.aead.NonceSize() || len(p.AuthTag) != entry.aead.Overhead() {
		return Plaintext{}, fmt.Errorf("%w: bad iv or tag length", ErrAuthenticationFailed)
	}

	sealed := make([]byte, 0, len(p.Ciphertext)+len(p.AuthTag))
	sealed = append(sealed, p.Ciphertext...)
	sealed = append(sealed, p.AuthTag...)

	body, err := entry.aead.Open(nil, p.IV, sealed, nil)
	if err != nil {
		return Plaintext{}, ErrAuthenticationFailed
	}

	var out Plaintext
	if err := json.Unmarshal(body, &out); err != nil {
		return Plaintext{}, fmt.Errorf("envelope: decode plaintext: %w", err)
	}
	return out, nil
}
