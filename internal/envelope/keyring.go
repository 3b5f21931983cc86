package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const KeySize = 32

type Cipher string

const (
	CipherAESGCM   Cipher = "aes-256-gcm"
	CipherChaCha20 Cipher = "chacha20-poly1305"
)

func ParseCipher(raw string) (Cipher, error) {
	switch c := Cipher(strings.ToLower(strings.TrimSpace(raw))); c {
	case "", CipherAESGCM:
		return CipherAESGCM, nil
	case CipherChaCha20:
		return c, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCipher, raw)
	}
}

// Key is one versioned secret. The cipher travels with the version so a
// rotation may also switch algorithms.
type Key struct {
	Version  int
	Cipher   Cipher
	Material [KeySize]byte
}

func (k Key) aead() (cipher.AEAD, error) {
	switch k.Cipher {
	case CipherAESGCM:
		block, err := aes.NewCipher(k.Material[:])
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case CipherChaCha20:
		return chacha20poly1305.New(k.Material[:])
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCipher, k.Cipher)
	}
}

type ringEntry struct {
	key  Key
	aead cipher.AEAD
}

// KeyRing is immutable once built; lookups are safe from any goroutine.
type KeyRing struct {
	active  int
	entries map[int]ringEntry
}

func NewKeyRing(active int, keys ...Key) (*KeyRing, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	ring := &KeyRing{active: active, entries: make(map[int]ringEntry, len(keys))}
	for _, k := range keys {
		if k.Version <= 0 {
			return nil, fmt.Errorf("%w: version %d must be positive", ErrInvalidKey, k.Version)
		}
		if _, dup := ring.entries[k.Version]; dup {
			return nil, fmt.Errorf("%w: duplicate version %d", ErrInvalidKey, k.Version)
		}
		if k.Cipher == "" {
			k.Cipher = CipherAESGCM
		}
		a, err := k.aead()
		if err != nil {
			return nil, fmt.Errorf("envelope: key v%d: %w", k.Version, err)
		}
		ring.entries[k.Version] = ringEntry{key: k, aead: a}
	}
	if _, ok := ring.entries[active]; !ok {
		return nil, fmt.Errorf("%w: v%d", ErrActiveKeyMissing, active)
	}
	return ring, nil
}

// ParseKeyRing builds a ring from "v:key[,v:key]" or "v:cipher:key" entries.
// When spec is empty, legacyKey becomes version active.
func ParseKeyRing(spec, legacyKey string, active int) (*KeyRing, error) {
	spec = strings.TrimSpace(spec)
	legacyKey = strings.TrimSpace(legacyKey)

	if spec == "" {
		if legacyKey == "" {
			return nil, ErrNoKeys
		}
		material, err := DecodeKey(legacyKey)
		if err != nil {
			return nil, err
		}
		return NewKeyRing(active, Key{Version: active, Cipher: CipherAESGCM, Material: material})
	}

	var keys []Key
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		var rawVersion, rawCipher, rawKey string
		switch len(parts) {
		case 2:
			rawVersion, rawKey = parts[0], parts[1]
		case 3:
			rawVersion, rawCipher, rawKey = parts[0], parts[1], parts[2]
		default:
			return nil, fmt.Errorf("%w: malformed entry", ErrInvalidKey)
		}

		version, err := strconv.Atoi(strings.TrimSpace(rawVersion))
		if err != nil {
			return nil, fmt.Errorf("%w: version %q", ErrInvalidKey, rawVersion)
		}
		c, err := ParseCipher(rawCipher)
		if err != nil {
			return nil, err
		}
		material, err := DecodeKey(rawKey)
		if err != nil {
			return nil, fmt.Errorf("key v%d: %w", version, err)
		}
		keys = append(keys, Key{Version: version, Cipher: c, Material: material})
	}
	return NewKeyRing(active, keys...)
}

// DecodeKey accepts 64 hex characters or any base64 alphabet that decodes to
// exactly 32 bytes.
func DecodeKey(raw string) ([KeySize]byte, error) {
	var out [KeySize]byte
	raw = strings.TrimSpace(raw)

	if len(raw) == hex.EncodedLen(KeySize) {
		if b, err := hex.DecodeString(raw); err == nil {
			copy(out[:], b)
			return out, nil
		}
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding,
	} {
		b, err := enc.DecodeString(raw)
		if err == nil && len(b) == KeySize {
			copy(out[:], b)
			return out, nil
		}
	}
	return out, fmt.Errorf("%w: expected 32 bytes as hex or base64", ErrInvalidKey)
}

func (r *KeyRing) ActiveVersion() int { return r.active }

func (r *KeyRing) Versions() []int {
	out := make([]int, 0, len(r.entries))
	for v := range r.entries {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

func (r *KeyRing) Cipher(version int) (Cipher, bool) {
	e, ok := r.entries[version]
	return e.key.Cipher, ok
}

func (r *KeyRing) lookup(version int) (ringEntry, error) {
	e, ok := r.entries[version]
	if !ok {
		return ringEntry{}, fmt.Errorf("%w: v%d", ErrKeyNotFound, version)
	}
	return e, nil
}
