package envelope

import "errors"

var (
	ErrNoKeys               = errors.New("envelope: no encryption keys configured")
	ErrActiveKeyMissing     = errors.New("envelope: active key version not in key ring")
	ErrInvalidKey           = errors.New("envelope: invalid key material")
	ErrUnknownCipher        = errors.New("envelope: unknown cipher")
	ErrKeyNotFound          = errors.New("envelope: key version not found")
	ErrAuthenticationFailed = errors.New("envelope: message authentication failed")
)
