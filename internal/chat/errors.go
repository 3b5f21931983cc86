package chat

import "errors"

var (
	ErrInvalidPayload   = errors.New("chat: invalid payload")
	ErrIdentityMismatch = errors.New("chat: identity mismatch")
	ErrNotMember        = errors.New("chat: user is not a member of this couple")
	ErrNotFound         = errors.New("chat: not found")
)
