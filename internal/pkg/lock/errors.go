package lock

import "errors"

// ErrLockTimeout is returned when a key cannot be acquired before the context is done.
var ErrLockTimeout = errors.New("lock acquisition timeout")
