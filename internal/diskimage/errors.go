package diskimage

import "errors"

// ErrLocked is returned by AcquireLock when the image is in use.
var ErrLocked = errors.New("image is locked by another process")
