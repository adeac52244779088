//go:build !unix

package diskimage

// Lock is a no-op on platforms without flock.
type Lock struct{}

func AcquireLock(path string) (*Lock, error) {
	return &Lock{}, nil
}

func (l *Lock) Release() error { return nil }
