// Package diskimage reads and writes the raw images backing the block device.
package diskimage

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// Progress selects where Load reports progress.
type Progress int

const (
	// ProgressAuto shows a bar when stderr is a terminal.
	ProgressAuto Progress = iota
	ProgressNever
	ProgressAlways
)

func (p Progress) enabled() bool {
	switch p {
	case ProgressAlways:
		return true
	case ProgressNever:
		return false
	default:
		return term.IsTerminal(int(os.Stderr.Fd()))
	}
}

// Load reads the whole image at path into memory.
func Load(path string, progress Progress) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat image: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("image %s is not a regular file", path)
	}

	var buf bytes.Buffer
	buf.Grow(int(info.Size()))

	var writer io.Writer = &buf
	if progress.enabled() {
		bar := progressbar.NewOptions64(info.Size(),
			progressbar.OptionSetDescription(fmt.Sprintf("load %s", filepath.Base(path))),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowBytes(true),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Close()
		writer = io.MultiWriter(&buf, bar)
	}

	if _, err := io.Copy(writer, f); err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return buf.Bytes(), nil
}

// Save replaces the image at path with data. The new contents are written to
// a temporary file in the same directory and renamed over the old image.
func Save(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp image: %w", err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("write temp image: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("sync temp image: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp image: %w", err)
	}

	if info, err := os.Stat(path); err == nil {
		if err := os.Chmod(tmpFile.Name(), info.Mode().Perm()); err != nil {
			return fmt.Errorf("chmod temp image: %w", err)
		}
	}
	if err := os.Rename(tmpFile.Name(), path); err != nil {
		return fmt.Errorf("replace image: %w", err)
	}
	return nil
}

// Create writes a zero-filled image of size bytes. An existing file is left
// untouched and reported as an error.
func Create(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create image: %w", err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return fmt.Errorf("size image: %w", err)
	}
	return f.Close()
}

// SaveIfChanged saves current over path unless it equals original.
func SaveIfChanged(path string, original, current []byte) (bool, error) {
	if bytes.Equal(original, current) {
		return false, nil
	}
	return true, Save(path, current)
}
