package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vblk/internal/devices/virtio"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vblk.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, CurrentVersion, c.Version)
	assert.Equal(t, uint64(16<<20), c.MemoryBytes())
	assert.Equal(t, DefaultMaxChainLength, c.Virtio.MaxChainLength)
	assert.Equal(t, uint32(DefaultQueueNumMax), c.Virtio.QueueNumMax)
	assert.Equal(t, "/metrics", c.Stats.Path)
	assert.Equal(t, 10*time.Second, c.Stats.Interval)

	h, err := c.HeadSlot()
	require.NoError(t, err)
	assert.Equal(t, virtio.HeadSlotAvailIdx, h)

	level, err := c.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)
}

func TestLoad(t *testing.T) {
	path := writeFile(t, `
version: v1.2.0
machine:
  memoryMB: 4
disk:
  image: images/disk.img
  persist: true
virtio:
  queueNumMax: 4
  headSlot: consumed
stats:
  listen: 127.0.0.1:9100
  interval: 1s
log:
  level: debug
`)
	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, uint64(4<<20), c.MemoryBytes())
	assert.Equal(t, filepath.Join(filepath.Dir(path), "images/disk.img"), c.Disk.Image)
	assert.True(t, c.Disk.Persist)
	assert.Equal(t, uint32(4), c.Virtio.QueueNumMax)
	assert.Equal(t, DefaultMaxChainLength, c.Virtio.MaxChainLength)
	h, err := c.HeadSlot()
	require.NoError(t, err)
	assert.Equal(t, virtio.HeadSlotConsumed, h)
	assert.Equal(t, "127.0.0.1:9100", c.Stats.Listen)
	assert.Equal(t, time.Second, c.Stats.Interval)
	assert.Equal(t, "vblk", c.Stats.Namespace)

	level, err := c.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad version", "version: banana\n"},
		{"future major", "version: v2.0.0\n"},
		{"short chain", "virtio:\n  maxChainLength: 2\n"},
		{"deep queue", "virtio:\n  queueNumMax: 16\n"},
		{"bad head slot", "virtio:\n  headSlot: last\n"},
		{"persist read-only", "disk:\n  readOnly: true\n  persist: true\n"},
		{"bad level", "log:\n  level: loud\n"},
		{"not yaml", "machine: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.body))
			require.Error(t, err)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "vblk.yaml")
	in := Default()
	in.Disk.Image = "/var/lib/vblk/disk.img"
	in.Stats.Listen = ":9100"
	in.Stats.Interval = 30 * time.Second

	require.NoError(t, Write(path, in))
	out, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
