//go:build linux

package plot

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestDeviceInfoUsesFilesystemBlockSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	var st unix.Stat_t
	require.NoError(t, unix.Stat(path, &st))

	dev, err := DeviceInfo(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatUint(uint64(st.Dev), 10), dev.ID)
	assert.Equal(t, max(uint64(st.Blksize), minBlockSize), dev.BlockSize)
	assert.Zero(t, dev.BlockSize%minBlockSize)
}
