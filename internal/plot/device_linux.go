//go:build linux

package plot

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// DeviceInfo returns the drive a path lives on and its I/O block size.
func DeviceInfo(path string) (Device, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return Device{}, fmt.Errorf("stat device of %s: %w", path, err)
	}
	block := uint64(st.Blksize)
	if block < minBlockSize {
		block = minBlockSize
	}
	return Device{
		ID:        strconv.FormatUint(uint64(st.Dev), 10),
		BlockSize: block,
	}, nil
}

func openFile(path string, directIO bool) (*os.File, error) {
	flags := os.O_RDONLY
	if directIO {
		flags |= unix.O_DIRECT
	}
	return os.OpenFile(path, flags, 0)
}
