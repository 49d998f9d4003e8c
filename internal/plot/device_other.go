//go:build !linux

package plot

import (
	"os"
	"path/filepath"
)

// DeviceInfo groups plots by volume and assumes a 4 KiB block size.
func DeviceInfo(path string) (Device, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Device{}, err
	}
	id := filepath.VolumeName(abs)
	if id == "" {
		id = "/"
	}
	return Device{ID: id, BlockSize: 4096}, nil
}

// openFile ignores directIO on platforms without O_DIRECT.
func openFile(path string, _ bool) (*os.File, error) {
	return os.Open(path)
}
