//go:build !linux

package worker

import "errors"

func pinThread(int) (int, error) {
	return -1, errors.New("cpu thread pinning is only supported on linux")
}
